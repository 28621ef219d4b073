package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/pkg/instance"
)

// Lock hands out exclusive, expiring claims on named keys across scheduler
// instances. Acquire returns an owner token that Release must present.
type Lock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// redisStore defines the operations used by RedisLock.
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// RedisLock implements Lock using Redis SETNX + TTL.
type RedisLock struct {
	client redisStore
	keyFn  func(string) string
}

// NewRedisLock constructs a Redis-backed lock. keyFn namespaces lock names;
// nil uses them verbatim.
func NewRedisLock(client redisStore, keyFn func(string) string) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if keyFn == nil {
		keyFn = func(name string) string { return name }
	}
	return &RedisLock{client: client, keyFn: keyFn}, nil
}

// Acquire tries to own key for ttl.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("lock key is required")
	}
	token := instance.ID() + ":" + uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.keyFn(key), token, ttl)
	if err != nil {
		return "", false, fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees key only if token still owns it.
func (l *RedisLock) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if _, err := l.client.CompareAndDelete(ctx, l.keyFn(key), token); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
