// Package scheduler runs the billing scheduler: recurring triggers that find
// due renewals, retries, notices and expiries and either enqueue billing jobs
// or apply the transition directly. Each trigger runs at most once per
// interval slot across all instances.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
	"github.com/angelmondragon/sitecrew-backend/pkg/metrics"
)

const (
	defaultTick    = time.Minute
	defaultLockTTL = 10 * time.Minute
)

// ServiceParams configure the scheduler service.
type ServiceParams struct {
	Logger     *logger.Logger
	Registry   *Registry
	Lock       Lock
	Metrics    *metrics.SchedulerMetrics
	Tick       time.Duration
	RunTimeout time.Duration
	RunOnStart bool
	Now        func() time.Time
}

// Service checks every tick which triggers have entered a new slot and runs them.
type Service struct {
	logg       *logger.Logger
	registry   *Registry
	lock       Lock
	metrics    *metrics.SchedulerMetrics
	tick       time.Duration
	runTimeout time.Duration
	runOnStart bool
	now        func() time.Time

	mu   sync.Mutex
	done map[string]time.Time
}

// NewService builds a scheduler service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	tick := params.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	runTimeout := params.RunTimeout
	if runTimeout <= 0 {
		runTimeout = defaultLockTTL
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		logg:       params.Logger,
		registry:   registry,
		lock:       params.Lock,
		metrics:    params.Metrics,
		tick:       tick,
		runTimeout: runTimeout,
		runOnStart: params.RunOnStart,
		now:        now,
		done:       map[string]time.Time{},
	}, nil
}

// Run starts the scheduler loop until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.runOnStart {
		s.Tick(ctx)
	}
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "billing scheduler context canceled")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every trigger whose current slot has not completed yet.
func (s *Service) Tick(ctx context.Context) {
	now := s.now().UTC()
	for _, trigger := range s.registry.Triggers() {
		if ctx.Err() != nil {
			return
		}
		s.runTrigger(ctx, trigger, now)
	}
}

func (s *Service) runTrigger(ctx context.Context, trigger Trigger, now time.Time) {
	name := trigger.Name()
	slot := now.Truncate(trigger.Interval())
	if s.completed(name, slot) {
		return
	}

	trigCtx := s.logg.WithFields(ctx, map[string]any{
		"trigger": name,
		"event":   "scheduler.trigger",
		"slot":    slot.Format(time.RFC3339),
	})
	key := "scheduler:" + name + ":" + strconv.FormatInt(slot.Unix(), 10)
	token, ok, err := s.lock.Acquire(trigCtx, key, trigger.Interval())
	if err != nil {
		s.logg.Error(trigCtx, "scheduler lock acquire failed", err)
		return
	}
	if !ok {
		// Another instance finished or is running this slot.
		s.markCompleted(name, slot)
		return
	}

	runCtx, cancel := context.WithTimeout(trigCtx, s.runTimeout)
	defer cancel()
	start := time.Now()
	count, err := trigger.Run(runCtx, now)
	duration := time.Since(start)
	s.metrics.ObserveDuration(name, duration)
	trigCtx = s.logg.WithFields(trigCtx, map[string]any{
		"duration_ms": duration.Milliseconds(),
		"count":       count,
	})
	s.metrics.AddItems(name, count)
	if err != nil {
		s.logg.Error(trigCtx, "trigger failed", err)
		s.metrics.IncFailure(name)
		// Free the slot so the next tick retries.
		if relErr := s.lock.Release(ctx, key, token); relErr != nil {
			s.logg.Error(trigCtx, "failed to release scheduler lock", relErr)
		}
		return
	}
	s.logg.Info(trigCtx, "trigger completed")
	s.metrics.IncSuccess(name)
	s.markCompleted(name, slot)
}

func (s *Service) completed(name string, slot time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.done[name]
	return ok && !last.Before(slot)
}

func (s *Service) markCompleted(name string, slot time.Time) {
	s.mu.Lock()
	s.done[name] = slot
	s.mu.Unlock()
}
