package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	pkgredis "github.com/angelmondragon/sitecrew-backend/pkg/redis"
)

func newRedisStore(t *testing.T) (*pkgredis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	return pkgredis.NewFromRaw(raw), mr
}

func idempotentRequest(body, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions/6f1c7f0e-1111-4a2b-9c3d-000000000001/renew", strings.NewReader(body))
	req = req.WithContext(WithUserID(context.Background(), "user-1"))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func TestRouteTTLSelection(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   time.Duration
		ok     bool
	}{
		{"create subscription", http.MethodPost, "/api/v1/organizations/abc/subscription", criticalIdempotencyTTL, true},
		{"renew", http.MethodPost, "/api/v1/subscriptions/abc/renew", criticalIdempotencyTTL, true},
		{"refund", http.MethodPost, "/api/v1/payments/abc/refund", criticalIdempotencyTTL, true},
		{"capacity", http.MethodPost, "/api/v1/subscriptions/abc/capacity", defaultIdempotencyTTL, true},
		{"assign license", http.MethodPost, "/api/v1/organizations/abc/licenses", defaultIdempotencyTTL, true},
		{"default payment method", http.MethodPost, "/api/v1/organizations/abc/payment-methods/pm_1/default", defaultIdempotencyTTL, true},
		{"capacity preview", http.MethodPost, "/api/v1/subscriptions/abc/capacity/preview", 0, false},
		{"read subscription", http.MethodGet, "/api/v1/organizations/abc/subscription", 0, false},
		{"webhook", http.MethodPost, "/api/v1/webhooks/stripe", 0, false},
	}

	for _, tt := range tests {
		ttl, ok := routeTTL(tt.method, tt.path)
		if ok != tt.ok {
			t.Fatalf("%s: expected ok=%v got %v", tt.name, tt.ok, ok)
		}
		if ok && ttl != tt.want {
			t.Fatalf("%s: expected ttl=%v got %v", tt.name, tt.want, ttl)
		}
	}
}

func TestIdempotencyMiddlewareRequiresHeader(t *testing.T) {
	store, _ := newRedisStore(t)
	handlerCalled := false
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, idempotentRequest(`{}`, ""))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
	if handlerCalled {
		t.Fatalf("handler should not run without idempotency key")
	}
}

func TestIdempotencyMiddlewareReplaysStoredResponse(t *testing.T) {
	store, _ := newRedisStore(t)
	var calls int
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"charged":true}`))
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, idempotentRequest(`{}`, "abc"))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected first response 202 got %d", resp.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, idempotentRequest(`{}`, "abc"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected replay status 202 got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected content-type header preserved")
	}
	if rec.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay marker")
	}
	if strings.TrimSpace(rec.Body.String()) != `{"charged":true}` {
		t.Fatalf("expected stored body got %s", rec.Body.String())
	}
	if calls != 1 {
		t.Fatalf("handler executed %d times, expected 1", calls)
	}
}

func TestIdempotencyMiddlewareDetectsBodyChange(t *testing.T) {
	store, _ := newRedisStore(t)
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest(`{"capacity":5}`, "xyz"))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, idempotentRequest(`{"capacity":9}`, "xyz"))

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", resp.Code)
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse error response: %v", err)
	}
	if payload.Error.Code != string(pkgerrors.CodeIdempotency) {
		t.Fatalf("expected error code %s got %s", pkgerrors.CodeIdempotency, payload.Error.Code)
	}
}

func TestIdempotencyMiddlewareDoesNotStoreServerErrors(t *testing.T) {
	store, _ := newRedisStore(t)
	var calls int
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, idempotentRequest(`{}`, "retry-me"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, idempotentRequest(`{}`, "retry-me"))

	if calls != 2 {
		t.Fatalf("expected handler to run again after a 5xx, ran %d", calls)
	}
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry got %d", second.Code)
	}
}

func TestIdempotencyMiddlewareScopesKeysPerCaller(t *testing.T) {
	store, _ := newRedisStore(t)
	var calls int
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest(`{}`, "shared"))
	other := idempotentRequest(`{}`, "shared")
	other = other.WithContext(WithUserID(context.Background(), "user-2"))
	handler.ServeHTTP(httptest.NewRecorder(), other)

	if calls != 2 {
		t.Fatalf("expected separate callers not to share keys, ran %d", calls)
	}
}
