package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
	"github.com/angelmondragon/sitecrew-backend/pkg/metrics"
)

// memoryLock is an in-process Lock whose claims never expire.
type memoryLock struct {
	mu     sync.Mutex
	claims map[string]string
	err    error
}

func newMemoryLock() *memoryLock { return &memoryLock{claims: map[string]string{}} }

func (m *memoryLock) Acquire(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	if _, taken := m.claims[key]; taken {
		return "", false, nil
	}
	m.claims[key] = key + "-token"
	return key + "-token", true, nil
}

func (m *memoryLock) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claims[key] == token {
		delete(m.claims, key)
	}
	return nil
}

type countingTrigger struct {
	name     string
	interval time.Duration
	items    int
	errs     []error
	runs     int
	onRun    func()
}

func (c *countingTrigger) Name() string            { return c.name }
func (c *countingTrigger) Interval() time.Duration { return c.interval }

func (c *countingTrigger) Run(context.Context, time.Time) (int, error) {
	c.runs++
	if c.onRun != nil {
		c.onRun()
	}
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return 0, err
	}
	return c.items, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestService(t *testing.T, lock Lock, clock *fakeClock, triggers ...Trigger) (*Service, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	svc, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "scheduler-test", Output: io.Discard}),
		Registry: NewRegistry(triggers...),
		Lock:     lock,
		Metrics:  metrics.NewSchedulerMetrics(reg),
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return svc, reg
}

func TestNewServiceRequiresLoggerAndLock(t *testing.T) {
	if _, err := NewService(ServiceParams{Lock: newMemoryLock()}); err == nil {
		t.Fatalf("expected error without logger")
	}
	logg := logger.New(logger.Options{ServiceName: "scheduler-test", Output: io.Discard})
	if _, err := NewService(ServiceParams{Logger: logg}); err == nil {
		t.Fatalf("expected error without lock")
	}
}

func TestTickRunsEachTriggerOncePerSlot(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, time.March, 2, 9, 5, 0, 0, time.UTC)}
	hourly := &countingTrigger{name: "hourly", interval: time.Hour, items: 3}
	daily := &countingTrigger{name: "daily", interval: 24 * time.Hour}
	svc, reg := newTestService(t, newMemoryLock(), clock, hourly, daily)
	ctx := context.Background()

	svc.Tick(ctx)
	clock.t = clock.t.Add(30 * time.Minute)
	svc.Tick(ctx)
	if hourly.runs != 1 || daily.runs != 1 {
		t.Fatalf("expected one run per slot, got hourly=%d daily=%d", hourly.runs, daily.runs)
	}

	clock.t = clock.t.Add(30 * time.Minute)
	svc.Tick(ctx)
	if hourly.runs != 2 {
		t.Fatalf("expected hourly trigger to run in the next slot, ran %d", hourly.runs)
	}
	if daily.runs != 1 {
		t.Fatalf("expected daily trigger to wait for the next day, ran %d", daily.runs)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var items float64
	for _, mf := range mfs {
		if mf.GetName() != "billing_scheduler_items_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			items += m.GetCounter().GetValue()
		}
	}
	if items != 6 {
		t.Fatalf("expected 6 items recorded, got %f", items)
	}
}

func TestTickRetriesFailedTriggerNextTick(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)}
	flaky := &countingTrigger{name: "flaky", interval: time.Hour, errs: []error{errors.New("db down")}}
	steady := &countingTrigger{name: "steady", interval: time.Hour}
	svc, _ := newTestService(t, newMemoryLock(), clock, flaky, steady)
	ctx := context.Background()

	svc.Tick(ctx)
	if steady.runs != 1 {
		t.Fatalf("a failing trigger must not block the others")
	}
	clock.t = clock.t.Add(time.Minute)
	svc.Tick(ctx)
	if flaky.runs != 2 {
		t.Fatalf("expected failed trigger to retry in the same slot, ran %d", flaky.runs)
	}
	svc.Tick(ctx)
	if flaky.runs != 2 {
		t.Fatalf("expected no further runs once the slot succeeded, ran %d", flaky.runs)
	}
}

func TestTickSkipsSlotsClaimedElsewhere(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)}
	lock := newMemoryLock()
	first := &countingTrigger{name: "renewal", interval: time.Hour}
	second := &countingTrigger{name: "renewal", interval: time.Hour}
	a, _ := newTestService(t, lock, clock, first)
	b, _ := newTestService(t, lock, clock, second)
	ctx := context.Background()

	a.Tick(ctx)
	b.Tick(ctx)
	if first.runs+second.runs != 1 {
		t.Fatalf("expected a single run across instances, got %d", first.runs+second.runs)
	}
}

func TestTickSkipsWhenLockUnavailable(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)}
	lock := newMemoryLock()
	lock.err = errors.New("redis down")
	trigger := &countingTrigger{name: "renewal", interval: time.Hour}
	svc, _ := newTestService(t, lock, clock, trigger)

	svc.Tick(context.Background())
	if trigger.runs != 0 {
		t.Fatalf("expected no run without the lock")
	}
	lock.err = nil
	svc.Tick(context.Background())
	if trigger.runs != 1 {
		t.Fatalf("expected run once the lock recovers, ran %d", trigger.runs)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	trigger := &countingTrigger{name: "renewal", interval: time.Hour, onRun: cancel}
	svc, _ := newTestService(t, newMemoryLock(), clock, trigger)
	svc.runOnStart = true

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
	if trigger.runs != 1 {
		t.Fatalf("expected the start-up tick to run the trigger, ran %d", trigger.runs)
	}
}
