package jobs

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/sitecrew-backend/pkg/config"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/dbtest"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
	"github.com/angelmondragon/sitecrew-backend/pkg/metrics"
)

type workerFixture struct {
	queue    *Repository
	handlers *Registry
	worker   *Worker
	reg      *prometheus.Registry
}

func newWorkerFixture(t *testing.T, maxAttempts int) *workerFixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	f := &workerFixture{
		queue:    NewRepository(dbtest.Open(t), maxAttempts),
		handlers: NewRegistry(),
		reg:      reg,
	}
	var err error
	f.worker, err = NewWorker(WorkerParams{
		Queue:    f.queue,
		Handlers: f.handlers,
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Metrics:  metrics.NewJobMetrics(reg),
		Config:   config.WorkerConfig{BatchSize: 10, Lease: time.Minute, Concurrency: 2},
		Now:      func() time.Time { return epoch },
	})
	require.NoError(t, err)
	return f
}

func (f *workerFixture) enqueue(t *testing.T, kind enums.JobKind) *models.BillingJob {
	t.Helper()
	job, err := build(kind, string(kind)+":"+uuid.NewString(), map[string]string{}, epoch)
	require.NoError(t, err)
	inserted, err := f.queue.Enqueue(context.Background(), job)
	require.NoError(t, err)
	require.True(t, inserted)
	return job
}

func (f *workerFixture) status(t *testing.T, id uuid.UUID) *models.BillingJob {
	t.Helper()
	job, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestNewWorkerRequiresDependencies(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	_, err := NewWorker(WorkerParams{Handlers: NewRegistry(), Logger: logg})
	require.Error(t, err)
	_, err = NewWorker(WorkerParams{Queue: &Repository{}, Logger: logg})
	require.Error(t, err)
	_, err = NewWorker(WorkerParams{Queue: &Repository{}, Handlers: NewRegistry()})
	require.Error(t, err)
}

func TestWorkerCompletesSuccessfulJobs(t *testing.T) {
	f := newWorkerFixture(t, 3)
	var calls atomic.Int32
	f.handlers.Register(enums.JobKindLicenseExpiryNotice, HandlerFunc(func(ctx context.Context, job models.BillingJob) error {
		calls.Add(1)
		return nil
	}))
	a := f.enqueue(t, enums.JobKindLicenseExpiryNotice)
	b := f.enqueue(t, enums.JobKindLicenseExpiryNotice)

	n, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, enums.JobStatusSucceeded, f.status(t, a.ID).Status)
	require.Equal(t, enums.JobStatusSucceeded, f.status(t, b.ID).Status)
	require.Equal(t, float64(2), counterValue(t, f.reg, "billing_jobs_total", "license_expiry_notice", resultSucceeded))

	n, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestWorkerReschedulesRetryableFailures(t *testing.T) {
	f := newWorkerFixture(t, 3)
	f.handlers.Register(enums.JobKindRenewal, HandlerFunc(func(ctx context.Context, job models.BillingJob) error {
		return pkgerrors.New(pkgerrors.CodeGatewayTimeout, "processor timed out")
	}))
	job := f.enqueue(t, enums.JobKindRenewal)

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	stored := f.status(t, job.ID)
	require.Equal(t, enums.JobStatusPending, stored.Status)
	require.Equal(t, 1, stored.Attempts)
	require.True(t, stored.RunAt.Equal(epoch.Add(RetryDelay(1))))
	require.NotNil(t, stored.LastError)
	require.Contains(t, *stored.LastError, "processor timed out")
}

func TestWorkerBuriesAfterMaxAttempts(t *testing.T) {
	f := newWorkerFixture(t, 1)
	f.handlers.Register(enums.JobKindRenewal, HandlerFunc(func(ctx context.Context, job models.BillingJob) error {
		return errors.New("database unavailable")
	}))
	job := f.enqueue(t, enums.JobKindRenewal)

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, enums.JobStatusDead, f.status(t, job.ID).Status)
}

func TestWorkerBuriesPermanentFailures(t *testing.T) {
	f := newWorkerFixture(t, 5)
	f.handlers.Register(enums.JobKindPaymentRetry, HandlerFunc(func(ctx context.Context, job models.BillingJob) error {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "payment already settled")
	}))
	permanent := f.enqueue(t, enums.JobKindPaymentRetry)
	unknown := f.enqueue(t, enums.JobKindSubscriptionReconcile)

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, enums.JobStatusDead, f.status(t, permanent.ID).Status)

	orphan := f.status(t, unknown.ID)
	require.Equal(t, enums.JobStatusDead, orphan.Status)
	require.Contains(t, *orphan.LastError, "no handler")
}

func TestWorkerRecoversHandlerPanics(t *testing.T) {
	f := newWorkerFixture(t, 3)
	f.handlers.Register(enums.JobKindRenewal, HandlerFunc(func(ctx context.Context, job models.BillingJob) error {
		panic("boom")
	}))
	job := f.enqueue(t, enums.JobKindRenewal)

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	stored := f.status(t, job.ID)
	require.Equal(t, enums.JobStatusPending, stored.Status)
	require.Contains(t, *stored.LastError, "panic")
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	f := newWorkerFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRetryDelayGrows(t *testing.T) {
	require.Equal(t, 30*time.Second, RetryDelay(1))
	require.Greater(t, RetryDelay(2), RetryDelay(1))
	require.Equal(t, 30*time.Minute, RetryDelay(50))
}

// counterValue reads a counter from reg whose label values equal labels, in
// label-name order.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			values := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				values = append(values, l.GetValue())
			}
			if slices.Equal(values, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}
