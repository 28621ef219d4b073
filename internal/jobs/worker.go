package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/angelmondragon/sitecrew-backend/pkg/config"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
	"github.com/angelmondragon/sitecrew-backend/pkg/metrics"
)

const (
	defaultBatchSize    = 25
	defaultPollInterval = 2 * time.Second
	defaultLease        = 2 * time.Minute
	defaultConcurrency  = 4
	maxIdleBackoff      = 30 * time.Second
	retryInitial        = 30 * time.Second
	retryMax            = 30 * time.Minute
)

const (
	resultSucceeded = "succeeded"
	resultRetry     = "retry"
	resultDead      = "dead"
)

var errNoHandler = errors.New("no handler for job kind")

type queue interface {
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.BillingJob, error)
	Complete(ctx context.Context, id uuid.UUID, now time.Time) error
	Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, cause error) error
	Bury(ctx context.Context, id uuid.UUID, cause error) error
}

type handlerResolver interface {
	Resolve(kind enums.JobKind) (Handler, bool)
}

type WorkerParams struct {
	Queue    queue
	Handlers handlerResolver
	Logger   *logger.Logger
	Metrics  *metrics.JobMetrics
	Config   config.WorkerConfig
	Now      func() time.Time
}

// Worker claims due jobs and runs them with bounded concurrency.
type Worker struct {
	queue        queue
	handlers     handlerResolver
	logg         *logger.Logger
	metrics      *metrics.JobMetrics
	now          func() time.Time
	batchSize    int
	pollInterval time.Duration
	lease        time.Duration
	concurrency  int
}

func NewWorker(params WorkerParams) (*Worker, error) {
	if params.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	if params.Handlers == nil {
		return nil, errors.New("job handlers are required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	cfg := params.Config
	w := &Worker{
		queue:        params.Queue,
		handlers:     params.Handlers,
		logg:         params.Logger,
		metrics:      params.Metrics,
		now:          params.Now,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		lease:        cfg.Lease,
		concurrency:  cfg.Concurrency,
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.lease <= 0 {
		w.lease = defaultLease
	}
	if w.concurrency <= 0 {
		w.concurrency = defaultConcurrency
	}
	return w, nil
}

// Run polls the queue until ctx is canceled. A full batch is followed
// immediately by another claim; claim errors back off exponentially.
func (w *Worker) Run(ctx context.Context) error {
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = w.pollInterval
	idle.MaxInterval = maxIdleBackoff
	idle.MaxElapsedTime = 0
	idle.Reset()

	for {
		select {
		case <-ctx.Done():
			w.logg.Info(ctx, "billing worker context canceled")
			return ctx.Err()
		default:
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logg.Error(ctx, "billing worker claim failed", err)
			if err := sleep(ctx, idle.NextBackOff()); err != nil {
				return err
			}
			continue
		}
		idle.Reset()
		if n >= w.batchSize {
			continue
		}
		if err := sleep(ctx, w.pollInterval); err != nil {
			return err
		}
	}
}

// RunOnce claims one batch, runs it and returns how many jobs it claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	claimed, err := w.queue.Claim(ctx, w.now(), w.lease, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	p := pool.New().WithMaxGoroutines(w.concurrency)
	for _, job := range claimed {
		job := job
		p.Go(func() { w.execute(ctx, job) })
	}
	p.Wait()
	return len(claimed), nil
}

func (w *Worker) execute(ctx context.Context, job models.BillingJob) {
	jobCtx := w.logg.WithFields(ctx, map[string]any{
		"job_id":   job.ID.String(),
		"job_kind": job.Kind.String(),
		"attempt":  job.Attempts,
	})
	start := time.Now()
	err := w.invoke(jobCtx, job)
	duration := time.Since(start)

	result := resultSucceeded
	switch {
	case err == nil:
		if cerr := w.queue.Complete(jobCtx, job.ID, w.now()); cerr != nil {
			w.logg.Error(jobCtx, "failed to mark job succeeded", cerr)
		}
	case errors.Is(err, errNoHandler) || !pkgerrors.IsRetryable(err) || job.Attempts >= job.MaxAttempts:
		result = resultDead
		w.logg.Error(jobCtx, "billing job dead", err)
		if berr := w.queue.Bury(jobCtx, job.ID, err); berr != nil {
			w.logg.Error(jobCtx, "failed to mark job dead", berr)
		}
	default:
		result = resultRetry
		runAt := w.now().Add(RetryDelay(job.Attempts))
		w.logg.Warn(w.logg.WithField(jobCtx, "error", err.Error()), "billing job failed; rescheduled")
		if rerr := w.queue.Reschedule(jobCtx, job.ID, runAt, err); rerr != nil {
			w.logg.Error(jobCtx, "failed to reschedule job", rerr)
		}
	}
	w.metrics.Observe(job.Kind.String(), result, duration)
}

// invoke runs the handler inside the job's lease.
func (w *Worker) invoke(ctx context.Context, job models.BillingJob) (err error) {
	handler, ok := w.handlers.Resolve(job.Kind)
	if !ok {
		return fmt.Errorf("%w %q", errNoHandler, job.Kind)
	}
	ctx, cancel := context.WithTimeout(ctx, w.lease)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("job handler panic: %v", r))
		}
	}()
	return handler.Handle(ctx, job)
}

// RetryDelay is the wait before a job's next attempt after attempt failures.
func RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitial
	b.MaxInterval = retryMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
