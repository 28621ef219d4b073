package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/sitecrew-backend/internal/jobs"
	"github.com/angelmondragon/sitecrew-backend/pkg/config"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
)

const defaultPageSize = 200

type renewalSource interface {
	DueForRenewal(ctx context.Context, cutoff time.Time, afterID uuid.UUID, limit int) ([]models.Subscription, error)
	ListLinked(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Subscription, error)
}

type retrySource interface {
	DueRetries(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]models.PaymentTransaction, error)
}

type licenseLedger interface {
	ExpiringBetween(ctx context.Context, from, to time.Time, afterID uuid.UUID, limit int) ([]models.License, error)
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

type expirySweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, job *models.BillingJob) (bool, error)
}

// TriggerParams wires the billing triggers.
type TriggerParams struct {
	Logger        *logger.Logger
	Subscriptions renewalSource
	Payments      retrySource
	Ledger        licenseLedger
	Entitlements  expirySweeper
	Queue         enqueuer
	Billing       config.BillingConfig
	Scheduler     config.SchedulerConfig
	PageSize      int
}

// BillingTriggers builds the registry of every billing trigger.
func BillingTriggers(params TriggerParams) (*Registry, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Subscriptions == nil {
		return nil, fmt.Errorf("subscription repository required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payment service required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("license ledger required")
	}
	if params.Entitlements == nil {
		return nil, fmt.Errorf("entitlement service required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("job queue required")
	}
	page := params.PageSize
	if page <= 0 {
		page = defaultPageSize
	}
	cfg := params.Scheduler
	days := func(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

	return NewRegistry(
		&renewalTrigger{
			subs: params.Subscriptions, queue: params.Queue, logg: params.Logger,
			window: days(params.Billing.RenewalWindowDays), interval: cfg.RenewalInterval, page: page,
		},
		&paymentRetryTrigger{
			payments: params.Payments, queue: params.Queue, logg: params.Logger,
			interval: cfg.PaymentRetryInterval, page: page,
		},
		&expiryNoticeTrigger{
			ledger: params.Ledger, queue: params.Queue, logg: params.Logger,
			window: days(params.Billing.ExpiryNoticeDays), interval: cfg.ExpiryNoticeInterval, page: page,
		},
		&licenseExpiryTrigger{ledger: params.Ledger, interval: cfg.ExpirySweepInterval},
		&subscriptionExpiryTrigger{svc: params.Entitlements, interval: cfg.ExpirySweepInterval},
		&reconcileTrigger{
			subs: params.Subscriptions, queue: params.Queue, logg: params.Logger,
			interval: cfg.ReconcileInterval, page: page,
		},
	), nil
}

// renewalTrigger enqueues a renewal for every auto-renewing subscription
// whose period ends inside the renewal window.
type renewalTrigger struct {
	subs     renewalSource
	queue    enqueuer
	logg     *logger.Logger
	window   time.Duration
	interval time.Duration
	page     int
}

func (t *renewalTrigger) Name() string            { return "renewal" }
func (t *renewalTrigger) Interval() time.Duration { return t.interval }

func (t *renewalTrigger) Run(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(t.window)
	return enqueuePages(ctx, t.queue, t.logg, t.page,
		func(after uuid.UUID) ([]models.Subscription, error) {
			return t.subs.DueForRenewal(ctx, cutoff, after, t.page)
		},
		func(sub models.Subscription) uuid.UUID { return sub.ID },
		func(sub models.Subscription) (*models.BillingJob, error) {
			return jobs.Renewal(sub.ID, sub.CurrentPeriodEnd, now)
		},
	)
}

// paymentRetryTrigger enqueues the next retry of each failed payment whose
// retry time has come.
type paymentRetryTrigger struct {
	payments retrySource
	queue    enqueuer
	logg     *logger.Logger
	interval time.Duration
	page     int
}

func (t *paymentRetryTrigger) Name() string            { return "payment-retry" }
func (t *paymentRetryTrigger) Interval() time.Duration { return t.interval }

func (t *paymentRetryTrigger) Run(ctx context.Context, now time.Time) (int, error) {
	return enqueuePages(ctx, t.queue, t.logg, t.page,
		func(after uuid.UUID) ([]models.PaymentTransaction, error) {
			return t.payments.DueRetries(ctx, now, after, t.page)
		},
		func(p models.PaymentTransaction) uuid.UUID { return p.ID },
		func(p models.PaymentTransaction) (*models.BillingJob, error) {
			return jobs.PaymentRetry(p.ID, p.RetryCount, now)
		},
	)
}

// expiryNoticeTrigger enqueues an expiring notice per active license whose
// validity ends inside the notice window.
type expiryNoticeTrigger struct {
	ledger   licenseLedger
	queue    enqueuer
	logg     *logger.Logger
	window   time.Duration
	interval time.Duration
	page     int
}

func (t *expiryNoticeTrigger) Name() string            { return "license-expiry-notice" }
func (t *expiryNoticeTrigger) Interval() time.Duration { return t.interval }

func (t *expiryNoticeTrigger) Run(ctx context.Context, now time.Time) (int, error) {
	until := now.Add(t.window)
	return enqueuePages(ctx, t.queue, t.logg, t.page,
		func(after uuid.UUID) ([]models.License, error) {
			return t.ledger.ExpiringBetween(ctx, now, until, after, t.page)
		},
		func(l models.License) uuid.UUID { return l.ID },
		func(l models.License) (*models.BillingJob, error) {
			return jobs.LicenseExpiryNotice(l.ID, l.ValidUntil, now)
		},
	)
}

type licenseExpiryTrigger struct {
	ledger   licenseLedger
	interval time.Duration
}

func (t *licenseExpiryTrigger) Name() string            { return "license-expiry" }
func (t *licenseExpiryTrigger) Interval() time.Duration { return t.interval }

func (t *licenseExpiryTrigger) Run(ctx context.Context, now time.Time) (int, error) {
	return t.ledger.ExpireDue(ctx, now)
}

type subscriptionExpiryTrigger struct {
	svc      expirySweeper
	interval time.Duration
}

func (t *subscriptionExpiryTrigger) Name() string            { return "subscription-expiry" }
func (t *subscriptionExpiryTrigger) Interval() time.Duration { return t.interval }

func (t *subscriptionExpiryTrigger) Run(ctx context.Context, now time.Time) (int, error) {
	return t.svc.SweepExpired(ctx, now)
}

// reconcileTrigger enqueues a daily processor comparison per linked subscription.
type reconcileTrigger struct {
	subs     renewalSource
	queue    enqueuer
	logg     *logger.Logger
	interval time.Duration
	page     int
}

func (t *reconcileTrigger) Name() string            { return "subscription-reconcile" }
func (t *reconcileTrigger) Interval() time.Duration { return t.interval }

func (t *reconcileTrigger) Run(ctx context.Context, now time.Time) (int, error) {
	return enqueuePages(ctx, t.queue, t.logg, t.page,
		func(after uuid.UUID) ([]models.Subscription, error) {
			return t.subs.ListLinked(ctx, after, t.page)
		},
		func(sub models.Subscription) uuid.UUID { return sub.ID },
		func(sub models.Subscription) (*models.BillingJob, error) {
			return jobs.SubscriptionReconcile(sub.ID, now)
		},
	)
}

// enqueuePages walks fetch by id and enqueues one job per row. Per-row
// failures are collected and do not stop the walk. The count is of newly
// inserted jobs; rows whose job already exists are skipped by the queue.
func enqueuePages[T any](
	ctx context.Context,
	queue enqueuer,
	logg *logger.Logger,
	page int,
	fetch func(after uuid.UUID) ([]T, error),
	id func(T) uuid.UUID,
	build func(T) (*models.BillingJob, error),
) (int, error) {
	var (
		errs     error
		inserted int
		scanned  int
		after    uuid.UUID
	)
	for {
		if err := ctx.Err(); err != nil {
			return inserted, multierr.Append(errs, err)
		}
		rows, err := fetch(after)
		if err != nil {
			return inserted, multierr.Append(errs, fmt.Errorf("fetch candidates: %w", err))
		}
		for _, row := range rows {
			job, err := build(row)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			ok, err := queue.Enqueue(ctx, job)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("enqueue %s: %w", job.DedupeKey, err))
				continue
			}
			if ok {
				inserted++
			}
		}
		scanned += len(rows)
		if len(rows) < page {
			break
		}
		after = id(rows[len(rows)-1])
	}
	logg.Info(logg.WithFields(ctx, map[string]any{
		"candidates": scanned,
		"enqueued":   inserted,
	}), "scheduler enqueue loop complete")
	return inserted, errs
}
