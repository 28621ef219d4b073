package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/sitecrew-backend/internal/gateway"
	"github.com/angelmondragon/sitecrew-backend/internal/gateway/gatewaytest"
	"github.com/angelmondragon/sitecrew-backend/internal/licenses"
	"github.com/angelmondragon/sitecrew-backend/internal/notifications"
	"github.com/angelmondragon/sitecrew-backend/internal/payments"
	"github.com/angelmondragon/sitecrew-backend/internal/subscriptions"
	"github.com/angelmondragon/sitecrew-backend/pkg/db"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/dbtest"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/sitecrew-backend/pkg/redis"
)

type flakySubscriptions struct {
	*subscriptions.Repository
	err    error
	panics bool
}

func (f *flakySubscriptions) LockByExternalIDTx(tx *gorm.DB, externalID string) (*models.Subscription, error) {
	if f.panics {
		panic("lock blew up")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.Repository.LockByExternalIDTx(tx, externalID)
}

type fixture struct {
	conn     *gorm.DB
	svc      *Service
	fake     *gatewaytest.Fake
	subs     *flakySubscriptions
	payments *payments.Repository
	ledger   licenses.Ledger
	notices  *notifications.Recorder
	redis    *miniredis.Miniredis
	guard    *IdempotencyGuard
	orgID    uuid.UUID
	sub      *models.Subscription
}

func newFixture(t *testing.T, mutate func(*models.Subscription)) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	orgID, _ := dbtest.SeedOrganization(t, conn)
	sub := dbtest.SeedSubscription(t, conn, orgID, func(s *models.Subscription) {
		require.NoError(t, subscriptions.Link(s, "cus_1", "sub_1", "si_1", "price_seat"))
		if mutate != nil {
			mutate(s)
		}
	})

	subsRepo := subscriptions.NewRepository(conn)
	ledger, err := licenses.NewLedger(licenses.LedgerParams{
		Repo:          licenses.NewRepository(conn),
		Subscriptions: subsRepo,
		DB:            db.Wrap(conn),
		GracePeriod:   7 * 24 * time.Hour,
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	guard, err := NewIdempotencyGuard(pkgredis.NewFromRaw(goredis.NewClient(&goredis.Options{Addr: mr.Addr()})), time.Hour)
	require.NoError(t, err)

	f := &fixture{
		conn:     conn,
		fake:     gatewaytest.New(),
		subs:     &flakySubscriptions{Repository: subsRepo},
		payments: payments.NewRepository(conn),
		ledger:   ledger,
		notices:  &notifications.Recorder{},
		redis:    mr,
		guard:    guard,
		orgID:    orgID,
		sub:      sub,
	}
	f.svc, err = NewService(ServiceParams{
		Gateway:           f.fake,
		Subscriptions:     f.subs,
		Payments:          f.payments,
		Ledger:            ledger,
		Events:            NewEventLog(conn),
		Guard:             guard,
		TransactionRunner: db.Wrap(conn),
		RetrySchedule:     payments.RetrySchedule{Initial: time.Hour, Max: 24 * time.Hour, MaxRetries: 3},
		Notifier:          f.notices,
		Logger:            logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) deliver(t *testing.T, id, eventType string, created time.Time, object any) *Result {
	t.Helper()
	result, err := f.svc.Handle(context.Background(), envelope(t, id, eventType, created, object), f.fake.Secret)
	require.NoError(t, err)
	return result
}

func (f *fixture) reloadSub(t *testing.T) *models.Subscription {
	t.Helper()
	sub, err := f.subs.FindByID(context.Background(), f.sub.ID)
	require.NoError(t, err)
	return sub
}

func (f *fixture) eventStatus(t *testing.T, id string) enums.WebhookEventStatus {
	t.Helper()
	event, err := NewEventLog(f.conn).Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, event)
	return event.Status
}

func (f *fixture) seedPayment(t *testing.T, mutate func(*models.PaymentTransaction)) *models.PaymentTransaction {
	t.Helper()
	subID := f.sub.ID
	payment := &models.PaymentTransaction{
		OrganizationID: f.orgID,
		SubscriptionID: &subID,
		ExternalID:     "renewal-" + uuid.NewString(),
		Kind:           enums.TransactionKindRenewal,
		Status:         enums.PaymentStatusPending,
		Currency:       "usd",
		AmountCents:    7500,
		TotalCents:     7500,
		MaxRetries:     3,
		TransactionAt:  time.Now().UTC(),
	}
	if mutate != nil {
		mutate(payment)
	}
	require.NoError(t, f.conn.Create(payment).Error)
	return payment
}

func (f *fixture) reloadPayment(t *testing.T, id uuid.UUID) *models.PaymentTransaction {
	t.Helper()
	var payment models.PaymentTransaction
	require.NoError(t, f.conn.First(&payment, "id = ?", id).Error)
	return &payment
}

func envelope(t *testing.T, id, eventType string, created time.Time, object any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    eventType,
		"created": created.Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return payload
}

func remoteSubscription(status string, quantity int, start, end time.Time) map[string]any {
	return map[string]any{
		"id":                   "sub_1",
		"object":               "subscription",
		"customer":             "cus_1",
		"status":               status,
		"cancel_at_period_end": false,
		"items": map[string]any{
			"data": []any{map[string]any{
				"id":                   "si_1",
				"quantity":             quantity,
				"current_period_start": start.Unix(),
				"current_period_end":   end.Unix(),
				"price":                map[string]any{"id": "price_seat"},
			}},
		},
	}
}

func invoice(id string, amount int64, start, end time.Time) map[string]any {
	return map[string]any{
		"id":          id,
		"object":      "invoice",
		"customer":    "cus_1",
		"currency":    "usd",
		"amount_paid": amount,
		"amount_due":  amount,
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": "sub_1"},
		},
		"lines": map[string]any{
			"data": []any{map[string]any{
				"period": map[string]any{"start": start.Unix(), "end": end.Unix()},
			}},
		},
	}
}

func charge(id string, amount, refunded int64, metadata map[string]string) map[string]any {
	return map[string]any{
		"id":              id,
		"object":          "charge",
		"amount":          amount,
		"amount_refunded": refunded,
		"currency":        "usd",
		"customer":        "cus_1",
		"failure_message": "card declined",
		"metadata":        metadata,
		"payment_method_details": map[string]any{
			"card": map[string]any{"brand": "visa", "last4": "4242", "exp_month": 12, "exp_year": 2030},
		},
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}

func TestHandleRejectsInvalidSignature(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Handle(context.Background(), envelope(t, "evt_bad", "invoice.paid", time.Now(), map[string]any{}), "forged")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))

	var count int64
	require.NoError(t, f.conn.Model(&models.WebhookEvent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestHandleIgnoresUnknownEventTypes(t *testing.T) {
	f := newFixture(t, nil)

	result := f.deliver(t, "evt_unknown", "customer.created", time.Now(), map[string]any{"id": "cus_1"})
	require.Equal(t, EventUnknown, result.Kind)
	require.Equal(t, OutcomeIgnored, result.Outcome)
	require.Equal(t, enums.WebhookEventStatusIgnored, f.eventStatus(t, "evt_unknown"))
}

func TestReplayedEventIsAppliedOnce(t *testing.T) {
	f := newFixture(t, nil)
	start := f.sub.CurrentPeriodEnd
	end := start.AddDate(0, 1, 0)
	object := invoice("in_1", 7500, start, end)

	first := f.deliver(t, "evt_paid", "invoice.paid", time.Now(), object)
	require.Equal(t, OutcomeApplied, first.Outcome)

	second := f.deliver(t, "evt_paid", "invoice.paid", time.Now(), object)
	require.Equal(t, OutcomeDuplicate, second.Outcome)

	// The durable log still catches replays once the fast-path claim is gone.
	f.redis.FlushAll()
	third := f.deliver(t, "evt_paid", "invoice.paid", time.Now(), object)
	require.Equal(t, OutcomeDuplicate, third.Outcome)

	var count int64
	require.NoError(t, f.conn.Model(&models.PaymentTransaction{}).Where("external_id = ?", "in_1").Count(&count).Error)
	require.Equal(t, int64(1), count)
	require.True(t, f.reloadSub(t).CurrentPeriodEnd.Equal(end))
}

func TestOutOfOrderSubscriptionEventIsStale(t *testing.T) {
	f := newFixture(t, nil)
	start, end := f.sub.CurrentPeriodStart, f.sub.CurrentPeriodEnd
	now := time.Now().UTC()

	newer := f.deliver(t, "evt_active", "customer.subscription.updated", now, remoteSubscription("active", 5, start, end))
	require.Equal(t, OutcomeApplied, newer.Outcome)

	older := f.deliver(t, "evt_past_due", "customer.subscription.updated", now.Add(-time.Minute), remoteSubscription("past_due", 5, start, end))
	require.Equal(t, OutcomeStale, older.Outcome)
	require.Equal(t, enums.WebhookEventStatusProcessed, f.eventStatus(t, "evt_past_due"))
	require.Equal(t, enums.SubscriptionStatusActive, f.reloadSub(t).Status)
}

func TestSameSecondEventAfterLocalWriteApplies(t *testing.T) {
	second := time.Now().UTC().Truncate(time.Second)
	f := newFixture(t, func(s *models.Subscription) {
		local := second.Add(400 * time.Millisecond)
		s.LastSyncedAt = &local
	})

	result := f.deliver(t, "evt_same_second", "customer.subscription.updated", second,
		remoteSubscription("past_due", 9, f.sub.CurrentPeriodStart, f.sub.CurrentPeriodEnd))
	require.Equal(t, OutcomeApplied, result.Outcome)

	sub := f.reloadSub(t)
	require.Equal(t, enums.SubscriptionStatusPastDue, sub.Status)
	require.Equal(t, 9, sub.LicenseCapacity)
}

func TestInvoiceFailureThenPaymentRestoresAccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	license, err := f.ledger.Assign(ctx, f.orgID, dbtest.SeedUser(t, f.conn))
	require.NoError(t, err)

	now := time.Now().UTC()
	start := f.sub.CurrentPeriodEnd
	end := start.AddDate(0, 1, 0)

	failed := f.deliver(t, "evt_failed", "invoice.payment_failed", now, invoice("in_2", 7500, start, end))
	require.Equal(t, OutcomeApplied, failed.Outcome)
	require.Equal(t, enums.SubscriptionStatusPastDue, f.reloadSub(t).Status)
	require.Len(t, f.notices.Sent(notifications.KindPaymentFailed), 1)

	paid := f.deliver(t, "evt_recovered", "invoice.paid", now.Add(time.Minute), invoice("in_2", 7500, start, end))
	require.Equal(t, OutcomeApplied, paid.Outcome)

	sub := f.reloadSub(t)
	require.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	require.True(t, sub.CurrentPeriodEnd.Equal(end))

	reloaded, err := f.ledger.Get(ctx, license.ID)
	require.NoError(t, err)
	require.True(t, reloaded.ValidUntil.Equal(end))

	var payment models.PaymentTransaction
	require.NoError(t, f.conn.First(&payment, "external_id = ?", "in_2").Error)
	require.Equal(t, enums.PaymentStatusCompleted, payment.Status)
}

func TestRemoteCapacityReductionRevokesNewestLicenses(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var assigned []*models.License
	for i := 0; i < 3; i++ {
		license, err := f.ledger.Assign(ctx, f.orgID, dbtest.SeedUser(t, f.conn))
		require.NoError(t, err)
		assigned = append(assigned, license)
		time.Sleep(2 * time.Millisecond)
	}

	result := f.deliver(t, "evt_shrink", "customer.subscription.updated", time.Now(),
		remoteSubscription("active", 2, f.sub.CurrentPeriodStart, f.sub.CurrentPeriodEnd))
	require.Equal(t, OutcomeApplied, result.Outcome)

	sub := f.reloadSub(t)
	require.Equal(t, 2, sub.LicenseCapacity)
	require.Equal(t, 2, sub.LicensesInUse)

	newest, err := f.ledger.Get(ctx, assigned[2].ID)
	require.NoError(t, err)
	require.Equal(t, enums.LicenseStatusRevoked, newest.Status)
	oldest, err := f.ledger.Get(ctx, assigned[0].ID)
	require.NoError(t, err)
	require.Equal(t, enums.LicenseStatusActive, oldest.Status)
}

func TestSubscriptionDeletedCancels(t *testing.T) {
	f := newFixture(t, nil)

	result := f.deliver(t, "evt_deleted", "customer.subscription.deleted", time.Now(),
		remoteSubscription("active", 5, f.sub.CurrentPeriodStart, f.sub.CurrentPeriodEnd))
	require.Equal(t, OutcomeApplied, result.Outcome)
	require.Equal(t, enums.SubscriptionStatusCancelled, f.reloadSub(t).Status)
}

func TestUnmatchedSubscriptionIsAcknowledged(t *testing.T) {
	f := newFixture(t, nil)
	object := remoteSubscription("active", 5, f.sub.CurrentPeriodStart, f.sub.CurrentPeriodEnd)
	object["id"] = "sub_other"
	object["customer"] = "cus_other"

	result := f.deliver(t, "evt_other", "customer.subscription.updated", time.Now(), object)
	require.Equal(t, OutcomeUnmatched, result.Outcome)
	require.Equal(t, enums.WebhookEventStatusIgnored, f.eventStatus(t, "evt_other"))
}

func TestChargeRefundsAreCumulative(t *testing.T) {
	f := newFixture(t, nil)
	payment := f.seedPayment(t, func(p *models.PaymentTransaction) {
		ref := "ch_paid"
		p.Kind = enums.TransactionKindCharge
		p.Status = enums.PaymentStatusCompleted
		p.ProcessorReference = &ref
		p.TotalCents = 6000
		p.AmountCents = 6000
	})

	partial := f.deliver(t, "evt_refund_1", "charge.refunded", time.Now(), charge("ch_paid", 6000, 2000, nil))
	require.Equal(t, OutcomeApplied, partial.Outcome)
	reloaded := f.reloadPayment(t, payment.ID)
	require.Equal(t, enums.PaymentStatusPartiallyRefunded, reloaded.Status)
	require.Equal(t, int64(2000), reloaded.RefundedAmountCents)

	replay := f.deliver(t, "evt_refund_1b", "charge.refunded", time.Now(), charge("ch_paid", 6000, 2000, nil))
	require.Equal(t, OutcomeNoop, replay.Outcome)

	full := f.deliver(t, "evt_refund_2", "charge.refunded", time.Now(), charge("ch_paid", 6000, 6000, nil))
	require.Equal(t, OutcomeApplied, full.Outcome)
	reloaded = f.reloadPayment(t, payment.ID)
	require.Equal(t, enums.PaymentStatusRefunded, reloaded.Status)
	require.Equal(t, int64(6000), reloaded.RefundedAmountCents)
}

func TestRenewalChargeSucceededSettlesPeriodOnce(t *testing.T) {
	f := newFixture(t, nil)
	periodEnd := f.sub.CurrentPeriodEnd
	payment := f.seedPayment(t, func(p *models.PaymentTransaction) {
		p.BillingPeriodEnd = &periodEnd
	})
	object := charge("ch_renewal", 7500, 0, map[string]string{gateway.MetadataTransactionRef: payment.ExternalID})

	result := f.deliver(t, "evt_succeeded", "charge.succeeded", time.Now(), object)
	require.Equal(t, OutcomeApplied, result.Outcome)

	reloaded := f.reloadPayment(t, payment.ID)
	require.Equal(t, enums.PaymentStatusCompleted, reloaded.Status)
	require.Equal(t, "ch_renewal", *reloaded.ProcessorReference)
	require.Equal(t, "4242", *reloaded.CardLast4)

	sub := f.reloadSub(t)
	require.True(t, sub.CurrentPeriodStart.Equal(periodEnd))
	require.True(t, sub.CurrentPeriodEnd.Equal(periodEnd.AddDate(0, 1, 0)))

	again := f.deliver(t, "evt_succeeded_again", "charge.succeeded", time.Now(), object)
	require.Equal(t, OutcomeNoop, again.Outcome)
	require.True(t, f.reloadSub(t).CurrentPeriodEnd.Equal(periodEnd.AddDate(0, 1, 0)))
}

func TestRenewalChargeFailedMarksPastDue(t *testing.T) {
	f := newFixture(t, nil)
	periodEnd := f.sub.CurrentPeriodEnd
	payment := f.seedPayment(t, func(p *models.PaymentTransaction) {
		ref := "pi_renewal"
		p.ProcessorReference = &ref
		p.BillingPeriodEnd = &periodEnd
	})
	object := charge("ch_declined", 7500, 0, nil)
	object["payment_intent"] = "pi_renewal"

	result := f.deliver(t, "evt_charge_failed", "charge.failed", time.Now(), object)
	require.Equal(t, OutcomeApplied, result.Outcome)

	reloaded := f.reloadPayment(t, payment.ID)
	require.Equal(t, enums.PaymentStatusFailed, reloaded.Status)
	require.NotNil(t, reloaded.NextRetryAt)
	require.Equal(t, "card declined", *reloaded.ErrorMessage)
	require.Equal(t, enums.SubscriptionStatusPastDue, f.reloadSub(t).Status)
	require.Len(t, f.notices.Sent(notifications.KindPaymentFailed), 1)
}

func TestRetryableFailureReleasesClaim(t *testing.T) {
	f := newFixture(t, nil)
	object := remoteSubscription("past_due", 5, f.sub.CurrentPeriodStart, f.sub.CurrentPeriodEnd)
	payload := envelope(t, "evt_flaky", "customer.subscription.updated", time.Now(), object)

	f.subs.err = errors.New("connection reset")
	_, err := f.svc.Handle(context.Background(), payload, f.fake.Secret)
	require.Error(t, err)
	require.True(t, pkgerrors.IsRetryable(err))
	require.Equal(t, enums.WebhookEventStatusFailed, f.eventStatus(t, "evt_flaky"))

	f.subs.err = nil
	result, err := f.svc.Handle(context.Background(), payload, f.fake.Secret)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, result.Outcome)
	require.Equal(t, enums.SubscriptionStatusPastDue, f.reloadSub(t).Status)
}

func TestPanickedDeliveryIsProcessedOnRedelivery(t *testing.T) {
	f := newFixture(t, nil)
	object := remoteSubscription("past_due", 5, f.sub.CurrentPeriodStart, f.sub.CurrentPeriodEnd)
	payload := envelope(t, "evt_panic", "customer.subscription.updated", time.Now(), object)

	f.subs.panics = true
	require.Panics(t, func() {
		_, _ = f.svc.Handle(context.Background(), payload, f.fake.Secret)
	})
	require.Equal(t, enums.WebhookEventStatusReceived, f.eventStatus(t, "evt_panic"))
	require.Equal(t, enums.SubscriptionStatusActive, f.reloadSub(t).Status)

	f.subs.panics = false
	result, err := f.svc.Handle(context.Background(), payload, f.fake.Secret)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, result.Outcome)
	require.Equal(t, enums.SubscriptionStatusPastDue, f.reloadSub(t).Status)
	require.Equal(t, enums.WebhookEventStatusProcessed, f.eventStatus(t, "evt_panic"))
}

func TestLeftoverClaimDoesNotSwallowUnfinishedEvent(t *testing.T) {
	f := newFixture(t, nil)
	object := remoteSubscription("past_due", 5, f.sub.CurrentPeriodStart, f.sub.CurrentPeriodEnd)

	// A delivery that died after claiming, before anything was logged.
	claimed, err := f.guard.Claim(context.Background(), "evt_orphan")
	require.NoError(t, err)
	require.False(t, claimed)

	result := f.deliver(t, "evt_orphan", "customer.subscription.updated", time.Now(), object)
	require.Equal(t, OutcomeApplied, result.Outcome)
	require.Equal(t, enums.SubscriptionStatusPastDue, f.reloadSub(t).Status)

	again := f.deliver(t, "evt_orphan", "customer.subscription.updated", time.Now(), object)
	require.Equal(t, OutcomeDuplicate, again.Outcome)
}

func TestSyncSubscriptionAppliesRemoteState(t *testing.T) {
	f := newFixture(t, nil)
	f.fake.PutRemote(gateway.Subscription{
		ID:                "sub_1",
		CustomerID:        "cus_1",
		ItemID:            "si_1",
		Status:            "active",
		CancelAtPeriodEnd: true,
		Quantity:          5,
		PeriodStart:       f.sub.CurrentPeriodStart,
		PeriodEnd:         f.sub.CurrentPeriodEnd,
	})

	outcome, err := f.svc.SyncSubscription(context.Background(), f.sub.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	sub := f.reloadSub(t)
	require.Equal(t, enums.SubscriptionStatusCancelled, sub.Status)
	require.False(t, sub.AutoRenew)
	require.NotNil(t, sub.LastSyncedAt)
}

func TestSyncSubscriptionSkipsUnlinked(t *testing.T) {
	f := newFixture(t, func(s *models.Subscription) {
		s.ExternalCustomerID = nil
		s.ExternalSubscriptionID = nil
	})

	outcome, err := f.svc.SyncSubscription(context.Background(), f.sub.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, outcome)
	require.Zero(t, f.fake.CallCount(gatewaytest.OpGetSubscription))

	_, err = f.svc.SyncSubscription(context.Background(), uuid.New())
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}
