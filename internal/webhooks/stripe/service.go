package stripewebhook

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sitecrew-backend/internal/gateway"
	"github.com/angelmondragon/sitecrew-backend/internal/licenses"
	"github.com/angelmondragon/sitecrew-backend/internal/notifications"
	"github.com/angelmondragon/sitecrew-backend/internal/payments"
	"github.com/angelmondragon/sitecrew-backend/internal/subscriptions"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
	"github.com/angelmondragon/sitecrew-backend/pkg/metrics"
)

// Outcome describes what processing an event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeStale     Outcome = "stale"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoop      Outcome = "noop"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeFailed    Outcome = "failed"
)

func (o Outcome) status() enums.WebhookEventStatus {
	switch o {
	case OutcomeApplied, OutcomeStale, OutcomeNoop:
		return enums.WebhookEventStatusProcessed
	case OutcomeFailed:
		return enums.WebhookEventStatusFailed
	default:
		return enums.WebhookEventStatusIgnored
	}
}

// Result is returned to the webhook controller.
type Result struct {
	EventID string    `json:"event_id"`
	Kind    EventKind `json:"kind"`
	Outcome Outcome   `json:"outcome"`
}

type gatewayClient interface {
	VerifyWebhook(payload []byte, signature string) (*gateway.Event, error)
	GetSubscription(ctx context.Context, id string) (*gateway.Subscription, error)
}

type subscriptionsRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	LockByIDTx(tx *gorm.DB, id uuid.UUID) (*models.Subscription, error)
	LockByExternalIDTx(tx *gorm.DB, externalID string) (*models.Subscription, error)
	LockByExternalCustomerTx(tx *gorm.DB, customerID string) (*models.Subscription, error)
	SaveTx(tx *gorm.DB, sub *models.Subscription) error
}

type paymentsRepository interface {
	CreateTx(tx *gorm.DB, payment *models.PaymentTransaction) error
	SaveTx(tx *gorm.DB, payment *models.PaymentTransaction) error
	LockByIDTx(tx *gorm.DB, id uuid.UUID) (*models.PaymentTransaction, error)
	FindByExternalIDTx(tx *gorm.DB, externalID string) (*models.PaymentTransaction, error)
	FindByProcessorReferenceTx(tx *gorm.DB, ref string) (*models.PaymentTransaction, error)
}

type licenseLedger interface {
	ExpireAllTx(tx *gorm.DB, sub *models.Subscription) (int, error)
	ExtendTx(tx *gorm.DB, sub *models.Subscription, validUntil time.Time) error
	ShrinkToTx(tx *gorm.DB, sub *models.Subscription, capacity int, reason string) (int, error)
}

type eventLog interface {
	Begin(ctx context.Context, event *models.WebhookEvent) (*models.WebhookEvent, bool, error)
	Finish(ctx context.Context, id uuid.UUID, status enums.WebhookEventStatus, outcome string, errMsg string, at time.Time) error
}

type claimGuard interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ServiceParams struct {
	Gateway           gatewayClient
	Subscriptions     subscriptionsRepository
	Payments          paymentsRepository
	Ledger            licenseLedger
	Events            eventLog
	Guard             claimGuard
	TransactionRunner txRunner
	RetrySchedule     payments.RetrySchedule
	Notifier          notifications.Dispatcher
	Metrics           *metrics.WebhookMetrics
	Logger            *logger.Logger
	Now               func() time.Time
}

// Service reconciles processor events into local billing state. Every event
// is verified, deduplicated, and applied at most once; facts older than what
// a subscription already reflects are dropped.
type Service struct {
	gateway  gatewayClient
	subs     subscriptionsRepository
	payments paymentsRepository
	ledger   licenseLedger
	events   eventLog
	guard    claimGuard
	tx       txRunner
	retry    payments.RetrySchedule
	notifier notifications.Dispatcher
	metrics  *metrics.WebhookMetrics
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "gateway required")
	}
	if params.Subscriptions == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscriptions repository required")
	}
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payments repository required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "license ledger required")
	}
	if params.Events == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "event log required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		gateway:  params.Gateway,
		subs:     params.Subscriptions,
		payments: params.Payments,
		ledger:   params.Ledger,
		events:   params.Events,
		guard:    params.Guard,
		tx:       params.TransactionRunner,
		retry:    params.RetrySchedule,
		notifier: params.Notifier,
		metrics:  params.Metrics,
		logg:     params.Logger,
		now:      now,
	}, nil
}

// effects collects work that must only happen after the transaction commits.
type effects struct {
	notices []notifications.Notification
}

func (fx *effects) notify(n notifications.Notification) {
	fx.notices = append(fx.notices, n)
}

// Handle verifies the raw payload and processes the event. A returned error
// means the processor should redeliver.
func (s *Service) Handle(ctx context.Context, payload []byte, signature string) (*Result, error) {
	event, err := s.gateway.VerifyWebhook(payload, signature)
	if err != nil {
		s.metrics.Observe(EventUnknown.String(), "signature_invalid")
		s.logg.Warn(ctx, "webhook signature rejected")
		return nil, err
	}
	return s.Process(ctx, event)
}

// Process applies a verified event.
func (s *Service) Process(ctx context.Context, event *gateway.Event) (*Result, error) {
	if event == nil || strings.TrimSpace(event.ID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id is required")
	}
	kind := ParseEventKind(event.Type)
	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":   event.ID,
		"event_type": event.Type,
	})
	result := &Result{EventID: event.ID, Kind: kind}

	held := false
	if s.guard != nil {
		claimed, err := s.guard.Claim(ctx, event.ID)
		if err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "webhook claim unavailable, falling back to event log")
		}
		held = claimed
		defer func() {
			if r := recover(); r != nil {
				s.release(ctx, event.ID)
				panic(r)
			}
		}()
	}

	record, created, err := s.events.Begin(ctx, &models.WebhookEvent{
		ProviderEventID: event.ID,
		EventType:       event.Type,
		EventCreatedAt:  event.Created.UTC(),
		ReceivedAt:      s.now().UTC(),
	})
	if err != nil {
		s.release(ctx, event.ID)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record webhook event")
	}
	// The claim alone is not proof of processing: only a finished log row is.
	if !created && (record.Status == enums.WebhookEventStatusProcessed || record.Status == enums.WebhookEventStatusIgnored) {
		return s.finishResult(ctx, result, OutcomeDuplicate), nil
	}
	if held {
		s.logg.Warn(s.logg.WithField(ctx, "event_status", string(record.Status)), "webhook event claimed but unfinished, processing again")
	}

	fx := &effects{}
	outcome, handleErr := s.dispatch(ctx, kind, event, fx)
	if handleErr != nil && pkgerrors.IsCode(handleErr, pkgerrors.CodeNotFound) {
		outcome, handleErr = OutcomeUnmatched, nil
	}
	errMsg := ""
	if handleErr != nil {
		outcome = OutcomeFailed
		errMsg = handleErr.Error()
	}

	if err := s.events.Finish(ctx, record.ID, outcome.status(), string(outcome), errMsg, s.now()); err != nil {
		s.logg.Error(ctx, "failed to finish webhook event", err)
	}
	s.finishResult(ctx, result, outcome)

	if handleErr != nil {
		s.logg.Error(ctx, "webhook event failed", handleErr)
		if pkgerrors.IsRetryable(handleErr) {
			s.release(ctx, event.ID)
			return nil, handleErr
		}
		return result, nil
	}

	for _, n := range fx.notices {
		notifications.Send(ctx, s.notifier, s.logg, n)
	}
	return result, nil
}

func (s *Service) finishResult(ctx context.Context, result *Result, outcome Outcome) *Result {
	result.Outcome = outcome
	s.metrics.Observe(result.Kind.String(), string(outcome))
	s.logg.Info(s.logg.WithField(ctx, "outcome", string(outcome)), "webhook event handled")
	return result
}

func (s *Service) release(ctx context.Context, eventID string) {
	if s.guard == nil {
		return
	}
	if err := s.guard.Release(ctx, eventID); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "failed to release webhook claim")
	}
}

func (s *Service) dispatch(ctx context.Context, kind EventKind, event *gateway.Event, fx *effects) (Outcome, error) {
	var (
		outcome Outcome
		err     error
	)
	switch kind {
	case EventChargeSucceeded:
		outcome, err = s.handleChargeSucceeded(ctx, event)
	case EventChargeFailed:
		outcome, err = s.handleChargeFailed(ctx, event, fx)
	case EventChargeRefunded:
		outcome, err = s.handleChargeRefunded(ctx, event)
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		outcome, err = s.handleSubscription(ctx, kind, event)
	case EventInvoicePaymentSucceeded:
		outcome, err = s.handleInvoicePaid(ctx, event)
	case EventInvoicePaymentFailed:
		outcome, err = s.handleInvoiceFailed(ctx, event, fx)
	default:
		return OutcomeIgnored, nil
	}
	if err != nil && pkgerrors.As(err) == nil {
		err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply webhook event")
	}
	return outcome, err
}

// lockChargeTx resolves the transaction a charge event refers to and locks
// its subscription, then the transaction itself.
func (s *Service) lockChargeTx(tx *gorm.DB, facts *chargeFacts) (*models.Subscription, *models.PaymentTransaction, error) {
	var found *models.PaymentTransaction
	for _, ref := range facts.references() {
		payment, err := s.payments.FindByProcessorReferenceTx(tx, ref)
		if err != nil {
			return nil, nil, err
		}
		if payment != nil {
			found = payment
			break
		}
	}
	if found == nil && facts.TransactionRef != "" {
		payment, err := s.payments.FindByExternalIDTx(tx, facts.TransactionRef)
		if err != nil {
			return nil, nil, err
		}
		found = payment
	}
	if found == nil {
		return nil, nil, nil
	}

	var sub *models.Subscription
	if found.SubscriptionID != nil {
		locked, err := s.subs.LockByIDTx(tx, *found.SubscriptionID)
		if err != nil {
			return nil, nil, err
		}
		sub = locked
	}
	payment, err := s.payments.LockByIDTx(tx, found.ID)
	if err != nil {
		return nil, nil, err
	}
	return sub, payment, nil
}

func (s *Service) handleChargeSucceeded(ctx context.Context, event *gateway.Event) (Outcome, error) {
	facts, err := decodeCharge(event.Object)
	if err != nil {
		return OutcomeFailed, err
	}
	outcome := OutcomeNoop
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		sub, payment, err := s.lockChargeTx(tx, facts)
		if err != nil {
			return err
		}
		if payment == nil {
			outcome = OutcomeUnmatched
			return nil
		}
		if !payments.MarkCompleted(payment, facts.reference(), event.Created) {
			return nil
		}
		applyCard(payment, facts.Card)
		if err := s.payments.SaveTx(tx, payment); err != nil {
			return err
		}
		outcome = OutcomeApplied

		if sub == nil || payment.Kind != enums.TransactionKindRenewal || payment.BillingPeriodEnd == nil {
			return nil
		}
		return s.settleRenewalTx(ctx, tx, sub, *payment.BillingPeriodEnd, event.Created)
	})
	return outcome, err
}

func (s *Service) settleRenewalTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, paidPeriodEnd, at time.Time) error {
	advanced, err := subscriptions.SettleRenewal(sub, paidPeriodEnd)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
			s.logg.Warn(s.logg.WithSubscriptionID(ctx, sub.ID.String()), "renewal paid for a subscription that can no longer renew")
			return nil
		}
		return err
	}
	if !advanced {
		return nil
	}
	if err := s.ledger.ExtendTx(tx, sub, licenses.ValidUntil(sub)); err != nil {
		return err
	}
	subscriptions.MarkSynced(sub, at)
	return s.subs.SaveTx(tx, sub)
}

func (s *Service) handleChargeFailed(ctx context.Context, event *gateway.Event, fx *effects) (Outcome, error) {
	facts, err := decodeCharge(event.Object)
	if err != nil {
		return OutcomeFailed, err
	}
	outcome := OutcomeNoop
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		sub, payment, err := s.lockChargeTx(tx, facts)
		if err != nil {
			return err
		}
		if payment == nil {
			outcome = OutcomeUnmatched
			return nil
		}
		if payment.Status != enums.PaymentStatusPending {
			return nil
		}
		payments.MarkFailed(payment, facts.FailureMessage, event.Created, s.retry)
		if err := s.payments.SaveTx(tx, payment); err != nil {
			return err
		}
		outcome = OutcomeApplied

		if sub == nil || payment.Kind != enums.TransactionKindRenewal {
			return nil
		}
		if payment.BillingPeriodEnd != nil && !payment.BillingPeriodEnd.Equal(sub.CurrentPeriodEnd) {
			return nil
		}
		return s.markPastDueTx(tx, sub, facts.FailureMessage, event.Created, fx)
	})
	return outcome, err
}

func (s *Service) handleChargeRefunded(ctx context.Context, event *gateway.Event) (Outcome, error) {
	facts, err := decodeCharge(event.Object)
	if err != nil {
		return OutcomeFailed, err
	}
	outcome := OutcomeNoop
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, payment, err := s.lockChargeTx(tx, facts)
		if err != nil {
			return err
		}
		if payment == nil {
			outcome = OutcomeUnmatched
			return nil
		}
		if !payments.ApplyRefund(payment, facts.RefundedCents, event.Created) {
			return nil
		}
		outcome = OutcomeApplied
		return s.payments.SaveTx(tx, payment)
	})
	return outcome, err
}

func (s *Service) handleSubscription(ctx context.Context, kind EventKind, event *gateway.Event) (Outcome, error) {
	remote, err := decodeSubscription(event.Object)
	if err != nil {
		return OutcomeFailed, err
	}
	if kind == EventSubscriptionDeleted {
		remote.Status = "canceled"
		remote.CancelAtPeriodEnd = false
	}

	outcome := OutcomeNoop
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		sub, err := s.lockByRemoteTx(tx, remote.ID, remote.CustomerID)
		if err != nil {
			return err
		}
		if sub == nil {
			outcome = OutcomeUnmatched
			return nil
		}
		outcome, err = s.applyRemoteTx(ctx, tx, sub, remoteState(remote, event.Created))
		return err
	})
	return outcome, err
}

// lockByRemoteTx finds the local subscription for a processor subscription,
// falling back to the customer for rows not linked yet.
func (s *Service) lockByRemoteTx(tx *gorm.DB, remoteID, customerID string) (*models.Subscription, error) {
	sub, err := s.subs.LockByExternalIDTx(tx, remoteID)
	if err != nil || sub != nil {
		return sub, err
	}
	if customerID == "" {
		return nil, nil
	}
	sub, err = s.subs.LockByExternalCustomerTx(tx, customerID)
	if err != nil || sub == nil {
		return nil, err
	}
	if sub.ExternalSubscriptionID != nil && *sub.ExternalSubscriptionID != remoteID {
		return nil, nil
	}
	return sub, nil
}

func (s *Service) applyRemoteTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, remote subscriptions.RemoteState) (Outcome, error) {
	change := subscriptions.ApplyRemote(sub, remote)
	if change.Stale {
		return OutcomeStale, nil
	}
	ctx = s.logg.WithSubscriptionID(ctx, sub.ID.String())
	if change.StatusSkipped {
		s.logg.Warn(s.logg.WithField(ctx, "remote_status", remote.Status), "remote status not reachable from local state")
	}

	if sub.Status == enums.SubscriptionStatusExpired {
		if _, err := s.ledger.ExpireAllTx(tx, sub); err != nil {
			return OutcomeFailed, err
		}
	} else {
		if change.CapacityChanged && sub.LicenseCapacity < change.PreviousCapacity {
			revoked, err := s.ledger.ShrinkToTx(tx, sub, sub.LicenseCapacity, licenses.ReasonCapacityReduced)
			if err != nil {
				return OutcomeFailed, err
			}
			if revoked > 0 {
				s.logg.Info(s.logg.WithField(ctx, "revoked", revoked), "licenses revoked after remote capacity reduction")
			}
		}
		if change.PeriodChanged && sub.Status.AllowsLicenseAssignment() {
			if err := s.ledger.ExtendTx(tx, sub, licenses.ValidUntil(sub)); err != nil {
				return OutcomeFailed, err
			}
		}
	}

	if err := s.subs.SaveTx(tx, sub); err != nil {
		return OutcomeFailed, err
	}
	if change.StatusChanged() {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"from": string(change.From),
			"to":   string(change.To),
		}), "subscription status reconciled")
	}
	return OutcomeApplied, nil
}

func (s *Service) handleInvoicePaid(ctx context.Context, event *gateway.Event) (Outcome, error) {
	facts, err := decodeInvoice(event.Object)
	if err != nil {
		return OutcomeFailed, err
	}
	if facts.SubscriptionID == "" {
		return OutcomeIgnored, nil
	}

	outcome := OutcomeNoop
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		sub, err := s.lockByRemoteTx(tx, facts.SubscriptionID, facts.CustomerID)
		if err != nil {
			return err
		}
		if sub == nil {
			outcome = OutcomeUnmatched
			return nil
		}
		if err := s.recordInvoiceTx(tx, sub, facts, enums.PaymentStatusCompleted, event.Created); err != nil {
			return err
		}
		if subscriptions.IsStale(sub, event.Created) || sub.Status.IsTerminal() {
			outcome = OutcomeStale
			return nil
		}
		// Zero-amount trial invoices do not end the trial.
		if sub.Status == enums.SubscriptionStatusTrial && facts.AmountPaidCents == 0 {
			return nil
		}

		fromStatus, fromEnd := sub.Status, sub.CurrentPeriodEnd
		if facts.hasPeriod() {
			err = subscriptions.RenewTo(sub, facts.PeriodStart, facts.PeriodEnd)
		} else if sub.Status != enums.SubscriptionStatusActive {
			err = subscriptions.Activate(sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
		}
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
				s.logg.Warn(s.logg.WithSubscriptionID(ctx, sub.ID.String()), "paid invoice cannot move subscription")
				outcome = OutcomeIgnored
				return nil
			}
			return err
		}
		if sub.Status == fromStatus && sub.CurrentPeriodEnd.Equal(fromEnd) {
			return nil
		}

		if err := s.ledger.ExtendTx(tx, sub, licenses.ValidUntil(sub)); err != nil {
			return err
		}
		subscriptions.MarkSynced(sub, event.Created)
		if err := s.subs.SaveTx(tx, sub); err != nil {
			return err
		}
		outcome = OutcomeApplied
		return nil
	})
	return outcome, err
}

func (s *Service) handleInvoiceFailed(ctx context.Context, event *gateway.Event, fx *effects) (Outcome, error) {
	facts, err := decodeInvoice(event.Object)
	if err != nil {
		return OutcomeFailed, err
	}
	if facts.SubscriptionID == "" {
		return OutcomeIgnored, nil
	}

	outcome := OutcomeNoop
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		sub, err := s.lockByRemoteTx(tx, facts.SubscriptionID, facts.CustomerID)
		if err != nil {
			return err
		}
		if sub == nil {
			outcome = OutcomeUnmatched
			return nil
		}
		if err := s.recordInvoiceTx(tx, sub, facts, enums.PaymentStatusFailed, event.Created); err != nil {
			return err
		}
		if subscriptions.IsStale(sub, event.Created) || sub.Status.IsTerminal() {
			outcome = OutcomeStale
			return nil
		}
		if sub.Status != enums.SubscriptionStatusActive && sub.Status != enums.SubscriptionStatusTrial {
			return nil
		}
		outcome = OutcomeApplied
		return s.markPastDueTx(tx, sub, "invoice payment failed", event.Created, fx)
	})
	return outcome, err
}

func (s *Service) markPastDueTx(tx *gorm.DB, sub *models.Subscription, reason string, at time.Time, fx *effects) error {
	if sub.Status != enums.SubscriptionStatusActive && sub.Status != enums.SubscriptionStatusTrial {
		return nil
	}
	if err := subscriptions.MarkPastDue(sub); err != nil {
		return err
	}
	subscriptions.MarkSynced(sub, at)
	if err := s.subs.SaveTx(tx, sub); err != nil {
		return err
	}
	fx.notify(paymentFailedNotice(sub, reason, at))
	return nil
}

// recordInvoiceTx keeps one transaction row per processor invoice.
func (s *Service) recordInvoiceTx(tx *gorm.DB, sub *models.Subscription, facts *invoiceFacts, status enums.PaymentStatus, at time.Time) error {
	amount := facts.AmountPaidCents
	if status == enums.PaymentStatusFailed {
		amount = facts.AmountDueCents
	}
	if amount <= 0 {
		return nil
	}

	existing, err := s.payments.FindByExternalIDTx(tx, facts.InvoiceID)
	if err != nil {
		return err
	}
	if existing != nil {
		payment, err := s.payments.LockByIDTx(tx, existing.ID)
		if err != nil || payment == nil {
			return err
		}
		changed := false
		switch status {
		case enums.PaymentStatusCompleted:
			changed = payments.MarkCompleted(payment, facts.InvoiceID, at)
		case enums.PaymentStatusFailed:
			changed = payment.Status == enums.PaymentStatusPending && payments.MarkFailed(payment, "invoice payment failed", at, s.retry)
		}
		if !changed {
			return nil
		}
		return s.payments.SaveTx(tx, payment)
	}

	at = at.UTC()
	ref := facts.InvoiceID
	description := "Invoice " + facts.InvoiceID
	currency := strings.ToLower(facts.Currency)
	if currency == "" {
		currency = sub.Currency
	}
	subID := sub.ID
	payment := &models.PaymentTransaction{
		OrganizationID:     sub.OrganizationID,
		SubscriptionID:     &subID,
		ExternalID:         facts.InvoiceID,
		ProcessorReference: &ref,
		Kind:               enums.TransactionKindInvoice,
		Status:             status,
		Currency:           currency,
		AmountCents:        amount,
		TotalCents:         amount,
		Description:        &description,
		TransactionAt:      at,
		ProcessedAt:        &at,
	}
	if facts.hasPeriod() {
		end := facts.PeriodEnd
		payment.BillingPeriodEnd = &end
	}
	if status == enums.PaymentStatusFailed {
		msg := "invoice payment failed"
		payment.ErrorMessage = &msg
	}
	return s.payments.CreateTx(tx, payment)
}

// SyncSubscription pulls the processor's current view of a linked
// subscription and applies it.
func (s *Service) SyncSubscription(ctx context.Context, subscriptionID uuid.UUID) (Outcome, error) {
	sub, err := s.subs.FindByID(ctx, subscriptionID)
	if err != nil {
		return OutcomeFailed, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		return OutcomeFailed, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if !sub.IsLinked() || sub.Status.IsTerminal() {
		return OutcomeIgnored, nil
	}

	remote, err := s.gateway.GetSubscription(ctx, *sub.ExternalSubscriptionID)
	if err != nil {
		return OutcomeFailed, err
	}
	observedAt := s.now().UTC()

	outcome := OutcomeNoop
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		locked, err := s.subs.LockByIDTx(tx, subscriptionID)
		if err != nil {
			return err
		}
		if locked == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		outcome, err = s.applyRemoteTx(ctx, tx, locked, remoteState(remote, observedAt))
		return err
	})
	if err != nil && pkgerrors.As(err) == nil {
		err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sync subscription")
	}
	return outcome, err
}

func remoteState(remote *gateway.Subscription, observedAt time.Time) subscriptions.RemoteState {
	return subscriptions.RemoteState{
		ID:                remote.ID,
		CustomerID:        remote.CustomerID,
		ItemID:            remote.ItemID,
		PriceID:           remote.PriceID,
		Status:            remote.Status,
		CancelAtPeriodEnd: remote.CancelAtPeriodEnd,
		Quantity:          remote.Quantity,
		PeriodStart:       remote.PeriodStart,
		PeriodEnd:         remote.PeriodEnd,
		TrialEnd:          remote.TrialEnd,
		ObservedAt:        observedAt.UTC(),
	}
}

func applyCard(payment *models.PaymentTransaction, card *gateway.Card) {
	if card == nil {
		return
	}
	if card.Brand != "" {
		brand := card.Brand
		payment.CardBrand = &brand
	}
	if card.Last4 != "" {
		last4 := card.Last4
		payment.CardLast4 = &last4
	}
	if card.ExpMonth > 0 {
		month := card.ExpMonth
		payment.CardExpMonth = &month
	}
	if card.ExpYear > 0 {
		year := card.ExpYear
		payment.CardExpYear = &year
	}
}

func paymentFailedNotice(sub *models.Subscription, reason string, at time.Time) notifications.Notification {
	subID := sub.ID
	data := map[string]string{"status": string(sub.Status)}
	if reason = strings.TrimSpace(reason); reason != "" {
		data["reason"] = reason
	}
	return notifications.Notification{
		ID:             uuid.New(),
		Kind:           notifications.KindPaymentFailed,
		OrganizationID: sub.OrganizationID,
		SubscriptionID: &subID,
		Data:           data,
		OccurredAt:     at.UTC(),
	}
}
