package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/internal/entitlements"
	stripewebhook "github.com/angelmondragon/sitecrew-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
)

// Handler executes one job kind.
type Handler interface {
	Handle(ctx context.Context, job models.BillingJob) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job models.BillingJob) error

func (f HandlerFunc) Handle(ctx context.Context, job models.BillingJob) error {
	return f(ctx, job)
}

// Registry maps job kinds to handlers.
type Registry struct {
	handlers map[enums.JobKind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[enums.JobKind]Handler{}}
}

// Register binds kind to h, replacing any earlier handler.
func (r *Registry) Register(kind enums.JobKind, h Handler) {
	if h == nil {
		return
	}
	r.handlers[kind] = h
}

// Resolve returns the handler for kind.
func (r *Registry) Resolve(kind enums.JobKind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

type billingService interface {
	RenewDue(ctx context.Context, subscriptionID uuid.UUID, periodEnd time.Time) (*entitlements.ChargeResult, error)
	RetryPayment(ctx context.Context, paymentID uuid.UUID, attempt int) (*entitlements.ChargeResult, error)
	NotifyLicenseExpiring(ctx context.Context, licenseID uuid.UUID, validUntil time.Time) error
}

type subscriptionSyncer interface {
	SyncSubscription(ctx context.Context, subscriptionID uuid.UUID) (stripewebhook.Outcome, error)
}

// BillingHandlers registers the handlers for every billing job kind.
func BillingHandlers(svc billingService, syncer subscriptionSyncer, logg *logger.Logger) *Registry {
	h := &billingHandlers{svc: svc, syncer: syncer, logg: logg}
	r := NewRegistry()
	r.Register(enums.JobKindRenewal, HandlerFunc(h.renewal))
	r.Register(enums.JobKindPaymentRetry, HandlerFunc(h.paymentRetry))
	r.Register(enums.JobKindLicenseExpiryNotice, HandlerFunc(h.expiryNotice))
	r.Register(enums.JobKindSubscriptionReconcile, HandlerFunc(h.reconcile))
	return r
}

type billingHandlers struct {
	svc    billingService
	syncer subscriptionSyncer
	logg   *logger.Logger
}

func (h *billingHandlers) renewal(ctx context.Context, job models.BillingJob) error {
	payload, err := decode[RenewalPayload](job)
	if err != nil {
		return malformed(err)
	}
	ctx = h.logg.WithSubscriptionID(ctx, payload.SubscriptionID.String())
	result, err := h.svc.RenewDue(ctx, payload.SubscriptionID, payload.PeriodEnd)
	if declined(err) {
		// The failed payment is recorded and owns its own retry schedule.
		h.logg.Warn(ctx, "scheduled renewal declined")
		return nil
	}
	if err != nil {
		return err
	}
	if result != nil && result.Charged {
		h.logg.Info(ctx, "scheduled renewal charged")
	}
	return nil
}

func (h *billingHandlers) paymentRetry(ctx context.Context, job models.BillingJob) error {
	payload, err := decode[PaymentRetryPayload](job)
	if err != nil {
		return malformed(err)
	}
	ctx = h.logg.WithFields(ctx, map[string]any{
		"payment_id": payload.PaymentID.String(),
		"attempt":    payload.Attempt,
	})
	_, err = h.svc.RetryPayment(ctx, payload.PaymentID, payload.Attempt)
	if declined(err) {
		h.logg.Warn(ctx, "payment retry declined")
		return nil
	}
	return err
}

func (h *billingHandlers) expiryNotice(ctx context.Context, job models.BillingJob) error {
	payload, err := decode[ExpiryNoticePayload](job)
	if err != nil {
		return malformed(err)
	}
	return h.svc.NotifyLicenseExpiring(ctx, payload.LicenseID, payload.ValidUntil)
}

func (h *billingHandlers) reconcile(ctx context.Context, job models.BillingJob) error {
	payload, err := decode[ReconcilePayload](job)
	if err != nil {
		return malformed(err)
	}
	ctx = h.logg.WithSubscriptionID(ctx, payload.SubscriptionID.String())
	outcome, err := h.syncer.SyncSubscription(ctx, payload.SubscriptionID)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if outcome == stripewebhook.OutcomeApplied {
		h.logg.Info(h.logg.WithField(ctx, "outcome", string(outcome)), "subscription reconciled")
	}
	return nil
}

func declined(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeGateway)
}

func malformed(err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed job payload")
}
