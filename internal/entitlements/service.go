// Package entitlements orchestrates the subscription lifecycle for an
// organization: creation against the billing processor, license assignment,
// capacity changes, renewal charges and their retries, cancellation and
// expiry. Local state changes always happen under the subscription row lock.
package entitlements

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sitecrew-backend/internal/gateway"
	"github.com/angelmondragon/sitecrew-backend/internal/licenses"
	"github.com/angelmondragon/sitecrew-backend/internal/notifications"
	"github.com/angelmondragon/sitecrew-backend/internal/payments"
	"github.com/angelmondragon/sitecrew-backend/pkg/config"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type subscriptionsRepository interface {
	CreateTx(tx *gorm.DB, sub *models.Subscription) error
	SaveTx(tx *gorm.DB, sub *models.Subscription) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindCurrentByOrganization(ctx context.Context, orgID uuid.UUID) (*models.Subscription, error)
	FindLatestByOrganization(ctx context.Context, orgID uuid.UUID) (*models.Subscription, error)
	LockByIDTx(tx *gorm.DB, id uuid.UUID) (*models.Subscription, error)
	LockCurrentByOrganizationTx(tx *gorm.DB, orgID uuid.UUID) (*models.Subscription, error)
	ExpiryCandidates(ctx context.Context, now, graceCutoff time.Time, limit int) ([]models.Subscription, error)
}

type paymentsRepository interface {
	CreateTx(tx *gorm.DB, payment *models.PaymentTransaction) error
	SaveTx(tx *gorm.DB, payment *models.PaymentTransaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)
	LockByIDTx(tx *gorm.DB, id uuid.UUID) (*models.PaymentTransaction, error)
	FindByExternalIDTx(tx *gorm.DB, externalID string) (*models.PaymentTransaction, error)
}

type paymentHistory interface {
	ListHistory(ctx context.Context, params payments.ListParams) (*payments.ListResult, error)
	RevenueStats(ctx context.Context, orgID uuid.UUID, from, to time.Time) (*payments.RevenueStats, error)
}

type licenseLedger interface {
	AssignTx(tx *gorm.DB, sub *models.Subscription, userID uuid.UUID) (*models.License, error)
	Revoke(ctx context.Context, licenseID uuid.UUID, reason string) (*models.License, error)
	Get(ctx context.Context, licenseID uuid.UUID) (*models.License, error)
	List(ctx context.Context, params licenses.ListParams) (*licenses.ListResult, error)
	ExpireAllTx(tx *gorm.DB, sub *models.Subscription) (int, error)
	ExtendTx(tx *gorm.DB, sub *models.Subscription, validUntil time.Time) error
}

type organizationDirectory interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	FindUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	SetExternalCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
	ListAdminEmails(ctx context.Context, orgID uuid.UUID) ([]string, error)
}

type authorizer interface {
	IsOrgAdmin(ctx context.Context, orgID, userID uuid.UUID) (bool, error)
	IsOrgMember(ctx context.Context, orgID, userID uuid.UUID) (bool, error)
}

// Service is the entitlement surface used by controllers and billing jobs.
// Methods taking an actorID enforce organization roles; the job-facing
// methods (RenewDue, RetryPayment, ExpireSubscription, SweepExpired,
// NotifyLicenseExpiring) run as the system.
type Service interface {
	CreateSubscription(ctx context.Context, input CreateSubscriptionInput) (*models.Subscription, error)
	GetSubscription(ctx context.Context, actorID, orgID uuid.UUID) (*models.Subscription, error)
	GetStats(ctx context.Context, actorID, orgID uuid.UUID) (*Stats, error)
	ChangeCapacity(ctx context.Context, actorID, subscriptionID uuid.UUID, capacity int) (*models.Subscription, error)
	PreviewProration(ctx context.Context, actorID, subscriptionID uuid.UUID, capacity int) (*gateway.ProrationPreview, error)
	CancelSubscription(ctx context.Context, actorID, subscriptionID uuid.UUID, reason string) (*models.Subscription, error)
	ReactivateSubscription(ctx context.Context, actorID, subscriptionID uuid.UUID) (*models.Subscription, error)
	RenewSubscription(ctx context.Context, actorID, subscriptionID uuid.UUID) (*ChargeResult, error)

	AssignLicense(ctx context.Context, actorID, orgID, userID uuid.UUID) (*models.License, error)
	RevokeLicense(ctx context.Context, actorID, licenseID uuid.UUID, reason string) (*models.License, error)
	ListLicenses(ctx context.Context, actorID uuid.UUID, params licenses.ListParams) (*licenses.ListResult, error)

	ListPaymentHistory(ctx context.Context, actorID uuid.UUID, params payments.ListParams) (*payments.ListResult, error)
	RevenueStats(ctx context.Context, actorID, orgID uuid.UUID, from, to time.Time) (*payments.RevenueStats, error)
	Refund(ctx context.Context, actorID, paymentID uuid.UUID, amountCents int64) (*models.PaymentTransaction, error)
	ListPaymentMethods(ctx context.Context, actorID, orgID uuid.UUID) ([]gateway.PaymentMethod, error)
	SetDefaultPaymentMethod(ctx context.Context, actorID, orgID uuid.UUID, paymentMethodID string) error
	DeletePaymentMethod(ctx context.Context, actorID, orgID uuid.UUID, paymentMethodID string) error

	RenewDue(ctx context.Context, subscriptionID uuid.UUID, periodEnd time.Time) (*ChargeResult, error)
	RetryPayment(ctx context.Context, paymentID uuid.UUID, attempt int) (*ChargeResult, error)
	ExpireSubscription(ctx context.Context, subscriptionID uuid.UUID, reason string) (*models.Subscription, error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	NotifyLicenseExpiring(ctx context.Context, licenseID uuid.UUID, validUntil time.Time) error
}

type ServiceParams struct {
	Gateway           gateway.Gateway
	Subscriptions     subscriptionsRepository
	Payments          paymentsRepository
	History           paymentHistory
	Ledger            licenseLedger
	Organizations     organizationDirectory
	Authorizer        authorizer
	TransactionRunner txRunner
	Billing           config.BillingConfig
	Currency          string
	Notifier          notifications.Dispatcher
	Logger            *logger.Logger
	Now               func() time.Time
}

type service struct {
	gateway  gateway.Gateway
	subs     subscriptionsRepository
	payments paymentsRepository
	history  paymentHistory
	ledger   licenseLedger
	orgs     organizationDirectory
	authz    authorizer
	tx       txRunner
	billing  config.BillingConfig
	retry    payments.RetrySchedule
	currency string
	notifier notifications.Dispatcher
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "gateway required")
	}
	if params.Subscriptions == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscriptions repository required")
	}
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payments repository required")
	}
	if params.History == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment history required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "license ledger required")
	}
	if params.Organizations == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "organization directory required")
	}
	if params.Authorizer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "authorizer required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	if params.Billing.SeatRateCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "seat rate must be positive")
	}
	currency := params.Currency
	if currency == "" {
		currency = "usd"
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		gateway:  params.Gateway,
		subs:     params.Subscriptions,
		payments: params.Payments,
		history:  params.History,
		ledger:   params.Ledger,
		orgs:     params.Organizations,
		authz:    params.Authorizer,
		tx:       params.TransactionRunner,
		billing:  params.Billing,
		retry: payments.RetrySchedule{
			Initial:    params.Billing.RetryInitialBackoff,
			Max:        params.Billing.RetryMaxBackoff,
			MaxRetries: params.Billing.MaxPaymentRetries,
		},
		currency: currency,
		notifier: params.Notifier,
		logg:     params.Logger,
		now:      now,
	}, nil
}

func (s *service) requireAdmin(ctx context.Context, orgID, actorID uuid.UUID) error {
	ok, err := s.authz.IsOrgAdmin(ctx, orgID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeForbidden, "organization admin role required")
	}
	return nil
}

func (s *service) requireMember(ctx context.Context, orgID, actorID uuid.UUID) error {
	ok, err := s.authz.IsOrgMember(ctx, orgID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeForbidden, "organization membership required")
	}
	return nil
}

func (s *service) loadSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	sub, err := s.subs.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

func (s *service) lockSubscriptionTx(tx *gorm.DB, id uuid.UUID) (*models.Subscription, error) {
	sub, err := s.subs.LockByIDTx(tx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

func (s *service) subscriptionContext(ctx context.Context, sub *models.Subscription) context.Context {
	ctx = s.logg.WithOrganizationID(ctx, sub.OrganizationID.String())
	return s.logg.WithSubscriptionID(ctx, sub.ID.String())
}

// effects collects work that only happens once the transaction commits.
type effects struct {
	notices []notifications.Notification
	expired []models.Subscription
}

func (fx *effects) notify(n notifications.Notification) {
	fx.notices = append(fx.notices, n)
}

func (s *service) flush(ctx context.Context, fx *effects) {
	for i := range fx.expired {
		s.cancelRemote(ctx, &fx.expired[i])
	}
	for _, n := range fx.notices {
		if len(n.Recipients) == 0 {
			emails, err := s.orgs.ListAdminEmails(ctx, n.OrganizationID)
			if err != nil {
				s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "billing contacts unavailable")
			}
			n.Recipients = emails
		}
		notifications.Send(ctx, s.notifier, s.logg, n)
	}
}

func subscriptionNotice(kind notifications.Kind, sub *models.Subscription, data map[string]string, at time.Time) notifications.Notification {
	subID := sub.ID
	if data == nil {
		data = map[string]string{}
	}
	data["status"] = string(sub.Status)
	return notifications.Notification{
		ID:             uuid.New(),
		Kind:           kind,
		OrganizationID: sub.OrganizationID,
		SubscriptionID: &subID,
		Data:           data,
		OccurredAt:     at.UTC(),
	}
}
