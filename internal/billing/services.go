// Package billing assembles the entitlement, reconciliation and job services
// that the api, worker and scheduler binaries share.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/sitecrew-backend/internal/entitlements"
	"github.com/angelmondragon/sitecrew-backend/internal/gateway"
	"github.com/angelmondragon/sitecrew-backend/internal/jobs"
	"github.com/angelmondragon/sitecrew-backend/internal/licenses"
	"github.com/angelmondragon/sitecrew-backend/internal/notifications"
	"github.com/angelmondragon/sitecrew-backend/internal/organizations"
	"github.com/angelmondragon/sitecrew-backend/internal/payments"
	"github.com/angelmondragon/sitecrew-backend/internal/subscriptions"
	stripewebhook "github.com/angelmondragon/sitecrew-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/sitecrew-backend/pkg/config"
	"github.com/angelmondragon/sitecrew-backend/pkg/db"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
	"github.com/angelmondragon/sitecrew-backend/pkg/metrics"
	"github.com/angelmondragon/sitecrew-backend/pkg/pubsub"
	"github.com/angelmondragon/sitecrew-backend/pkg/redis"
	"github.com/angelmondragon/sitecrew-backend/pkg/stripe"
)

// ServicesParams groups the infrastructure the billing services run on.
// Redis and Registerer are optional.
type ServicesParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Redis      redis.IdempotencyStore
	Gateway    gateway.Gateway
	Notifier   notifications.Dispatcher
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Services is the wired billing graph.
type Services struct {
	Entitlements  entitlements.Service
	Webhooks      *stripewebhook.Service
	Subscriptions *subscriptions.Repository
	Payments      payments.Service
	Ledger        licenses.Ledger
	Jobs          *jobs.Repository
	Organizations *organizations.Repository
}

// NewServices builds every billing service on one database handle.
func NewServices(params ServicesParams) (*Services, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Gateway == nil {
		return nil, errors.New("billing gateway is required")
	}
	notifier := params.Notifier
	if notifier == nil {
		notifier = notifications.NewLogDispatcher(params.Logger)
	}
	cfg := params.Config
	conn := params.DB.DB()

	subsRepo := subscriptions.NewRepository(conn)
	paymentsRepo := payments.NewRepository(conn)
	orgsRepo := organizations.NewRepository(conn)

	history, err := payments.NewService(paymentsRepo)
	if err != nil {
		return nil, fmt.Errorf("payments service: %w", err)
	}
	ledger, err := licenses.NewLedger(licenses.LedgerParams{
		Repo:          licenses.NewRepository(conn),
		Subscriptions: subsRepo,
		DB:            params.DB,
		GracePeriod:   cfg.Billing.GracePeriod(),
		Now:           params.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("license ledger: %w", err)
	}
	authz, err := organizations.NewAuthorizer(orgsRepo)
	if err != nil {
		return nil, fmt.Errorf("authorizer: %w", err)
	}

	entitlementSvc, err := entitlements.NewService(entitlements.ServiceParams{
		Gateway:           params.Gateway,
		Subscriptions:     subsRepo,
		Payments:          paymentsRepo,
		History:           history,
		Ledger:            ledger,
		Organizations:     orgsRepo,
		Authorizer:        authz,
		TransactionRunner: params.DB,
		Billing:           cfg.Billing,
		Currency:          cfg.Stripe.Currency,
		Notifier:          notifier,
		Logger:            params.Logger,
		Now:               params.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("entitlement service: %w", err)
	}

	webhookParams := stripewebhook.ServiceParams{
		Gateway:           params.Gateway,
		Subscriptions:     subsRepo,
		Payments:          paymentsRepo,
		Ledger:            ledger,
		Events:            stripewebhook.NewEventLog(conn),
		TransactionRunner: params.DB,
		RetrySchedule: payments.RetrySchedule{
			Initial:    cfg.Billing.RetryInitialBackoff,
			Max:        cfg.Billing.RetryMaxBackoff,
			MaxRetries: cfg.Billing.MaxPaymentRetries,
		},
		Notifier: notifier,
		Metrics:  metrics.NewWebhookMetrics(params.Registerer),
		Logger:   params.Logger,
		Now:      params.Now,
	}
	if params.Redis != nil {
		guard, err := stripewebhook.NewIdempotencyGuard(params.Redis, cfg.Billing.WebhookIdempotencyTTL)
		if err != nil {
			return nil, fmt.Errorf("webhook guard: %w", err)
		}
		webhookParams.Guard = guard
	}
	webhookSvc, err := stripewebhook.NewService(webhookParams)
	if err != nil {
		return nil, fmt.Errorf("webhook service: %w", err)
	}

	return &Services{
		Entitlements:  entitlementSvc,
		Webhooks:      webhookSvc,
		Subscriptions: subsRepo,
		Payments:      history,
		Ledger:        ledger,
		Jobs:          jobs.NewRepository(conn, cfg.Worker.MaxAttempts),
		Organizations: orgsRepo,
	}, nil
}

// NewStripeGateway builds the live gateway from the Stripe config.
func NewStripeGateway(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*gateway.StripeGateway, error) {
	client, err := stripe.NewClient(ctx, cfg, logg)
	if err != nil {
		return nil, fmt.Errorf("stripe client: %w", err)
	}
	return gateway.NewStripe(client, logg)
}

// NewNotifier publishes to Pub/Sub when a topic is configured and logs
// otherwise. The returned close func releases the Pub/Sub client.
func NewNotifier(ctx context.Context, cfg config.PubSubConfig, logg *logger.Logger) (notifications.Dispatcher, func() error, error) {
	if !cfg.Enabled() {
		return notifications.NewLogDispatcher(logg), func() error { return nil }, nil
	}
	client, err := pubsub.NewClient(ctx, cfg, logg)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	dispatcher, err := notifications.NewPubSubDispatcher(client.NotificationPublisher(), logg)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return dispatcher, client.Close, nil
}
