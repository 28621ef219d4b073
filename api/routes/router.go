package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/sitecrew-backend/api/controllers"
	billingcontrollers "github.com/angelmondragon/sitecrew-backend/api/controllers/billing"
	licensecontrollers "github.com/angelmondragon/sitecrew-backend/api/controllers/licenses"
	subscriptioncontrollers "github.com/angelmondragon/sitecrew-backend/api/controllers/subscriptions"
	webhookcontrollers "github.com/angelmondragon/sitecrew-backend/api/controllers/webhooks"
	"github.com/angelmondragon/sitecrew-backend/api/middleware"
	"github.com/angelmondragon/sitecrew-backend/internal/entitlements"
	"github.com/angelmondragon/sitecrew-backend/pkg/config"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
	"github.com/angelmondragon/sitecrew-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisClient *redis.Client,
	gatherer prometheus.Gatherer,
	entitlementService entitlements.Service,
	stripeWebhookService webhookcontrollers.StripeWebhookService,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.HTTP.CORSOrigins),
	)

	// Typed nil pointers must not reach the middleware interfaces.
	var (
		redisPinger controllers.Pinger
		idemStore   redis.IdempotencyStore
		limitStore  middleware.RateLimitStore
	)
	if redisClient != nil {
		redisPinger, idemStore, limitStore = redisClient, redisClient, redisClient
	}

	writePolicy := middleware.NewRateLimitPolicy("billing-write", cfg.HTTP.RateLimitWindow, cfg.HTTP.WriteLimit)
	webhookPolicy := middleware.NewRateLimitPolicy("stripe-webhook", cfg.HTTP.RateLimitWindow, cfg.HTTP.WebhookIPLimit)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisPinger))
	})
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.With(middleware.RateLimit(webhookPolicy, limitStore, logg)).
			Post("/stripe", webhookcontrollers.StripeWebhook(stripeWebhookService, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(idemStore, logg))

		r.Get("/organizations/{orgID}/subscription", subscriptioncontrollers.Fetch(entitlementService, logg))
		r.Get("/organizations/{orgID}/subscription/stats", subscriptioncontrollers.Stats(entitlementService, logg))
		r.Get("/organizations/{orgID}/licenses", licensecontrollers.List(entitlementService, logg))
		r.Get("/organizations/{orgID}/payments", billingcontrollers.PaymentHistory(entitlementService, logg))
		r.Get("/organizations/{orgID}/payments/revenue", billingcontrollers.Revenue(entitlementService, logg))
		r.Get("/organizations/{orgID}/payment-methods", billingcontrollers.ListPaymentMethods(entitlementService, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(writePolicy, limitStore, logg))

			r.Post("/organizations/{orgID}/subscription", subscriptioncontrollers.Create(entitlementService, logg))
			r.Route("/subscriptions/{subscriptionID}", func(r chi.Router) {
				r.Post("/capacity", subscriptioncontrollers.ChangeCapacity(entitlementService, logg))
				r.Post("/capacity/preview", subscriptioncontrollers.PreviewCapacity(entitlementService, logg))
				r.Post("/cancel", subscriptioncontrollers.Cancel(entitlementService, logg))
				r.Post("/reactivate", subscriptioncontrollers.Reactivate(entitlementService, logg))
				r.Post("/renew", subscriptioncontrollers.Renew(entitlementService, logg))
			})

			r.Post("/organizations/{orgID}/licenses", licensecontrollers.Assign(entitlementService, logg))
			r.Post("/licenses/{licenseID}/revoke", licensecontrollers.Revoke(entitlementService, logg))

			r.Post("/payments/{paymentID}/refund", billingcontrollers.Refund(entitlementService, logg))
			r.Post("/organizations/{orgID}/payment-methods/{paymentMethodID}/default", billingcontrollers.SetDefaultPaymentMethod(entitlementService, logg))
			r.Delete("/organizations/{orgID}/payment-methods/{paymentMethodID}", billingcontrollers.DeletePaymentMethod(entitlementService, logg))
		})
	})

	return r
}
