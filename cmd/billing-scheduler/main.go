package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/sitecrew-backend/internal/billing"
	"github.com/angelmondragon/sitecrew-backend/internal/scheduler"
	"github.com/angelmondragon/sitecrew-backend/pkg/config"
	"github.com/angelmondragon/sitecrew-backend/pkg/db"
	"github.com/angelmondragon/sitecrew-backend/pkg/instance"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
	"github.com/angelmondragon/sitecrew-backend/pkg/metrics"
	"github.com/angelmondragon/sitecrew-backend/pkg/migrate"
	"github.com/angelmondragon/sitecrew-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "billing-scheduler"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "billing-scheduler"

	logg = logger.New(logger.Options{
		ServiceName: "billing-scheduler",
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	// The sweeps never call the processor, but the service graph needs a
	// gateway for subscription syncs shared with the worker.
	gw, err := billing.NewStripeGateway(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create stripe gateway", err)
		os.Exit(1)
	}

	notifier, closeNotifier, err := billing.NewNotifier(context.Background(), cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create notifier", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeNotifier(); err != nil {
			logg.Error(context.Background(), "error closing notifier", err)
		}
	}()

	services, err := billing.NewServices(billing.ServicesParams{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Redis:      redisClient,
		Gateway:    gw,
		Notifier:   notifier,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to wire billing services", err)
		os.Exit(1)
	}

	registry, err := scheduler.BillingTriggers(scheduler.TriggerParams{
		Logger:        logg,
		Subscriptions: services.Subscriptions,
		Payments:      services.Payments,
		Ledger:        services.Ledger,
		Entitlements:  services.Entitlements,
		Queue:         services.Jobs,
		Billing:       cfg.Billing,
		Scheduler:     cfg.Scheduler,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build billing triggers", err)
		os.Exit(1)
	}

	lock, err := scheduler.NewRedisLock(redisClient, redisClient.LockKey)
	if err != nil {
		logg.Error(context.Background(), "failed to create scheduler lock", err)
		os.Exit(1)
	}

	service, err := scheduler.NewService(scheduler.ServiceParams{
		Logger:     logg,
		Registry:   registry,
		Lock:       lock,
		Metrics:    metrics.NewSchedulerMetrics(prometheus.DefaultRegisterer),
		Tick:       cfg.Scheduler.TickInterval,
		RunTimeout: cfg.Scheduler.LockTTL,
		RunOnStart: cfg.Scheduler.RunOnStart,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create scheduler service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.ID(),
		"triggers":    len(registry.Triggers()),
	})
	logg.Info(ctx, "starting billing scheduler")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "billing scheduler stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "billing scheduler shutting down gracefully")
}
