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
	"github.com/angelmondragon/sitecrew-backend/internal/jobs"
	"github.com/angelmondragon/sitecrew-backend/pkg/config"
	"github.com/angelmondragon/sitecrew-backend/pkg/db"
	"github.com/angelmondragon/sitecrew-backend/pkg/instance"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
	"github.com/angelmondragon/sitecrew-backend/pkg/metrics"
	"github.com/angelmondragon/sitecrew-backend/pkg/migrate"
	"github.com/angelmondragon/sitecrew-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "billing-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "billing-worker"

	logg = logger.New(logger.Options{
		ServiceName: "billing-worker",
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

	worker, err := jobs.NewWorker(jobs.WorkerParams{
		Queue:    services.Jobs,
		Handlers: jobs.BillingHandlers(services.Entitlements, services.Webhooks, logg),
		Logger:   logg,
		Metrics:  metrics.NewJobMetrics(prometheus.DefaultRegisterer),
		Config:   cfg.Worker,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create job worker", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Logger: logg,
		Worker: worker,
		Queue:  services.Jobs,
		Readies: map[string]pingFunc{
			"database": dbClient.Ping,
			"redis":    redisClient.Ping,
		},
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.ID(),
		"concurrency": cfg.Worker.Concurrency,
	})
	logg.Info(ctx, "starting billing worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "billing worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "billing worker shutting down gracefully")
}
