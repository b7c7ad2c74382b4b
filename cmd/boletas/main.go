package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/aguarural/boletas/internal/app"
	"github.com/aguarural/boletas/internal/billing"
	billinghttp "github.com/aguarural/boletas/internal/billing/http"
	jobmetrics "github.com/aguarural/boletas/internal/jobs"
	"github.com/aguarural/boletas/internal/observability"
	"github.com/aguarural/boletas/internal/payments"
	paymentshttp "github.com/aguarural/boletas/internal/payments/http"
	"github.com/aguarural/boletas/internal/platform/cache"
	"github.com/aguarural/boletas/internal/platform/db"
	"github.com/aguarural/boletas/internal/shared"
	"github.com/aguarural/boletas/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	settings, err := cfg.BillingSettings()
	if err != nil {
		logger.Error("billing settings", slog.Any("error", err))
		os.Exit(1)
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	billingService := billing.NewService(
		billing.NewRepository(dbpool),
		cache.NewRunLock(redisClient, cfg.BillingRunLockTTL),
		settings,
		logger,
	).WithMetrics(jobMetrics)

	paymentsService := payments.NewService(
		payments.NewRepository(dbpool, cfg.PaymentsTxTimeout, cfg.PaymentsLockTimeout),
		cfg.PaymentsMaxRetries,
		logger,
	)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	idempotency := shared.NewIdempotencyStore(dbpool)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		BillingHandler:  billinghttp.NewHandler(logger, billingService, idempotency, jobClient),
		PaymentsHandler: paymentshttp.NewHandler(logger, paymentsService, idempotency),
		JobHandler:      jobs.NewHandler(inspector, logger),
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
