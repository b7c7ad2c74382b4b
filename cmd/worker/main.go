package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/aguarural/boletas/internal/app"
	"github.com/aguarural/boletas/internal/billing"
	jobmetrics "github.com/aguarural/boletas/internal/jobs"
	"github.com/aguarural/boletas/internal/payments"
	"github.com/aguarural/boletas/internal/platform/cache"
	"github.com/aguarural/boletas/internal/platform/db"
	"github.com/aguarural/boletas/internal/shared"
	"github.com/aguarural/boletas/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	metrics := jobmetrics.NewMetrics(nil)

	billingService := billing.NewService(
		billing.NewRepository(pool),
		cache.NewRunLock(redisClient, cfg.BillingRunLockTTL),
		settings,
		logger,
	).WithMetrics(metrics)
	paymentsService := payments.NewService(
		payments.NewRepository(pool, cfg.PaymentsTxTimeout, cfg.PaymentsLockTimeout),
		cfg.PaymentsMaxRetries,
		logger,
	)

	generateJob := jobs.NewBillingGenerateJob(billingService, logger, metrics)
	reconcileJob := jobs.NewReconcileJob(paymentsService, logger, metrics)

	monthlyTask, err := jobs.NewBillingGenerateTask(jobs.BillingGeneratePayload{})
	if err != nil {
		logger.Error("build billing task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(7 * 24 * time.Hour)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBillingGenerate, Handler: generateJob.Handle},
			{Type: jobs.TaskPaymentsReconcile, Handler: reconcileJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: jobs.HandleIdempotencyCleanup(shared.NewIdempotencyStore(pool), logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: jobs.MonthlyBillingCron, Task: monthlyTask},
			{Spec: jobs.NightlyCleanupCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
