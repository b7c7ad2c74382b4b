package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/aguarural/boletas/internal/jobs"
	"github.com/aguarural/boletas/internal/payments"
)

// Reconciler is the payments service surface the job drives.
type Reconciler interface {
	Reconcile(ctx context.Context, customerID, actorID int64) (payments.Result, error)
}

// ReconcileJob re-allocates a customer's completed payments over their bills.
type ReconcileJob struct {
	Service Reconciler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReconcileJob initialises the reconciliation handler.
func NewReconcileJob(service Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one reconciliation.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("payments reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskPaymentsReconcile)

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("job", TaskPaymentsReconcile), slog.Int64("customer_id", payload.CustomerID))

	res, err := j.Service.Reconcile(ctx, payload.CustomerID, payload.ActorID)
	if errors.Is(err, payments.ErrCustomerNotFound) {
		logger.Warn("customer not found")
		return tracker.End(fmt.Errorf("%w: %v", asynq.SkipRetry, err))
	}
	if err != nil {
		logger.Error("reconcile failed", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("reconciled",
		slog.Int("changed", res.Changed),
		slog.Int64("pending", res.TotalPending),
		slog.Int64("credit", res.Credit),
	)
	return tracker.End(nil)
}
