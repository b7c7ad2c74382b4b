package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBillingGenerate runs monthly bill generation in persist mode.
	TaskBillingGenerate = "billing:generate"
	// TaskPaymentsReconcile re-allocates one customer's payments over their bills.
	TaskPaymentsReconcile = "payments:reconcile"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// BillingGeneratePayload selects the period to bill. A zero Year means the month before the
// handler's clock, which is what the scheduled run sends.
type BillingGeneratePayload struct {
	Year      int  `json:"year,omitempty"`
	Month     int  `json:"month,omitempty"`
	Overwrite bool `json:"overwrite,omitempty"`
}

// ReconcilePayload identifies the customer to reconcile.
type ReconcilePayload struct {
	CustomerID int64 `json:"customer_id"`
	ActorID    int64 `json:"actor_id,omitempty"`
}

// IdempotencyCleanupPayload sets the retention window for idempotency keys.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewBillingGenerateTask constructs a generation task. Generation is never retried
// automatically after the first attempt fails on a domain error.
func NewBillingGenerateTask(payload BillingGeneratePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingGenerate, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3), asynq.Timeout(time.Hour)), nil
}

// NewReconcileTask constructs a reconciliation task for a customer.
func NewReconcileTask(customerID, actorID int64) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcilePayload{CustomerID: customerID, ActorID: actorID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPaymentsReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// NewIdempotencyCleanupTask constructs the nightly key cleanup task.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
