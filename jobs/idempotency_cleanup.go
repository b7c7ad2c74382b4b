package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const defaultIdempotencyRetention = 7 * 24 * time.Hour

// KeyCleaner removes idempotency keys older than a retention window.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// HandleIdempotencyCleanup returns the handler for TaskIdempotencyCleanup.
func HandleIdempotencyCleanup(store KeyCleaner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload IdempotencyCleanupPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.OlderThan <= 0 {
			payload.OlderThan = defaultIdempotencyRetention
		}
		removed, err := store.Cleanup(ctx, payload.OlderThan)
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("pruned idempotency keys", slog.String("job", TaskIdempotencyCleanup), slog.Int64("removed", removed))
		}
		return nil
	}
}
