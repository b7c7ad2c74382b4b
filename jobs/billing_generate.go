package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/aguarural/boletas/internal/billing"
	jobmetrics "github.com/aguarural/boletas/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Generator is the billing service surface the job drives.
type Generator interface {
	Generate(ctx context.Context, in billing.GenerateInput) (billing.RunResult, error)
}

// BillingGenerateJob runs persist-mode generation for one period.
type BillingGenerateJob struct {
	Service Generator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewBillingGenerateJob initialises the generation handler.
func NewBillingGenerateJob(service Generator, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillingGenerateJob {
	return &BillingGenerateJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the clock used to resolve scheduled payloads.
func (j *BillingGenerateJob) WithClock(clock func() time.Time) *BillingGenerateJob {
	if clock != nil {
		j.clock = clock
	}
	return j
}

// Handle executes generation. Domain failures that a retry cannot fix skip the retry queue;
// an already billed period is treated as done so a re-fired cron entry is harmless.
func (j *BillingGenerateJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("billing generate: handler not configured")
	}
	var payload BillingGeneratePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Year == 0 {
		prev := billing.PeriodOf(j.now()).Previous()
		payload.Year, payload.Month = prev.Year, int(prev.Month)
	}

	tracker := j.metrics().Track(TaskBillingGenerate)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("year", payload.Year), slog.Int("month", payload.Month))
	logger.Info("starting bill generation", slog.Bool("overwrite", payload.Overwrite))

	res, err := j.Service.Generate(ctx, billing.GenerateInput{
		Year:      payload.Year,
		Month:     payload.Month,
		Mode:      billing.ModePersist,
		Strategy:  billing.StrategyBatch,
		Overwrite: payload.Overwrite,
	})
	switch {
	case errors.Is(err, billing.ErrPeriodAlreadyBilled):
		logger.Info("period already billed, nothing to do")
		return nil
	case errors.Is(err, billing.ErrRunInProgress):
		resultErr = err
		return resultErr
	case errors.Is(err, billing.ErrInvalidInput), errors.Is(err, billing.ErrInvalidPeriod),
		errors.Is(err, billing.ErrNoTariff), errors.Is(err, billing.ErrTariffOverlap),
		errors.Is(err, billing.ErrFolioSeed):
		logger.Error("bill generation rejected", slog.Any("error", err))
		resultErr = fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		return resultErr
	case err != nil:
		logger.Error("bill generation failed", slog.Any("error", err))
		resultErr = err
		return resultErr
	}

	logger.Info("completed bill generation",
		slog.String("run_id", res.RunID),
		slog.Int("bills", res.BillCount),
		slog.Int("skipped", len(res.Skipped)),
		slog.String("final_folio", res.FinalFolio),
	)
	return nil
}

func (j *BillingGenerateJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillingGenerate))
	}
	return slog.Default().With(slog.String("job", TaskBillingGenerate))
}

func (j *BillingGenerateJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BillingGenerateJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
