package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/aguarural/boletas/internal/billing"
	jobmetrics "github.com/aguarural/boletas/internal/jobs"
	"github.com/aguarural/boletas/internal/payments"
)

type fakeGenerator struct {
	calls []billing.GenerateInput
	err   error
}

func (f *fakeGenerator) Generate(_ context.Context, in billing.GenerateInput) (billing.RunResult, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return billing.RunResult{}, f.err
	}
	return billing.RunResult{RunID: "run-1", BillCount: 3, FinalFolio: "1002"}, nil
}

func newGenerateJob(gen *fakeGenerator) *BillingGenerateJob {
	job := NewBillingGenerateJob(gen, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	return job.WithClock(func() time.Time { return time.Date(2024, time.March, 1, 3, 0, 0, 0, time.UTC) })
}

func TestBillingGenerateScheduledUsesPreviousMonth(t *testing.T) {
	gen := &fakeGenerator{}
	task, err := NewBillingGenerateTask(BillingGeneratePayload{})
	require.NoError(t, err)

	require.NoError(t, newGenerateJob(gen).Handle(context.Background(), task))
	require.Len(t, gen.calls, 1)
	require.Equal(t, 2024, gen.calls[0].Year)
	require.Equal(t, 2, gen.calls[0].Month)
	require.Equal(t, billing.ModePersist, gen.calls[0].Mode)
	require.Equal(t, billing.StrategyBatch, gen.calls[0].Strategy)
}

func TestBillingGenerateExplicitPeriodAcrossYear(t *testing.T) {
	gen := &fakeGenerator{}
	job := NewBillingGenerateJob(gen, nil, jobmetrics.NewMetrics(prometheus.NewRegistry())).
		WithClock(func() time.Time { return time.Date(2024, time.January, 1, 3, 0, 0, 0, time.UTC) })

	scheduled, err := NewBillingGenerateTask(BillingGeneratePayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), scheduled))
	require.Equal(t, 2023, gen.calls[0].Year)
	require.Equal(t, 12, gen.calls[0].Month)

	explicit, err := NewBillingGenerateTask(BillingGeneratePayload{Year: 2023, Month: 6, Overwrite: true})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), explicit))
	require.Equal(t, 6, gen.calls[1].Month)
	require.True(t, gen.calls[1].Overwrite)
}

func TestBillingGenerateErrorClassification(t *testing.T) {
	task, err := NewBillingGenerateTask(BillingGeneratePayload{Year: 2024, Month: 2})
	require.NoError(t, err)

	gen := &fakeGenerator{err: billing.ErrPeriodAlreadyBilled}
	require.NoError(t, newGenerateJob(gen).Handle(context.Background(), task))

	gen = &fakeGenerator{err: billing.ErrNoTariff}
	err = newGenerateJob(gen).Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)

	gen = &fakeGenerator{err: billing.ErrRunInProgress}
	err = newGenerateJob(gen).Handle(context.Background(), task)
	require.ErrorIs(t, err, billing.ErrRunInProgress)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	bad := asynq.NewTask(TaskBillingGenerate, []byte("{"))
	require.ErrorIs(t, newGenerateJob(&fakeGenerator{}).Handle(context.Background(), bad), asynq.SkipRetry)
}

type fakeReconciler struct {
	customer int64
	err      error
}

func (f *fakeReconciler) Reconcile(_ context.Context, customerID, _ int64) (payments.Result, error) {
	f.customer = customerID
	if f.err != nil {
		return payments.Result{}, f.err
	}
	return payments.Result{CustomerID: customerID}, nil
}

func TestReconcileJob(t *testing.T) {
	task, err := NewReconcileTask(42, 7)
	require.NoError(t, err)

	svc := &fakeReconciler{}
	job := NewReconcileJob(svc, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, int64(42), svc.customer)

	svc.err = payments.ErrCustomerNotFound
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)

	svc.err = errors.New("serialization failure")
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

type fakeCleaner struct{ olderThan time.Duration }

func (f *fakeCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	f.olderThan = olderThan
	return 2, nil
}

func TestIdempotencyCleanupDefaultsRetention(t *testing.T) {
	store := &fakeCleaner{}
	task, err := NewIdempotencyCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, HandleIdempotencyCleanup(store, nil)(context.Background(), task))
	require.Equal(t, defaultIdempotencyRetention, store.olderThan)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func TestClientEnqueueBillingGenerate(t *testing.T) {
	enq := &fakeEnqueuer{}
	client := &Client{client: enq}

	id, err := client.EnqueueBillingGenerate(context.Background(), 2024, 5, true)
	require.NoError(t, err)
	require.Equal(t, "task-1", id)
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskBillingGenerate, enq.tasks[0].Type())
	require.Len(t, enq.opts[0], 1)

	var payload BillingGeneratePayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, BillingGeneratePayload{Year: 2024, Month: 5, Overwrite: true}, payload)
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return f.info, f.err }

func TestHealthEndpoint(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(fakeInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 4}}, nil).MountRoutes)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":4,"active":0,"scheduled":0,"retry":0}`, rec.Body.String())

	r = chi.NewRouter()
	r.Route("/jobs", NewHandler(fakeInspector{err: errors.New("redis down")}, nil).MountRoutes)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
