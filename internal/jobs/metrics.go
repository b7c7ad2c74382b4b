package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and billing runs.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bills    *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	negative prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// ObserveBillingRun records the outcome of one generation run.
func (m *Metrics) ObserveBillingRun(mode string, bills, skipped, negative int) {
	if m == nil {
		return
	}
	if bills > 0 {
		m.bills.WithLabelValues(mode).Add(float64(bills))
	}
	if skipped > 0 {
		m.skipped.WithLabelValues(mode).Add(float64(skipped))
	}
	if negative > 0 {
		m.negative.Add(float64(negative))
	}
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "boletas_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "boletas_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "boletas_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	bills := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "boletas_bills_generated_total",
		Help: "Bills assembled by generation runs, by mode.",
	}, []string{"mode"})
	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "boletas_billing_skipped_total",
		Help: "Customers skipped by generation runs, by mode.",
	}, []string{"mode"})
	negative := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "boletas_negative_consumption_total",
		Help: "Bills flagged with negative consumption.",
	})
	registerer.MustRegister(runs, failures, duration, bills, skipped, negative)
	return &Metrics{runs: runs, failures: failures, duration: duration, bills: bills, skipped: skipped, negative: negative}
}
