package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// gathered sums every sample of the named family.
func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestTrackerCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("billing:generate").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("billing:generate").End(boom), boom)

	require.Equal(t, 2.0, gathered(t, reg, "boletas_jobs_total"))
	require.Equal(t, 1.0, gathered(t, reg, "boletas_jobs_failures_total"))
}

func TestObserveBillingRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveBillingRun("persist", 40, 2, 1)
	m.ObserveBillingRun("preview", 40, 0, 0)

	require.Equal(t, 80.0, gathered(t, reg, "boletas_bills_generated_total"))
	require.Equal(t, 2.0, gathered(t, reg, "boletas_billing_skipped_total"))
	require.Equal(t, 1.0, gathered(t, reg, "boletas_negative_consumption_total"))

	var nilMetrics *Metrics
	nilMetrics.ObserveBillingRun("persist", 1, 1, 1)
}
