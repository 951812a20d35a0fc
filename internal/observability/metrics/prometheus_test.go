package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("importer", reg)

	m.RecordSuccess("fetch")
	m.RecordSuccess("fetch")
	m.RecordError("submit", "TRANSIENT_IO")

	assert.Equal(t, float64(2),
		testutil.ToFloat64(m.processedTotal.WithLabelValues("success", "fetch")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.processedTotal.WithLabelValues("error", "submit")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.errorsTotal.WithLabelValues("TRANSIENT_IO", "submit")))
}

func TestPrometheusMetrics_InProgressGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("importer", reg)

	m.StartOperation("fetch")
	m.StartOperation("fetch")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.inProgress.WithLabelValues("fetch")))

	m.EndOperation("fetch")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.inProgress.WithLabelValues("fetch")))
}

func TestPrometheusMetrics_Histograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("importer", reg)

	m.RecordDuration("submit", 0.25)
	m.RecordFileSize("application/pdf", 2048)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["importer_duration_seconds"])
	assert.True(t, names["importer_file_size_bytes"])
}

func TestPrometheusMetrics_SanitizesServiceName(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("openrelik-importer", reg)
	m.RecordSuccess("fetch")

	families, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, f := range families {
		if f.GetName() == "openrelik_importer_processed_total" {
			found = true
		}
	}
	assert.True(t, found, "hyphens must be mapped to underscores")
}

func TestPrometheusMetrics_IsolatedRegistries(t *testing.T) {
	// Two instances against separate registries must not collide.
	a := New("importer", prometheus.NewRegistry())
	b := New("importer", prometheus.NewRegistry())

	a.RecordSuccess("fetch")
	assert.Equal(t, float64(0),
		testutil.ToFloat64(b.processedTotal.WithLabelValues("success", "fetch")))
}
