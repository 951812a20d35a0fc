// Package metrics provides the Prometheus implementation of the Metrics
// contract. Metric names are prefixed with the service name and follow
// Prometheus naming conventions.
package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements observability.Metrics on the Prometheus
// client library with pre-registered counter, histogram and gauge vectors.
type PrometheusMetrics struct {
	serviceName string

	processedTotal  *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	durationSeconds *prometheus.HistogramVec
	fileSizeBytes   *prometheus.HistogramVec
	inProgress      *prometheus.GaugeVec
}

// New creates a PrometheusMetrics instance registered against reg. Passing
// nil registers against the default registry. Tests pass their own
// prometheus.NewRegistry() so repeated construction never collides.
func New(serviceName string, reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	// Hyphenated service names are valid in config but not in metric names.
	serviceName = strings.ReplaceAll(serviceName, "-", "_")

	m := &PrometheusMetrics{serviceName: serviceName}

	m.processedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_processed_total", serviceName),
			Help: fmt.Sprintf("Total processed items by %s", serviceName),
		},
		[]string{"status", "type"},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_errors_total", serviceName),
			Help: fmt.Sprintf("Total errors in %s", serviceName),
		},
		[]string{"error_type", "operation"},
	)

	m.durationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_duration_seconds", serviceName),
			Help:    fmt.Sprintf("Operation duration in %s", serviceName),
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Buckets sized for evidence objects: 1KB up to 10GB
	m.fileSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: fmt.Sprintf("%s_file_size_bytes", serviceName),
			Help: fmt.Sprintf("Object sizes processed by %s", serviceName),
			Buckets: []float64{
				1024,
				1048576,
				10485760,
				104857600,
				1073741824,
				10737418240,
			},
		},
		[]string{"file_type"},
	)

	m.inProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_in_progress", serviceName),
			Help: fmt.Sprintf("Operations in progress in %s", serviceName),
		},
		[]string{"operation"},
	)

	reg.MustRegister(
		m.processedTotal,
		m.errorsTotal,
		m.durationSeconds,
		m.fileSizeBytes,
		m.inProgress,
	)

	return m
}

// RecordSuccess increments the success counter for an operation.
func (m *PrometheusMetrics) RecordSuccess(operation string) {
	m.processedTotal.WithLabelValues("success", operation).Inc()
}

// RecordError increments both the processed counter (status="error") and
// the detailed error counter.
func (m *PrometheusMetrics) RecordError(operation string, errorType string) {
	m.processedTotal.WithLabelValues("error", operation).Inc()
	m.errorsTotal.WithLabelValues(errorType, operation).Inc()
}

// RecordDuration records the duration of an operation in seconds.
func (m *PrometheusMetrics) RecordDuration(operation string, duration float64) {
	m.durationSeconds.WithLabelValues(operation).Observe(duration)
}

// RecordFileSize records the size of a processed object in bytes.
func (m *PrometheusMetrics) RecordFileSize(fileType string, bytes int64) {
	m.fileSizeBytes.WithLabelValues(fileType).Observe(float64(bytes))
}

// StartOperation increments the in-progress gauge for an operation.
func (m *PrometheusMetrics) StartOperation(operation string) {
	m.inProgress.WithLabelValues(operation).Inc()
}

// EndOperation decrements the in-progress gauge for an operation.
func (m *PrometheusMetrics) EndOperation(operation string) {
	m.inProgress.WithLabelValues(operation).Dec()
}
