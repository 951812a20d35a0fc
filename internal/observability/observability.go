// Package observability defines the logging and metrics contracts shared by
// every pipeline component. Implementations live in the logger and metrics
// subpackages; testify mocks live in mocks.
package observability

import "context"

// Fields represents structured logging fields as key-value pairs.
type Fields map[string]interface{}

// contextKey is a private type for context values set by the pipeline.
type contextKey string

// EventIDKey carries the current event's id through the worker's context
// so every log line can be correlated to the notification being processed.
const EventIDKey contextKey = "event_id"

// Logger is the contract for structured logging. Implementations emit
// JSON-formatted output suitable for log aggregation. All methods are
// context-aware to support request correlation.
type Logger interface {
	// Info logs general operational information.
	Info(ctx context.Context, msg string, fields Fields)

	// Error logs a failure together with the causing error.
	Error(ctx context.Context, msg string, err error, fields Fields)

	// Warn logs a potentially harmful situation that doesn't prevent
	// operation.
	Warn(ctx context.Context, msg string, fields Fields)

	// Debug logs detailed troubleshooting information, typically
	// filtered out in production.
	Debug(ctx context.Context, msg string, fields Fields)

	// WithFields returns a Logger that includes the given fields in
	// every subsequent entry.
	WithFields(fields Fields) Logger
}

// Metrics is the contract for metrics collection. Implementations expose
// Prometheus-compatible counters, histograms and gauges.
type Metrics interface {
	// RecordSuccess increments the success counter for an operation.
	RecordSuccess(operation string)

	// RecordError increments the error counters for an operation and
	// error category.
	RecordError(operation string, errorType string)

	// RecordDuration records an operation's duration in seconds.
	RecordDuration(operation string, duration float64)

	// RecordFileSize records the size of a processed object in bytes.
	RecordFileSize(fileType string, bytes int64)

	// StartOperation increments the in-progress gauge for an operation.
	// Must be paired with EndOperation.
	StartOperation(operation string)

	// EndOperation decrements the in-progress gauge for an operation.
	EndOperation(operation string)
}
