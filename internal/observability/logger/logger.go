// Package logger provides the structured JSON logger used by all
// components. Output is one JSON object per line with a consistent field
// set so log aggregation systems can query it efficiently.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jaegeral/openrelik-importer/internal/observability"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLevel converts a string representation to a LogLevel.
// Unrecognized levels default to InfoLevel.
func ParseLevel(level string) LogLevel {
	switch level {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// String returns the string representation of a LogLevel.
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// JSONLogger implements observability.Logger with line-delimited JSON
// output. Every entry carries timestamp, level, service, env, hostname and
// message, plus persistent and per-call fields.
type JSONLogger struct {
	mu               sync.RWMutex
	output           io.Writer
	serviceName      string
	environment      string
	hostname         string
	minLevel         LogLevel
	persistentFields observability.Fields
}

// New creates a JSONLogger. If output is nil it defaults to os.Stdout.
func New(serviceName, environment, logLevel string, output io.Writer, additionalFields observability.Fields) *JSONLogger {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	if output == nil {
		output = os.Stdout
	}

	return &JSONLogger{
		output:           output,
		serviceName:      serviceName,
		environment:      environment,
		hostname:         hostname,
		minLevel:         ParseLevel(logLevel),
		persistentFields: additionalFields,
	}
}

func (l *JSONLogger) Info(ctx context.Context, msg string, fields observability.Fields) {
	if l.minLevel > InfoLevel {
		return
	}
	l.log(ctx, InfoLevel, msg, nil, fields)
}

func (l *JSONLogger) Error(ctx context.Context, msg string, err error, fields observability.Fields) {
	l.log(ctx, ErrorLevel, msg, err, fields)
}

func (l *JSONLogger) Warn(ctx context.Context, msg string, fields observability.Fields) {
	if l.minLevel > WarnLevel {
		return
	}
	l.log(ctx, WarnLevel, msg, nil, fields)
}

func (l *JSONLogger) Debug(ctx context.Context, msg string, fields observability.Fields) {
	if l.minLevel > DebugLevel {
		return
	}
	l.log(ctx, DebugLevel, msg, nil, fields)
}

// WithFields returns a new logger that includes the given fields in every
// entry, useful for attaching a consistent event_id to related logs.
func (l *JSONLogger) WithFields(fields observability.Fields) observability.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	merged := make(observability.Fields, len(l.persistentFields)+len(fields))
	for k, v := range l.persistentFields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return &JSONLogger{
		output:           l.output,
		serviceName:      l.serviceName,
		environment:      l.environment,
		hostname:         l.hostname,
		minLevel:         l.minLevel,
		persistentFields: merged,
	}
}

func (l *JSONLogger) log(ctx context.Context, level LogLevel, msg string, err error, fields observability.Fields) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry := make(observability.Fields)

	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["service"] = l.serviceName
	entry["env"] = l.environment
	entry["hostname"] = l.hostname
	entry["message"] = msg

	if eventID, ok := ctx.Value(observability.EventIDKey).(string); ok {
		entry["event_id"] = eventID
	}

	if err != nil {
		entry["error"] = err.Error()
		entry["error_type"] = fmt.Sprintf("%T", err)
	}

	for k, v := range l.persistentFields {
		entry[k] = v
	}
	for k, v := range fields {
		entry[k] = v
	}

	if jsonBytes, err := json.Marshal(entry); err == nil {
		l.output.Write(jsonBytes)
		l.output.Write([]byte("\n"))
	}
}
