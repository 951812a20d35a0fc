// Package mocks provides mock implementations for testing
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/jaegeral/openrelik-importer/internal/observability"
)

// MockLogger is a mock implementation of the Logger interface
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Info(ctx context.Context, msg string, fields observability.Fields) {
	m.Called(ctx, msg, fields)
}

func (m *MockLogger) Error(ctx context.Context, msg string, err error, fields observability.Fields) {
	m.Called(ctx, msg, err, fields)
}

func (m *MockLogger) Warn(ctx context.Context, msg string, fields observability.Fields) {
	m.Called(ctx, msg, fields)
}

func (m *MockLogger) Debug(ctx context.Context, msg string, fields observability.Fields) {
	m.Called(ctx, msg, fields)
}

func (m *MockLogger) WithFields(fields observability.Fields) observability.Logger {
	args := m.Called(fields)
	if logger, ok := args.Get(0).(observability.Logger); ok {
		return logger
	}
	return m
}

// MockMetrics is a mock implementation of the Metrics interface
type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) RecordSuccess(operation string) {
	m.Called(operation)
}

func (m *MockMetrics) RecordError(operation string, errorType string) {
	m.Called(operation, errorType)
}

func (m *MockMetrics) RecordDuration(operation string, duration float64) {
	m.Called(operation, duration)
}

func (m *MockMetrics) RecordFileSize(fileType string, bytes int64) {
	m.Called(fileType, bytes)
}

func (m *MockMetrics) StartOperation(operation string) {
	m.Called(operation)
}

func (m *MockMetrics) EndOperation(operation string) {
	m.Called(operation)
}

// NewQuietLogger returns a MockLogger that accepts any call, for tests that
// assert behavior rather than log output.
func NewQuietLogger() *MockLogger {
	m := &MockLogger{}
	m.On("Info", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("Error", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("Warn", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("Debug", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("WithFields", mock.Anything).Return(nil).Maybe()
	return m
}

// NewQuietMetrics returns a MockMetrics that accepts any call.
func NewQuietMetrics() *MockMetrics {
	m := &MockMetrics{}
	m.On("RecordSuccess", mock.Anything).Maybe()
	m.On("RecordError", mock.Anything, mock.Anything).Maybe()
	m.On("RecordDuration", mock.Anything, mock.Anything).Maybe()
	m.On("RecordFileSize", mock.Anything, mock.Anything).Maybe()
	m.On("StartOperation", mock.Anything).Maybe()
	m.On("EndOperation", mock.Anything).Maybe()
	return m
}
