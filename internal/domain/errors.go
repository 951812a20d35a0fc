package domain

import (
	"errors"
	"fmt"
)

// Error codes for the pipeline failure taxonomy.
const (
	CodeMalformedEvent     = "MALFORMED_EVENT"
	CodeObjectNotFound     = "OBJECT_NOT_FOUND"
	CodeSizeExceeded       = "SIZE_EXCEEDED"
	CodeTransientIO        = "TRANSIENT_IO"
	CodeAuthFailure        = "AUTH_FAILURE"
	CodeValidationRejected = "VALIDATION_REJECTED"
)

// PipelineError is a classified pipeline failure. The acknowledger decides
// message disposition from Code and Retryable alone, so every error that
// reaches it must be wrapped in one of these.
type PipelineError struct {
	Code      string
	Message   string
	Err       error
	Retryable bool
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewMalformedEvent classifies a notification payload that cannot be turned
// into an ImportEvent. Poison: dead-lettered, never redelivered as-is.
func NewMalformedEvent(msg string, err error) *PipelineError {
	return &PipelineError{Code: CodeMalformedEvent, Message: msg, Err: err, Retryable: false}
}

// NewObjectNotFound classifies an object that disappeared between
// notification and fetch. Terminal: acked and logged, nothing to retry.
func NewObjectNotFound(bucket, key string) *PipelineError {
	return &PipelineError{
		Code:    CodeObjectNotFound,
		Message: fmt.Sprintf("object %s/%s no longer exists", bucket, key),
	}
}

// NewSizeExceeded classifies an object that grew past the configured limit
// before the download completed. Terminal: acked and logged.
func NewSizeExceeded(limit int64) *PipelineError {
	return &PipelineError{
		Code:    CodeSizeExceeded,
		Message: fmt.Sprintf("object exceeds max size of %d bytes", limit),
	}
}

// NewTransientIO classifies a retryable network/storage/server failure.
func NewTransientIO(op string, err error) *PipelineError {
	return &PipelineError{
		Code:      CodeTransientIO,
		Message:   fmt.Sprintf("transient failure during %s", op),
		Err:       err,
		Retryable: true,
	}
}

// NewAuthFailure classifies a credential rejection. Terminal and surfaced
// to the operator; retrying cannot help until credentials change.
func NewAuthFailure(err error) *PipelineError {
	return &PipelineError{Code: CodeAuthFailure, Message: "authentication rejected", Err: err}
}

// NewValidationRejected classifies a non-duplicate 4xx rejection from the
// ingestion endpoint, carrying the server's reason. Terminal.
func NewValidationRejected(reason string) *PipelineError {
	return &PipelineError{Code: CodeValidationRejected, Message: reason}
}

// CodeOf extracts the pipeline error code, or "" for unclassified errors.
func CodeOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsRetryable reports whether the error is worth retrying locally.
// Unclassified errors report false here; the acknowledger separately
// defaults them to nack-and-retry at the message level.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
