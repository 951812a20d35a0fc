package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPipelineError_Classification(t *testing.T) {
	t.Run("transient errors are retryable", func(t *testing.T) {
		err := NewTransientIO("download", errors.New("connection reset"))

		assert.True(t, IsRetryable(err))
		assert.Equal(t, CodeTransientIO, CodeOf(err))
	})

	t.Run("terminal errors are not retryable", func(t *testing.T) {
		for _, err := range []error{
			NewMalformedEvent("bad payload", nil),
			NewObjectNotFound("evidence", "case-1/disk.img"),
			NewSizeExceeded(1024),
			NewAuthFailure(errors.New("401")),
			NewValidationRejected("missing filename"),
		} {
			assert.False(t, IsRetryable(err), "expected %v to be terminal", err)
		}
	})

	t.Run("codes survive wrapping", func(t *testing.T) {
		err := fmt.Errorf("processing event: %w", NewObjectNotFound("b", "k"))

		assert.Equal(t, CodeObjectNotFound, CodeOf(err))
		assert.False(t, IsRetryable(err))
	})

	t.Run("unclassified errors have no code", func(t *testing.T) {
		err := errors.New("something unexpected")

		assert.Equal(t, "", CodeOf(err))
		assert.False(t, IsRetryable(err))
	})

	t.Run("unwrap exposes the cause", func(t *testing.T) {
		cause := errors.New("dial tcp: timeout")
		err := NewTransientIO("submit", cause)

		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), CodeTransientIO)
		assert.Contains(t, err.Error(), "timeout")
	})
}
