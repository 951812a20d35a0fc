// Package pipeline runs the worker pool that carries each notification
// from fetch through submission to final message settlement.
package pipeline

import (
	"context"

	"github.com/jaegeral/openrelik-importer/internal/domain"
	"github.com/jaegeral/openrelik-importer/internal/observability"
	"github.com/jaegeral/openrelik-importer/internal/subscriber"
)

// Disposition is the final fate of a delivery.
type Disposition string

const (
	DispositionAck        Disposition = "ack"
	DispositionRetry      Disposition = "retry"
	DispositionDeadLetter Disposition = "dead_letter"
)

// Decide maps a processing outcome to a message disposition:
//
//	nil                  -> ack (work complete, duplicates included)
//	MALFORMED_EVENT      -> dead-letter (poison payload)
//	OBJECT_NOT_FOUND     -> ack (nothing left to import)
//	SIZE_EXCEEDED        -> ack (permanently over the limit)
//	TRANSIENT_IO         -> retry
//	AUTH_FAILURE         -> dead-letter (needs operator action)
//	VALIDATION_REJECTED  -> dead-letter (server will never accept it)
//
// Unclassified errors default to retry: a bug must never silently drop a
// message.
func Decide(err error) Disposition {
	if err == nil {
		return DispositionAck
	}
	switch domain.CodeOf(err) {
	case domain.CodeMalformedEvent, domain.CodeAuthFailure, domain.CodeValidationRejected:
		return DispositionDeadLetter
	case domain.CodeObjectNotFound, domain.CodeSizeExceeded:
		return DispositionAck
	case domain.CodeTransientIO:
		return DispositionRetry
	default:
		return DispositionRetry
	}
}

// Acknowledger settles envelopes according to their processing outcome.
type Acknowledger struct {
	logger  observability.Logger
	metrics observability.Metrics
}

// NewAcknowledger creates an Acknowledger.
func NewAcknowledger(logger observability.Logger, metrics observability.Metrics) *Acknowledger {
	return &Acknowledger{logger: logger, metrics: metrics}
}

// Finalize applies the disposition for err to the envelope. Settlement
// failures are logged, not retried: the broker's lease expiry redelivers
// the message, and idempotency absorbs the repeat.
func (a *Acknowledger) Finalize(ctx context.Context, env *subscriber.Envelope, err error) Disposition {
	disp := Decide(err)

	var settleErr error
	switch disp {
	case DispositionAck:
		settleErr = env.Ack(ctx)
	case DispositionRetry:
		settleErr = env.Retry(ctx)
	case DispositionDeadLetter:
		settleErr = env.DeadLetter(ctx)
	}

	fields := observability.Fields{"disposition": string(disp)}
	if err != nil {
		fields["error_code"] = domain.CodeOf(err)
	}

	switch {
	case settleErr != nil:
		a.metrics.RecordError("acknowledge", "settle_failed")
		a.logger.Error(ctx, "Failed to settle delivery", settleErr, fields)
	case domain.CodeOf(err) == domain.CodeAuthFailure:
		// Credential failures need an operator, not a retry.
		fields["alert"] = true
		a.logger.Error(ctx, "Delivery dead-lettered on authentication failure", err, fields)
	case err != nil:
		a.logger.Warn(ctx, "Delivery settled with error", mergeFields(fields, observability.Fields{
			"error": err.Error(),
		}))
	default:
		a.logger.Debug(ctx, "Delivery acknowledged", fields)
	}

	a.metrics.RecordSuccess("disposition." + string(disp))
	return disp
}

func mergeFields(a, b observability.Fields) observability.Fields {
	out := observability.Fields{}
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
