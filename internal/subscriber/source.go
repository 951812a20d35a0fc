// Package subscriber pulls object-change notifications from a message
// source and hands parsed events to the pipeline under flow control.
package subscriber

import (
	"context"
)

// Delivery is one raw message pulled from the source, together with the
// broker handles needed to settle it later.
type Delivery struct {
	// Body is the raw notification payload.
	Body []byte

	// Attempts is how many times the broker has delivered this message,
	// including this delivery, when the broker reports it. Zero when the
	// broker does not track delivery counts.
	Attempts int

	// receipt identifies the message for SQS-style settlement.
	receipt string

	// tag identifies the message for AMQP-style settlement.
	tag uint64
}

// Source is a message-source backend. Exactly one settlement call (Ack,
// Retry, or DeadLetter) must be made per delivery.
type Source interface {
	// Receive pulls up to max messages, blocking until at least one is
	// available, the poll wait elapses, or ctx is done. An empty slice
	// with a nil error means the wait elapsed without messages.
	Receive(ctx context.Context, max int) ([]Delivery, error)

	// Ack permanently removes the message from the queue.
	Ack(ctx context.Context, d Delivery) error

	// Retry returns the message to the queue for redelivery.
	Retry(ctx context.Context, d Delivery) error

	// DeadLetter moves the message to the dead-letter queue, preserving
	// the original payload for inspection, and removes it from the main
	// queue.
	DeadLetter(ctx context.Context, d Delivery) error

	// ExtendLease prolongs the source's exclusive-delivery window for an
	// in-flight message so slow processing does not trigger redelivery.
	ExtendLease(ctx context.Context, d Delivery) error

	// Close releases broker connections.
	Close() error
}
