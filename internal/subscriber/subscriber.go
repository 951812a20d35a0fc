package subscriber

import (
	"context"
	"sync"
	"time"

	"github.com/jaegeral/openrelik-importer/internal/domain"
	"github.com/jaegeral/openrelik-importer/internal/observability"
)

const (
	receiveBackoffInitial = time.Second
	receiveBackoffMax     = 30 * time.Second
)

// Envelope is one in-flight delivery handed to the pipeline: the parsed
// events plus the settlement handle. Exactly one of Ack, Retry, or
// DeadLetter must be called; later calls are no-ops. Settling stops the
// lease keeper and frees the delivery's flow-control slot.
type Envelope struct {
	// Events are the object-created events carried by the delivery,
	// usually exactly one.
	Events []domain.ImportEvent

	// Err is non-nil when the payload could not be parsed. Events is
	// empty in that case and the envelope should be dead-lettered.
	Err error

	// Attempts is the broker's delivery count for this message, when known.
	Attempts int

	delivery  Delivery
	sub       *Subscriber
	stopLease chan struct{}
	settle    sync.Once
}

// Ack permanently removes the underlying message.
func (e *Envelope) Ack(ctx context.Context) error {
	return e.finish(ctx, e.sub.source.Ack)
}

// Retry returns the underlying message for redelivery.
func (e *Envelope) Retry(ctx context.Context) error {
	return e.finish(ctx, e.sub.source.Retry)
}

// DeadLetter moves the underlying message to the dead-letter queue.
func (e *Envelope) DeadLetter(ctx context.Context) error {
	return e.finish(ctx, e.sub.source.DeadLetter)
}

func (e *Envelope) finish(ctx context.Context, op func(context.Context, Delivery) error) error {
	var err error
	e.settle.Do(func() {
		close(e.stopLease)
		err = op(ctx, e.delivery)
		e.sub.releaseSlot()
	})
	return err
}

// Subscriber pulls notifications from the source and emits envelopes under
// flow control: at most workerCount deliveries are outstanding (emitted but
// not settled) at any moment, so the receive rate can never outrun the
// pipeline.
type Subscriber struct {
	source        Source
	workerCount   int
	leaseInterval time.Duration
	logger        observability.Logger
	metrics       observability.Metrics

	sem chan struct{}
}

// New creates a Subscriber. leaseInterval is how often in-flight deliveries
// get their lease extended; half the source's visibility window is a safe
// value.
func New(source Source, workerCount int, leaseInterval time.Duration, logger observability.Logger, metrics observability.Metrics) *Subscriber {
	return &Subscriber{
		source:        source,
		workerCount:   workerCount,
		leaseInterval: leaseInterval,
		logger:        logger,
		metrics:       metrics,
		sem:           make(chan struct{}, workerCount),
	}
}

// Run pulls deliveries until ctx is canceled, emitting envelopes on out.
// Receive failures back off exponentially and never crash the loop. Run
// closes out on return.
func (s *Subscriber) Run(ctx context.Context, out chan<- *Envelope) error {
	defer close(out)

	backoff := receiveBackoffInitial
	for {
		// Block until at least one flow-control slot is free.
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		slots := 1 + s.grabFreeSlots()

		deliveries, err := s.source.Receive(ctx, slots)
		if err != nil {
			s.returnSlots(slots)
			if ctx.Err() != nil {
				return nil
			}
			s.metrics.RecordError("subscriber.receive", "receive_failed")
			s.logger.Error(ctx, "Receive failed, backing off", err, observability.Fields{
				"backoff": backoff.String(),
			})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff = min(backoff*2, receiveBackoffMax)
			continue
		}
		backoff = receiveBackoffInitial

		s.returnSlots(slots - len(deliveries))

		for _, d := range deliveries {
			env := s.wrap(d)

			if env.Err == nil && len(env.Events) == 0 {
				// Valid payload with no object-created work.
				s.logger.Debug(ctx, "Skipping notification without work", nil)
				if err := env.Ack(ctx); err != nil {
					s.logger.Warn(ctx, "Failed to ack skipped notification", observability.Fields{
						"error": err.Error(),
					})
				}
				continue
			}

			select {
			case out <- env:
			case <-ctx.Done():
				// Leave the delivery unsettled; the broker redelivers
				// it after the lease expires.
				env.cancelUnsent()
				return nil
			}
		}
	}
}

// wrap parses the delivery and starts its lease keeper.
func (s *Subscriber) wrap(d Delivery) *Envelope {
	events, err := ParseNotification(d.Body)
	env := &Envelope{
		Events:    events,
		Err:       err,
		Attempts:  d.Attempts,
		delivery:  d,
		sub:       s,
		stopLease: make(chan struct{}),
	}
	if s.leaseInterval > 0 {
		go s.keepLease(env)
	}
	return env
}

// keepLease periodically extends the delivery's lease until the envelope
// settles, so long-running downloads do not trigger broker redelivery.
func (s *Subscriber) keepLease(env *Envelope) {
	ticker := time.NewTicker(s.leaseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-env.stopLease:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.source.ExtendLease(ctx, env.delivery)
			cancel()
			if err != nil {
				s.logger.Warn(context.Background(), "Failed to extend delivery lease", observability.Fields{
					"error": err.Error(),
				})
			}
		}
	}
}

// cancelUnsent tears down an envelope that never reached the pipeline
// without settling the broker message.
func (e *Envelope) cancelUnsent() {
	e.settle.Do(func() {
		close(e.stopLease)
		e.sub.releaseSlot()
	})
}

// grabFreeSlots acquires every currently free flow-control slot without
// blocking and reports how many it took.
func (s *Subscriber) grabFreeSlots() int {
	n := 0
	for {
		select {
		case s.sem <- struct{}{}:
			n++
		default:
			return n
		}
	}
}

func (s *Subscriber) returnSlots(n int) {
	for i := 0; i < n; i++ {
		s.releaseSlot()
	}
}

func (s *Subscriber) releaseSlot() {
	<-s.sem
}
