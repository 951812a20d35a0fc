package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/jaegeral/openrelik-importer/internal/config"
	"github.com/jaegeral/openrelik-importer/internal/observability"
)

var errSourceClosed = errors.New("source closed")

// RabbitMQSource implements Source on RabbitMQ. Deliveries arrive over a
// consumer channel with a prefetch matching the pipeline's worker budget;
// ack/nack settle them. When the connection or channel drops, the consumer
// channel closes and the next Receive re-dials and re-establishes the
// consumer, so the caller's backoff loop drives recovery. AMQP has no
// visibility timeout, so ExtendLease is a no-op: an unacked delivery stays
// leased until the channel closes.
type RabbitMQSource struct {
	config   *config.RabbitMQConfig
	prefetch int
	logger   observability.Logger
	metrics  observability.Metrics

	mu         sync.Mutex
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	deliveries <-chan amqp091.Delivery
	closed     bool

	// reconnect re-establishes connection, channel, and consumer. It is a
	// field so tests can substitute the broker dial.
	reconnect func() error
}

// NewRabbitMQSource connects to the broker, declares the work and
// dead-letter queues, and starts a consumer with the given prefetch.
func NewRabbitMQSource(cfg *config.RabbitMQConfig, prefetch int, logger observability.Logger, metrics observability.Metrics) (*RabbitMQSource, error) {
	s := &RabbitMQSource{
		config:   cfg,
		prefetch: prefetch,
		logger:   logger,
		metrics:  metrics,
	}
	s.reconnect = s.connect

	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// workQueueArgs declares the work queue as a quorum queue whose broker-side
// delivery limit dead-letters a message into the DLQ once redelivery
// attempts are exhausted, so a persistently failing message cannot loop
// forever.
func workQueueArgs(cfg *config.RabbitMQConfig) amqp091.Table {
	return amqp091.Table{
		"x-queue-type":              "quorum",
		"x-delivery-limit":          int32(cfg.DeliveryLimit),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQ,
	}
}

// connect dials the broker and installs a fresh channel and consumer,
// replacing any previous (dead) ones.
func (s *RabbitMQSource) connect() error {
	conn, err := amqp091.Dial(s.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := channel.Qos(s.prefetch, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	// Declare queues (idempotent operation). The DLQ must exist before the
	// work queue references it as a dead-letter target.
	if _, err := channel.QueueDeclare(
		s.config.DLQ, // queue name
		true,         // durable
		false,        // auto-delete
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue %s: %w", s.config.DLQ, err)
	}
	if _, err := channel.QueueDeclare(
		s.config.Queue,
		true,
		false,
		false,
		false,
		workQueueArgs(s.config),
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue %s: %w", s.config.Queue, err)
	}

	deliveries, err := channel.Consume(
		s.config.Queue, // queue
		"",             // consumer tag
		false,          // auto-ack
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.channel = channel
	s.deliveries = deliveries
	s.mu.Unlock()

	if old != nil && !old.IsClosed() {
		old.Close()
	}

	s.logger.Info(context.Background(), "RabbitMQ consumer established", observability.Fields{
		"queue":    s.config.Queue,
		"prefetch": s.prefetch,
	})
	return nil
}

// Receive drains up to max buffered deliveries, blocking for the first one
// up to the configured timeout. A dropped connection surfaces once as an
// error; the next call re-establishes the consumer.
func (s *RabbitMQSource) Receive(ctx context.Context, max int) ([]Delivery, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errSourceClosed
	}
	deliveries := s.deliveries
	s.mu.Unlock()

	if deliveries == nil {
		if err := s.reconnect(); err != nil {
			s.metrics.RecordError("rabbitmq.receive", "reconnect_failed")
			return nil, fmt.Errorf("failed to re-establish consumer: %w", err)
		}
		s.mu.Lock()
		deliveries = s.deliveries
		s.mu.Unlock()
	}

	wait := s.config.Timeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var out []Delivery
	for len(out) < max {
		select {
		case msg, ok := <-deliveries:
			if !ok {
				// Connection or channel dropped. Mark the consumer dead
				// so the next Receive re-dials.
				s.mu.Lock()
				s.deliveries = nil
				s.mu.Unlock()
				if len(out) > 0 {
					return out, nil
				}
				return nil, fmt.Errorf("consumer channel closed")
			}
			out = append(out, toDelivery(msg))
			// Only the first message is waited for.
			if len(out) == 1 {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(50 * time.Millisecond)
			}
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			return out, nil
		}
	}
	return out, nil
}

func toDelivery(msg amqp091.Delivery) Delivery {
	d := Delivery{
		Body: msg.Body,
		tag:  msg.DeliveryTag,
	}
	if msg.Redelivered {
		d.Attempts = 2
	} else {
		d.Attempts = 1
	}
	return d
}

// Ack settles the delivery as done.
func (s *RabbitMQSource) Ack(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.channel.Ack(d.tag, false); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}
	return nil
}

// Retry returns the delivery to the queue for redelivery. The work queue's
// delivery limit bounds how often this can happen before the broker
// dead-letters the message itself.
func (s *RabbitMQSource) Retry(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.channel.Nack(d.tag, false, true); err != nil {
		return fmt.Errorf("failed to nack delivery: %w", err)
	}
	return nil
}

// DeadLetter republishes the payload onto the DLQ, then acks the original.
func (s *RabbitMQSource) DeadLetter(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.channel.PublishWithContext(
		ctx,
		"",           // exchange (empty for direct queue)
		s.config.DLQ, // routing key (queue name)
		false,        // mandatory
		false,        // immediate
		amqp091.Publishing{
			DeliveryMode: amqp091.Persistent,
			ContentType:  "application/json",
			Body:         d.Body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	if err := s.channel.Ack(d.tag, false); err != nil {
		return fmt.Errorf("failed to ack dead-lettered delivery: %w", err)
	}
	return nil
}

// ExtendLease is a no-op: AMQP deliveries stay leased while unacked.
func (s *RabbitMQSource) ExtendLease(ctx context.Context, d Delivery) error {
	return nil
}

// Close shuts down the channel and connection.
func (s *RabbitMQSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
