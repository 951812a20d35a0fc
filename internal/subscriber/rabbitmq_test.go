package subscriber

import (
	"context"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaegeral/openrelik-importer/internal/config"
	"github.com/jaegeral/openrelik-importer/internal/observability/mocks"
)

func testRabbitMQSource(deliveries <-chan amqp091.Delivery) *RabbitMQSource {
	return &RabbitMQSource{
		config: &config.RabbitMQConfig{
			Queue:         "work",
			DLQ:           "work-dlq",
			DeliveryLimit: 5,
			Timeout:       20 * time.Millisecond,
		},
		prefetch:   2,
		logger:     mocks.NewQuietLogger(),
		metrics:    mocks.NewQuietMetrics(),
		deliveries: deliveries,
	}
}

func TestRabbitMQReceive_ReestablishesAfterChannelDrop(t *testing.T) {
	dead := make(chan amqp091.Delivery)
	close(dead) // simulate a dropped connection closing the consumer

	s := testRabbitMQSource(dead)

	reconnects := 0
	s.reconnect = func() error {
		reconnects++
		fresh := make(chan amqp091.Delivery, 1)
		fresh <- amqp091.Delivery{Body: []byte(`{"bucket":"evidence","object":"a.img"}`), DeliveryTag: 7}
		s.mu.Lock()
		s.deliveries = fresh
		s.mu.Unlock()
		return nil
	}

	// First call observes the dead channel and reports it.
	_, err := s.Receive(context.Background(), 1)
	require.Error(t, err)
	assert.Zero(t, reconnects, "the failing call itself only marks the consumer dead")

	// The next call re-establishes the consumer and serves from it.
	out, err := s.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, reconnects)
	assert.Equal(t, uint64(7), out[0].tag)

	// Once recovered, no further reconnects happen.
	_, err = s.Receive(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, reconnects)
}

func TestRabbitMQReceive_ReconnectFailureSurfaces(t *testing.T) {
	dead := make(chan amqp091.Delivery)
	close(dead)

	s := testRabbitMQSource(dead)

	attempts := 0
	s.reconnect = func() error {
		attempts++
		return assert.AnError
	}

	_, err := s.Receive(context.Background(), 1)
	require.Error(t, err)

	// Every subsequent call keeps trying, so the caller's backoff loop
	// drives recovery instead of livelocking on a dead channel.
	_, err = s.Receive(context.Background(), 1)
	require.Error(t, err)
	_, err = s.Receive(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRabbitMQReceive_ClosedSourceStopsReconnecting(t *testing.T) {
	dead := make(chan amqp091.Delivery)
	close(dead)

	s := testRabbitMQSource(dead)
	s.reconnect = func() error {
		t.Fatal("a closed source must not re-dial")
		return nil
	}

	_, err := s.Receive(context.Background(), 1)
	require.Error(t, err)

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	_, err = s.Receive(context.Background(), 1)
	assert.ErrorIs(t, err, errSourceClosed)
}

func TestWorkQueueArgs_BoundsRedelivery(t *testing.T) {
	cfg := &config.RabbitMQConfig{
		Queue:         "work",
		DLQ:           "work-dlq",
		DeliveryLimit: 5,
	}

	args := workQueueArgs(cfg)

	// A quorum queue with a delivery limit dead-letters a message into the
	// DLQ once broker redeliveries are exhausted, so a persistently failing
	// message cannot requeue forever.
	assert.Equal(t, "quorum", args["x-queue-type"])
	assert.Equal(t, int32(5), args["x-delivery-limit"])
	assert.Equal(t, "", args["x-dead-letter-exchange"])
	assert.Equal(t, "work-dlq", args["x-dead-letter-routing-key"])
}
