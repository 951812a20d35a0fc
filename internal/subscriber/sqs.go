package subscriber

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/jaegeral/openrelik-importer/internal/config"
	"github.com/jaegeral/openrelik-importer/internal/observability"
)

// SQSSource implements Source on AWS SQS. The queue's visibility timeout is
// the delivery lease: ack deletes the message, retry zeroes the visibility
// so the message reappears immediately, dead-letter copies the payload to
// the DLQ and deletes the original.
type SQSSource struct {
	client  *sqs.Client
	config  *config.SQSConfig
	logger  observability.Logger
	metrics observability.Metrics

	// Cache queue URLs to avoid repeated lookups
	mu        sync.Mutex
	queueURLs map[string]string
}

// NewSQSSource creates an SQS-backed source.
func NewSQSSource(client *sqs.Client, cfg *config.SQSConfig, logger observability.Logger, metrics observability.Metrics) *SQSSource {
	return &SQSSource{
		client:    client,
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		queueURLs: make(map[string]string),
	}
}

func (s *SQSSource) getQueueURL(ctx context.Context, queueName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check cache
	if url, ok := s.queueURLs[queueName]; ok {
		return url, nil
	}

	result, err := s.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get queue URL for %s: %w", queueName, err)
	}

	s.queueURLs[queueName] = *result.QueueUrl
	return *result.QueueUrl, nil
}

// Receive long-polls the main queue for up to max messages. SQS caps a
// single receive at 10 messages.
func (s *SQSSource) Receive(ctx context.Context, max int) ([]Delivery, error) {
	queueURL, err := s.getQueueURL(ctx, s.config.QueueName)
	if err != nil {
		return nil, err
	}

	if max > 10 {
		max = 10
	}

	result, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(s.config.WaitTime / time.Second),
		VisibilityTimeout:   int32(s.config.VisibilityTimeout / time.Second),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	deliveries := make([]Delivery, 0, len(result.Messages))
	for _, msg := range result.Messages {
		deliveries = append(deliveries, Delivery{
			Body:     []byte(aws.ToString(msg.Body)),
			receipt:  aws.ToString(msg.ReceiptHandle),
			Attempts: parseReceiveCount(msg.Attributes),
		})
	}

	if len(deliveries) > 0 {
		s.metrics.RecordSuccess("sqs.receive")
	}
	return deliveries, nil
}

// parseReceiveCount reads the broker's delivery count from the message
// attributes. Missing or unparseable values deliberately report 0, meaning
// "unknown" rather than "first delivery".
func parseReceiveCount(attrs map[string]string) int {
	count, ok := attrs[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(count)
	if err != nil {
		return 0
	}
	return n
}

// Ack deletes the message from the main queue.
func (s *SQSSource) Ack(ctx context.Context, d Delivery) error {
	queueURL, err := s.getQueueURL(ctx, s.config.QueueName)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(d.receipt),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// Retry zeroes the message's visibility timeout so SQS redelivers it on the
// next poll. Redelivery counting stays with the broker.
func (s *SQSSource) Retry(ctx context.Context, d Delivery) error {
	queueURL, err := s.getQueueURL(ctx, s.config.QueueName)
	if err != nil {
		return err
	}

	_, err = s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(d.receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to return message for retry: %w", err)
	}
	return nil
}

// DeadLetter forwards the payload to the DLQ, then deletes the original.
// If the forward fails the original stays on the main queue and will be
// redelivered after its visibility timeout.
func (s *SQSSource) DeadLetter(ctx context.Context, d Delivery) error {
	dlqURL, err := s.getQueueURL(ctx, s.config.DLQName)
	if err != nil {
		return err
	}

	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(dlqURL),
		MessageBody: aws.String(string(d.Body)),
	})
	if err != nil {
		return fmt.Errorf("failed to forward message to DLQ: %w", err)
	}

	return s.Ack(ctx, d)
}

// ExtendLease resets the message's visibility timeout to the configured
// window, measured from now.
func (s *SQSSource) ExtendLease(ctx context.Context, d Delivery) error {
	queueURL, err := s.getQueueURL(ctx, s.config.QueueName)
	if err != nil {
		return err
	}

	_, err = s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(d.receipt),
		VisibilityTimeout: int32(s.config.VisibilityTimeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to extend visibility: %w", err)
	}
	return nil
}

// Close is a no-op; the SQS client holds no persistent connection.
func (s *SQSSource) Close() error {
	return nil
}
