// Package config holds the static configuration consumed at startup.
// A single Config value is constructed in main and passed by reference
// into each component's constructor; there is no process-wide provider.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Core settings
	Environment string
	ServiceName string
	Version     string
	LogLevel    string

	// Component configurations
	AWS      AWSConfig
	Source   SourceConfig
	Import   ImportConfig
	Server   ServerConfig
	Pipeline PipelineConfig
	Retry    RetryConfig
	Metrics  MetricsConfig
}

// AWSConfig holds shared AWS client settings.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the AWS endpoint, used for localstack.
	Endpoint string
}

// SourceConfig selects and configures the notification source.
type SourceConfig struct {
	// Provider is "sqs" or "rabbitmq".
	Provider string
	SQS      SQSConfig
	RabbitMQ RabbitMQConfig
}

// SQSConfig holds SQS source settings.
type SQSConfig struct {
	QueueName         string
	DLQName           string
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// RabbitMQConfig holds RabbitMQ source settings.
type RabbitMQConfig struct {
	URL   string
	Queue string
	DLQ   string
	// DeliveryLimit caps broker redeliveries of a message before it is
	// dead-lettered by the queue itself.
	DeliveryLimit int
	Timeout       time.Duration
}

// ImportConfig bounds the fetch and classification stages.
type ImportConfig struct {
	Bucket             string
	MaxObjectSize      int64
	ScratchDir         string
	ClassifyPrefixSize int
}

// ServerConfig points at the processing server's ingestion endpoint.
type ServerConfig struct {
	URL       string
	APIKey    string
	FolderID  int
	Timeout   time.Duration
	UserAgent string
}

// PipelineConfig sizes the worker pool.
type PipelineConfig struct {
	WorkerCount     int
	ShutdownTimeout time.Duration
	// EventTimeout bounds a single event's end-to-end processing.
	EventTimeout time.Duration
}

// RetryConfig holds the local retry policy for fetch and submit.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// MetricsConfig holds the metrics/health listener settings.
type MetricsConfig struct {
	Addr string
}

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.ServiceName == "" {
		errs = append(errs, "SERVICE_NAME is required")
	}

	switch strings.ToLower(c.Source.Provider) {
	case "sqs":
		if c.Source.SQS.QueueName == "" {
			errs = append(errs, "SQS_QUEUE_NAME is required when SOURCE_PROVIDER=sqs")
		}
	case "rabbitmq":
		if c.Source.RabbitMQ.URL == "" {
			errs = append(errs, "RABBITMQ_URL is required when SOURCE_PROVIDER=rabbitmq")
		}
		if c.Source.RabbitMQ.Queue == "" {
			errs = append(errs, "RABBITMQ_QUEUE is required when SOURCE_PROVIDER=rabbitmq")
		}
		if c.Source.RabbitMQ.DeliveryLimit <= 0 {
			errs = append(errs, "RABBITMQ_DELIVERY_LIMIT must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("SOURCE_PROVIDER must be sqs or rabbitmq, got %q", c.Source.Provider))
	}

	if c.IsProduction() {
		if c.Server.URL == "" {
			errs = append(errs, "SERVER_URL is required in production")
		}
		if c.Server.APIKey == "" {
			errs = append(errs, "SERVER_API_KEY is required in production")
		}
	}

	if c.Import.MaxObjectSize <= 0 {
		errs = append(errs, "MAX_OBJECT_SIZE must be positive")
	}
	if c.Import.ClassifyPrefixSize <= 0 {
		errs = append(errs, "CLASSIFY_PREFIX_SIZE must be positive")
	}
	if c.Pipeline.WorkerCount <= 0 {
		errs = append(errs, "WORKER_COUNT must be positive")
	}
	if c.Server.Timeout <= 0 {
		errs = append(errs, "HTTP_TIMEOUT must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, "RETRY_MAX_ATTEMPTS cannot be negative")
	}
	if c.Retry.BackoffMultiplier < 1.0 {
		errs = append(errs, "RETRY_BACKOFF_MULTIPLIER must be >= 1.0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// applyDefaults applies environment-specific defaults.
func (c *Config) applyDefaults() {
	env := strings.ToLower(c.Environment)

	if c.Source.SQS.QueueName == "" {
		c.Source.SQS.QueueName = fmt.Sprintf("openrelik-%s-import", env)
	}
	if c.Source.SQS.DLQName == "" {
		c.Source.SQS.DLQName = fmt.Sprintf("openrelik-%s-import-dlq", env)
	}

	if c.IsProduction() {
		// Conservative settings for production
		if c.Retry.MaxAttempts < 5 {
			c.Retry.MaxAttempts = 5
		}
		if c.Pipeline.ShutdownTimeout < 60*time.Second {
			c.Pipeline.ShutdownTimeout = 60 * time.Second
		}
	}
}

// IsLocal returns true if running in local/development environment.
func (c *Config) IsLocal() bool {
	env := strings.ToLower(c.Environment)
	return env == "local" || env == "development" || env == "dev"
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "production" || env == "prod"
}

// IsTest returns true if running in test environment.
func (c *Config) IsTest() bool {
	env := strings.ToLower(c.Environment)
	return env == "test" || env == "testing"
}
