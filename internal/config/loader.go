package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Load reads configuration from the environment, applying .env files first
// when present. The returned value is validated and ready to use.
func Load() (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}

	cfg := parse()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEnvFiles loads .env files in order of precedence.
func loadEnvFiles() error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}

	env := os.Getenv("ENVIRONMENT")
	if env != "" {
		envFile := fmt.Sprintf(".env.%s", env)
		if _, err := os.Stat(envFile); err == nil {
			// Overload so environment-specific values take precedence
			if err := godotenv.Overload(envFile); err != nil {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}

	return nil
}

// parse reads configuration from environment variables.
func parse() *Config {
	return &Config{
		// Core
		Environment: getEnv("ENVIRONMENT", "local"),
		ServiceName: getEnv("SERVICE_NAME", "openrelik-importer"),
		Version:     getEnv("SERVICE_VERSION", "1.0.0"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:        getEnv("AWS_ENDPOINT", ""),
		},

		Source: SourceConfig{
			Provider: getEnv("SOURCE_PROVIDER", "sqs"),
			SQS: SQSConfig{
				QueueName:         getEnv("SQS_QUEUE_NAME", ""),
				DLQName:           getEnv("SQS_DLQ_NAME", ""),
				WaitTime:          getDuration("SQS_WAIT_TIME", "20s"),
				VisibilityTimeout: getDuration("SQS_VISIBILITY_TIMEOUT", "60s"),
			},
			RabbitMQ: RabbitMQConfig{
				URL:           getEnv("RABBITMQ_URL", ""),
				Queue:         getEnv("RABBITMQ_QUEUE", ""),
				DLQ:           getEnv("RABBITMQ_DLQ", ""),
				DeliveryLimit: getInt("RABBITMQ_DELIVERY_LIMIT", 5),
				Timeout:       getDuration("RABBITMQ_TIMEOUT", "30s"),
			},
		},

		Import: ImportConfig{
			Bucket:             getEnv("IMPORT_BUCKET", ""),
			MaxObjectSize:      getInt64("MAX_OBJECT_SIZE", 10*1024*1024*1024), // 10 GiB
			ScratchDir:         getEnv("SCRATCH_DIR", os.TempDir()),
			ClassifyPrefixSize: getInt("CLASSIFY_PREFIX_SIZE", 512*1024),
		},

		Server: ServerConfig{
			URL:       getEnv("SERVER_URL", "http://localhost:8710"),
			APIKey:    getEnv("SERVER_API_KEY", ""),
			FolderID:  getInt("SERVER_FOLDER_ID", 0),
			Timeout:   getDuration("HTTP_TIMEOUT", "120s"),
			UserAgent: getEnv("HTTP_USER_AGENT", "openrelik-importer/1.0"),
		},

		Pipeline: PipelineConfig{
			WorkerCount:     getInt("WORKER_COUNT", 4),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", "30s"),
			EventTimeout:    getDuration("EVENT_TIMEOUT", "15m"),
		},

		Retry: RetryConfig{
			MaxAttempts:       getInt("RETRY_MAX_ATTEMPTS", 3),
			InitialBackoff:    getDuration("RETRY_INITIAL_BACKOFF", "100ms"),
			MaxBackoff:        getDuration("RETRY_MAX_BACKOFF", "10s"),
			BackoffMultiplier: getFloat64("RETRY_BACKOFF_MULTIPLIER", 2.0),
		},

		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
	}
}
