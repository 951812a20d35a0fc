// Command importer bridges object-storage change notifications to the
// processing server: it subscribes to a notification queue, downloads each
// created object, classifies it by content, and submits it for ingestion.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jaegeral/openrelik-importer/internal/awsclient"
	"github.com/jaegeral/openrelik-importer/internal/classifier"
	"github.com/jaegeral/openrelik-importer/internal/config"
	"github.com/jaegeral/openrelik-importer/internal/domain"
	"github.com/jaegeral/openrelik-importer/internal/fetcher"
	"github.com/jaegeral/openrelik-importer/internal/observability"
	"github.com/jaegeral/openrelik-importer/internal/observability/logger"
	"github.com/jaegeral/openrelik-importer/internal/observability/metrics"
	"github.com/jaegeral/openrelik-importer/internal/pipeline"
	"github.com/jaegeral/openrelik-importer/internal/submitter"
	"github.com/jaegeral/openrelik-importer/internal/subscriber"
)

func main() {
	cfg := loadConfiguration()

	deps := initializeDependencies(cfg)
	defer deps.source.Close()

	app := buildApplication(cfg, deps)

	runApplication(cfg, deps, app)
}

// Dependencies holds all initialized infrastructure components.
type Dependencies struct {
	logger  observability.Logger
	metrics observability.Metrics
	source  subscriber.Source
	fetcher *fetcher.Fetcher
}

// Application holds the assembled processing stack.
type Application struct {
	subscriber *subscriber.Subscriber
	pool       *pipeline.Pool
}

// loadConfiguration loads and validates the application configuration.
func loadConfiguration() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	return cfg
}

// initializeDependencies sets up observability, the notification source,
// and the object store.
func initializeDependencies(cfg *config.Config) *Dependencies {
	appLogger := logger.New(cfg.ServiceName, cfg.Environment, cfg.LogLevel, nil, observability.Fields{
		"version": cfg.Version,
	})
	appMetrics := metrics.New(cfg.ServiceName, nil)

	appLogger.Info(context.Background(), "Starting application", observability.Fields{
		"service":     cfg.ServiceName,
		"version":     cfg.Version,
		"environment": cfg.Environment,
		"source":      cfg.Source.Provider,
	})

	ctx := context.Background()
	awsCfg, err := awsclient.Build(ctx, &cfg.AWS)
	if err != nil {
		log.Fatalf("Failed to build AWS config: %v", err)
	}

	source := buildSource(cfg, awsCfg, appLogger, appMetrics)

	store := fetcher.NewS3Store(awsclient.NewS3(awsCfg, cfg.AWS.Endpoint), appLogger, appMetrics)
	f := fetcher.New(store, cfg.Import.ScratchDir, retryPolicy(cfg), appLogger, appMetrics)

	return &Dependencies{
		logger:  appLogger,
		metrics: appMetrics,
		source:  source,
		fetcher: f,
	}
}

// buildSource selects the configured notification backend.
func buildSource(cfg *config.Config, awsCfg aws.Config, lg observability.Logger, mt observability.Metrics) subscriber.Source {
	switch strings.ToLower(cfg.Source.Provider) {
	case "rabbitmq":
		source, err := subscriber.NewRabbitMQSource(&cfg.Source.RabbitMQ, cfg.Pipeline.WorkerCount, lg, mt)
		if err != nil {
			log.Fatalf("Failed to connect RabbitMQ source: %v", err)
		}
		return source
	default:
		return subscriber.NewSQSSource(awsclient.NewSQS(awsCfg, cfg.AWS.Endpoint), &cfg.Source.SQS, lg, mt)
	}
}

// retryPolicy maps the retry configuration to the domain policy.
func retryPolicy(cfg *config.Config) domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	}
}

// buildApplication assembles the subscriber and worker pool.
func buildApplication(cfg *config.Config, deps *Dependencies) *Application {
	cls := classifier.New(classifier.NewMagicDetector(), cfg.Import.ClassifyPrefixSize, deps.logger, deps.metrics)
	sub := submitter.New(&cfg.Server, retryPolicy(cfg), deps.logger, deps.metrics)
	ack := pipeline.NewAcknowledger(deps.logger, deps.metrics)

	pool := pipeline.New(deps.fetcher, cls, sub, ack, pipeline.Options{
		WorkerCount:   cfg.Pipeline.WorkerCount,
		MaxObjectSize: cfg.Import.MaxObjectSize,
		AllowedBucket: cfg.Import.Bucket,
		EventTimeout:  cfg.Pipeline.EventTimeout,
	}, deps.logger, deps.metrics)

	// Lease extension at half the visibility window keeps slow downloads
	// from being redelivered mid-flight.
	leaseInterval := cfg.Source.SQS.VisibilityTimeout / 2
	subr := subscriber.New(deps.source, cfg.Pipeline.WorkerCount, leaseInterval, deps.logger, deps.metrics)

	return &Application{subscriber: subr, pool: pool}
}

// runApplication starts the metrics listener and the pipeline, then blocks
// until a shutdown signal arrives and in-flight events drain.
func runApplication(cfg *config.Config, deps *Dependencies, app *Application) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startMetricsServer(ctx, cfg, deps)

	envelopes := make(chan *subscriber.Envelope)

	go func() {
		if err := app.subscriber.Run(ctx, envelopes); err != nil {
			deps.logger.Error(ctx, "Subscriber stopped", err, nil)
		}
	}()

	done := make(chan struct{})
	go func() {
		app.pool.Run(ctx, envelopes)
		close(done)
	}()

	<-ctx.Done()
	deps.logger.Info(context.Background(), "Shutdown signal received, draining", observability.Fields{
		"timeout": cfg.Pipeline.ShutdownTimeout.String(),
	})

	select {
	case <-done:
		deps.logger.Info(context.Background(), "Drained cleanly", nil)
	case <-time.After(cfg.Pipeline.ShutdownTimeout):
		deps.logger.Warn(context.Background(), "Drain timeout exceeded, exiting", nil)
	}
}

// startMetricsServer exposes /metrics and /healthz.
func startMetricsServer(ctx context.Context, cfg *config.Config, deps *Dependencies) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.fetcher.Health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			deps.logger.Error(context.Background(), "Metrics server failed", err, nil)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}
