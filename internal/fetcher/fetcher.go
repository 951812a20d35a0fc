// Package fetcher downloads notification objects from object storage into
// bounded per-worker scratch files.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jaegeral/openrelik-importer/internal/domain"
	"github.com/jaegeral/openrelik-importer/internal/observability"
)

// Fetcher streams objects from an ObjectStore into scratch storage,
// enforcing a hard size limit and retrying transient failures with
// exponential backoff. Partial scratch data is always removed on failure.
type Fetcher struct {
	store      ObjectStore
	scratchDir string
	retry      domain.RetryPolicy
	logger     observability.Logger
	metrics    observability.Metrics
}

// New creates a Fetcher writing scratch files under scratchDir.
func New(store ObjectStore, scratchDir string, retry domain.RetryPolicy, logger observability.Logger, metrics observability.Metrics) *Fetcher {
	return &Fetcher{
		store:      store,
		scratchDir: scratchDir,
		retry:      retry,
		logger:     logger,
		metrics:    metrics,
	}
}

// Fetch downloads bucket/key into a fresh scratch file, aborting with
// SIZE_EXCEEDED as soon as more than maxSize bytes arrive. Missing objects
// are terminal and not retried; transient storage errors are retried up to
// the configured attempt count.
func (f *Fetcher) Fetch(ctx context.Context, bucket, key string, maxSize int64) (*domain.FetchedObject, error) {
	f.metrics.StartOperation("fetch")
	defer f.metrics.EndOperation("fetch")
	startTime := time.Now()
	defer func() {
		f.metrics.RecordDuration("fetch", time.Since(startTime).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt <= f.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			f.logger.Warn(ctx, "Retrying fetch", observability.Fields{
				"bucket":  bucket,
				"key":     key,
				"attempt": attempt,
			})
			select {
			case <-time.After(f.retry.Delay(attempt)):
			case <-ctx.Done():
				return nil, domain.NewTransientIO("fetch", ctx.Err())
			}
		}

		obj, err := f.fetchOnce(ctx, bucket, key, maxSize)
		if err == nil {
			f.metrics.RecordSuccess("fetch")
			f.logger.Info(ctx, "Object fetched", observability.Fields{
				"bucket":      bucket,
				"key":         key,
				"size_bytes":  obj.Size,
				"duration_ms": time.Since(startTime).Milliseconds(),
			})
			return obj, nil
		}

		if !domain.IsRetryable(err) {
			f.metrics.RecordError("fetch", domain.CodeOf(err))
			return nil, err
		}
		lastErr = err
	}

	f.metrics.RecordError("fetch", domain.CodeTransientIO)
	f.logger.Error(ctx, "Fetch retries exhausted", lastErr, observability.Fields{
		"bucket":   bucket,
		"key":      key,
		"attempts": f.retry.MaxAttempts + 1,
	})
	return nil, lastErr
}

// fetchOnce performs a single download attempt into a fresh scratch file.
// The scratch file never survives a failed attempt.
func (f *Fetcher) fetchOnce(ctx context.Context, bucket, key string, maxSize int64) (*domain.FetchedObject, error) {
	body, meta, err := f.store.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	// The reported size is checked up front, but the stream is still
	// capped below: the object can grow between notification and read.
	if meta.Size > maxSize {
		return nil, domain.NewSizeExceeded(maxSize)
	}

	path := filepath.Join(f.scratchDir, "importer-"+uuid.NewString())
	scratch, err := os.Create(path)
	if err != nil {
		return nil, domain.NewTransientIO("scratch_create", err)
	}

	hasher := sha256.New()
	written, copyErr := io.Copy(io.MultiWriter(scratch, hasher), io.LimitReader(body, maxSize+1))
	closeErr := scratch.Close()

	cleanup := func() {
		if err := os.Remove(path); err != nil {
			f.logger.Warn(ctx, "Failed to remove partial scratch file", observability.Fields{
				"path":  path,
				"error": err.Error(),
			})
		}
	}

	if copyErr != nil {
		cleanup()
		return nil, domain.NewTransientIO("download", copyErr)
	}
	if closeErr != nil {
		cleanup()
		return nil, domain.NewTransientIO("scratch_close", closeErr)
	}
	if written > maxSize {
		cleanup()
		return nil, domain.NewSizeExceeded(maxSize)
	}

	return &domain.FetchedObject{
		Path:   path,
		Size:   written,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Health verifies the scratch directory is writable.
func (f *Fetcher) Health(ctx context.Context) error {
	probe := filepath.Join(f.scratchDir, "importer-health-"+uuid.NewString())
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return fmt.Errorf("scratch dir not writable: %w", err)
	}
	return os.Remove(probe)
}
