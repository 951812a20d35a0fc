package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jaegeral/openrelik-importer/internal/domain"
	"github.com/jaegeral/openrelik-importer/internal/observability"
	"github.com/jaegeral/openrelik-importer/internal/subscriber"
)

// Fetcher downloads an object into scratch storage.
type Fetcher interface {
	Fetch(ctx context.Context, bucket, key string, maxSize int64) (*domain.FetchedObject, error)
}

// Classifier attaches a content classification to a fetched object.
type Classifier interface {
	Classify(ctx context.Context, obj *domain.FetchedObject) *domain.ClassifiedObject
}

// Submitter delivers a classified object to the processing server.
type Submitter interface {
	Submit(ctx context.Context, obj *domain.ClassifiedObject, event *domain.ImportEvent) (*domain.SubmissionReceipt, error)
}

// Options bound per-event processing.
type Options struct {
	WorkerCount   int
	MaxObjectSize int64
	// AllowedBucket, when set, restricts processing to events from that
	// bucket; events from other buckets are acknowledged and skipped.
	AllowedBucket string
	// EventTimeout caps a single event's end-to-end processing, measured
	// independently of pipeline shutdown.
	EventTimeout time.Duration
}

// Pool is the fixed-size worker pool driving fetch, classify, submit, and
// settlement for each envelope. Workers exit when the input channel closes
// and in-flight events run to completion even after shutdown begins.
type Pool struct {
	fetcher    Fetcher
	classifier Classifier
	submitter  Submitter
	ack        *Acknowledger
	opts       Options
	logger     observability.Logger
	metrics    observability.Metrics

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a Pool.
func New(fetcher Fetcher, classifier Classifier, submitter Submitter, ack *Acknowledger, opts Options, logger observability.Logger, metrics observability.Metrics) *Pool {
	return &Pool{
		fetcher:    fetcher,
		classifier: classifier,
		submitter:  submitter,
		ack:        ack,
		opts:       opts,
		logger:     logger,
		metrics:    metrics,
		inflight:   make(map[string]struct{}),
	}
}

// Run starts the workers and blocks until in closes and every worker
// drains. ctx cancellation stops new intake upstream; events already
// pulled finish on their own timeout.
func (p *Pool) Run(ctx context.Context, in <-chan *subscriber.Envelope) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.WorkerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for env := range in {
				p.handle(ctx, id, env)
			}
		}(i)
	}
	wg.Wait()
}

// handle processes one envelope end to end and settles it.
func (p *Pool) handle(ctx context.Context, workerID int, env *subscriber.Envelope) {
	// Shutdown must not cancel work already leased from the broker; each
	// event gets its own deadline instead.
	workCtx := context.WithoutCancel(ctx)
	if p.opts.EventTimeout > 0 {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithTimeout(workCtx, p.opts.EventTimeout)
		defer cancel()
	}

	if env.Err != nil {
		p.logger.Warn(workCtx, "Dead-lettering malformed notification", observability.Fields{
			"worker": workerID,
			"error":  env.Err.Error(),
		})
		p.ack.Finalize(workCtx, env, env.Err)
		return
	}

	// A delivery usually carries one event. When it carries several, a
	// single retryable failure retries the whole delivery; idempotency
	// makes the repeats of already-submitted events harmless.
	var worst error
	for i := range env.Events {
		if err := p.processEvent(workCtx, workerID, &env.Events[i]); err != nil {
			worst = worse(worst, err)
		}
	}
	p.ack.Finalize(workCtx, env, worst)
}

// processEvent runs fetch, classify, submit for one event.
func (p *Pool) processEvent(ctx context.Context, workerID int, event *domain.ImportEvent) error {
	if !p.begin(event.EventID) {
		// Another worker holds this event right now. Surface it as
		// transient so the delivery is retried after the first pass
		// settles.
		return domain.NewTransientIO("dedup", fmt.Errorf("event %s already in flight", event.EventID))
	}
	defer p.end(event.EventID)

	ctx = context.WithValue(ctx, observability.EventIDKey, event.EventID)
	startTime := time.Now()

	p.logger.Info(ctx, "Processing import event", observability.Fields{
		"worker":        workerID,
		"bucket":        event.Bucket,
		"object":        event.ObjectName,
		"declared_size": event.DeclaredSize,
	})

	if p.opts.AllowedBucket != "" && event.Bucket != p.opts.AllowedBucket {
		p.metrics.RecordSuccess("skipped")
		p.logger.Warn(ctx, "Skipping event from foreign bucket", observability.Fields{
			"bucket":  event.Bucket,
			"allowed": p.opts.AllowedBucket,
		})
		return nil
	}

	// Reject on the declared size before spending bandwidth; the fetcher
	// still enforces the limit on actual bytes.
	if p.opts.MaxObjectSize > 0 && event.DeclaredSize > p.opts.MaxObjectSize {
		return domain.NewSizeExceeded(p.opts.MaxObjectSize)
	}

	fetched, err := p.fetcher.Fetch(ctx, event.Bucket, event.ObjectName, p.opts.MaxObjectSize)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := fetched.Release(); relErr != nil {
			p.logger.Warn(ctx, "Failed to release scratch file", observability.Fields{
				"path":  fetched.Path,
				"error": relErr.Error(),
			})
		}
	}()

	classified := p.classifier.Classify(ctx, fetched)

	receipt, err := p.submitter.Submit(ctx, classified, event)
	if err != nil {
		return err
	}

	status := "imported"
	if receipt.Duplicate() {
		status = "duplicate"
	}
	p.metrics.RecordSuccess(status)
	p.logger.Info(ctx, "Import event completed", observability.Fields{
		"worker":      workerID,
		"status":      status,
		"task_id":     receipt.ServerTaskID,
		"mime_type":   classified.MimeType,
		"size_bytes":  classified.Size,
		"sha256":      classified.SHA256,
		"duration_ms": time.Since(startTime).Milliseconds(),
	})
	return nil
}

// begin reserves an event ID, refusing when it is already in flight.
func (p *Pool) begin(eventID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[eventID]; busy {
		return false
	}
	p.inflight[eventID] = struct{}{}
	return true
}

func (p *Pool) end(eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, eventID)
}

// worse picks the error that dominates the delivery's disposition: retry
// beats dead-letter beats ack, so no failure is ever lost.
func worse(a, b error) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	rank := func(err error) int {
		switch Decide(err) {
		case DispositionRetry:
			return 2
		case DispositionDeadLetter:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
