// Package classifier determines an object's content type from its bytes.
// Filenames and caller-supplied content-type hints are never authoritative;
// they ride along as secondary metadata only.
package classifier

import (
	"context"
	"io"
	"time"

	"github.com/jaegeral/openrelik-importer/internal/domain"
	"github.com/jaegeral/openrelik-importer/internal/observability"
)

// FallbackMimeType is returned when no content signature matches.
const FallbackMimeType = "application/octet-stream"

// Result is a content classification verdict.
type Result struct {
	MimeType string
	// Magic is a short description of the matched signature, when the
	// detector provides one.
	Magic string
	// Confidence is 1 for a signature match, 0 for the fallback.
	Confidence float64
}

// Detector matches content signatures against a bounded byte prefix. It is
// pluggable so the signature backend can be swapped without touching
// pipeline logic.
type Detector interface {
	// Detect inspects prefix and reports the matched mime type. ok is
	// false when no signature beyond the generic fallback matched.
	Detect(prefix []byte) (Result, bool)
}

// Classifier reads a bounded prefix of a fetched object and runs the
// detector over it. Classification never fails the pipeline: ambiguous or
// unreadable input degrades to the generic fallback type.
type Classifier struct {
	detector   Detector
	prefixSize int
	logger     observability.Logger
	metrics    observability.Metrics
}

// New creates a Classifier. prefixSize bounds how many leading bytes are
// inspected.
func New(detector Detector, prefixSize int, logger observability.Logger, metrics observability.Metrics) *Classifier {
	return &Classifier{
		detector:   detector,
		prefixSize: prefixSize,
		logger:     logger,
		metrics:    metrics,
	}
}

// ClassifyBytes classifies raw content. For all inputs it returns a usable
// result; an unmatched signature yields the fallback with confidence 0.
func (c *Classifier) ClassifyBytes(data []byte) Result {
	if len(data) > c.prefixSize {
		data = data[:c.prefixSize]
	}

	res, ok := c.detector.Detect(data)
	if !ok {
		return Result{MimeType: FallbackMimeType, Confidence: 0}
	}
	res.Confidence = 1
	return res
}

// Classify reads the object's leading bytes from scratch storage and
// attaches the classification. Read failures degrade to the fallback type
// rather than blocking the pipeline.
func (c *Classifier) Classify(ctx context.Context, obj *domain.FetchedObject) *domain.ClassifiedObject {
	startTime := time.Now()
	c.metrics.StartOperation("classify")
	defer c.metrics.EndOperation("classify")
	defer func() {
		c.metrics.RecordDuration("classify", time.Since(startTime).Seconds())
	}()

	res := Result{MimeType: FallbackMimeType}
	readOK := false

	f, err := obj.Open()
	if err != nil {
		c.metrics.RecordError("classify", "read_error")
		c.logger.Warn(ctx, "Could not read object for classification", observability.Fields{
			"path":  obj.Path,
			"error": err.Error(),
		})
	} else {
		defer f.Close()

		prefix := make([]byte, c.prefixSize)
		n, err := io.ReadFull(f, prefix)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			c.metrics.RecordError("classify", "read_error")
			c.logger.Warn(ctx, "Could not read object prefix", observability.Fields{
				"path":  obj.Path,
				"error": err.Error(),
			})
		} else {
			res = c.ClassifyBytes(prefix[:n])
			readOK = true
		}
	}

	if readOK {
		c.metrics.RecordSuccess("classify")
	}
	c.metrics.RecordFileSize(res.MimeType, obj.Size)

	c.logger.Debug(ctx, "Object classified", observability.Fields{
		"mime_type":  res.MimeType,
		"confidence": res.Confidence,
		"size_bytes": obj.Size,
	})

	return &domain.ClassifiedObject{
		FetchedObject: obj,
		MimeType:      res.MimeType,
		Magic:         res.Magic,
		Confidence:    res.Confidence,
	}
}
