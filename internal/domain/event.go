// Package domain holds the core types flowing through the import pipeline
// and the error taxonomy the acknowledger dispatches on.
package domain

import (
	"os"
	"sync"
	"time"
)

// ImportEvent describes a single object-created notification. It is
// immutable once parsed and owned by exactly one worker at a time.
type ImportEvent struct {
	// EventID is the idempotency token for the whole pipeline. It is
	// stable across redeliveries of the same notification.
	EventID string

	Bucket     string
	ObjectName string
	EventTime  time.Time

	// DeclaredSize is the size hint carried by the notification. It is
	// untrusted: the fetcher enforces its own limit on actual bytes.
	DeclaredSize int64

	// ContentTypeHint is the content type claimed by the notification or
	// object metadata. Carried as secondary metadata only; classification
	// never trusts it.
	ContentTypeHint string
}

// FetchedObject is a downloaded object staged in per-worker scratch space.
// The scratch file is exclusively owned by the worker processing the event
// and must be released before the worker returns.
type FetchedObject struct {
	// Path is the scratch file holding the object bytes.
	Path string

	// Size is the actual number of bytes downloaded.
	Size int64

	// SHA256 is the hex digest computed while streaming the download.
	SHA256 string

	releaseOnce sync.Once
	releaseErr  error
}

// Open returns a fresh read handle on the scratch file. Each caller owns
// closing the returned file.
func (f *FetchedObject) Open() (*os.File, error) {
	return os.Open(f.Path)
}

// Release removes the scratch file. It is idempotent and safe to defer
// alongside other cleanup paths.
func (f *FetchedObject) Release() error {
	f.releaseOnce.Do(func() {
		if f.Path == "" {
			return
		}
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			f.releaseErr = err
		}
	})
	return f.releaseErr
}

// ClassifiedObject is a fetched object plus its content classification.
// Read-only after the classifier produces it.
type ClassifiedObject struct {
	*FetchedObject

	// MimeType is derived from content signatures, never from the name.
	MimeType string

	// Magic is a short human-readable description of the matched
	// signature, when the detector can provide one.
	Magic string

	// Confidence is 1 for a signature match, 0 for the generic fallback.
	Confidence float64
}

// SubmissionStatus is the processing server's verdict on an ingestion call.
type SubmissionStatus string

const (
	StatusAccepted  SubmissionStatus = "accepted"
	StatusDuplicate SubmissionStatus = "duplicate"
	StatusRejected  SubmissionStatus = "rejected"
)

// SubmissionReceipt is returned by the submitter and consumed by the
// acknowledger to decide the final disposition of the message.
type SubmissionReceipt struct {
	ServerTaskID string
	AcceptedAt   time.Time
	Status       SubmissionStatus
}

// Duplicate reports whether the server recognized the idempotency token.
// A duplicate is a success outcome: the downstream task already exists.
func (r *SubmissionReceipt) Duplicate() bool {
	return r != nil && r.Status == StatusDuplicate
}
