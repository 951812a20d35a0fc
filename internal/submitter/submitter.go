// Package submitter delivers classified objects to the processing server's
// ingestion endpoint with idempotency keys and bounded retries.
package submitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jaegeral/openrelik-importer/internal/config"
	"github.com/jaegeral/openrelik-importer/internal/domain"
	"github.com/jaegeral/openrelik-importer/internal/observability"
)

const importPath = "/api/v1/files/import"

// DefaultDataType is attached to every submission so the server routes the
// file through its generic ingestion worker.
const DefaultDataType = "file:generic"

// serverResponse is the ingestion endpoint's reply envelope.
type serverResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// Submitter posts classified objects to the processing server. Every
// submission carries the event ID as an Idempotency-Key header so the
// server can deduplicate redelivered notifications.
type Submitter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	folderID   int
	userAgent  string
	retry      domain.RetryPolicy
	logger     observability.Logger
	metrics    observability.Metrics
}

// New creates a Submitter targeting the configured server.
func New(cfg *config.ServerConfig, retry domain.RetryPolicy, logger observability.Logger, metrics observability.Metrics) *Submitter {
	return &Submitter{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		folderID:   cfg.FolderID,
		userAgent:  cfg.UserAgent,
		retry:      retry,
		logger:     logger,
		metrics:    metrics,
	}
}

// Submit posts the object to the ingestion endpoint and returns the server's
// receipt. Transient failures (timeouts, throttling, 5xx) are retried with
// backoff; a duplicate verdict from the server is returned as a success.
func (s *Submitter) Submit(ctx context.Context, obj *domain.ClassifiedObject, event *domain.ImportEvent) (*domain.SubmissionReceipt, error) {
	s.metrics.StartOperation("submit")
	defer s.metrics.EndOperation("submit")
	startTime := time.Now()
	defer func() {
		s.metrics.RecordDuration("submit", time.Since(startTime).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt <= s.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			s.logger.Warn(ctx, "Retrying submission", observability.Fields{
				"event_id": event.EventID,
				"attempt":  attempt,
			})
			select {
			case <-time.After(s.retry.Delay(attempt)):
			case <-ctx.Done():
				return nil, domain.NewTransientIO("submit", ctx.Err())
			}
		}

		receipt, err := s.submitOnce(ctx, obj, event)
		if err == nil {
			s.metrics.RecordSuccess("submit")
			s.logger.Info(ctx, "Object submitted", observability.Fields{
				"event_id":  event.EventID,
				"task_id":   receipt.ServerTaskID,
				"status":    string(receipt.Status),
				"mime_type": obj.MimeType,
			})
			return receipt, nil
		}

		if !domain.IsRetryable(err) {
			s.metrics.RecordError("submit", domain.CodeOf(err))
			return nil, err
		}
		lastErr = err
	}

	s.metrics.RecordError("submit", domain.CodeTransientIO)
	s.logger.Error(ctx, "Submission retries exhausted", lastErr, observability.Fields{
		"event_id": event.EventID,
		"attempts": s.retry.MaxAttempts + 1,
	})
	return nil, lastErr
}

// submitOnce performs a single multipart POST. The scratch file is re-opened
// per attempt so a failed stream never poisons the next one.
func (s *Submitter) submitOnce(ctx context.Context, obj *domain.ClassifiedObject, event *domain.ImportEvent) (*domain.SubmissionReceipt, error) {
	file, err := obj.Open()
	if err != nil {
		return nil, domain.NewTransientIO("open_scratch", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeForm(mw, file, obj, event, s.folderID))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+importPath, pr)
	if err != nil {
		return nil, domain.NewValidationRejected(fmt.Sprintf("building request: %v", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Idempotency-Key", event.EventID)
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewTransientIO("submit", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp)
}

// writeForm streams the metadata fields and the file part into the
// multipart writer.
func writeForm(mw *multipart.Writer, file io.Reader, obj *domain.ClassifiedObject, event *domain.ImportEvent, folderID int) error {
	filename := path.Base(event.ObjectName)
	fields := map[string]string{
		"event_id":      event.EventID,
		"source_bucket": event.Bucket,
		"object_name":   event.ObjectName,
		"filename":      filename,
		"extension":     strings.TrimPrefix(path.Ext(filename), "."),
		"mime_type":     obj.MimeType,
		"data_type":     DefaultDataType,
		"size":          strconv.FormatInt(obj.Size, 10),
		"sha256":        obj.SHA256,
	}
	if folderID > 0 {
		fields["folder_id"] = strconv.Itoa(folderID)
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	return mw.Close()
}

// decodeResponse maps the HTTP outcome into a receipt or a classified error.
func decodeResponse(resp *http.Response) (*domain.SubmissionReceipt, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.NewTransientIO("read_response", err)
	}

	var sr serverResponse
	// Ignore decode failures on error statuses; the status code decides.
	_ = json.Unmarshal(body, &sr)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		status := domain.StatusAccepted
		if strings.EqualFold(sr.Status, "duplicate") {
			status = domain.StatusDuplicate
		}
		return &domain.SubmissionReceipt{
			ServerTaskID: sr.TaskID,
			AcceptedAt:   time.Now().UTC(),
			Status:       status,
		}, nil

	case resp.StatusCode == http.StatusConflict:
		// The server already holds a task for this idempotency key.
		return &domain.SubmissionReceipt{
			ServerTaskID: sr.TaskID,
			AcceptedAt:   time.Now().UTC(),
			Status:       domain.StatusDuplicate,
		}, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.NewAuthFailure(fmt.Errorf("server returned %d: %s", resp.StatusCode, sr.Detail))

	case isTransientStatus(resp.StatusCode):
		return nil, domain.NewTransientIO("submit", fmt.Errorf("server returned %d: %s", resp.StatusCode, sr.Detail))

	default:
		detail := sr.Detail
		if detail == "" {
			detail = fmt.Sprintf("server returned %d", resp.StatusCode)
		}
		return nil, domain.NewValidationRejected(detail)
	}
}

// isTransientStatus reports whether the HTTP status is worth retrying:
// request timeout, too-early, throttling, and all 5xx.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
