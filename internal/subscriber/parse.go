package subscriber

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jaegeral/openrelik-importer/internal/domain"
)

// flatNotification is the provider-neutral notification form used by
// non-S3 producers (and by tests). event_id is optional; when absent a
// deterministic one is derived from the payload.
type flatNotification struct {
	EventID     string `json:"event_id"`
	Bucket      string `json:"bucket"`
	Object      string `json:"object"`
	EventType   string `json:"event_type"`
	EventTime   string `json:"event_time"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// ParseNotification turns a raw notification payload into import events.
// Both the S3 event-record envelope and the flat form are accepted. Records
// for anything other than object creation are silently dropped, so an empty
// slice with a nil error means the payload was valid but carried no work.
// A non-nil error is always a MALFORMED_EVENT.
func ParseNotification(body []byte) ([]domain.ImportEvent, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, domain.NewMalformedEvent("empty notification body", nil)
	}

	// The S3 envelope is distinguished by its Records array.
	var probe struct {
		Records []json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, domain.NewMalformedEvent("notification is not valid JSON", err)
	}

	if probe.Records != nil {
		return parseS3Event(body)
	}
	return parseFlat(body)
}

func parseS3Event(body []byte) ([]domain.ImportEvent, error) {
	var s3Event events.S3Event
	if err := json.Unmarshal(body, &s3Event); err != nil {
		return nil, domain.NewMalformedEvent("invalid S3 event envelope", err)
	}

	var out []domain.ImportEvent
	for _, record := range s3Event.Records {
		if !strings.HasPrefix(record.EventName, "ObjectCreated") &&
			!strings.HasPrefix(record.EventName, "s3:ObjectCreated") {
			continue
		}

		bucket := record.S3.Bucket.Name
		// S3 URL-encodes object keys in event notifications.
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			key = record.S3.Object.Key
		}
		if bucket == "" || key == "" {
			return nil, domain.NewMalformedEvent("S3 record missing bucket or key", nil)
		}

		out = append(out, domain.ImportEvent{
			EventID:      deriveEventID(bucket, key, record.S3.Object.Sequencer, record.EventTime.Format(time.RFC3339Nano)),
			Bucket:       bucket,
			ObjectName:   key,
			EventTime:    record.EventTime,
			DeclaredSize: record.S3.Object.Size,
		})
	}
	return out, nil
}

func parseFlat(body []byte) ([]domain.ImportEvent, error) {
	var n flatNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, domain.NewMalformedEvent("invalid notification payload", err)
	}

	if n.EventType != "" && !strings.Contains(strings.ToLower(n.EventType), "creat") {
		return nil, nil
	}

	if n.Bucket == "" || n.Object == "" {
		return nil, domain.NewMalformedEvent("notification missing bucket or object", nil)
	}

	var eventTime time.Time
	if n.EventTime != "" {
		t, err := time.Parse(time.RFC3339, n.EventTime)
		if err != nil {
			return nil, domain.NewMalformedEvent(fmt.Sprintf("invalid event_time %q", n.EventTime), err)
		}
		eventTime = t
	}

	eventID := n.EventID
	if eventID == "" {
		eventID = deriveEventID(n.Bucket, n.Object, "", n.EventTime)
	}

	return []domain.ImportEvent{{
		EventID:         eventID,
		Bucket:          n.Bucket,
		ObjectName:      n.Object,
		EventTime:       eventTime,
		DeclaredSize:    n.Size,
		ContentTypeHint: n.ContentType,
	}}, nil
}

// deriveEventID builds a deterministic idempotency token from notification
// content, so a redelivered message always maps to the same event.
func deriveEventID(bucket, key, sequencer, eventTime string) string {
	h := sha256.Sum256([]byte(bucket + "|" + key + "|" + sequencer + "|" + eventTime))
	return hex.EncodeToString(h[:16])
}
