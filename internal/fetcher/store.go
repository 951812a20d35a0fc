package fetcher

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/jaegeral/openrelik-importer/internal/domain"
	"github.com/jaegeral/openrelik-importer/internal/observability"
)

// ObjectMeta carries the storage-level metadata returned with an object.
type ObjectMeta struct {
	Size        int64
	ETag        string
	ContentType string
}

// ObjectStore is the read side of object storage the fetcher depends on.
type ObjectStore interface {
	// GetObject returns a stream of the object's bytes plus metadata.
	// Errors are classified into the pipeline taxonomy.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, *ObjectMeta, error)
}

// S3Store implements ObjectStore for AWS S3.
type S3Store struct {
	client  *s3.Client
	logger  observability.Logger
	metrics observability.Metrics
}

// NewS3Store creates a new S3-backed object store.
func NewS3Store(client *s3.Client, logger observability.Logger, metrics observability.Metrics) *S3Store {
	return &S3Store{
		client:  client,
		logger:  logger,
		metrics: metrics,
	}
}

// GetObject retrieves an object from S3.
func (s *S3Store) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, *ObjectMeta, error) {
	start := time.Now()

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		classified := classifyStoreError(err, bucket, key)
		s.metrics.RecordError("s3.get", domain.CodeOf(classified))
		s.logger.Error(ctx, "Failed to get object", err, observability.Fields{
			"bucket": bucket,
			"key":    key,
		})
		return nil, nil, classified
	}

	meta := &ObjectMeta{
		Size:        aws.ToInt64(result.ContentLength),
		ETag:        aws.ToString(result.ETag),
		ContentType: aws.ToString(result.ContentType),
	}

	s.metrics.RecordSuccess("s3.get")
	s.metrics.RecordDuration("s3.get", time.Since(start).Seconds())

	return result.Body, meta, nil
}

// classifyStoreError maps S3 errors into the pipeline taxonomy: missing
// objects are terminal, credential rejections are auth failures, and
// everything else (timeouts, 5xx, throttling) is transient.
func classifyStoreError(err error, bucket, key string) error {
	if isNotFoundError(err) {
		return domain.NewObjectNotFound(bucket, key)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "TokenRefreshRequired":
			return domain.NewAuthFailure(err)
		}
	}

	return domain.NewTransientIO("get_object", err)
}

// isNotFoundError checks if an error is a not found error
func isNotFoundError(err error) bool {
	var nsk *s3types.NoSuchKey
	var nse *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nse)
}
