package fetcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaegeral/openrelik-importer/internal/domain"
	"github.com/jaegeral/openrelik-importer/internal/observability/mocks"
)

// fakeStore scripts GetObject responses per call.
type fakeStore struct {
	calls     int
	responses []func() (io.ReadCloser, *ObjectMeta, error)
}

func (s *fakeStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, *ObjectMeta, error) {
	if s.calls >= len(s.responses) {
		return nil, nil, errors.New("unexpected extra call")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp()
}

func okResponse(content []byte) func() (io.ReadCloser, *ObjectMeta, error) {
	return func() (io.ReadCloser, *ObjectMeta, error) {
		return io.NopCloser(bytes.NewReader(content)), &ObjectMeta{Size: int64(len(content))}, nil
	}
}

func newFetcher(t *testing.T, store ObjectStore, maxAttempts int) *Fetcher {
	t.Helper()
	policy := domain.RetryPolicy{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	return New(store, t.TempDir(), policy, mocks.NewQuietLogger(), mocks.NewQuietMetrics())
}

func scratchEntries(t *testing.T, f *Fetcher) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(f.scratchDir)
	require.NoError(t, err)
	return entries
}

func TestFetch_Success(t *testing.T) {
	content := []byte("disk image contents")
	store := &fakeStore{responses: []func() (io.ReadCloser, *ObjectMeta, error){
		okResponse(content),
	}}
	f := newFetcher(t, store, 0)

	obj, err := f.Fetch(context.Background(), "evidence", "case-1/disk.img", 1024)
	require.NoError(t, err)
	defer obj.Release()

	assert.Equal(t, int64(len(content)), obj.Size)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), obj.SHA256)

	got, err := os.ReadFile(obj.Path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFetch_DeclaredSizeOverLimit(t *testing.T) {
	store := &fakeStore{responses: []func() (io.ReadCloser, *ObjectMeta, error){
		func() (io.ReadCloser, *ObjectMeta, error) {
			return io.NopCloser(bytes.NewReader(make([]byte, 10))), &ObjectMeta{Size: 2048}, nil
		},
	}}
	f := newFetcher(t, store, 3)

	_, err := f.Fetch(context.Background(), "evidence", "big.img", 1024)

	assert.Equal(t, domain.CodeSizeExceeded, domain.CodeOf(err))
	assert.Equal(t, 1, store.calls, "terminal error must not be retried")
	assert.Empty(t, scratchEntries(t, f))
}

func TestFetch_StreamOverLimitAborts(t *testing.T) {
	// The store under-reports the size; the stream cap still catches it.
	store := &fakeStore{responses: []func() (io.ReadCloser, *ObjectMeta, error){
		func() (io.ReadCloser, *ObjectMeta, error) {
			return io.NopCloser(bytes.NewReader(make([]byte, 2048))), &ObjectMeta{Size: 100}, nil
		},
	}}
	f := newFetcher(t, store, 3)

	_, err := f.Fetch(context.Background(), "evidence", "growing.img", 1024)

	assert.Equal(t, domain.CodeSizeExceeded, domain.CodeOf(err))
	assert.Equal(t, 1, store.calls)
	assert.Empty(t, scratchEntries(t, f), "partial scratch file must be removed")
}

func TestFetch_NotFoundIsTerminal(t *testing.T) {
	store := &fakeStore{responses: []func() (io.ReadCloser, *ObjectMeta, error){
		func() (io.ReadCloser, *ObjectMeta, error) {
			return nil, nil, domain.NewObjectNotFound("evidence", "gone.img")
		},
	}}
	f := newFetcher(t, store, 3)

	_, err := f.Fetch(context.Background(), "evidence", "gone.img", 1024)

	assert.Equal(t, domain.CodeObjectNotFound, domain.CodeOf(err))
	assert.Equal(t, 1, store.calls, "missing objects must not be retried")
}

func TestFetch_TransientThenSuccess(t *testing.T) {
	content := []byte("eventually available")
	store := &fakeStore{responses: []func() (io.ReadCloser, *ObjectMeta, error){
		func() (io.ReadCloser, *ObjectMeta, error) {
			return nil, nil, domain.NewTransientIO("get_object", errors.New("503"))
		},
		okResponse(content),
	}}
	f := newFetcher(t, store, 3)

	obj, err := f.Fetch(context.Background(), "evidence", "flaky.img", 1024)
	require.NoError(t, err)
	defer obj.Release()

	assert.Equal(t, 2, store.calls)
	assert.Equal(t, int64(len(content)), obj.Size)
}

func TestFetch_RetriesExhausted(t *testing.T) {
	transient := func() (io.ReadCloser, *ObjectMeta, error) {
		return nil, nil, domain.NewTransientIO("get_object", errors.New("timeout"))
	}
	store := &fakeStore{responses: []func() (io.ReadCloser, *ObjectMeta, error){
		transient, transient, transient,
	}}
	f := newFetcher(t, store, 2)

	_, err := f.Fetch(context.Background(), "evidence", "down.img", 1024)

	assert.Equal(t, domain.CodeTransientIO, domain.CodeOf(err))
	assert.Equal(t, 3, store.calls, "initial attempt plus two retries")
}

func TestFetch_BodyReadFailureCleansUp(t *testing.T) {
	store := &fakeStore{responses: []func() (io.ReadCloser, *ObjectMeta, error){
		func() (io.ReadCloser, *ObjectMeta, error) {
			r := io.MultiReader(bytes.NewReader([]byte("partial")), failingReader{})
			return io.NopCloser(r), &ObjectMeta{Size: 100}, nil
		},
	}}
	f := newFetcher(t, store, 0)

	_, err := f.Fetch(context.Background(), "evidence", "broken.img", 1024)

	assert.Equal(t, domain.CodeTransientIO, domain.CodeOf(err))
	assert.Empty(t, scratchEntries(t, f))
}

func TestFetch_ContextCanceledStopsRetries(t *testing.T) {
	transient := func() (io.ReadCloser, *ObjectMeta, error) {
		return nil, nil, domain.NewTransientIO("get_object", errors.New("reset"))
	}
	store := &fakeStore{responses: []func() (io.ReadCloser, *ObjectMeta, error){
		transient, transient, transient, transient,
	}}
	f := newFetcher(t, store, 3)
	f.retry.InitialBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, "evidence", "slow.img", 1024)

	assert.Error(t, err)
	assert.Equal(t, 1, store.calls, "no retry after cancellation")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}
