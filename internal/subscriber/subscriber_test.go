package subscriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaegeral/openrelik-importer/internal/observability/mocks"
)

// fakeSource serves queued payloads and records settlements.
type fakeSource struct {
	mu       sync.Mutex
	queue    [][]byte
	failures int

	maxSeen []int
	acked   int
	retried int
	dead    int
	extends int
}

func (s *fakeSource) push(bodies ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, bodies...)
}

func (s *fakeSource) Receive(ctx context.Context, max int) ([]Delivery, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("broker unavailable")
	}
	s.maxSeen = append(s.maxSeen, max)

	n := max
	if n > len(s.queue) {
		n = len(s.queue)
	}
	out := make([]Delivery, 0, n)
	for _, body := range s.queue[:n] {
		out = append(out, Delivery{Body: body, Attempts: 1})
	}
	s.queue = s.queue[n:]
	s.mu.Unlock()

	if len(out) == 0 {
		// Simulate a poll wait that returns empty.
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
		}
	}
	return out, nil
}

func (s *fakeSource) Ack(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked++
	return nil
}

func (s *fakeSource) Retry(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried++
	return nil
}

func (s *fakeSource) DeadLetter(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead++
	return nil
}

func (s *fakeSource) ExtendLease(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extends++
	return nil
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) counts() (acked, retried, dead int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked, s.retried, s.dead
}

func startSubscriber(t *testing.T, source Source, workers int) (<-chan *Envelope, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sub := New(source, workers, 0, mocks.NewQuietLogger(), mocks.NewQuietMetrics())

	out := make(chan *Envelope)
	done := make(chan struct{})
	go func() {
		sub.Run(ctx, out)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("subscriber did not stop")
		}
	})
	return out, cancel
}

func waitEnvelope(t *testing.T, out <-chan *Envelope) *Envelope {
	t.Helper()
	select {
	case env, ok := <-out:
		require.True(t, ok, "output channel closed early")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestSubscriber_EmitsParsedEnvelopes(t *testing.T) {
	source := &fakeSource{}
	source.push([]byte(`{"event_id":"evt-1","bucket":"evidence","object":"a.img"}`))

	out, _ := startSubscriber(t, source, 2)

	env := waitEnvelope(t, out)
	require.NoError(t, env.Err)
	require.Len(t, env.Events, 1)
	assert.Equal(t, "evt-1", env.Events[0].EventID)
	assert.Equal(t, 1, env.Attempts)

	require.NoError(t, env.Ack(context.Background()))
	acked, _, _ := source.counts()
	assert.Equal(t, 1, acked)
}

func TestSubscriber_MalformedPayloadCarriesError(t *testing.T) {
	source := &fakeSource{}
	source.push([]byte(`not json at all`))

	out, _ := startSubscriber(t, source, 1)

	env := waitEnvelope(t, out)
	assert.Error(t, env.Err)
	assert.Empty(t, env.Events)

	require.NoError(t, env.DeadLetter(context.Background()))
	_, _, dead := source.counts()
	assert.Equal(t, 1, dead)
}

func TestSubscriber_SkipsNotificationsWithoutWork(t *testing.T) {
	source := &fakeSource{}
	source.push(
		[]byte(`{"bucket":"evidence","object":"x","event_type":"object-removed"}`),
		[]byte(`{"event_id":"evt-2","bucket":"evidence","object":"b.img"}`),
	)

	out, _ := startSubscriber(t, source, 2)

	// Only the created event reaches the pipeline; the removal is acked
	// internally.
	env := waitEnvelope(t, out)
	require.Len(t, env.Events, 1)
	assert.Equal(t, "evt-2", env.Events[0].EventID)

	require.Eventually(t, func() bool {
		acked, _, _ := source.counts()
		return acked == 1
	}, 2*time.Second, 10*time.Millisecond)

	env.Ack(context.Background())
}

func TestSubscriber_FlowControl(t *testing.T) {
	const workers = 2
	source := &fakeSource{}
	for i := 0; i < 6; i++ {
		source.push([]byte(`{"event_id":"evt","bucket":"evidence","object":"a.img"}`))
	}

	out, _ := startSubscriber(t, source, workers)

	first := waitEnvelope(t, out)
	second := waitEnvelope(t, out)

	// Both slots are held; nothing more may be emitted until one settles.
	select {
	case <-out:
		t.Fatal("emitted an envelope beyond the flow-control budget")
	case <-time.After(50 * time.Millisecond):
	}

	// The source must never be asked for more than the free budget.
	source.mu.Lock()
	for _, max := range source.maxSeen {
		assert.LessOrEqual(t, max, workers)
	}
	source.mu.Unlock()

	require.NoError(t, first.Ack(context.Background()))
	third := waitEnvelope(t, out)

	second.Ack(context.Background())
	third.Ack(context.Background())
}

func TestEnvelope_SettlesExactlyOnce(t *testing.T) {
	source := &fakeSource{}
	source.push([]byte(`{"event_id":"evt-1","bucket":"evidence","object":"a.img"}`))

	out, _ := startSubscriber(t, source, 1)
	env := waitEnvelope(t, out)

	require.NoError(t, env.Ack(context.Background()))
	require.NoError(t, env.Retry(context.Background()))
	require.NoError(t, env.DeadLetter(context.Background()))

	acked, retried, dead := source.counts()
	assert.Equal(t, 1, acked)
	assert.Zero(t, retried)
	assert.Zero(t, dead)
}

func TestSubscriber_SurvivesReceiveFailures(t *testing.T) {
	source := &fakeSource{failures: 1}
	source.push([]byte(`{"event_id":"evt-1","bucket":"evidence","object":"a.img"}`))

	out, _ := startSubscriber(t, source, 1)

	// The loop backs off and keeps polling until the broker recovers.
	env := waitEnvelope(t, out)
	require.Len(t, env.Events, 1)
	env.Ack(context.Background())
}

func TestSubscriber_LeaseKeeperExtends(t *testing.T) {
	source := &fakeSource{}
	source.push([]byte(`{"event_id":"evt-1","bucket":"evidence","object":"a.img"}`))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := New(source, 1, 10*time.Millisecond, mocks.NewQuietLogger(), mocks.NewQuietMetrics())

	out := make(chan *Envelope)
	go sub.Run(ctx, out)

	env := waitEnvelope(t, out)

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.extends >= 2
	}, 2*time.Second, 5*time.Millisecond)

	env.Ack(context.Background())

	// Settlement stops the keeper.
	source.mu.Lock()
	after := source.extends
	source.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	source.mu.Lock()
	assert.LessOrEqual(t, source.extends, after+1)
	source.mu.Unlock()
}
