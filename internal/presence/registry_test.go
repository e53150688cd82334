package presence

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var transportSeq atomic.Int64

type pushed struct {
	event   string
	payload any
}

// fakeTransport records pushes in memory.
type fakeTransport struct {
	id string

	mu     sync.Mutex
	pushes []pushed
	reason string
	full   bool

	closeOnce sync.Once
	done      chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		id:   fmt.Sprintf("t%d", transportSeq.Add(1)),
		done: make(chan struct{}),
	}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Push(event string, payload any) error {
	select {
	case <-f.done:
		return ErrTransportClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return ErrBackpressure
	}
	f.pushes = append(f.pushes, pushed{event, payload})
	return nil
}

func (f *fakeTransport) Close(reason string) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) closeReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

func (f *fakeTransport) events() []pushed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pushed(nil), f.pushes...)
}

// recorder captures transitions per user.
type recorder struct {
	mu  sync.Mutex
	log map[string][]bool
}

func newRecorder(r *Registry) *recorder {
	rec := &recorder{log: make(map[string][]bool)}
	r.Subscribe(func(tr Transition) {
		rec.mu.Lock()
		rec.log[tr.UserID] = append(rec.log[tr.UserID], tr.Online)
		rec.mu.Unlock()
	})
	return rec
}

func (rec *recorder) states(userID string) []bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]bool(nil), rec.log[userID]...)
}

func requireAlternating(t *testing.T, states []bool) {
	t.Helper()
	for i, online := range states {
		require.Equal(t, i%2 == 0, online, "transition %d breaks alternation: %v", i, states)
	}
}

func TestRegisterEmitsOnlineOnce(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	rec := newRecorder(r)
	ctx := context.Background()

	tr := newFakeTransport()
	sess, err := r.Register(ctx, "alice", tr)
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.OwnerID)

	// Joining twice on the same connection changes nothing.
	_, err = r.Register(ctx, "alice", tr)
	require.NoError(t, err)

	assert.Equal(t, []bool{true}, rec.states("alice"))
	assert.True(t, r.IsOnline("alice"))
	assert.Equal(t, 1, r.Count())
}

func TestReconnectSupersedesWithoutOfflineEvent(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	rec := newRecorder(r)
	ctx := context.Background()

	first := newFakeTransport()
	second := newFakeTransport()

	_, err := r.Register(ctx, "alice", first)
	require.NoError(t, err)
	_, err = r.Register(ctx, "alice", second)
	require.NoError(t, err)

	assert.True(t, first.closed(), "superseded transport must be closed")
	assert.Equal(t, ReasonSuperseded, first.closeReason())
	assert.False(t, second.closed())
	assert.Equal(t, []bool{true}, rec.states("alice"), "exactly one online event")

	// The stale connection's teardown must not take the new session down.
	r.Deregister(ctx, first)
	sess, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, second.ID(), sess.Transport.ID())
	assert.Equal(t, []bool{true}, rec.states("alice"))

	r.Deregister(ctx, second)
	assert.Equal(t, []bool{true, false}, rec.states("alice"))
	assert.False(t, r.IsOnline("alice"))
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	rec := newRecorder(r)
	ctx := context.Background()

	tr := newFakeTransport()
	_, err := r.Register(ctx, "bob", tr)
	require.NoError(t, err)

	r.Deregister(ctx, tr)
	r.Deregister(ctx, tr)
	r.Deregister(ctx, newFakeTransport())

	assert.Equal(t, []bool{true, false}, rec.states("bob"))
}

func TestDeregisterIgnoresCancelledContext(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	rec := newRecorder(r)

	tr := newFakeTransport()
	_, err := r.Register(context.Background(), "bob", tr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Deregister(ctx, tr)

	assert.False(t, r.IsOnline("bob"))
	assert.Equal(t, []bool{true, false}, rec.states("bob"))
}

func TestRegisterDeadTransportReportsOffline(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	rec := newRecorder(r)
	ctx := context.Background()

	live := newFakeTransport()
	_, err := r.Register(ctx, "carol", live)
	require.NoError(t, err)

	dead := newFakeTransport()
	dead.Close("gone")
	_, err = r.Register(ctx, "carol", dead)
	require.ErrorIs(t, err, ErrTransportClosed)

	assert.True(t, live.closed())
	assert.False(t, r.IsOnline("carol"))
	assert.Equal(t, []bool{true, false}, rec.states("carol"))

	// A dead transport for an offline user emits nothing.
	_, err = r.Register(ctx, "dave", dead)
	require.ErrorIs(t, err, ErrTransportClosed)
	assert.Empty(t, rec.states("dave"))
}

func TestRegisterRejectsTransportOfAnotherUser(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	ctx := context.Background()

	tr := newFakeTransport()
	_, err := r.Register(ctx, "alice", tr)
	require.NoError(t, err)

	_, err = r.Register(ctx, "mallory", tr)
	require.Error(t, err)
	assert.False(t, r.IsOnline("mallory"))
}

func TestRegisterRejectsMalformedID(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	_, err := r.Register(context.Background(), "not valid", newFakeTransport())
	require.Error(t, err)
}

func TestRandomSequencesAlternate(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	rec := newRecorder(r)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var live []*fakeTransport
	for i := 0; i < 500; i++ {
		if len(live) == 0 || rng.Intn(2) == 0 {
			tr := newFakeTransport()
			_, err := r.Register(ctx, "eve", tr)
			require.NoError(t, err)
			live = append(live, tr)
			continue
		}
		idx := rng.Intn(len(live))
		r.Deregister(ctx, live[idx])
		live = append(live[:idx], live[idx+1:]...)
	}

	states := rec.states("eve")
	require.NotEmpty(t, states)
	requireAlternating(t, states)
}

func TestConcurrentConnectDisconnectAlternates(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	rec := newRecorder(r)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr := newFakeTransport()
			if _, err := r.Register(ctx, "frank", tr); err != nil {
				return
			}
			time.Sleep(time.Duration(i%5) * time.Millisecond)
			r.Deregister(ctx, tr)
		}(i)
	}
	wg.Wait()

	states := rec.states("frank")
	requireAlternating(t, states)
	assert.False(t, r.IsOnline("frank"))
	assert.Len(t, states, 2*(len(states)/2), "every online must be closed by an offline")
}

type fakeSink struct {
	mu    sync.Mutex
	calls []string
}

func (s *fakeSink) SetPresence(_ context.Context, userID string, online bool, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf("%s=%t", userID, online))
	return nil
}

func TestSinkMirrorsTransitions(t *testing.T) {
	sink := &fakeSink{}
	r := NewRegistry(zerolog.Nop(), WithSink(sink))
	ctx := context.Background()

	tr := newFakeTransport()
	_, err := r.Register(ctx, "gina", tr)
	require.NoError(t, err)
	_, err = r.Register(ctx, "gina", newFakeTransport())
	require.NoError(t, err)
	r.Deregister(ctx, tr)

	assert.Equal(t, []string{"gina=true"}, sink.calls)
}

func TestCloseAllClosesEveryTransport(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	ctx := context.Background()

	a, b := newFakeTransport(), newFakeTransport()
	_, err := r.Register(ctx, "a", a)
	require.NoError(t, err)
	_, err = r.Register(ctx, "b", b)
	require.NoError(t, err)

	r.CloseAll(ReasonShutdown)
	assert.True(t, a.closed())
	assert.True(t, b.closed())
	assert.ElementsMatch(t, []string{"a", "b"}, r.Online(), "sessions stay until their loops deregister")
}
