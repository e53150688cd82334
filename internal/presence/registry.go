// Package presence tracks which users hold a live connection and turns
// connect/disconnect activity into online/offline transitions.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/circle/internal/keylock"
	"github.com/eldtechnologies/circle/internal/metrics"
	"github.com/eldtechnologies/circle/internal/models"
)

// Close reasons passed to Transport.Close.
const (
	ReasonSuperseded  = "superseded"
	ReasonShutdown    = "server shutdown"
	ReasonDisconnect  = "disconnect"
	ReasonWriteFailed = "write failed"
)

var (
	// ErrTransportClosed is returned when pushing to or registering a
	// transport that has already shut down.
	ErrTransportClosed = errors.New("transport closed")
	// ErrBackpressure is returned when a transport's outbound queue is full.
	ErrBackpressure = errors.New("transport send queue full")
)

// Transport is one live client connection.
type Transport interface {
	// ID is unique per connection for the process lifetime.
	ID() string
	// Push enqueues a named event without blocking.
	Push(event string, payload any) error
	// Close shuts the connection down. Safe to call more than once.
	Close(reason string)
	// Done is closed once the transport has shut down.
	Done() <-chan struct{}
}

// Session binds a user to their live transport.
type Session struct {
	OwnerID     string
	Transport   Transport
	ConnectedAt time.Time
}

// Transition is an online/offline change for one user.
type Transition struct {
	UserID string
	Online bool
	At     time.Time
}

// Listener receives transitions. Listeners run while the user's slot is
// held and must not block.
type Listener func(Transition)

// Sink mirrors presence into an external store.
type Sink interface {
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithSink mirrors transitions into s. Sink failures are logged only.
func WithSink(s Sink) Option {
	return func(r *Registry) { r.sink = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry maps each user to at most one live session. Mutations for one
// user are serialized; different users never contend beyond the short map
// critical sections.
type Registry struct {
	logger    zerolog.Logger
	locks     *keylock.Mutex
	sink      Sink
	now       func() time.Time
	listeners []Listener

	mu       sync.RWMutex
	sessions map[string]*Session // by user id
	owners   map[string]string   // transport id -> user id
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:   logger.With().Str("component", "presence").Logger(),
		locks:    keylock.New(),
		now:      time.Now,
		sessions: make(map[string]*Session),
		owners:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe adds a transition listener. Call before the registry is used.
func (r *Registry) Subscribe(l Listener) {
	r.listeners = append(r.listeners, l)
}

// Register makes t the live session for userID. A previous session is
// replaced and its transport closed without an offline/online pair. An
// online transition is emitted only when the user had no session.
func (r *Registry) Register(ctx context.Context, userID string, t Transport) (Session, error) {
	if err := models.ValidateUserID(userID); err != nil {
		return Session{}, err
	}

	unlock, err := r.locks.Lock(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	r.mu.Lock()
	if owner, ok := r.owners[t.ID()]; ok && owner != userID {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: connection already joined as another user", models.ErrForbidden)
	}
	prev := r.sessions[userID]
	if prev != nil && prev.Transport.ID() == t.ID() {
		current := *prev
		r.mu.Unlock()
		return current, nil
	}

	select {
	case <-t.Done():
		// The replacement failed. Any previous session is already stale,
		// so the user ends up offline.
		if prev != nil {
			delete(r.sessions, userID)
			delete(r.owners, prev.Transport.ID())
		}
		r.mu.Unlock()
		if prev != nil {
			prev.Transport.Close(ReasonSuperseded)
			r.emit(ctx, Transition{UserID: userID, Online: false, At: r.now()})
		}
		return Session{}, ErrTransportClosed
	default:
	}

	sess := &Session{OwnerID: userID, Transport: t, ConnectedAt: r.now()}
	r.sessions[userID] = sess
	r.owners[t.ID()] = userID
	if prev != nil {
		delete(r.owners, prev.Transport.ID())
	}
	current := *sess
	r.mu.Unlock()

	if prev != nil {
		prev.Transport.Close(ReasonSuperseded)
		metrics.SessionsSuperseded.Inc()
		r.logger.Info().
			Str("user_id", userID).
			Str("old_transport", prev.Transport.ID()).
			Str("new_transport", t.ID()).
			Msg("session superseded")
		return current, nil
	}

	r.emit(ctx, Transition{UserID: userID, Online: true, At: current.ConnectedAt})
	return current, nil
}

// Deregister removes the session owned by t, if it is still current, and
// emits an offline transition. It is idempotent and runs to completion even
// when ctx is already cancelled.
func (r *Registry) Deregister(ctx context.Context, t Transport) {
	ctx = context.WithoutCancel(ctx)

	r.mu.RLock()
	userID, ok := r.owners[t.ID()]
	r.mu.RUnlock()
	if !ok {
		return
	}

	unlock, err := r.locks.Lock(ctx, userID)
	if err != nil {
		// Unreachable with a non-cancellable context.
		r.logger.Error().Err(err).Str("user_id", userID).Msg("deregister lock failed")
		return
	}
	defer unlock()

	r.mu.Lock()
	cur := r.sessions[userID]
	if cur == nil || cur.Transport.ID() != t.ID() {
		if r.owners[t.ID()] == userID {
			delete(r.owners, t.ID())
		}
		r.mu.Unlock()
		return
	}
	delete(r.sessions, userID)
	delete(r.owners, t.ID())
	r.mu.Unlock()

	r.emit(ctx, Transition{UserID: userID, Online: false, At: r.now()})
}

// Lookup returns a snapshot of userID's live session.
func (r *Registry) Lookup(userID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Sessions returns a snapshot of every live session.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	return out
}

// Online returns the ids of users with a live session.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for userID := range r.sessions {
		out = append(out, userID)
	}
	return out
}

// IsOnline reports whether userID has a live session.
func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every live transport. Their read loops deregister them.
func (r *Registry) CloseAll(reason string) {
	for _, sess := range r.Sessions() {
		sess.Transport.Close(reason)
	}
}

// emit runs with the user's slot held, which keeps each user's transitions
// in order across every listener.
func (r *Registry) emit(ctx context.Context, tr Transition) {
	state := "offline"
	if tr.Online {
		state = "online"
		metrics.LiveSessions.Inc()
	} else {
		metrics.LiveSessions.Dec()
	}
	metrics.PresenceTransitions.WithLabelValues(state).Inc()

	r.logger.Info().
		Str("user_id", tr.UserID).
		Str("state", state).
		Msg("presence transition")

	if r.sink != nil {
		sinkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := r.sink.SetPresence(sinkCtx, tr.UserID, tr.Online, tr.At); err != nil {
			r.logger.Warn().Err(err).Str("user_id", tr.UserID).Msg("presence mirror update failed")
		}
		cancel()
	}

	for _, l := range r.listeners {
		l(tr)
	}
}
