// Package chat persists two-party conversations and routes new messages to
// live sessions.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/circle/internal/keylock"
	"github.com/eldtechnologies/circle/internal/metrics"
	"github.com/eldtechnologies/circle/internal/models"
)

// Repository is the durable side of the conversation log.
type Repository interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	LastMessage(ctx context.Context, key models.PairKey) (*models.Message, error)
	ListMessages(ctx context.Context, key models.PairKey) ([]models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	MarkMessageRead(ctx context.Context, id string) error
}

// cursor is the append position of one conversation.
type cursor struct {
	seq int64
	at  time.Time
}

// Store appends to and reads conversation logs. Appends are serialized per
// conversation; unrelated conversations never wait on each other.
type Store struct {
	repo  Repository
	locks *keylock.Mutex

	mu      sync.Mutex
	cursors map[models.PairKey]cursor

	now   func() time.Time
	newID func() string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store over repo.
func NewStore(repo Repository, opts ...StoreOption) *Store {
	s := &Store{
		repo:    repo,
		locks:   keylock.New(),
		cursors: make(map[models.PairKey]cursor),
		now:     time.Now,
		newID:   func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append records a message from one participant to the other.
//
// CreatedAt never goes backwards within a conversation, even if the clock
// does, and Seq increases by one per message. The cursor only moves after the
// repository accepted the row, and is dropped when the repository reports an
// error.
func (s *Store) Append(ctx context.Context, key models.PairKey, from, to string, content models.Content) (*models.Message, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if !key.Has(from) || key.Other(from) != to {
		return nil, fmt.Errorf("%w: %s -> %s is not conversation %s", models.ErrInvalidTarget, from, to, key)
	}
	if err := content.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.cursor(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}

	at := s.now().UTC().Truncate(time.Millisecond)
	if at.Before(cur.at) {
		at = cur.at
	}

	msg := &models.Message{
		ID:           s.newID(),
		Conversation: key,
		Seq:          cur.seq + 1,
		From:         from,
		To:           to,
		Content:      content,
		CreatedAt:    at,
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		// The row may have landed anyway; reload from the repository next time.
		s.mu.Lock()
		delete(s.cursors, key)
		s.mu.Unlock()
		return nil, fmt.Errorf("append message: %w", err)
	}

	s.mu.Lock()
	s.cursors[key] = cursor{seq: msg.Seq, at: msg.CreatedAt}
	s.mu.Unlock()

	metrics.MessagesPersisted.WithLabelValues(string(msg.Type)).Inc()
	return msg, nil
}

// cursor returns the append position, loading it on first use.
// Callers hold the conversation lock.
func (s *Store) cursor(ctx context.Context, key models.PairKey) (cursor, error) {
	s.mu.Lock()
	cur, ok := s.cursors[key]
	s.mu.Unlock()
	if ok {
		return cur, nil
	}

	last, err := s.repo.LastMessage(ctx, key)
	if err != nil {
		return cursor{}, err
	}
	if last != nil {
		cur = cursor{seq: last.Seq, at: last.CreatedAt}
	}
	return cur, nil
}

// Fetch returns the whole conversation in order. A conversation with no
// messages yields an empty slice.
func (s *Store) Fetch(ctx context.Context, key models.PairKey) ([]models.Message, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, key)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// Get returns a message by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*models.Message, error) {
	msg, err := s.repo.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: message %s", models.ErrNotFound, id)
	}
	return msg, nil
}

// MarkRead flips the read flag. Only the recipient may do so, and doing it
// again is a no-op.
func (s *Store) MarkRead(ctx context.Context, id, actor string) (*models.Message, error) {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.To != actor {
		return nil, fmt.Errorf("%w: only the recipient can mark a message read", models.ErrForbidden)
	}
	if msg.Read {
		return msg, nil
	}
	if err := s.repo.MarkMessageRead(ctx, id); err != nil {
		return nil, err
	}
	msg.Read = true
	return msg, nil
}
