package chat

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/circle/internal/metrics"
	"github.com/eldtechnologies/circle/internal/models"
	"github.com/eldtechnologies/circle/internal/presence"
)

// SessionLookup finds a user's live session.
type SessionLookup interface {
	Lookup(userID string) (presence.Session, bool)
}

// Router persists messages and pushes them to the recipient when online.
type Router struct {
	store    *Store
	sessions SessionLookup
	logger   zerolog.Logger
}

// NewRouter creates a router.
func NewRouter(store *Store, sessions SessionLookup, logger zerolog.Logger) *Router {
	return &Router{
		store:    store,
		sessions: sessions,
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// Send appends the message, then pushes it once to the recipient's live
// session. A failed or skipped push does not fail the send; the message is
// still in history.
func (r *Router) Send(ctx context.Context, from, to string, content models.Content) (*models.Message, error) {
	if err := models.ValidateUserID(from); err != nil {
		return nil, err
	}
	if err := models.ValidateUserID(to); err != nil {
		return nil, err
	}

	msg, err := r.store.Append(ctx, models.NewPairKey(from, to), from, to, content)
	if err != nil {
		return nil, err
	}

	sess, ok := r.sessions.Lookup(to)
	if !ok {
		metrics.LivePushes.WithLabelValues("offline").Inc()
		return msg, nil
	}
	if err := sess.Transport.Push(models.EventNewMessage, msg); err != nil {
		metrics.LivePushes.WithLabelValues("dropped").Inc()
		r.logger.Debug().
			Err(err).
			Str("message_id", msg.ID).
			Str("to", to).
			Msg("live push dropped")
		return msg, nil
	}
	metrics.LivePushes.WithLabelValues("delivered").Inc()
	return msg, nil
}

// History returns the conversation between actor and peer.
func (r *Router) History(ctx context.Context, actor, peer string) ([]models.Message, error) {
	if err := models.ValidateUserID(actor); err != nil {
		return nil, err
	}
	if err := models.ValidateUserID(peer); err != nil {
		return nil, err
	}
	return r.store.Fetch(ctx, models.NewPairKey(actor, peer))
}

// MarkRead marks a message read on behalf of actor.
func (r *Router) MarkRead(ctx context.Context, messageID, actor string) (*models.Message, error) {
	return r.store.MarkRead(ctx, messageID, actor)
}
