package presence

import (
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/circle/internal/metrics"
	"github.com/eldtechnologies/circle/internal/models"
)

// SessionSource lists the sessions a broadcast fans out to.
type SessionSource interface {
	Sessions() []Session
}

// Broadcaster pushes user-status events to every live session. Delivery is
// best effort: a recipient that is slow or gone is skipped.
type Broadcaster struct {
	sessions SessionSource
	logger   zerolog.Logger
}

// NewBroadcaster creates a broadcaster over src.
func NewBroadcaster(src SessionSource, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		sessions: src,
		logger:   logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Attach subscribes the broadcaster to a registry's transitions.
func (b *Broadcaster) Attach(r *Registry) {
	r.Subscribe(b.Publish)
}

// Publish fans tr out. It never blocks on a recipient.
func (b *Broadcaster) Publish(tr Transition) {
	ev := models.StatusEvent{UserID: tr.UserID, IsActive: tr.Online}
	delivered := 0
	for _, sess := range b.sessions.Sessions() {
		if err := sess.Transport.Push(models.EventUserStatus, ev); err != nil {
			metrics.BroadcastDrops.Inc()
			b.logger.Debug().
				Err(err).
				Str("recipient", sess.OwnerID).
				Str("user_id", tr.UserID).
				Msg("status push skipped")
			continue
		}
		delivered++
	}
	b.logger.Debug().
		Str("user_id", tr.UserID).
		Bool("is_active", tr.Online).
		Int("delivered", delivered).
		Msg("status broadcast")
}
