package handlers

import (
	"net/http"
	"strconv"
	"time"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	OnlineUsers      int   `json:"online_users"`
	TotalMessages    int64 `json:"total_messages"`
	TotalFriendships int64 `json:"total_friendships"`
	// MirroredOnline is the Redis view; -1 when Redis is not configured.
	MirroredOnline int `json:"mirrored_online"`
	// OpenSockets counts connections, joined or not.
	OpenSockets int `json:"open_sockets"`
}

// Stats returns aggregate counts.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalMessages, err := h.db.CountMessages(ctx)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	totalFriendships, err := h.db.CountFriendships(ctx)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	mirrored := -1
	if h.redis != nil {
		ids, err := h.redis.OnlineUsers(ctx)
		if err != nil {
			h.logger.Warn().Err(err).Msg("failed to read presence mirror")
		} else {
			mirrored = len(ids)
		}
	}

	sockets := 0
	if h.sockets != nil {
		sockets = h.sockets.Connections()
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		OnlineUsers:      h.registry.Count(),
		TotalMessages:    totalMessages,
		TotalFriendships: totalFriendships,
		MirroredOnline:   mirrored,
		OpenSockets:      sockets,
	})
}

// formatTimeAgo formats a time as a human-readable "X ago" string.
func formatTimeAgo(t time.Time, now time.Time) string {
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute") + " ago"
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour") + " ago"
	default:
		return plural(int(diff.Hours()/24), "day") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
