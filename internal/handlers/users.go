package handlers

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/eldtechnologies/circle/internal/api/middleware"
	"github.com/eldtechnologies/circle/internal/models"
)

// UserStatus is one roster entry.
type UserStatus struct {
	ID       string     `json:"_id"`
	IsActive bool       `json:"isActive"`
	IsFriend bool       `json:"isFriend"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
	SeenAgo  string     `json:"seenAgo,omitempty"`
}

// Users returns a roster snapshot. With ?ids=a,b it reports exactly those
// users; otherwise the caller's friends plus everyone online.
func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := middleware.GetUserFromContext(ctx)

	friendIDs, err := h.friends.Friends(ctx, actor)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	isFriend := make(map[string]bool, len(friendIDs))
	for _, id := range friendIDs {
		isFriend[id] = true
	}

	var ids []string
	if raw := r.URL.Query().Get("ids"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if err := models.ValidateUserID(id); err != nil {
				h.Fail(w, r, err)
				return
			}
			ids = append(ids, id)
		}
	} else {
		ids = unique(append(friendIDs, h.registry.Online()...))
	}

	lastSeen := map[string]time.Time{}
	if h.redis != nil && len(ids) > 0 {
		seen, err := h.redis.LastSeen(ctx, ids)
		if err != nil {
			h.logger.Warn().Err(err).Msg("failed to read last seen")
		} else {
			lastSeen = seen
		}
	}

	now := time.Now()
	roster := make([]UserStatus, 0, len(ids))
	for _, id := range ids {
		st := UserStatus{
			ID:       id,
			IsActive: h.registry.IsOnline(id),
			IsFriend: isFriend[id],
		}
		if at, ok := lastSeen[id]; ok {
			st.LastSeen = &at
			if !st.IsActive {
				st.SeenAgo = formatTimeAgo(at, now)
			}
		}
		roster = append(roster, st)
	}

	h.JSON(w, http.StatusOK, map[string]any{"users": roster})
}

func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
