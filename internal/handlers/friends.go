package handlers

import (
	"net/http"

	"github.com/eldtechnologies/circle/internal/api/middleware"
	"github.com/eldtechnologies/circle/internal/models"
)

// FriendEntry is one friend with live status and unread count.
type FriendEntry struct {
	ID       string `json:"_id"`
	IsActive bool   `json:"isActive"`
	Unread   int64  `json:"unread"`
}

// Friends lists the caller's friends.
func (h *Handler) Friends(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := middleware.GetUserFromContext(ctx)

	ids, err := h.friends.Friends(ctx, actor)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	unread, err := h.db.UnreadCounts(ctx, actor)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	out := make([]FriendEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, FriendEntry{
			ID:       id,
			IsActive: h.registry.IsOnline(id),
			Unread:   unread[id],
		})
	}
	h.JSON(w, http.StatusOK, map[string]any{"friends": out})
}

// FriendRequests lists pending requests involving the caller, split by
// direction.
func (h *Handler) FriendRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := middleware.GetUserFromContext(ctx)

	pending, err := h.friends.Pending(ctx, actor)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	incoming := make([]models.FriendRequest, 0)
	outgoing := make([]models.FriendRequest, 0)
	for _, req := range pending {
		if req.To == actor {
			incoming = append(incoming, req)
		} else {
			outgoing = append(outgoing, req)
		}
	}
	h.JSON(w, http.StatusOK, map[string]any{"incoming": incoming, "outgoing": outgoing})
}

// SendFriendRequestRequest is the body of POST /friend-request.
type SendFriendRequestRequest struct {
	ToID string `json:"toId"`
}

// SendFriendRequest opens a pending request from the caller.
func (h *Handler) SendFriendRequest(w http.ResponseWriter, r *http.Request) {
	var req SendFriendRequestRequest
	if err := decodeJSON(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	created, err := h.friends.Send(r.Context(), middleware.GetUserFromContext(r.Context()), req.ToID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, created)
}

// ResolveFriendRequestRequest is the body of accept/reject.
type ResolveFriendRequestRequest struct {
	FromID string `json:"fromId"`
}

// AcceptFriend accepts the pending request from fromId.
func (h *Handler) AcceptFriend(w http.ResponseWriter, r *http.Request) {
	var req ResolveFriendRequestRequest
	if err := decodeJSON(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	edge, err := h.friends.Accept(r.Context(), middleware.GetUserFromContext(r.Context()), req.FromID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, edge)
}

// RejectFriend rejects the pending request from fromId.
func (h *Handler) RejectFriend(w http.ResponseWriter, r *http.Request) {
	var req ResolveFriendRequestRequest
	if err := decodeJSON(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	resolved, err := h.friends.Reject(r.Context(), middleware.GetUserFromContext(r.Context()), req.FromID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, resolved)
}
