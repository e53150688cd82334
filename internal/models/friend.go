package models

import "time"

// FriendRequestStatus is the lifecycle state of a friend request.
type FriendRequestStatus string

const (
	FriendRequestPending  FriendRequestStatus = "pending"
	FriendRequestAccepted FriendRequestStatus = "accepted"
	FriendRequestRejected FriendRequestStatus = "rejected"
)

// FriendRequest is a directed request from one user to another.
// Only pending requests are live; accepted and rejected ones are history.
type FriendRequest struct {
	ID         string              `json:"id"`
	From       string              `json:"from"`
	To         string              `json:"to"`
	Status     FriendRequestStatus `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
	ResolvedAt *time.Time          `json:"resolved_at,omitempty"`
}

// Pair returns the unordered pair the request concerns.
func (r *FriendRequest) Pair() PairKey {
	return NewPairKey(r.From, r.To)
}

// Friendship is an accepted, undirected relation. UserA < UserB.
type Friendship struct {
	UserA     string    `json:"user_a"`
	UserB     string    `json:"user_b"`
	CreatedAt time.Time `json:"created_at"`
}

// Pair returns the friendship's key.
func (f *Friendship) Pair() PairKey {
	return PairKey{Low: f.UserA, High: f.UserB}
}

// Peer returns the friend of userID.
func (f *Friendship) Peer(userID string) string {
	return f.Pair().Other(userID)
}
