package models

// Event names exchanged over the realtime transport. Clients depend on
// these exact strings.
const (
	// Inbound
	EventJoin          = "join"
	EventSendMessage   = "send-message"
	EventMarkRead      = "mark-read"
	EventFriendRequest = "friend-request"
	EventAcceptFriend  = "accept-friend"
	EventRejectFriend  = "reject-friend"
	EventHistory       = "history"
	EventDisconnect    = "disconnect"

	// Outbound
	EventNewMessage = "new-message"
	EventUserStatus = "user-status"
	EventOK         = "ok"
	EventFail       = "fail"
)

// StatusEvent is the payload of a user-status push.
type StatusEvent struct {
	UserID   string `json:"userId"`
	IsActive bool   `json:"isActive"`
}
