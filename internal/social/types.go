package social

import "time"

// Notification kinds produced by this subsystem. The column is free-form so
// other application components can persist their own kinds through the same
// store.
const (
	KindFriendRequest = "friend_request"
	KindFriendAccept  = "friend_accept"
	KindFriendDecline = "friend_decline"
)

// User status values written through to the status collaborator.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// FriendRequest is a pending directed edge in the friend graph. It is deleted
// on accept/decline/cancel; the notification record it spawned lives on
// independently.
type FriendRequest struct {
	ID        string
	Sender    string
	Receiver  string
	CreatedAt time.Time
}

// Notification targets exactly one recipient and carries a type tag, a
// human-readable summary, and the originating actor.
type Notification struct {
	ID        string
	UserID    string
	Actor     string
	Kind      string
	Message   string
	Read      bool
	CreatedAt time.Time
}
