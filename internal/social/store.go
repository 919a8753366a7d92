package social

import (
	"context"
	"time"
)

// FriendStore is the persistence boundary for the friend graph and its
// pending requests.
//
// Requirements:
//   - AddFriendship/RemoveFriendship are symmetric and idempotent (set-add).
//   - FindPending matches the exact (sender, receiver) direction; callers
//     check both directions to detect reverse requests.
type FriendStore interface {
	AreFriends(ctx context.Context, userA, userB string) (bool, error)
	AddFriendship(ctx context.Context, userA, userB string, now time.Time) error
	RemoveFriendship(ctx context.Context, userA, userB string) error

	CreateRequest(ctx context.Context, req FriendRequest) error
	GetRequest(ctx context.Context, requestID string) (FriendRequest, error)
	FindPending(ctx context.Context, sender, receiver string) (FriendRequest, error)
	DeleteRequest(ctx context.Context, requestID string) error
}

// NotificationStore persists and queries notification records.
type NotificationStore interface {
	Create(ctx context.Context, n Notification) error
	MarkRead(ctx context.Context, notificationID, userID string) error
	UnreadCount(ctx context.Context, userID string) (int, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error)
}

// StatusStore is the durable user-status collaborator: presence transitions
// are written through to it best-effort.
type StatusStore interface {
	SetStatus(ctx context.Context, userID, status string, lastSeen time.Time) error
}
