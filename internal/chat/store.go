package chat

import (
	"context"
	"time"
)

// Store is the persistence boundary for conversations and messages.
//
// Requirements:
//   - FindOrCreateDirect is symmetric in argument order and resolves by the
//     sorted participant pair. Duplicate creation under concurrent first
//     contact is tolerated, not prevented (no cross-process locking).
//   - AppendMessage seeds the sender's own read receipt.
//   - TouchConversation is a separate write from AppendMessage on purpose:
//     a crash between the two leaves the last-message pointer stale until the
//     next successful write (self-healing, not corrupting).
//   - MarkRead appends receipts only for messages authored by others that the
//     reader has not yet read; calling it twice is a no-op the second time.
//   - History pages newest-first; callers reverse for display.
type Store interface {
	FindOrCreateDirect(ctx context.Context, userA, userB string, now time.Time) (Conversation, error)
	Conversation(ctx context.Context, conversationID string) (Conversation, error)
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	TouchConversation(ctx context.Context, conversationID, lastMessageID string, now time.Time) error
	MarkRead(ctx context.Context, conversationID, readerID string, now time.Time) (int, error)
	History(ctx context.Context, in HistoryInput) (HistoryResult, error)
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID string
	Sender         string
	Type           string
	Text           string
	Now            time.Time
}

// HistoryInput describes a history page request. Before is an exclusive
// upper bound on creation time; nil means "newest page".
type HistoryInput struct {
	ConversationID string
	Before         *time.Time
	Limit          int
}

// HistoryResult contains one newest-first history page.
type HistoryResult struct {
	Messages []Message
	HasMore  bool
}
