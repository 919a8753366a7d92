package chat

import (
	"sort"
	"strings"
	"time"
	"unicode"
)

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// Message types. Only text is produced by this subsystem; the tag exists so
// media/system messages stored by other components render through the same
// history path.
const (
	MessageText   = "text"
	MessageSystem = "system"
)

// Participant is one member of a conversation.
type Participant struct {
	UserID   string
	Role     string
	Active   bool
	LastRead time.Time
}

// Conversation is the durable record of an ongoing exchange between a fixed
// participant set. Direct conversations have exactly two participants and are
// unique per unordered pair (modulo the tolerated first-contact race).
type Conversation struct {
	ID            string
	Kind          string
	Participants  []Participant
	CreatedBy     string
	CreatedAt     time.Time
	LastActivity  time.Time
	LastMessageID string
}

// Counterpart returns the other participant of a direct conversation.
func (c Conversation) Counterpart(userID string) (string, bool) {
	if c.Kind != KindDirect {
		return "", false
	}
	for _, p := range c.Participants {
		if p.UserID != userID {
			return p.UserID, true
		}
	}
	return "", false
}

// ReadReceipt records that a user has viewed a message.
type ReadReceipt struct {
	UserID string
	ReadAt time.Time
}

// Message is a durable entity belonging to exactly one conversation.
// Its identity is immutable once persisted; ReadBy only grows.
type Message struct {
	ID             string
	ConversationID string
	Sender         string
	Type           string
	Text           string
	CreatedAt      time.Time
	ReadBy         []ReadReceipt
	Deleted        bool
}

// IsReadBy reports whether userID appears in the message's receipt list.
func (m Message) IsReadBy(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// PairKey returns the canonical lookup key for a direct conversation:
// the two identities sorted and joined. Symmetric in argument order.
func PairKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// ValidIdentity reports whether s is a well-formed user identity:
// non-empty, bounded, and free of whitespace and control characters.
func ValidIdentity(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return strings.TrimSpace(s) == s
}
