package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const memMaxMessagesPerConversation = 10_000

// InMemoryStore is the dev/test fallback when no database is configured.
// It implements the same contract as the Postgres store, including the
// pair-key direct-conversation lookup and receipt idempotency.
type InMemoryStore struct {
	mu      sync.Mutex
	convs   map[string]*memConversation // conversation id -> record
	pairIdx map[string]string           // pair key -> conversation id
}

type memConversation struct {
	conv Conversation
	msgs []*Message // ordered by creation time
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:   make(map[string]*memConversation),
		pairIdx: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// FindOrCreateDirect resolves the direct conversation for an unordered pair,
// creating it lazily on first contact.
func (s *InMemoryStore) FindOrCreateDirect(ctx context.Context, userA, userB string, now time.Time) (Conversation, error) {
	if !ValidIdentity(userA) || !ValidIdentity(userB) || userA == userB {
		return Conversation{}, fmt.Errorf("%w: bad participant pair", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	key := PairKey(userA, userB)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.pairIdx[key]; ok {
		return cloneConversation(s.convs[id].conv), nil
	}

	id, err := NewID(now)
	if err != nil {
		return Conversation{}, err
	}

	conv := Conversation{
		ID:   id,
		Kind: KindDirect,
		Participants: []Participant{
			{UserID: userA, Role: "member", Active: true, LastRead: now},
			{UserID: userB, Role: "member", Active: true, LastRead: now},
		},
		CreatedBy:    userA,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.convs[id] = &memConversation{conv: conv}
	s.pairIdx[key] = id

	return cloneConversation(conv), nil
}

// Conversation returns a conversation by id.
func (s *InMemoryStore) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	return cloneConversation(c.conv), nil
}

// AppendMessage persists a message and seeds the sender's read receipt.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if in.ConversationID == "" || !ValidIdentity(in.Sender) || in.Text == "" {
		return Message{}, fmt.Errorf("%w: bad append input", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	typ := in.Type
	if typ == "" {
		typ = MessageText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return Message{}, fmt.Errorf("%w: conversation %s", ErrNotFound, in.ConversationID)
	}

	id, err := NewID(now)
	if err != nil {
		return Message{}, err
	}

	msg := &Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Sender:         in.Sender,
		Type:           typ,
		Text:           in.Text,
		CreatedAt:      now,
		ReadBy:         []ReadReceipt{{UserID: in.Sender, ReadAt: now}},
	}
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return cloneMessage(*msg), nil
}

// TouchConversation advances the last-message pointer and activity timestamp.
func (s *InMemoryStore) TouchConversation(ctx context.Context, conversationID, lastMessageID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	c.conv.LastMessageID = lastMessageID
	c.conv.LastActivity = now
	return nil
}

// MarkRead appends a receipt for every message authored by someone other than
// the reader that the reader has not yet read. Returns the number appended.
func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, readerID string, now time.Time) (int, error) {
	if conversationID == "" || !ValidIdentity(readerID) {
		return 0, fmt.Errorf("%w: bad mark-read input", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return 0, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}

	appended := 0
	for _, m := range c.msgs {
		if m.Sender == readerID || m.IsReadBy(readerID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: readerID, ReadAt: now})
		appended++
	}

	for i := range c.conv.Participants {
		if c.conv.Participants[i].UserID == readerID {
			c.conv.Participants[i].LastRead = now
		}
	}

	return appended, nil
}

// History returns one newest-first page of non-deleted messages.
func (s *InMemoryStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if in.ConversationID == "" {
		return HistoryResult{}, fmt.Errorf("%w: missing conversation id", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	var snap []Message
	if c != nil {
		snap = make([]Message, 0, len(c.msgs))
		for _, m := range c.msgs {
			if m.Deleted {
				continue
			}
			if in.Before != nil && !m.CreatedAt.Before(*in.Before) {
				continue
			}
			snap = append(snap, cloneMessage(*m))
		}
	}
	s.mu.Unlock()

	sort.Slice(snap, func(i, j int) bool { return snap[i].CreatedAt.After(snap[j].CreatedAt) })

	hasMore := len(snap) > limit
	if hasMore {
		snap = snap[:limit]
	}
	return HistoryResult{Messages: snap, HasMore: hasMore}, nil
}

func cloneConversation(c Conversation) Conversation {
	c.Participants = append([]Participant(nil), c.Participants...)
	return c
}

func cloneMessage(m Message) Message {
	m.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	return m
}
