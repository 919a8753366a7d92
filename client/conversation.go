package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	v1 "pulse/contracts/realtime/v1"
)

// Message is the client-side view of one chat message.
type Message struct {
	ID             string
	ConversationID string
	Sender         string
	Text           string
	CreatedAt      time.Time

	// Pending marks a local optimistic echo that has not been acked yet.
	Pending bool
	TempID  string
}

// HistoryPage is one newest-first page from the history endpoint.
type HistoryPage struct {
	Messages []Message
	HasMore  bool
}

// HistoryFetcher fetches persisted history out of band (the REST surface is a
// separate system; the view only needs this one call).
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string, before *time.Time, limit int) (HistoryPage, error)
}

const typingIndicatorTTL = 4 * time.Second

// ConversationView reconciles three inbound streams for one conversation:
// fetched history, realtime pushes, and send acks. Invariants it maintains:
//   - a message id appears at most once, whatever order sources arrive in
//   - the user's own pushes are discarded (the ack is the sender's echo)
//   - messages are kept in ascending CreatedAt order
type ConversationView struct {
	selfID  string
	convID  string
	fetcher HistoryFetcher

	mu       sync.Mutex
	messages []Message
	byID     map[string]struct{}
	pending  map[string]int // temp id -> index in messages

	oldest  *time.Time
	hasMore bool

	typing       map[string]*time.Timer
	typingUpdate func()
}

// NewConversationView builds a view for one conversation from the perspective
// of selfID.
func NewConversationView(selfID, conversationID string, fetcher HistoryFetcher) (*ConversationView, error) {
	if selfID == "" || conversationID == "" {
		return nil, errors.New("client: empty identity or conversation id")
	}
	return &ConversationView{
		selfID:  selfID,
		convID:  conversationID,
		fetcher: fetcher,
		byID:    make(map[string]struct{}),
		pending: make(map[string]int),
		typing:  make(map[string]*time.Timer),
		hasMore: true,
	}, nil
}

// LoadOlder fetches the next page of history before the oldest known message
// and merges it in. It reports whether more history remains.
func (cv *ConversationView) LoadOlder(ctx context.Context, limit int) (bool, error) {
	if cv.fetcher == nil {
		return false, errors.New("client: no history fetcher")
	}

	cv.mu.Lock()
	before := cv.oldest
	cv.mu.Unlock()

	page, err := cv.fetcher.FetchHistory(ctx, cv.convID, before, limit)
	if err != nil {
		return false, err
	}

	cv.mu.Lock()
	defer cv.mu.Unlock()

	// Pages arrive newest-first; the view keeps ascending order.
	for i := len(page.Messages) - 1; i >= 0; i-- {
		cv.insertLocked(page.Messages[i])
	}
	cv.hasMore = page.HasMore
	return cv.hasMore, nil
}

// ApplyPush merges a receive_message push. The user's own echo is discarded:
// the send ack already resolved the local copy, and honoring both would
// duplicate the message.
func (cv *ConversationView) ApplyPush(p v1.ReceiveMessagePayload) bool {
	if p.ConversationID != cv.convID || p.Sender == cv.selfID {
		return false
	}

	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.insertLocked(Message{
		ID:             p.MessageID,
		ConversationID: p.ConversationID,
		Sender:         p.Sender,
		Text:           p.Message,
		CreatedAt:      p.CreatedAt,
	})
}

// AppendLocal records an optimistic local echo for a just-sent message. It is
// resolved (or abandoned) by ApplyAck.
func (cv *ConversationView) AppendLocal(tempID, text string, now time.Time) {
	cv.mu.Lock()
	defer cv.mu.Unlock()

	cv.messages = append(cv.messages, Message{
		ConversationID: cv.convID,
		Sender:         cv.selfID,
		Text:           text,
		CreatedAt:      now,
		Pending:        true,
		TempID:         tempID,
	})
	cv.pending[tempID] = len(cv.messages) - 1
}

// ApplyAck resolves a pending local echo with its server-assigned identity.
// An ack with no matching echo (e.g. after reconnect) inserts the message.
func (cv *ConversationView) ApplyAck(text string, p v1.MessageAckPayload) bool {
	if p.ConversationID != cv.convID {
		return false
	}

	cv.mu.Lock()
	defer cv.mu.Unlock()

	if _, ok := cv.byID[p.MessageID]; ok {
		return false
	}

	if idx, ok := cv.pending[p.TempID]; ok && idx < len(cv.messages) {
		m := &cv.messages[idx]
		m.ID = p.MessageID
		m.CreatedAt = p.CreatedAt
		m.Pending = false
		m.TempID = ""
		cv.byID[p.MessageID] = struct{}{}
		delete(cv.pending, p.TempID)
		cv.sortLocked()
		return true
	}

	return cv.insertLocked(Message{
		ID:             p.MessageID,
		ConversationID: p.ConversationID,
		Sender:         cv.selfID,
		Text:           text,
		CreatedAt:      p.CreatedAt,
	})
}

// Messages returns an ascending-order snapshot of the merged timeline.
func (cv *ConversationView) Messages() []Message {
	cv.mu.Lock()
	defer cv.mu.Unlock()

	out := make([]Message, len(cv.messages))
	copy(out, cv.messages)
	return out
}

// HasMore reports whether older history remains unfetched.
func (cv *ConversationView) HasMore() bool {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.hasMore
}

// ApplyTyping tracks a user_typing event. A started indicator expires on its
// own after a few seconds in case the stop event is lost; stop clears it
// immediately.
func (cv *ConversationView) ApplyTyping(p v1.UserTypingPayload) {
	if p.UserID == cv.selfID {
		return
	}

	cv.mu.Lock()
	defer cv.mu.Unlock()

	if t, ok := cv.typing[p.UserID]; ok {
		t.Stop()
		delete(cv.typing, p.UserID)
	}
	if !p.Typing {
		cv.notifyTypingLocked()
		return
	}

	uid := p.UserID
	cv.typing[uid] = time.AfterFunc(typingIndicatorTTL, func() {
		cv.mu.Lock()
		delete(cv.typing, uid)
		cv.notifyTypingLocked()
		cv.mu.Unlock()
	})
	cv.notifyTypingLocked()
}

// OnTypingChange registers a callback fired whenever the typing set changes.
func (cv *ConversationView) OnTypingChange(fn func()) {
	cv.mu.Lock()
	cv.typingUpdate = fn
	cv.mu.Unlock()
}

// TypingUsers returns the users currently marked as typing, sorted.
func (cv *ConversationView) TypingUsers() []string {
	cv.mu.Lock()
	defer cv.mu.Unlock()

	out := make([]string, 0, len(cv.typing))
	for u := range cv.typing {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (cv *ConversationView) insertLocked(m Message) bool {
	if m.ID == "" {
		return false
	}
	if _, ok := cv.byID[m.ID]; ok {
		return false
	}
	cv.byID[m.ID] = struct{}{}
	cv.messages = append(cv.messages, m)
	if cv.oldest == nil || m.CreatedAt.Before(*cv.oldest) {
		ts := m.CreatedAt
		cv.oldest = &ts
	}
	cv.sortLocked()
	return true
}

func (cv *ConversationView) sortLocked() {
	sort.SliceStable(cv.messages, func(i, j int) bool {
		return cv.messages[i].CreatedAt.Before(cv.messages[j].CreatedAt)
	})
	// Indices move under sort; rebuild the pending index.
	for tempID := range cv.pending {
		for i := range cv.messages {
			if cv.messages[i].TempID == tempID {
				cv.pending[tempID] = i
				break
			}
		}
	}
}

func (cv *ConversationView) notifyTypingLocked() {
	if cv.typingUpdate != nil {
		go cv.typingUpdate()
	}
}
