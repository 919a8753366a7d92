package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "pulse/contracts/realtime/v1"
)

const maxTextChars = 4000

// Pusher delivers best-effort envelopes to a user's live sessions.
// The presence registry implements it; the pipeline never reaches into
// presence state directly.
type Pusher interface {
	PushToUser(userID string, env v1.Envelope) int
}

// Service is the message delivery pipeline: it persists a send through the
// conversation resolver, then fans the durable result out to the recipient's
// sessions. Write-before-notify: the push always carries an already-persisted
// message.
type Service struct {
	log   *slog.Logger
	store Store
	push  Pusher
}

// NewService constructs the delivery pipeline.
func NewService(log *slog.Logger, store Store, push Pusher) (*Service, error) {
	if log == nil || store == nil || push == nil {
		return nil, errors.New("chat: nil dependency")
	}
	return &Service{log: log, store: store, push: push}, nil
}

// SendInput describes an inbound chat-send event.
type SendInput struct {
	Sender   string
	Receiver string
	Text     string
	Now      time.Time
}

// Send validates, persists, and delivers one direct message.
//
// The returned message is the sender's authoritative local echo; the push goes
// to the recipient only. Push failure is non-fatal: the message is durable and
// surfaces on the recipient's next history fetch.
func (s *Service) Send(ctx context.Context, in SendInput) (Message, error) {
	if !ValidIdentity(in.Sender) || !ValidIdentity(in.Receiver) {
		return Message{}, fmt.Errorf("%w: malformed identity", ErrInvalidArgument)
	}
	if in.Sender == in.Receiver {
		return Message{}, fmt.Errorf("%w: sender equals receiver", ErrInvalidArgument)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Message{}, fmt.Errorf("%w: empty message", ErrInvalidArgument)
	}
	if len([]rune(text)) > maxTextChars {
		return Message{}, fmt.Errorf("%w: message too long (max %d chars)", ErrInvalidArgument, maxTextChars)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	conv, err := s.store.FindOrCreateDirect(ctx, in.Sender, in.Receiver, now)
	if err != nil {
		return Message{}, fmt.Errorf("resolve conversation: %w", err)
	}

	msg, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conv.ID,
		Sender:         in.Sender,
		Type:           MessageText,
		Text:           text,
		Now:            now,
	})
	if err != nil {
		return Message{}, fmt.Errorf("persist message: %w", err)
	}

	// Separate write from the message insert. A failure here leaves the
	// conversation pointer stale until the next send; the message itself is
	// already durable, so this must not fail the operation.
	if err := s.store.TouchConversation(ctx, conv.ID, msg.ID, now); err != nil {
		s.log.Warn("conversation.touch.fail", "conversation_id", conv.ID, "err", err)
	}

	payload, _ := json.Marshal(v1.ReceiveMessagePayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         msg.Sender,
		Receiver:       in.Receiver,
		Message:        msg.Text,
		CreatedAt:      msg.CreatedAt,
	})
	delivered := s.push.PushToUser(in.Receiver, newEnvelope(v1.TypeReceiveMessage, payload, now))
	if delivered == 0 {
		s.log.Debug("message.recipient_offline", "message_id", msg.ID, "receiver", in.Receiver)
	}

	return msg, nil
}

// MarkRead appends the reader's receipts across the conversation and
// broadcasts a best-effort messages_read event to the other participants.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID string, now time.Time) error {
	if conversationID == "" || !ValidIdentity(readerID) {
		return fmt.Errorf("%w: bad mark-read input", ErrInvalidArgument)
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	appended, err := s.store.MarkRead(ctx, conversationID, readerID, now)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if appended == 0 {
		// Nothing new was read; skip the broadcast.
		return nil
	}

	conv, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		s.log.Warn("messages_read.lookup.fail", "conversation_id", conversationID, "err", err)
		return nil
	}

	payload, _ := json.Marshal(v1.MessagesReadPayload{
		ConversationID: conversationID,
		ReadBy:         readerID,
		ReadAt:         now,
	})
	env := newEnvelope(v1.TypeMessagesRead, payload, now)
	for _, p := range conv.Participants {
		if p.UserID == readerID {
			continue
		}
		s.push.PushToUser(p.UserID, env)
	}

	return nil
}

// History returns one newest-first page of the conversation's messages.
func (s *Service) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	return s.store.History(ctx, in)
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := NewID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}
