package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "pulse/contracts/realtime/v1"
)

// fakePusher records every push per user.
type fakePusher struct {
	mu     sync.Mutex
	pushes map[string][]v1.Envelope

	// delivered controls the reported session count (0 simulates offline).
	delivered int
}

func newFakePusher(delivered int) *fakePusher {
	return &fakePusher{pushes: make(map[string][]v1.Envelope), delivered: delivered}
}

func (p *fakePusher) PushToUser(userID string, env v1.Envelope) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes[userID] = append(p.pushes[userID], env)
	return p.delivered
}

func (p *fakePusher) pushed(userID string) []v1.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]v1.Envelope(nil), p.pushes[userID]...)
}

func newTestService(t *testing.T, push Pusher) (*Service, *InMemoryStore) {
	t.Helper()
	store := NewInMemoryStore()
	svc, err := NewService(slog.New(slog.DiscardHandler), store, push)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func TestFindOrCreateDirectIsSymmetricAndIdempotent(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	c1, err := store.FindOrCreateDirect(ctx, "alice", "bob", now)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	c2, err := store.FindOrCreateDirect(ctx, "bob", "alice", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("reversed resolve: %v", err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("pair resolved to different conversations: %s vs %s", c1.ID, c2.ID)
	}
	if c1.Kind != KindDirect || len(c1.Participants) != 2 {
		t.Fatalf("unexpected conversation shape: %+v", c1)
	}
}

func TestSendDeliversToRecipientOnly(t *testing.T) {
	t.Parallel()

	push := newFakePusher(1)
	svc, _ := newTestService(t, push)
	now := time.Now().UTC()

	msg, err := svc.Send(context.Background(), SendInput{
		Sender: "alice", Receiver: "bob", Text: "hello", Now: now,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.ID == "" || msg.ConversationID == "" {
		t.Fatalf("message missing identity: %+v", msg)
	}

	// Exactly one push, to the recipient. The sender's echo is the return
	// value, never a push.
	if got := push.pushed("alice"); len(got) != 0 {
		t.Fatalf("sender received %d pushes, want 0", len(got))
	}
	bobPushes := push.pushed("bob")
	if len(bobPushes) != 1 {
		t.Fatalf("recipient pushes: got %d, want 1", len(bobPushes))
	}
	if bobPushes[0].Type != v1.TypeReceiveMessage {
		t.Fatalf("push type: got %q", bobPushes[0].Type)
	}

	var p v1.ReceiveMessagePayload
	if err := json.Unmarshal(bobPushes[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.MessageID != msg.ID || p.Sender != "alice" || p.Message != "hello" {
		t.Fatalf("payload mismatch: %+v", p)
	}
}

func TestSendToSelfIsRejectedWithoutSideEffects(t *testing.T) {
	t.Parallel()

	push := newFakePusher(1)
	svc, store := newTestService(t, push)

	_, err := svc.Send(context.Background(), SendInput{
		Sender: "alice", Receiver: "alice", Text: "hi",
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}
	if len(store.convs) != 0 {
		t.Fatalf("conversation created for self-send")
	}
	if len(push.pushed("alice")) != 0 {
		t.Fatalf("push fired for rejected send")
	}
}

func TestSendValidation(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, newFakePusher(1))
	ctx := context.Background()

	cases := []struct {
		name string
		in   SendInput
	}{
		{name: "empty sender", in: SendInput{Receiver: "bob", Text: "x"}},
		{name: "empty text", in: SendInput{Sender: "alice", Receiver: "bob", Text: "   "}},
		{name: "identity with space", in: SendInput{Sender: "a b", Receiver: "bob", Text: "x"}},
		{name: "too long", in: SendInput{Sender: "alice", Receiver: "bob", Text: strings.Repeat("x", maxTextChars+1)}},
	}

	for _, tc := range cases {
		if _, err := svc.Send(ctx, tc.in); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: want ErrInvalidArgument, got %v", tc.name, err)
		}
	}
}

func TestSendSucceedsWhenRecipientOffline(t *testing.T) {
	t.Parallel()

	// Zero delivered sessions must not fail the send: the message is durable
	// and surfaces on the next history fetch.
	push := newFakePusher(0)
	svc, store := newTestService(t, push)
	ctx := context.Background()
	now := time.Now().UTC()

	msg, err := svc.Send(ctx, SendInput{Sender: "alice", Receiver: "bob", Text: "offline delivery", Now: now})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	res, err := store.History(ctx, HistoryInput{ConversationID: msg.ConversationID, Limit: 10})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].ID != msg.ID {
		t.Fatalf("message not durable: %+v", res.Messages)
	}
}

func TestSendSeedsSenderReceipt(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t, newFakePusher(1))
	ctx := context.Background()

	msg, err := svc.Send(ctx, SendInput{Sender: "alice", Receiver: "bob", Text: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	res, err := store.History(ctx, HistoryInput{ConversationID: msg.ConversationID, Limit: 1})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !res.Messages[0].IsReadBy("alice") {
		t.Fatalf("sender receipt not seeded")
	}
	if res.Messages[0].IsReadBy("bob") {
		t.Fatalf("recipient receipt should not exist yet")
	}
}

func TestMarkReadIsIdempotentAndNotifiesOthers(t *testing.T) {
	t.Parallel()

	push := newFakePusher(1)
	svc, _ := newTestService(t, push)
	ctx := context.Background()
	now := time.Now().UTC()

	msg, err := svc.Send(ctx, SendInput{Sender: "alice", Receiver: "bob", Text: "one", Now: now})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := svc.Send(ctx, SendInput{Sender: "alice", Receiver: "bob", Text: "two", Now: now.Add(time.Second)}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := svc.MarkRead(ctx, msg.ConversationID, "bob", now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	alicePushes := push.pushed("alice")
	if len(alicePushes) != 1 || alicePushes[0].Type != v1.TypeMessagesRead {
		t.Fatalf("read broadcast to sender: got %+v", alicePushes)
	}
	var p v1.MessagesReadPayload
	if err := json.Unmarshal(alicePushes[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.ConversationID != msg.ConversationID || p.ReadBy != "bob" {
		t.Fatalf("payload mismatch: %+v", p)
	}

	// Second call reads nothing new, so no second broadcast.
	if err := svc.MarkRead(ctx, msg.ConversationID, "bob", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("MarkRead again: %v", err)
	}
	if got := push.pushed("alice"); len(got) != 1 {
		t.Fatalf("idempotent mark-read broadcast again: %d pushes", len(got))
	}
}

func TestMarkReadSkipsReaderOwnMessages(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t, newFakePusher(1))
	ctx := context.Background()
	now := time.Now().UTC()

	msg, err := svc.Send(ctx, SendInput{Sender: "alice", Receiver: "bob", Text: "mine", Now: now})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	appended, err := store.MarkRead(ctx, msg.ConversationID, "alice", now.Add(time.Second))
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if appended != 0 {
		t.Fatalf("reader's own message marked: appended=%d", appended)
	}
}

func TestHistoryPagesNewestFirst(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, newFakePusher(1))
	ctx := context.Background()
	base := time.Now().UTC()

	var convID string
	for i := 0; i < 5; i++ {
		msg, err := svc.Send(ctx, SendInput{
			Sender: "alice", Receiver: "bob",
			Text: "m" + string(rune('0'+i)),
			Now:  base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		convID = msg.ConversationID
	}

	page1, err := svc.History(ctx, HistoryInput{ConversationID: convID, Limit: 2})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page1.Messages) != 2 || !page1.HasMore {
		t.Fatalf("page1: %d messages, hasMore=%v", len(page1.Messages), page1.HasMore)
	}
	if page1.Messages[0].Text != "m4" || page1.Messages[1].Text != "m3" {
		t.Fatalf("page1 order: %q, %q", page1.Messages[0].Text, page1.Messages[1].Text)
	}

	before := page1.Messages[1].CreatedAt
	page2, err := svc.History(ctx, HistoryInput{ConversationID: convID, Before: &before, Limit: 2})
	if err != nil {
		t.Fatalf("History page2: %v", err)
	}
	if page2.Messages[0].Text != "m2" || page2.Messages[1].Text != "m1" {
		t.Fatalf("page2 order: %q, %q", page2.Messages[0].Text, page2.Messages[1].Text)
	}
	if !page2.HasMore {
		t.Fatalf("page2 should report more history")
	}
}

func TestPairKeyIsOrderIndependent(t *testing.T) {
	t.Parallel()

	if PairKey("alice", "bob") != PairKey("bob", "alice") {
		t.Fatalf("pair key depends on argument order")
	}
	if PairKey("alice", "bob") == PairKey("alice", "carol") {
		t.Fatalf("distinct pairs collide")
	}
}
