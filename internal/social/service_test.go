package social

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "pulse/contracts/realtime/v1"
)

type fakePusher struct {
	mu     sync.Mutex
	pushes map[string][]v1.Envelope
}

func newFakePusher() *fakePusher {
	return &fakePusher{pushes: make(map[string][]v1.Envelope)}
}

func (p *fakePusher) PushToUser(userID string, env v1.Envelope) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes[userID] = append(p.pushes[userID], env)
	return 1
}

func (p *fakePusher) pushed(userID string) []v1.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]v1.Envelope(nil), p.pushes[userID]...)
}

func newTestService(t *testing.T, opts ...Option) (*Service, *InMemoryStore, *fakePusher) {
	t.Helper()
	store := NewInMemoryStore()
	push := newFakePusher()
	svc, err := NewService(slog.New(slog.DiscardHandler), store, store, store, push, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store, push
}

func TestSendFriendRequestPersistsAndPushes(t *testing.T) {
	t.Parallel()

	svc, store, push := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	req, err := svc.SendFriendRequest(ctx, "alice", "bob", now)
	if err != nil {
		t.Fatalf("SendFriendRequest: %v", err)
	}
	if req.ID == "" || req.Sender != "alice" || req.Receiver != "bob" {
		t.Fatalf("request shape: %+v", req)
	}

	if _, err := store.FindPending(ctx, "alice", "bob"); err != nil {
		t.Fatalf("request not durable: %v", err)
	}

	unread, err := store.UnreadCount(ctx, "bob")
	if err != nil || unread != 1 {
		t.Fatalf("notification record: unread=%d err=%v", unread, err)
	}

	bobPushes := push.pushed("bob")
	if len(bobPushes) != 1 || bobPushes[0].Type != v1.TypeNewFriendRequest {
		t.Fatalf("receiver push: %+v", bobPushes)
	}
	var p v1.NewFriendRequestPayload
	if err := json.Unmarshal(bobPushes[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.RequestID != req.ID || p.From.ID != "alice" {
		t.Fatalf("payload mismatch: %+v", p)
	}
}

func TestSendFriendRequestConflicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("self", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)
		if _, err := svc.SendFriendRequest(ctx, "alice", "alice", now); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("want ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("already friends", func(t *testing.T) {
		t.Parallel()
		svc, store, _ := newTestService(t)
		if err := store.AddFriendship(ctx, "alice", "bob", now); err != nil {
			t.Fatalf("seed friendship: %v", err)
		}
		if _, err := svc.SendFriendRequest(ctx, "alice", "bob", now); !errors.Is(err, ErrConflict) {
			t.Fatalf("want ErrConflict, got %v", err)
		}
	})

	t.Run("duplicate pending", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)
		if _, err := svc.SendFriendRequest(ctx, "alice", "bob", now); err != nil {
			t.Fatalf("first request: %v", err)
		}
		if _, err := svc.SendFriendRequest(ctx, "alice", "bob", now); !errors.Is(err, ErrConflict) {
			t.Fatalf("want ErrConflict, got %v", err)
		}
	})

	t.Run("reverse pending", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)
		if _, err := svc.SendFriendRequest(ctx, "bob", "alice", now); err != nil {
			t.Fatalf("reverse request: %v", err)
		}
		if _, err := svc.SendFriendRequest(ctx, "alice", "bob", now); !errors.Is(err, ErrConflict) {
			t.Fatalf("want ErrConflict, got %v", err)
		}
	})
}

func TestAcceptFriendRequestFlow(t *testing.T) {
	t.Parallel()

	svc, store, push := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	req, err := svc.SendFriendRequest(ctx, "alice", "bob", now)
	if err != nil {
		t.Fatalf("SendFriendRequest: %v", err)
	}

	if _, err := svc.AcceptFriendRequest(ctx, req.ID, "bob", now.Add(time.Second)); err != nil {
		t.Fatalf("AcceptFriendRequest: %v", err)
	}

	// Friendship is symmetric.
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		ok, err := store.AreFriends(ctx, pair[0], pair[1])
		if err != nil || !ok {
			t.Fatalf("AreFriends(%s,%s)=%v err=%v", pair[0], pair[1], ok, err)
		}
	}

	// Request is gone: accepting again is not found.
	if _, err := svc.AcceptFriendRequest(ctx, req.ID, "bob", now.Add(2*time.Second)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second accept: want ErrNotFound, got %v", err)
	}

	// The original sender gets the status push and a durable notification.
	alicePushes := push.pushed("alice")
	if len(alicePushes) != 1 || alicePushes[0].Type != v1.TypeFriendRequestStatus {
		t.Fatalf("sender push: %+v", alicePushes)
	}
	var p v1.FriendRequestStatusPayload
	if err := json.Unmarshal(alicePushes[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Status != KindFriendAccept || p.From.ID != "bob" {
		t.Fatalf("payload mismatch: %+v", p)
	}

	unread, err := store.UnreadCount(ctx, "alice")
	if err != nil || unread != 1 {
		t.Fatalf("accept notification: unread=%d err=%v", unread, err)
	}
}

func TestFriendRequestActionsRejectNonReceiver(t *testing.T) {
	t.Parallel()

	svc, store, push := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	req, err := svc.SendFriendRequest(ctx, "alice", "bob", now)
	if err != nil {
		t.Fatalf("SendFriendRequest: %v", err)
	}
	pushesBefore := len(push.pushed("alice"))

	// Only the receiver may act on a request; the sender and third parties
	// are rejected before any side effect.
	for _, actor := range []string{"alice", "mallory"} {
		if _, err := svc.AcceptFriendRequest(ctx, req.ID, actor, now.Add(time.Second)); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("accept by %s: want ErrInvalidArgument, got %v", actor, err)
		}
		if err := svc.DeclineFriendRequest(ctx, req.ID, actor, now.Add(time.Second)); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("decline by %s: want ErrInvalidArgument, got %v", actor, err)
		}
	}

	// The request is still pending and nothing leaked to the sender.
	if _, err := store.FindPending(ctx, "alice", "bob"); err != nil {
		t.Fatalf("request should survive rejected actions: %v", err)
	}
	if ok, _ := store.AreFriends(ctx, "alice", "bob"); ok {
		t.Fatalf("rejected accept created a friendship")
	}
	if got := len(push.pushed("alice")); got != pushesBefore {
		t.Fatalf("rejected action pushed to sender")
	}
}

func TestDeclineFriendRequestIsSilentByDefault(t *testing.T) {
	t.Parallel()

	svc, store, push := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	req, err := svc.SendFriendRequest(ctx, "alice", "bob", now)
	if err != nil {
		t.Fatalf("SendFriendRequest: %v", err)
	}

	if err := svc.DeclineFriendRequest(ctx, req.ID, "bob", now.Add(time.Second)); err != nil {
		t.Fatalf("DeclineFriendRequest: %v", err)
	}

	if _, err := store.FindPending(ctx, "alice", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("request should be deleted, got %v", err)
	}
	if ok, _ := store.AreFriends(ctx, "alice", "bob"); ok {
		t.Fatalf("decline must not create a friendship")
	}
	if got := push.pushed("alice"); len(got) != 0 {
		t.Fatalf("decline pushed to sender by default: %+v", got)
	}

	// Nothing durable for the sender either.
	unread, err := store.UnreadCount(ctx, "alice")
	if err != nil || unread != 0 {
		t.Fatalf("decline persisted a notification: unread=%d err=%v", unread, err)
	}
}

func TestDeclineFriendRequestNotifiesWhenEnabled(t *testing.T) {
	t.Parallel()

	svc, _, push := newTestService(t, WithDeclineNotify(true))
	ctx := context.Background()
	now := time.Now().UTC()

	req, err := svc.SendFriendRequest(ctx, "alice", "bob", now)
	if err != nil {
		t.Fatalf("SendFriendRequest: %v", err)
	}
	if err := svc.DeclineFriendRequest(ctx, req.ID, "bob", now.Add(time.Second)); err != nil {
		t.Fatalf("DeclineFriendRequest: %v", err)
	}

	alicePushes := push.pushed("alice")
	if len(alicePushes) != 1 || alicePushes[0].Type != v1.TypeFriendRequestStatus {
		t.Fatalf("sender push: %+v", alicePushes)
	}
	var p v1.FriendRequestStatusPayload
	if err := json.Unmarshal(alicePushes[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Status != KindFriendDecline {
		t.Fatalf("status: got %q", p.Status)
	}
}

func TestCancelFriendRequestDeletesWithoutPush(t *testing.T) {
	t.Parallel()

	svc, store, push := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := svc.SendFriendRequest(ctx, "alice", "bob", now); err != nil {
		t.Fatalf("SendFriendRequest: %v", err)
	}
	bobBefore := len(push.pushed("bob"))

	if err := svc.CancelFriendRequest(ctx, "alice", "bob"); err != nil {
		t.Fatalf("CancelFriendRequest: %v", err)
	}
	if _, err := store.FindPending(ctx, "alice", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("request not deleted: %v", err)
	}
	if len(push.pushed("bob")) != bobBefore {
		t.Fatalf("cancel pushed to receiver")
	}
}

func TestNotifyPersistsThenPushes(t *testing.T) {
	t.Parallel()

	svc, store, push := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	notif, err := svc.Notify(ctx, NotifyInput{
		Receiver: "bob", Actor: "alice", Kind: "post_like", Message: "alice liked your post", Now: now,
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if notif.ID == "" || notif.Read {
		t.Fatalf("notification shape: %+v", notif)
	}

	list, err := store.ListForUser(ctx, "bob", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v err=%v", list, err)
	}

	bobPushes := push.pushed("bob")
	if len(bobPushes) != 1 || bobPushes[0].Type != v1.TypeNewNotification {
		t.Fatalf("push: %+v", bobPushes)
	}
	var p v1.NewNotificationPayload
	if err := json.Unmarshal(bobPushes[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.NotificationID != notif.ID || p.Kind != "post_like" {
		t.Fatalf("payload mismatch: %+v", p)
	}
}

func TestNotifyValidation(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   NotifyInput
	}{
		{name: "missing receiver", in: NotifyInput{Actor: "a", Kind: "k", Message: "m"}},
		{name: "missing kind", in: NotifyInput{Receiver: "b", Actor: "a", Message: "m"}},
		{name: "missing message", in: NotifyInput{Receiver: "b", Actor: "a", Kind: "k"}},
	}
	for _, tc := range cases {
		if _, err := svc.Notify(ctx, tc.in); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: want ErrInvalidArgument, got %v", tc.name, err)
		}
	}
}

func TestMarkNotificationRead(t *testing.T) {
	t.Parallel()

	svc, store, push := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	notif, err := svc.Notify(ctx, NotifyInput{Receiver: "bob", Actor: "alice", Kind: "k", Message: "m", Now: now})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if err := svc.MarkNotificationRead(ctx, notif.ID, "bob", now.Add(time.Second)); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}

	unread, err := svc.UnreadNotifications(ctx, "bob")
	if err != nil || unread != 0 {
		t.Fatalf("unread after mark: %d err=%v", unread, err)
	}

	// The read-marker echoes to the user's own sessions for badge sync.
	var sawRead bool
	for _, env := range push.pushed("bob") {
		if env.Type == v1.TypeNotificationRead {
			sawRead = true
		}
	}
	if !sawRead {
		t.Fatalf("notification_read not echoed")
	}

	// Marking someone else's notification is not found.
	if err := svc.MarkNotificationRead(ctx, notif.ID, "mallory", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign mark: want ErrNotFound, got %v", err)
	}
	_ = store
}

func TestSetUserStatusWriteThrough(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := svc.SetUserStatus(ctx, "alice", StatusOnline, now); err != nil {
		t.Fatalf("SetUserStatus: %v", err)
	}
	status, lastSeen, ok := store.Status("alice")
	if !ok || status != StatusOnline || !lastSeen.Equal(now) {
		t.Fatalf("status: %q %v %v", status, lastSeen, ok)
	}

	later := now.Add(time.Minute)
	if err := svc.SetUserStatus(ctx, "alice", StatusOffline, later); err != nil {
		t.Fatalf("SetUserStatus offline: %v", err)
	}
	status, lastSeen, _ = store.Status("alice")
	if status != StatusOffline || !lastSeen.Equal(later) {
		t.Fatalf("offline status: %q %v", status, lastSeen)
	}
}

func TestRemoveFriendDeletesBothDirections(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.AddFriendship(ctx, "alice", "bob", now); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := svc.RemoveFriend(ctx, "alice", "bob"); err != nil {
		t.Fatalf("RemoveFriend: %v", err)
	}
	if ok, _ := store.AreFriends(ctx, "bob", "alice"); ok {
		t.Fatalf("reverse edge survived removal")
	}
}
