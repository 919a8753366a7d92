package realtime

import (
	"encoding/json"
	"log/slog"
	"sort"
	"testing"
	"time"

	v1 "pulse/contracts/realtime/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testEnvelope(t *testing.T, typ string) v1.Envelope {
	t.Helper()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		TS:      time.Now().UTC(),
		Payload: json.RawMessage(`{}`),
	}
}

func TestRegistryOnlineOfflineTransitions(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	c1 := NewClient("s1", 8)
	c2 := NewClient("s2", 8)

	if got := r.Register("alice", c1); !got.NowOnline {
		t.Fatalf("first session: want NowOnline=true")
	}
	if got := r.Register("alice", c2); got.NowOnline {
		t.Fatalf("second session: want NowOnline=false")
	}

	// Re-registering the same session is a no-op, not a transition.
	if got := r.Register("alice", c1); got.NowOnline {
		t.Fatalf("re-register: want NowOnline=false")
	}

	user, offline := r.Unregister("s1")
	if user != "alice" || offline {
		t.Fatalf("unregister s1: got (%q, %v), want (alice, false)", user, offline)
	}

	user, offline = r.Unregister("s2")
	if user != "alice" || !offline {
		t.Fatalf("unregister s2: got (%q, %v), want (alice, true)", user, offline)
	}

	// The offline signal fires exactly once.
	user, offline = r.Unregister("s2")
	if user != "" || offline {
		t.Fatalf("double unregister: got (%q, %v), want (\"\", false)", user, offline)
	}
}

func TestRegistrySessionMovesBetweenUsers(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	c := NewClient("s1", 8)

	r.Register("alice", c)
	if got := r.Register("bob", c); !got.NowOnline {
		t.Fatalf("session moved to bob: want NowOnline=true")
	}

	if sessions := r.SessionsFor("alice"); sessions != nil {
		t.Fatalf("alice should have no sessions, got %d", len(sessions))
	}
	if sessions := r.SessionsFor("bob"); len(sessions) != 1 {
		t.Fatalf("bob sessions: got %d, want 1", len(sessions))
	}
}

func TestRegistryRebindReportsPreviousOwnerOffline(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	c := NewClient("s1", 8)

	r.Register("alice", c)
	got := r.Register("bob", c)
	if got.PrevUser != "alice" || !got.PrevOffline {
		t.Fatalf("re-bind: got PrevUser=%q PrevOffline=%v, want alice/true", got.PrevUser, got.PrevOffline)
	}

	// With a second session alive, alice stays online through the re-bind.
	r2 := NewRegistry(testLogger())
	d1 := NewClient("d1", 8)
	d2 := NewClient("d2", 8)
	r2.Register("alice", d1)
	r2.Register("alice", d2)
	got = r2.Register("bob", d1)
	if got.PrevUser != "alice" || got.PrevOffline {
		t.Fatalf("re-bind with spare session: got PrevUser=%q PrevOffline=%v, want alice/false", got.PrevUser, got.PrevOffline)
	}

	// Unregister attributes the moved session to its new owner.
	user, offline := r.Unregister("s1")
	if user != "bob" || !offline {
		t.Fatalf("unregister after re-bind: got (%q, %v), want (bob, true)", user, offline)
	}
}

func TestRegistryPushToUserFansOutToAllSessions(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	c1 := NewClient("s1", 8)
	c2 := NewClient("s2", 8)
	r.Register("alice", c1)
	r.Register("alice", c2)

	env := testEnvelope(t, v1.TypeNewNotification)
	if got := r.PushToUser("alice", env); got != 2 {
		t.Fatalf("delivered: got %d, want 2", got)
	}

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.Send:
			if got.Type != v1.TypeNewNotification {
				t.Fatalf("type: got %q", got.Type)
			}
		default:
			t.Fatalf("session %s: no envelope enqueued", c.SessionID)
		}
	}
}

func TestRegistryPushToOfflineUserIsNotAnError(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	if got := r.PushToUser("ghost", testEnvelope(t, v1.TypeNewNotification)); got != 0 {
		t.Fatalf("delivered: got %d, want 0", got)
	}
}

func TestRegistryPushDropsOnFullQueue(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	c := NewClient("s1", 1)
	r.Register("alice", c)

	env := testEnvelope(t, v1.TypeReceiveMessage)
	if got := r.PushToUser("alice", env); got != 1 {
		t.Fatalf("first push: got %d, want 1", got)
	}
	// Queue full now; the push must drop, not block.
	if got := r.PushToUser("alice", env); got != 0 {
		t.Fatalf("second push: got %d, want 0", got)
	}
}

func TestRegistryBroadcastSkipsExceptedSession(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	c1 := NewClient("s1", 8)
	c2 := NewClient("s2", 8)
	r.Register("alice", c1)
	r.Register("bob", c2)

	r.Broadcast(testEnvelope(t, v1.TypeUserOnline), "s1")

	select {
	case <-c1.Send:
		t.Fatalf("excepted session received broadcast")
	default:
	}
	select {
	case <-c2.Send:
	default:
		t.Fatalf("other session did not receive broadcast")
	}
}

func TestRegistryOnlineUsersSnapshot(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	r.Register("alice", NewClient("s1", 8))
	r.Register("bob", NewClient("s2", 8))
	r.Register("bob", NewClient("s3", 8))

	got := r.OnlineUsers()
	sort.Strings(got)
	want := []string{"alice", "bob"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("online users: got %v, want %v", got, want)
	}
}

func TestClientCloseIsIdempotentAndStopsEnqueue(t *testing.T) {
	t.Parallel()

	c := NewClient("s1", 8)
	if !c.TryEnqueue(v1.Envelope{V: v1.Version, Type: v1.TypeError}) {
		t.Fatalf("enqueue before close should succeed")
	}

	c.Close()
	c.Close()

	if c.TryEnqueue(v1.Envelope{V: v1.Version, Type: v1.TypeError}) {
		t.Fatalf("enqueue after close should fail")
	}

	select {
	case <-c.Done():
	default:
		t.Fatalf("done channel not closed")
	}
}
