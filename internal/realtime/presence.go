package realtime

import (
	"log/slog"
	"sync"

	v1 "pulse/contracts/realtime/v1"
)

// Registry is the process-wide presence table: user identity -> live sessions.
//
// Concurrency guarantees:
// - Register/Unregister are safe under concurrent PushToUser/Broadcast.
// - A session handle belongs to at most one user at a time.
// - Push methods never block (drop under backpressure).
//
// State is intentionally not persisted; presence is transient and clients
// re-register on reconnect.
type Registry struct {
	log *slog.Logger

	mu     sync.RWMutex
	byUser map[string]map[string]*Client
	owner  map[string]string // session id -> user id
}

// NewRegistry constructs an empty presence registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:    log,
		byUser: make(map[string]map[string]*Client),
		owner:  make(map[string]string),
	}
}

// RegisterResult reports the presence transitions caused by one Register call.
// NowOnline is true when the user gained their first session. When the session
// handle was previously bound to a different user, PrevUser names it and
// PrevOffline is true if that user lost their last session; callers must treat
// that exactly like an Unregister-driven offline (broadcast + durable write),
// otherwise the transition is unobservable.
type RegisterResult struct {
	NowOnline   bool
	PrevUser    string
	PrevOffline bool
}

// Register adds a session to the user's session set. Idempotent: registering
// the same session twice is a no-op.
func (r *Registry) Register(userID string, c *Client) RegisterResult {
	if r == nil || c == nil || userID == "" || c.SessionID == "" {
		return RegisterResult{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var res RegisterResult
	tracked := false
	if prev, ok := r.owner[c.SessionID]; ok {
		if prev == userID {
			return RegisterResult{}
		}
		// A session handle appears under at most one identity at a time.
		r.detachLocked(prev, c.SessionID)
		res.PrevUser = prev
		res.PrevOffline = len(r.byUser[prev]) == 0
		tracked = true
	}

	set := r.byUser[userID]
	res.NowOnline = len(set) == 0
	if set == nil {
		set = make(map[string]*Client)
		r.byUser[userID] = set
	}
	set[c.SessionID] = c
	r.owner[c.SessionID] = userID

	// The gauge counts sessions, not bindings: a re-bound session is already
	// counted.
	if !tracked {
		metricSessions.Inc()
	}
	r.log.Info("presence.register", "user_id", userID, "session_id", c.SessionID, "sessions", len(set))
	return res
}

// Unregister removes the session from whichever user owns it.
// It returns the owning user id and true when the user's session set became
// empty, i.e. the user transitioned to offline. The offline signal fires
// exactly once per transition.
func (r *Registry) Unregister(sessionID string) (string, bool) {
	if r == nil || sessionID == "" {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.owner[sessionID]
	if !ok {
		return "", false
	}
	r.detachLocked(userID, sessionID)

	metricSessions.Dec()
	remaining := len(r.byUser[userID])
	r.log.Info("presence.unregister", "user_id", userID, "session_id", sessionID, "sessions", remaining)

	return userID, remaining == 0
}

func (r *Registry) detachLocked(userID, sessionID string) {
	delete(r.owner, sessionID)
	set := r.byUser[userID]
	if set == nil {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.byUser, userID)
	}
}

// SessionsFor returns the user's live sessions. An empty result is not an
// error: it means "not currently reachable, rely on durable storage".
func (r *Registry) SessionsFor(userID string) []*Client {
	if r == nil || userID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// OnlineUsers returns a snapshot of user identities with at least one session.
func (r *Registry) OnlineUsers() []string {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	return out
}

// PushToUser offers an envelope to every live session of the target user.
// Non-blocking and best-effort: full queues and closing sessions are skipped.
// It returns the number of sessions that accepted the envelope.
func (r *Registry) PushToUser(userID string, env v1.Envelope) int {
	delivered := 0
	for _, c := range r.SessionsFor(userID) {
		if c.TryEnqueue(env) {
			delivered++
		} else {
			metricPushesDropped.Inc()
			r.log.Debug("push.drop", "user_id", userID, "session_id", c.SessionID, "type", env.Type)
		}
	}
	return delivered
}

// Broadcast offers an envelope to every live session except the one named by
// exceptSession. Used for presence transitions; best-effort by design.
func (r *Registry) Broadcast(env v1.Envelope, exceptSession string) {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.owner))
	for sid, uid := range r.owner {
		if sid == exceptSession {
			continue
		}
		if c := r.byUser[uid][sid]; c != nil {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if !c.TryEnqueue(env) {
			metricPushesDropped.Inc()
		}
	}
}
