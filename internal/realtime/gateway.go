// Package realtime contains Pulse's websocket gateway, presence registry, and
// session primitives.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "pulse/contracts/realtime/v1"
	"pulse/internal/chat"
	"pulse/internal/social"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "pulse.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Upper bound on fire-and-forget durable status writes.
	statusWriteTimeout = 3 * time.Second

	// Security defaults: origin required, localhost only (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the websocket entrypoint and connection lifecycle manager.
//
// Per-session state machine: connecting -> joined -> closed. A session must
// send a join event binding it to a user identity before anything else;
// unsolicited pre-join events are dropped silently. On disconnect the session
// is unregistered, and if that was the user's last session the gateway writes
// durable offline status and broadcasts user_offline.
type Gateway struct {
	log      *slog.Logger
	presence *Registry
	chat     *chat.Service
	social   *social.Service

	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks: Accept authorizes same-host
	// origins by default, cross-origin requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults, overridable via
// PULSE_WS_* environment variables.
func NewGateway(log *slog.Logger, presence *Registry, chatSvc *chat.Service, socialSvc *social.Service) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &Gateway{log: log, presence: presence, chat: chatSvc, social: socialSvc}

	g.originRequired = envBoolWS("PULSE_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PULSE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = originPatternsFrom(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PULSE_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PULSE_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("PULSE_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PULSE_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PULSE_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PULSE_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PULSE_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the
// realtime loop until disconnect.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{wsSubprotocolV1},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The bound identity is read by the writer and heartbeat goroutines via
	// shutdown, so access goes through the mutex.
	var (
		closeOnce sync.Once
		userMu    sync.Mutex
		boundUser string // empty until join
	)
	bindUser := func(u string) {
		userMu.Lock()
		boundUser = u
		userMu.Unlock()
	}
	currentUser := func() string {
		userMu.Lock()
		defer userMu.Unlock()
		return boundUser
	}

	// shutdown is idempotent. It does NOT close client.Send; membership
	// removal happens before client.Close so pushers never hit a dead queue.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if currentUser() != "" {
				owner, offline := g.presence.Unregister(sessionID)
				if offline && owner != "" {
					g.userOffline(owner, sessionID)
				}
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		metricEvents.WithLabelValues(env.Type).Inc()

		if env.Type == v1.TypeJoin {
			joinedAs, err := g.onJoin(client, env, now)
			if err != nil {
				g.trySendError(client, "join_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "join failed")
				break readLoop
			}
			bindUser(joinedAs)
			continue readLoop
		}

		userID := currentUser()
		if userID == "" {
			// Unsolicited events before join carry no identity; drop silently.
			g.log.Debug("ws.drop.prejoin", "session_id", sessionID, "type", env.Type)
			continue readLoop
		}

		g.dispatch(ctx, client, userID, env, now)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onJoin(client *Client, env v1.Envelope, now time.Time) (string, error) {
	var p v1.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}

	uid := strings.TrimSpace(p.UserID)
	if !chat.ValidIdentity(uid) {
		return "", errors.New("malformed user identity")
	}

	res := g.presence.Register(uid, client)

	// Re-join under a new identity can take the previous user's last session
	// with it; that is an offline transition like any other.
	if res.PrevOffline && res.PrevUser != "" {
		g.userOffline(res.PrevUser, client.SessionID)
	}

	ackPayload, _ := json.Marshal(v1.JoinAckPayload{SessionID: client.SessionID, UserID: uid})
	if !client.TryEnqueue(g.newEnvelope(v1.TypeJoinAck, ackPayload, now)) {
		g.presence.Unregister(client.SessionID)
		return "", errors.New("backpressure: join ack")
	}

	// Durable status is a write-through that must never block the session.
	g.writeStatus(uid, social.StatusOnline, now)

	if res.NowOnline {
		payload, _ := json.Marshal(v1.PresencePayload{UserID: uid, Status: social.StatusOnline, LastSeen: now})
		g.presence.Broadcast(g.newEnvelope(v1.TypeUserOnline, payload, now), client.SessionID)
	}

	g.log.Info("ws.join", "session_id", client.SessionID, "user_id", uid)
	return uid, nil
}

func (g *Gateway) dispatch(ctx context.Context, client *Client, userID string, env v1.Envelope, now time.Time) {
	switch env.Type {
	case v1.TypeSendMessage:
		g.onSendMessage(ctx, client, userID, env, now)

	case v1.TypeMarkMessagesRead:
		g.onMarkMessagesRead(ctx, client, userID, env, now)

	case v1.TypeSendFriendRequest:
		g.onSendFriendRequest(ctx, client, userID, env, now)

	case v1.TypeFriendRequestAccepted:
		var p v1.FriendRequestActionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.trySendError(client, "invalid_argument", "invalid payload")
			return
		}
		if p.UserID != "" && p.UserID != userID {
			g.trySendError(client, "invalid_argument", "actor does not match session identity")
			return
		}
		if _, err := g.social.AcceptFriendRequest(ctx, p.RequestID, userID, now); err != nil {
			g.trySendError(client, errCode(err), err.Error())
		}

	case v1.TypeFriendRequestDeclined:
		var p v1.FriendRequestActionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.trySendError(client, "invalid_argument", "invalid payload")
			return
		}
		if p.UserID != "" && p.UserID != userID {
			g.trySendError(client, "invalid_argument", "actor does not match session identity")
			return
		}
		if err := g.social.DeclineFriendRequest(ctx, p.RequestID, userID, now); err != nil {
			g.trySendError(client, errCode(err), err.Error())
		}

	case v1.TypeSendNotification:
		var p v1.SendNotificationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.trySendError(client, "invalid_argument", "invalid payload")
			return
		}
		if _, err := g.social.Notify(ctx, social.NotifyInput{
			Receiver: p.Receiver,
			Actor:    userID,
			Kind:     p.Kind,
			Message:  p.Message,
			Now:      now,
		}); err != nil {
			g.trySendError(client, errCode(err), err.Error())
		}

	case v1.TypeMarkNotificationRead:
		var p v1.MarkNotificationReadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.trySendError(client, "invalid_argument", "invalid payload")
			return
		}
		if err := g.social.MarkNotificationRead(ctx, p.NotificationID, userID, now); err != nil {
			g.trySendError(client, errCode(err), err.Error())
		}

	case v1.TypeTypingStart, v1.TypeTypingStop:
		g.onTyping(client, userID, env, now)

	default:
		g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

func (g *Gateway) onSendMessage(ctx context.Context, client *Client, userID string, env v1.Envelope, now time.Time) {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "invalid_argument", "invalid payload")
		return
	}
	if p.Sender != "" && p.Sender != userID {
		g.trySendError(client, "invalid_argument", "sender does not match session identity")
		return
	}

	msg, err := g.chat.Send(ctx, chat.SendInput{
		Sender:   userID,
		Receiver: p.Receiver,
		Text:     p.Message,
		Now:      now,
	})
	if err != nil {
		g.trySendError(client, errCode(err), err.Error())
		return
	}

	// The ack is the sender's only echo; the recipient push never targets the
	// sending user (avoids the dual-broadcast duplication bug).
	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		TempID:         p.TempID,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		CreatedAt:      msg.CreatedAt,
	})
	if !client.TryEnqueue(g.newEnvelope(v1.TypeMessageAck, ackPayload, now)) {
		g.log.Debug("push.drop", "session_id", client.SessionID, "type", v1.TypeMessageAck)
	}
}

func (g *Gateway) onMarkMessagesRead(ctx context.Context, client *Client, userID string, env v1.Envelope, now time.Time) {
	var p v1.MarkMessagesReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "invalid_argument", "invalid payload")
		return
	}
	if p.UserID != "" && p.UserID != userID {
		g.trySendError(client, "invalid_argument", "reader does not match session identity")
		return
	}

	if err := g.chat.MarkRead(ctx, p.ConversationID, userID, now); err != nil {
		g.trySendError(client, errCode(err), err.Error())
	}
}

func (g *Gateway) onSendFriendRequest(ctx context.Context, client *Client, userID string, env v1.Envelope, now time.Time) {
	var p v1.SendFriendRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "invalid_argument", "invalid payload")
		return
	}
	if p.Sender != "" && p.Sender != userID {
		g.trySendError(client, "invalid_argument", "sender does not match session identity")
		return
	}

	if _, err := g.social.SendFriendRequest(ctx, userID, p.Receiver, now); err != nil {
		g.trySendError(client, errCode(err), err.Error())
	}
}

func (g *Gateway) onTyping(client *Client, userID string, env v1.Envelope, now time.Time) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return // transient hint, not worth an error round-trip
	}
	if p.Receiver == "" {
		return
	}

	payload, _ := json.Marshal(v1.UserTypingPayload{
		UserID:         userID,
		Typing:         env.Type == v1.TypeTypingStart,
		ConversationID: p.ConversationID,
	})
	g.presence.PushToUser(p.Receiver, g.newEnvelope(v1.TypeUserTyping, payload, now))
}

// userOffline handles the last-session-gone transition: durable status write
// plus a best-effort broadcast to everyone else.
func (g *Gateway) userOffline(userID, exceptSession string) {
	now := time.Now().UTC()
	g.writeStatus(userID, social.StatusOffline, now)

	payload, _ := json.Marshal(v1.PresencePayload{UserID: userID, Status: social.StatusOffline, LastSeen: now})
	g.presence.Broadcast(g.newEnvelope(v1.TypeUserOffline, payload, now), exceptSession)

	g.log.Info("ws.user_offline", "user_id", userID)
}

func (g *Gateway) writeStatus(userID, status string, lastSeen time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
		defer cancel()

		if err := g.social.SetUserStatus(ctx, userID, status, lastSeen); err != nil {
			g.log.Warn("status.write.fail", "user_id", userID, "status", status, "err", err)
		}
	}()
}

// ---- send helpers ----

func (g *Gateway) trySendError(client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = client.TryEnqueue(g.newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

func (g *Gateway) newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, err := NewEnvelopeID(ts)
	if err != nil {
		g.log.Warn("envelope.id.fail", "err", err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func errCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrInvalidArgument), errors.Is(err, social.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, social.ErrConflict):
		return "conflict"
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, social.ErrNotFound):
		return "not_found"
	default:
		return "storage_failure"
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var jsonErr *json.SyntaxError
	if errors.As(err, &jsonErr) {
		return readErrBadJSON
	}
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func originPatternsFrom(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
