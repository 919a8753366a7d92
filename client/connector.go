// Package client implements the reconciliation layer a realtime consumer runs
// on top of the websocket protocol: connection lifecycle with reconnect, and a
// conversation view that merges pushes, acks, and fetched history.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	v1 "pulse/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// State is the connector's lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	defaultMaxAttempts      = 5
	defaultBaseBackoff      = 500 * time.Millisecond
	defaultMaxBackoff       = 8 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second

	subprotocolV1 = "pulse.realtime.v1"
)

// ErrRetriesExhausted is returned by Run when the connector gives up after the
// configured number of consecutive failed connection attempts.
var ErrRetriesExhausted = errors.New("client: reconnect attempts exhausted")

// Transport is one live wire connection. The default implementation wraps a
// coder/websocket conn; tests substitute an in-memory fake.
type Transport interface {
	ReadEnvelope(ctx context.Context) (v1.Envelope, error)
	WriteEnvelope(ctx context.Context, env v1.Envelope) error
	Close() error
}

// DialFunc establishes a Transport to the server.
type DialFunc func(ctx context.Context) (Transport, error)

// Handler receives every post-join envelope from the server, in wire order.
type Handler func(env v1.Envelope)

// Connector owns the session lifecycle: dial, join handshake, read loop, and
// reconnect with capped exponential backoff. Every reconnect re-joins, because
// server-side presence is transient and forgets the session on disconnect.
type Connector struct {
	log    *slog.Logger
	userID string
	dial   DialFunc
	handle Handler

	maxAttempts      int
	baseBackoff      time.Duration
	maxBackoff       time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration

	mu        sync.Mutex
	state     State
	transport Transport
	sessionID string
}

// ConnectorOption configures the Connector.
type ConnectorOption func(*Connector)

// WithDialFunc replaces the websocket dialer, mainly for tests.
func WithDialFunc(d DialFunc) ConnectorOption {
	return func(c *Connector) { c.dial = d }
}

// WithMaxAttempts sets how many consecutive failed dials Run tolerates before
// returning ErrRetriesExhausted.
func WithMaxAttempts(n int) ConnectorOption {
	return func(c *Connector) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(base, max time.Duration) ConnectorOption {
	return func(c *Connector) {
		if base > 0 {
			c.baseBackoff = base
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithHandshakeTimeout bounds the dial-plus-join-ack handshake.
func WithHandshakeTimeout(d time.Duration) ConnectorOption {
	return func(c *Connector) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// NewConnector builds a connector for the given server URL and user identity.
func NewConnector(log *slog.Logger, serverURL, userID string, handle Handler, opts ...ConnectorOption) (*Connector, error) {
	if userID == "" {
		return nil, errors.New("client: empty user id")
	}
	if handle == nil {
		return nil, errors.New("client: nil handler")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	c := &Connector{
		log:    log,
		userID: userID,
		handle: handle,

		maxAttempts:      defaultMaxAttempts,
		baseBackoff:      defaultBaseBackoff,
		maxBackoff:       defaultMaxBackoff,
		handshakeTimeout: defaultHandshakeTimeout,
		writeTimeout:     defaultWriteTimeout,

		state: StateDisconnected,
	}
	c.dial = func(ctx context.Context) (Transport, error) {
		conn, _, err := websocket.Dial(ctx, serverURL, &websocket.DialOptions{
			Subprotocols: []string{subprotocolV1},
		})
		if err != nil {
			return nil, err
		}
		return &wsTransport{conn: conn}, nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-assigned session id, empty unless connected.
func (c *Connector) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Run drives the lifecycle until ctx is canceled or reconnect attempts are
// exhausted. It blocks; callers usually run it in its own goroutine.
func (c *Connector) Run(ctx context.Context) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected, nil, "")
			return err
		}

		c.setState(StateConnecting, nil, "")

		t, sessionID, err := c.connect(ctx)
		if err != nil {
			attempts++
			c.setState(StateDisconnected, nil, "")
			c.log.Info("client.connect.fail", "attempt", attempts, "max", c.maxAttempts, "err", err)

			if attempts >= c.maxAttempts {
				return fmt.Errorf("%w: last error: %v", ErrRetriesExhausted, err)
			}
			if !sleepCtx(ctx, Backoff(attempts, c.baseBackoff, c.maxBackoff)) {
				return ctx.Err()
			}
			continue
		}

		attempts = 0
		c.setState(StateConnected, t, sessionID)
		c.log.Info("client.connected", "session_id", sessionID, "user_id", c.userID)

		err = c.readLoop(ctx, t)
		_ = t.Close()
		c.setState(StateDisconnected, nil, "")

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Info("client.disconnected", "err", err)
		// Loop back around and reconnect; the dropped-events gap is closed by
		// the next history fetch, not by replay.
	}
}

// Send writes an envelope on the live connection.
func (c *Connector) Send(ctx context.Context, env v1.Envelope) error {
	c.mu.Lock()
	t := c.transport
	st := c.state
	c.mu.Unlock()

	if st != StateConnected || t == nil {
		return fmt.Errorf("client: not connected (state %s)", st)
	}

	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return t.WriteEnvelope(wctx, env)
}

// connect performs dial plus the join handshake under one timeout.
func (c *Connector) connect(ctx context.Context) (Transport, string, error) {
	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	t, err := c.dial(hctx)
	if err != nil {
		return nil, "", fmt.Errorf("dial: %w", err)
	}

	now := time.Now().UTC()
	joinPayload, _ := json.Marshal(v1.JoinPayload{UserID: c.userID})
	join := v1.Envelope{V: v1.Version, Type: v1.TypeJoin, TS: now, Payload: joinPayload}
	if err := t.WriteEnvelope(hctx, join); err != nil {
		_ = t.Close()
		return nil, "", fmt.Errorf("send join: %w", err)
	}

	// The server may interleave presence broadcasts before the ack; skip them.
	for {
		env, err := t.ReadEnvelope(hctx)
		if err != nil {
			_ = t.Close()
			return nil, "", fmt.Errorf("await join ack: %w", err)
		}

		switch env.Type {
		case v1.TypeJoinAck:
			var ack v1.JoinAckPayload
			if err := json.Unmarshal(env.Payload, &ack); err != nil {
				_ = t.Close()
				return nil, "", fmt.Errorf("bad join ack: %w", err)
			}
			return t, ack.SessionID, nil
		case v1.TypeError:
			_ = t.Close()
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return nil, "", fmt.Errorf("join rejected: %s: %s", p.Code, p.Message)
		default:
			c.handle(env)
		}
	}
}

func (c *Connector) readLoop(ctx context.Context, t Transport) error {
	for {
		env, err := t.ReadEnvelope(ctx)
		if err != nil {
			return err
		}
		c.handle(env)
	}
}

func (c *Connector) setState(s State, t Transport, sessionID string) {
	c.mu.Lock()
	c.state = s
	c.transport = t
	c.sessionID = sessionID
	c.mu.Unlock()
}

// Backoff returns the delay before reconnect attempt n (1-based): capped
// exponential doubling from base.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// wsTransport adapts a coder/websocket connection to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (w *wsTransport) ReadEnvelope(ctx context.Context) (v1.Envelope, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func (w *wsTransport) WriteEnvelope(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, b)
}

func (w *wsTransport) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "bye")
}
