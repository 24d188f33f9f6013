// Package client implements the viewer side of the relay protocol: a
// per-session connection that dispatches envelopes to handlers and
// reconnects with linear backoff after unexpected drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-visualizer/backend/internal/event"
)

const (
	// DefaultBaseDelay is the delay unit of the linear reconnect backoff.
	DefaultBaseDelay = time.Second

	// DefaultMaxAttempts is the number of automatic reconnects before giving up.
	DefaultMaxAttempts = 5
)

var (
	// ErrNotConnected is returned by Send when the transport is not open.
	ErrNotConnected = errors.New("transport is not connected")

	// ErrClosed is returned by Connect when Close was called while connecting.
	ErrClosed = errors.New("transport closed")

	// ErrInvalidSessionID is returned by Connect for an id the relay would
	// reject. No connection is attempted.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// State is the connection state of a Transport.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is the subset of *websocket.Conn the transport uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens relay connections.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// Scheduler runs f once after d. It offers no cancellation; callbacks check
// the transport's cancellation token instead.
type Scheduler func(d time.Duration, f func())

// Handler receives envelopes dispatched by a Transport.
type Handler interface {
	HandleEvent(env *event.Envelope)
}

// HandlerFunc adapts a function to Handler. Function values cannot be
// compared, so each On call with a HandlerFunc adds a new registration;
// remove it with the function On returns.
type HandlerFunc func(env *event.Envelope)

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(env *event.Envelope) {
	f(env)
}

type gorillaDialer struct {
	dialer *websocket.Dialer
}

func (d gorillaDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type registration struct {
	id      uint64
	handler Handler
}

// Transport maintains a connection to the relay for exactly one session.
type Transport struct {
	endpoint    string
	sessionID   string
	baseDelay   time.Duration
	maxAttempts int
	dialer      Dialer
	schedule    Scheduler

	mu       sync.Mutex
	state    State
	conn     Conn
	attempts int
	// life is the cancellation token of the current Connect call. Close
	// cancels it before touching the socket, so a close notification or a
	// pending timer can never start a reconnect afterwards.
	life   context.Context
	cancel context.CancelFunc

	handlers []registration
	nextID   uint64

	writeMu sync.Mutex
}

// Option configures a Transport.
type Option func(*Transport)

// WithBaseDelay sets the backoff unit. Attempt n waits n times this delay.
func WithBaseDelay(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.baseDelay = d
		}
	}
}

// WithMaxAttempts sets the number of automatic reconnects.
func WithMaxAttempts(n int) Option {
	return func(t *Transport) {
		if n >= 0 {
			t.maxAttempts = n
		}
	}
}

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) {
		t.dialer = d
	}
}

// WithScheduler replaces time.AfterFunc for reconnect timers.
func WithScheduler(s Scheduler) Option {
	return func(t *Transport) {
		t.schedule = s
	}
}

// New creates a transport for sessionID on the relay at baseURL
// (for example "ws://localhost:8000"). It does not connect; an invalid
// sessionID is reported by Connect.
func New(baseURL, sessionID string, opts ...Option) *Transport {
	t := &Transport{
		endpoint:    strings.TrimRight(baseURL, "/") + "/ws/" + url.PathEscape(sessionID),
		sessionID:   sessionID,
		baseDelay:   DefaultBaseDelay,
		maxAttempts: DefaultMaxAttempts,
		dialer:      gorillaDialer{dialer: websocket.DefaultDialer},
		schedule: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SessionID returns the session this transport is bound to.
func (t *Transport) SessionID() string {
	return t.sessionID
}

// Endpoint returns the relay URL the transport dials.
func (t *Transport) Endpoint() string {
	return t.endpoint
}

// Connect opens the connection and blocks until it is open or has failed.
// A failure is returned and also starts automatic reconnection. Calling
// Connect after retries were exhausted starts a fresh retry budget.
func (t *Transport) Connect(ctx context.Context) error {
	if !event.ValidSessionID(t.sessionID) {
		log.Printf("[transport] not connecting: %v %q", ErrInvalidSessionID, t.sessionID)
		return fmt.Errorf("%w %q", ErrInvalidSessionID, t.sessionID)
	}

	t.mu.Lock()
	if t.state == StateOpen {
		t.mu.Unlock()
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	life, cancel := context.WithCancel(context.Background())
	t.life, t.cancel = life, cancel
	t.attempts = 0
	t.mu.Unlock()

	return t.dial(ctx, life)
}

func (t *Transport) dial(ctx, life context.Context) error {
	t.mu.Lock()
	if life.Err() != nil {
		t.mu.Unlock()
		return ErrClosed
	}
	t.state = StateConnecting
	t.mu.Unlock()

	dialCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(life, cancel)
	conn, err := t.dialer.DialContext(dialCtx, t.endpoint)
	stop()
	cancel()

	t.mu.Lock()
	if life.Err() != nil {
		// Closed while dialing: the new connection is an orphan.
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		t.state = StateClosed
		t.mu.Unlock()
		log.Printf("[transport] connect to %s failed: %v", t.endpoint, err)
		t.scheduleReconnect(life)
		return fmt.Errorf("connect %s: %w", t.endpoint, err)
	}
	t.conn = conn
	t.state = StateOpen
	t.attempts = 0
	t.mu.Unlock()

	log.Printf("[transport] connected to session %s", t.sessionID)
	go t.readLoop(conn, life)
	return nil
}

// scheduleReconnect waits baseDelay*attempt before the next dial, up to
// maxAttempts consecutive attempts.
func (t *Transport) scheduleReconnect(life context.Context) {
	t.mu.Lock()
	if life.Err() != nil || t.life != life {
		t.mu.Unlock()
		return
	}
	if t.attempts >= t.maxAttempts {
		t.mu.Unlock()
		log.Printf("[transport] giving up on session %s after %d reconnect attempts", t.sessionID, t.maxAttempts)
		return
	}
	t.attempts++
	attempt := t.attempts
	delay := t.baseDelay * time.Duration(attempt)
	t.mu.Unlock()

	log.Printf("[transport] reconnecting to session %s in %s (attempt %d/%d)", t.sessionID, delay, attempt, t.maxAttempts)
	t.schedule(delay, func() {
		if life.Err() != nil {
			return
		}
		t.dial(context.Background(), life)
	})
}

func (t *Transport) readLoop(conn Conn, life context.Context) {
	rejected := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, event.CloseMissingSessionID):
				// Retrying would be rejected the same way.
				rejected = true
				log.Printf("[transport] relay rejected session %s: %v", t.sessionID, err)
			case life.Err() == nil:
				log.Printf("[transport] connection to session %s lost: %v", t.sessionID, err)
			}
			break
		}

		env, err := event.Parse(data)
		if err != nil {
			log.Printf("[transport] dropping malformed frame: %v", err)
			continue
		}
		t.dispatch(env)
	}

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		t.state = StateClosed
	}
	t.mu.Unlock()
	conn.Close()

	if !rejected {
		t.scheduleReconnect(life)
	}
}

func (t *Transport) dispatch(env *event.Envelope) {
	t.mu.Lock()
	handlers := make([]Handler, len(t.handlers))
	for i, r := range t.handlers {
		handlers[i] = r.handler
	}
	t.mu.Unlock()

	for _, h := range handlers {
		invoke(h, env)
	}
}

func invoke(h Handler, env *event.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[transport] handler panic on %s event: %v", env.Type, r)
		}
	}()
	h.HandleEvent(env)
}

// On registers h for future dispatches and returns a function that removes
// it. Registering the same comparable handler twice has no effect.
func (t *Transport) On(h Handler) (off func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if isComparable(h) {
		for _, r := range t.handlers {
			if isComparable(r.handler) && r.handler == h {
				return t.offFunc(r.id)
			}
		}
	}
	t.nextID++
	t.handlers = append(t.handlers, registration{id: t.nextID, handler: h})
	return t.offFunc(t.nextID)
}

// Off removes a comparable handler registered with On and reports whether
// it was registered. Handlers that cannot be compared, such as HandlerFunc
// values, are never matched; remove those with the function On returned.
func (t *Transport) Off(h Handler) bool {
	if !isComparable(h) {
		log.Printf("[transport] Off(%T) ignored: handler is not comparable, use the func returned by On", h)
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, r := range t.handlers {
		if isComparable(r.handler) && r.handler == h {
			t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
			return true
		}
	}
	return false
}

func (t *Transport) offFunc(id uint64) func() {
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, r := range t.handlers {
			if r.id == id {
				t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
				return
			}
		}
	}
}

func isComparable(h Handler) bool {
	return h != nil && reflect.TypeOf(h).Comparable()
}

// Send marshals v and writes it if the transport is open. Otherwise the
// message is logged and dropped; there is no queue.
func (t *Transport) Send(v any) error {
	data, err := event.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()

	if !open || conn == nil {
		log.Printf("[transport] dropping message for session %s: %v", t.sessionID, ErrNotConnected)
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendInput sends a user turn to the agent side of the session.
func (t *Transport) SendInput(content string) error {
	return t.Send(event.NewInput(content))
}

// IsConnected reports whether the transport is open.
func (t *Transport) IsConnected() bool {
	return t.State() == StateOpen
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Status returns the connection indicator shown to users.
func (t *Transport) Status() string {
	switch t.State() {
	case StateOpen:
		return "Connected"
	case StateConnecting:
		return "Waiting"
	default:
		return "Disconnected"
	}
}

// Close cancels reconnection and closes the connection. It is safe to call
// more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	conn := t.conn
	t.conn = nil
	t.state = StateClosed
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return conn.Close()
}
