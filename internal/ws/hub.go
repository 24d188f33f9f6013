package ws

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agent-visualizer/backend/internal/event"
	"github.com/agent-visualizer/backend/internal/metrics"
)

// Conn is a relay member. Send must not block.
type Conn interface {
	Send(data []byte) bool
	IsOpen() bool
	Close()
}

// Client represents a WebSocket client connection.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	mu        sync.Mutex
	closed    bool
}

// NewClient creates a new WebSocket client.
func NewClient(conn *websocket.Conn, sessionID string) *Client {
	return &Client{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, 256),
	}
}

// Send queues a frame for the client. It reports false when the client is
// closed or its queue is full; the frame is dropped for this client only.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close closes the client's send queue, which ends its write pump.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsOpen reports whether the client still accepts frames.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// SessionID returns the session ID associated with this client.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Observer is notified of every envelope the relay fans out, including
// input frames. Keepalive frames are not observed.
type Observer interface {
	Observe(sessionID string, env *event.Envelope)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(sessionID string, env *event.Envelope)

// Observe calls f.
func (f ObserverFunc) Observe(sessionID string, env *event.Envelope) {
	f(sessionID, env)
}

// channel is the member set of one session.
type channel struct {
	sessionID string
	members   map[Conn]struct{}
}

// Relay maps session ids to channels. Create one per server (or per test)
// with NewRelay; it is safe for concurrent use.
type Relay struct {
	mu       sync.RWMutex
	channels map[string]*channel
	memberOf map[Conn]*channel
	observer Observer
}

// Option configures a Relay.
type Option func(*Relay)

// WithObserver sets the relay observer.
func WithObserver(o Observer) Option {
	return func(r *Relay) {
		r.observer = o
	}
}

// NewRelay creates an empty relay.
func NewRelay(opts ...Option) *Relay {
	r := &Relay{
		channels: make(map[string]*channel),
		memberOf: make(map[Conn]*channel),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetObserver replaces the relay observer.
func (r *Relay) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Register adds conn to the channel for sessionID, creating the channel on
// first use. A conn belongs to at most one channel; registering it again
// moves it.
func (r *Relay) Register(sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.memberOf[conn]; ok {
		if prev.sessionID == sessionID {
			return
		}
		r.removeLocked(conn, prev)
	} else {
		metrics.RelayConnections.Inc()
	}

	ch, ok := r.channels[sessionID]
	if !ok {
		ch = &channel{sessionID: sessionID, members: make(map[Conn]struct{})}
		r.channels[sessionID] = ch
	}
	ch.members[conn] = struct{}{}
	r.memberOf[conn] = ch
	metrics.RelayChannels.Set(float64(len(r.channels)))
}

// Unregister removes conn from its channel. The channel is deleted as soon
// as its last member leaves.
func (r *Relay) Unregister(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.memberOf[conn]
	if !ok {
		return
	}
	r.removeLocked(conn, ch)
	metrics.RelayConnections.Dec()
	metrics.RelayChannels.Set(float64(len(r.channels)))
}

func (r *Relay) removeLocked(conn Conn, ch *channel) {
	delete(ch.members, conn)
	delete(r.memberOf, conn)
	if len(ch.members) == 0 {
		delete(r.channels, ch.sessionID)
	}
}

// OnMessage handles a frame received from conn. Malformed frames are logged
// and dropped. A ping is answered to the sender only. Anything else is
// forwarded unchanged to every other member of conn's channel.
func (r *Relay) OnMessage(conn Conn, raw []byte) {
	env, err := event.Parse(raw)
	if err != nil {
		log.Printf("[relay] dropping malformed frame: %v", err)
		metrics.RelayFrames.WithLabelValues(metrics.FrameMalformed).Inc()
		return
	}

	r.mu.RLock()
	ch, ok := r.memberOf[conn]
	var peers []Conn
	var sessionID string
	if ok {
		sessionID = ch.sessionID
		peers = make([]Conn, 0, len(ch.members))
		for member := range ch.members {
			if member != conn {
				peers = append(peers, member)
			}
		}
	}
	observer := r.observer
	r.mu.RUnlock()

	if !ok {
		log.Printf("[relay] dropping %s frame from unregistered connection", env.Type)
		metrics.RelayFrames.WithLabelValues(metrics.FrameDropped).Inc()
		return
	}

	if env.SessionID != "" && env.SessionID != sessionID {
		log.Printf("[relay] dropping %s frame for session %s on channel %s", env.Type, env.SessionID, sessionID)
		metrics.RelayFrames.WithLabelValues(metrics.FrameMismatched).Inc()
		return
	}

	if env.Type == event.TypePing {
		metrics.RelayFrames.WithLabelValues(metrics.FramePing).Inc()
		if pong, err := event.Marshal(&event.Envelope{Type: event.TypePong}); err == nil {
			conn.Send(pong)
		}
		return
	}

	deliver(peers, raw)
	metrics.RelayFrames.WithLabelValues(metrics.FrameRelayed).Inc()

	if observer != nil && env.Type != event.TypePong {
		observer.Observe(sessionID, env)
	}
}

// Publish sends raw to every member of the channel for sessionID and
// returns the number of members it was queued for.
func (r *Relay) Publish(sessionID string, raw []byte) int {
	r.mu.RLock()
	var members []Conn
	if ch, ok := r.channels[sessionID]; ok {
		members = make([]Conn, 0, len(ch.members))
		for member := range ch.members {
			members = append(members, member)
		}
	}
	r.mu.RUnlock()

	return deliver(members, raw)
}

// PublishEnvelope marshals env and publishes it to its session channel.
func (r *Relay) PublishEnvelope(env *event.Envelope) (int, error) {
	data, err := event.Marshal(env)
	if err != nil {
		return 0, err
	}
	return r.Publish(env.SessionID, data), nil
}

// deliver skips members that are not open without removing them; removal
// only follows a close notification.
func deliver(members []Conn, raw []byte) int {
	sent := 0
	for _, member := range members {
		if !member.IsOpen() || !member.Send(raw) {
			metrics.RelaySendSkips.Inc()
			continue
		}
		sent++
	}
	return sent
}

// Members returns the number of connections registered for sessionID.
func (r *Relay) Members(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ch, ok := r.channels[sessionID]; ok {
		return len(ch.members)
	}
	return 0
}

// HasChannel reports whether a channel exists for sessionID.
func (r *Relay) HasChannel(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[sessionID]
	return ok
}

// ChannelCount returns the number of live channels.
func (r *Relay) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Close closes every member and empties the registry.
func (r *Relay) Close() {
	r.mu.Lock()
	members := make([]Conn, 0, len(r.memberOf))
	for conn := range r.memberOf {
		members = append(members, conn)
	}
	r.channels = make(map[string]*channel)
	r.memberOf = make(map[Conn]*channel)
	r.mu.Unlock()

	metrics.RelayConnections.Sub(float64(len(members)))
	metrics.RelayChannels.Set(0)

	for _, conn := range members {
		conn.Close()
	}
}
