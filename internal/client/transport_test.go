package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agent-visualizer/backend/internal/event"
)

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	// readErr is returned once inbound is closed, like a close frame from the peer.
	readErr error

	mu      sync.Mutex
	written [][]byte
	types   []int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			if c.readErr != nil {
				return 0, nil, c.readErr
			}
			return 0, nil, errors.New("peer closed")
		}
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, messageType)
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) textFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for i, typ := range c.types {
		if typ == websocket.TextMessage {
			out = append(out, c.written[i])
		}
	}
	return out
}

type dialResult struct {
	conn *fakeConn
	err  error
}

// fakeDialer returns scripted results; once the script runs out every dial fails.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
	release chan struct{}
}

func (d *fakeDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	var r dialResult
	if len(d.results) > 0 {
		r, d.results = d.results[0], d.results[1:]
	} else {
		r = dialResult{err: errors.New("connection refused")}
	}
	release := d.release
	d.mu.Unlock()

	if release != nil {
		<-release
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// fakeScheduler records delays and runs callbacks only when fired.
type fakeScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (s *fakeScheduler) schedule(d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.pending = append(s.pending, f)
}

func (s *fakeScheduler) fireNext() bool {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return false
	}
	f := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()
	f()
	return true
}

func (s *fakeScheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *fakeScheduler) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestTransport(d *fakeDialer, s *fakeScheduler, opts ...Option) *Transport {
	opts = append([]Option{WithDialer(d), WithScheduler(s.schedule)}, opts...)
	return New("ws://relay.test", "s1", opts...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestTransportEndpoint(t *testing.T) {
	tr := New("ws://localhost:8000/", "a b")
	if tr.Endpoint() != "ws://localhost:8000/ws/a%20b" {
		t.Errorf("unexpected endpoint %s", tr.Endpoint())
	}
	if tr.State() != StateIdle || tr.Status() != "Disconnected" {
		t.Errorf("new transport should be idle, got %s/%s", tr.State(), tr.Status())
	}
}

func TestTransportLinearBackoff(t *testing.T) {
	dialer := &fakeDialer{}
	sched := &fakeScheduler{}
	tr := newTestTransport(dialer, sched, WithBaseDelay(1000*time.Millisecond), WithMaxAttempts(5))
	defer tr.Close()

	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}

	for sched.fireNext() {
	}

	want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 3000 * time.Millisecond, 4000 * time.Millisecond, 5000 * time.Millisecond}
	got := sched.recorded()
	if len(got) != len(want) {
		t.Fatalf("expected %d scheduled attempts, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("attempt %d: delay %s, want %s", i+1, got[i], want[i])
		}
	}
	// The initial dial plus five retries.
	if dialer.callCount() != 6 {
		t.Errorf("expected 6 dials, got %d", dialer.callCount())
	}
	if tr.IsConnected() || tr.State() != StateClosed {
		t.Errorf("expected closed transport, got %s", tr.State())
	}
}

func TestTransportExplicitConnectAfterExhaustion(t *testing.T) {
	dialer := &fakeDialer{}
	sched := &fakeScheduler{}
	tr := newTestTransport(dialer, sched, WithMaxAttempts(2))
	defer tr.Close()

	tr.Connect(context.Background())
	for sched.fireNext() {
	}
	if len(sched.recorded()) != 2 {
		t.Fatalf("expected 2 retries, got %d", len(sched.recorded()))
	}

	conn := newFakeConn()
	dialer.mu.Lock()
	dialer.results = []dialResult{{conn: conn}}
	dialer.mu.Unlock()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("explicit connect: %v", err)
	}
	if !tr.IsConnected() || tr.Status() != "Connected" {
		t.Error("expected open transport after explicit connect")
	}
}

func TestTransportAttemptsResetOnOpen(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{
		{err: errors.New("refused")},
		{conn: first},
		{conn: second},
	}}
	sched := &fakeScheduler{}
	tr := newTestTransport(dialer, sched)
	defer tr.Close()

	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("expected first connect to fail")
	}
	sched.fireNext()
	if !tr.IsConnected() {
		t.Fatal("expected retry to connect")
	}

	// An unexpected drop restarts the backoff at one base delay.
	first.Close()
	waitFor(t, func() bool { return sched.pendingCount() == 1 })
	delays := sched.recorded()
	if delays[len(delays)-1] != DefaultBaseDelay {
		t.Errorf("expected backoff to restart at %s, got %s", DefaultBaseDelay, delays[len(delays)-1])
	}
	sched.fireNext()
	if !tr.IsConnected() {
		t.Error("expected reconnect after drop")
	}
}

func TestTransportCloseSuppressesReconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}
	sched := &fakeScheduler{}
	tr := newTestTransport(dialer, sched)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !conn.isClosed() {
		t.Error("underlying connection was not closed")
	}
	time.Sleep(20 * time.Millisecond)
	if sched.pendingCount() != 0 || dialer.callCount() != 1 {
		t.Errorf("close scheduled a reconnect: pending=%d dials=%d", sched.pendingCount(), dialer.callCount())
	}
	if tr.IsConnected() {
		t.Error("transport reports connected after close")
	}
}

func TestTransportCloseCancelsPendingTimer(t *testing.T) {
	dialer := &fakeDialer{}
	sched := &fakeScheduler{}
	tr := newTestTransport(dialer, sched)

	tr.Connect(context.Background())
	if sched.pendingCount() != 1 {
		t.Fatalf("expected a pending reconnect, got %d", sched.pendingCount())
	}
	tr.Close()

	sched.fireNext()
	if dialer.callCount() != 1 {
		t.Errorf("timer fired after close dialed again: %d dials", dialer.callCount())
	}
	if sched.pendingCount() != 0 {
		t.Error("timer fired after close scheduled another attempt")
	}
}

func TestTransportOrphanConnectionIsClosed(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}, release: release}
	sched := &fakeScheduler{}
	tr := newTestTransport(dialer, sched)

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Connect(context.Background()) }()

	waitFor(t, func() bool { return dialer.callCount() == 1 })
	tr.Close()
	close(release)

	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if !conn.isClosed() {
		t.Error("late connection was adopted instead of closed")
	}
	if tr.IsConnected() {
		t.Error("transport reports connected")
	}
}

func TestTransportDispatch(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}
	tr := newTestTransport(dialer, &fakeScheduler{})
	defer tr.Close()

	var mu sync.Mutex
	var calls []string
	record := func(name string) HandlerFunc {
		return func(env *event.Envelope) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name+":"+string(env.Type))
		}
	}

	tr.On(record("first"))
	tr.On(HandlerFunc(func(env *event.Envelope) { panic("handler failure") }))
	offThird := tr.On(record("third"))

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.inbound <- []byte("{not json")
	conn.inbound <- []byte(`{"type":"message","content":"a","session_id":"s1"}`)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	})

	offThird()
	conn.inbound <- []byte(`{"type":"thinking_start","session_id":"s1"}`)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first:message", "third:message", "first:thinking_start"}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}
	if !tr.IsConnected() {
		t.Error("malformed frame or handler panic closed the transport")
	}
}

type countingHandler struct {
	mu sync.Mutex
	n  int
}

func (h *countingHandler) HandleEvent(*event.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n++
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

func TestTransportHandlerSet(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}
	tr := newTestTransport(dialer, &fakeScheduler{})
	defer tr.Close()

	h := &countingHandler{}
	tr.On(h)
	tr.On(h)
	marker := &countingHandler{}
	tr.On(marker)

	tr.Connect(context.Background())
	conn.inbound <- []byte(`{"type":"message","session_id":"s1"}`)
	waitFor(t, func() bool { return marker.count() == 1 })
	if h.count() != 1 {
		t.Errorf("handler registered twice was invoked %d times", h.count())
	}

	if !tr.Off(h) {
		t.Error("Off did not find a registered handler")
	}
	if tr.Off(h) {
		t.Error("Off reported a handler that was already removed")
	}
	conn.inbound <- []byte(`{"type":"message","session_id":"s1"}`)
	waitFor(t, func() bool { return marker.count() == 2 })
	if h.count() != 1 {
		t.Errorf("removed handler was invoked again")
	}
}

func TestTransportOffFuncHandler(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}
	tr := newTestTransport(dialer, &fakeScheduler{})
	defer tr.Close()

	var mu sync.Mutex
	calls := 0
	fn := HandlerFunc(func(*event.Envelope) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	off := tr.On(fn)
	marker := &countingHandler{}
	tr.On(marker)

	if tr.Off(fn) {
		t.Error("Off matched a function handler")
	}

	tr.Connect(context.Background())
	conn.inbound <- []byte(`{"type":"message","session_id":"s1"}`)
	waitFor(t, func() bool { return marker.count() == 1 })

	off()
	conn.inbound <- []byte(`{"type":"message","session_id":"s1"}`)
	waitFor(t, func() bool { return marker.count() == 2 })

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("function handler invoked %d times, want 1", calls)
	}
}

func TestTransportRejectsInvalidSessionID(t *testing.T) {
	for _, id := range []string{"", "a b", "a/b"} {
		dialer := &fakeDialer{}
		sched := &fakeScheduler{}
		tr := New("ws://relay.test", id, WithDialer(dialer), WithScheduler(sched.schedule))

		err := tr.Connect(context.Background())
		if !errors.Is(err, ErrInvalidSessionID) {
			t.Errorf("Connect(%q) error = %v, want ErrInvalidSessionID", id, err)
		}
		if dialer.callCount() != 0 || sched.pendingCount() != 0 {
			t.Errorf("Connect(%q) dialed %d times, scheduled %d retries", id, dialer.callCount(), sched.pendingCount())
		}
	}
}

func TestTransportStopsAfterRelayRejection(t *testing.T) {
	conn := newFakeConn()
	conn.readErr = &websocket.CloseError{Code: event.CloseMissingSessionID, Text: "missing session id"}
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}
	sched := &fakeScheduler{}
	tr := newTestTransport(dialer, sched)
	defer tr.Close()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	close(conn.inbound)
	waitFor(t, func() bool { return tr.State() == StateClosed })

	time.Sleep(20 * time.Millisecond)
	if n := sched.pendingCount(); n != 0 {
		t.Errorf("%d reconnects scheduled after rejection", n)
	}
}

func TestTransportSend(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}
	tr := newTestTransport(dialer, &fakeScheduler{})
	defer tr.Close()

	if err := tr.SendInput("too early"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	tr.Connect(context.Background())
	if err := tr.SendInput("hello agent"); err != nil {
		t.Fatalf("send input: %v", err)
	}

	frames := conn.textFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	var msg map[string]any
	if err := json.Unmarshal(frames[0], &msg); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	if msg["type"] != "input" || msg["content"] != "hello agent" {
		t.Errorf("unexpected input frame: %v", msg)
	}
}

// For any base delay and retry budget, retries wait base*n and stop at the budget.
func TestTransportBackoffProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("linear backoff bounded by max attempts", prop.ForAll(
		func(baseMs, maxAttempts int) bool {
			dialer := &fakeDialer{}
			sched := &fakeScheduler{}
			base := time.Duration(baseMs) * time.Millisecond
			tr := newTestTransport(dialer, sched, WithBaseDelay(base), WithMaxAttempts(maxAttempts))
			defer tr.Close()

			tr.Connect(context.Background())
			for sched.fireNext() {
			}

			delays := sched.recorded()
			if len(delays) != maxAttempts || dialer.callCount() != maxAttempts+1 {
				return false
			}
			for i, d := range delays {
				if d != base*time.Duration(i+1) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5000),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
