package ws

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-visualizer/backend/internal/event"
	"github.com/agent-visualizer/backend/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Tool results can be large.
	maxMessageSize = 1 << 20

	// CloseMissingSessionID is the close code sent to connections whose
	// target carries no usable session id.
	CloseMissingSessionID = event.CloseMissingSessionID

	closeMissingSessionIDReason = "missing session id"
)

// ErrMissingSessionID is returned by ServeSession when the connection was rejected.
var ErrMissingSessionID = errors.New("missing session id")

// Handler upgrades relay connections and pumps frames between them and the relay.
type Handler struct {
	relay    *Relay
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. A nil checkOrigin accepts any origin.
func NewHandler(relay *Relay, checkOrigin func(r *http.Request) bool) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Handler{
		relay: relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ValidSessionID reports whether id can name a relay channel.
func ValidSessionID(id string) bool {
	return event.ValidSessionID(id)
}

// SessionIDFromPath extracts the session id from a ".../ws/{session_id}" path.
func SessionIDFromPath(path string) string {
	i := strings.LastIndex(path, "/ws/")
	if i < 0 {
		return ""
	}
	return path[i+len("/ws/"):]
}

// ServeHTTP serves connections whose session id is the path suffix after /ws/.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.ServeSession(w, r, SessionIDFromPath(r.URL.Path)); err != nil && !errors.Is(err, ErrMissingSessionID) {
		log.Printf("[relay] upgrade failed: %v", err)
	}
}

// ServeSession upgrades the request and registers the connection on the
// channel for sessionID. Without a valid id the connection is closed with
// CloseMissingSessionID right after the upgrade and never registered.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	if !ValidSessionID(sessionID) {
		metrics.RelayRejected.Inc()
		log.Printf("[relay] rejecting connection from %s: %s", r.RemoteAddr, closeMissingSessionIDReason)
		msg := websocket.FormatCloseMessage(CloseMissingSessionID, closeMissingSessionIDReason)
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return ErrMissingSessionID
	}

	client := NewClient(conn, sessionID)
	h.relay.Register(sessionID, client)
	log.Printf("[relay] %s joined session %s (%d members)", r.RemoteAddr, sessionID, h.relay.Members(sessionID))

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

// readPump pumps frames from the WebSocket connection to the relay.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.relay.Unregister(client)
		client.Close()
		client.Conn().Close()
		log.Printf("[relay] connection left session %s", client.SessionID())
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[relay] WebSocket error: %v", err)
			}
			break
		}

		h.relay.OnMessage(client, message)
	}
}

// writePump pumps frames from the client's queue to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The relay closed the channel
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One envelope per frame so viewers can decode each frame on its own.
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
