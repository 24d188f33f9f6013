package handlers

import (
	"errors"
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agent-visualizer/backend/internal/ws"
)

// WebSocketHandler serves relay connections.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{
		wsHandler: wsHandler,
	}
}

// Connect handles GET /ws/:session_id. Any session id is accepted; the relay
// creates the channel on first use. A request without an id is upgraded and
// then closed with ws.CloseMissingSessionID.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	sessionID := strings.TrimPrefix(c.Param("session_id"), "/")

	if err := h.wsHandler.ServeSession(c.Writer, c.Request, sessionID); err != nil {
		if !errors.Is(err, ws.ErrMissingSessionID) {
			// The upgrader has already replied with an HTTP error.
			log.Printf("WebSocket upgrade failed for session %q: %v", sessionID, err)
		}
		return
	}
}

// RegisterRoutes registers the relay route. The wildcard also matches /ws/
// so that requests without an id get a close frame instead of a 404.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws/*session_id", h.Connect)
}
