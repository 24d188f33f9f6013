// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent-visualizer/backend/internal/event"
	"github.com/agent-visualizer/backend/internal/logger"
	"github.com/agent-visualizer/backend/internal/model"
	"github.com/agent-visualizer/backend/internal/session"
)

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	sessionManager *session.Manager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionManager *session.Manager) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
	}
}

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Name string `json:"name"`
}

// InputRequest is the body of POST /api/sessions/:id/input.
type InputRequest struct {
	Content string `json:"content"`
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	SessionID    string `json:"session_id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	IsRunning    bool   `json:"is_running"`
	MessageCount int    `json:"message_count"`
	Duration     string `json:"duration"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// SessionDetailResponse is a session with its transcript.
type SessionDetailResponse struct {
	SessionResponse
	Transcript []*event.Envelope `json:"transcript"`
}

// ListSessionsResponse is the body of GET /api/sessions.
type ListSessionsResponse struct {
	Sessions []*SessionResponse `json:"sessions"`
}

// StatusResponse acknowledges an operation.
type StatusResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status"`
	Deleted   *int64 `json:"deleted,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session) *SessionResponse {
	status := "stopped"
	if s.IsRunning {
		status = "running"
	}
	return &SessionResponse{
		SessionID:    s.ID,
		Name:         s.Name,
		Status:       status,
		IsRunning:    s.IsRunning,
		MessageCount: s.MessageCount,
		Duration:     formatDuration(s.Duration()),
		CreatedAt:    s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    s.UpdatedAt.Format(time.RFC3339),
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return time.Duration(h*time.Hour + m*time.Minute + s*time.Second).String()
	}
	if m > 0 {
		return time.Duration(m*time.Minute + s*time.Second).String()
	}
	return time.Duration(s * time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendSessionError maps manager errors to HTTP responses.
func sendSessionError(c *gin.Context, sessionID, action string, err error) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
	case errors.Is(err, model.ErrSessionNotRunning):
		sendError(c, http.StatusBadRequest, "SESSION_NOT_RUNNING", "Session is not running")
	case errors.Is(err, model.ErrMessageRequired):
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	default:
		log.Printf("Failed to %s session %s: %v", action, sessionID, err)
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to "+action+" session: "+err.Error())
	}
}

// Create handles POST /api/sessions - creates a new session.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	// An empty body creates an unnamed session.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	sess, err := h.sessionManager.Create(c.Request.Context(), &model.CreateSessionRequest{Name: req.Name})
	if err != nil {
		sendSessionError(c, "", "create", err)
		return
	}

	c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// List handles GET /api/sessions - lists all sessions, newest first.
func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.sessionManager.List(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	response := ListSessionsResponse{Sessions: make([]*SessionResponse, len(sessions))}
	for i, sess := range sessions {
		response.Sessions[i] = toSessionResponse(sess)
	}

	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - returns a session and its transcript.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")

	detail, err := h.sessionManager.Get(c.Request.Context(), sessionID)
	if err != nil {
		sendSessionError(c, sessionID, "get", err)
		return
	}

	c.JSON(http.StatusOK, SessionDetailResponse{
		SessionResponse: *toSessionResponse(detail.Session),
		Transcript:      detail.Transcript,
	})
}

// Stop handles POST /api/sessions/:id/stop.
func (h *SessionHandler) Stop(c *gin.Context) {
	sessionID := c.Param("id")

	if err := h.sessionManager.Stop(c.Request.Context(), sessionID); err != nil {
		sendSessionError(c, sessionID, "stop", err)
		return
	}

	c.JSON(http.StatusOK, StatusResponse{SessionID: sessionID, Status: "stopped"})
}

// Resume handles POST /api/sessions/:id/resume.
func (h *SessionHandler) Resume(c *gin.Context) {
	sessionID := c.Param("id")

	result, err := h.sessionManager.Resume(c.Request.Context(), sessionID)
	if err != nil {
		sendSessionError(c, sessionID, "resume", err)
		return
	}

	c.JSON(http.StatusOK, StatusResponse{SessionID: result.SessionID, Status: result.Status})
}

// Delete handles DELETE /api/sessions/:id - deletes a session and its transcript.
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := c.Param("id")

	if err := h.sessionManager.Delete(c.Request.Context(), sessionID); err != nil {
		sendSessionError(c, sessionID, "delete", err)
		return
	}

	c.JSON(http.StatusOK, StatusResponse{SessionID: sessionID, Status: "deleted"})
}

// DeleteAll handles DELETE /api/sessions.
func (h *SessionHandler) DeleteAll(c *gin.Context) {
	n, err := h.sessionManager.DeleteAll(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete sessions: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, StatusResponse{Status: "all_deleted", Deleted: &n})
}

// Input handles POST /api/sessions/:id/input - sends a user turn to the agent.
func (h *SessionHandler) Input(c *gin.Context) {
	sessionID := c.Param("id")

	var req InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	if err := h.sessionManager.Chat(c.Request.Context(), sessionID, req.Content); err != nil {
		sendSessionError(c, sessionID, "send input to", err)
		return
	}

	c.JSON(http.StatusOK, StatusResponse{SessionID: sessionID, Status: "sent"})
}

// Chat handles POST /chat. The agent's reply arrives over the relay, not in
// this response.
func (h *SessionHandler) Chat(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "session_id is required")
		return
	}

	if err := h.sessionManager.Chat(c.Request.Context(), req.SessionID, req.Message); err != nil {
		sendSessionError(c, req.SessionID, "chat with", err)
		return
	}

	c.JSON(http.StatusAccepted, StatusResponse{SessionID: req.SessionID, Status: "accepted"})
}

// GetLogs handles GET /api/sessions/:id/logs - downloads the transcript as
// JSON lines.
func (h *SessionHandler) GetLogs(c *gin.Context) {
	sessionID := c.Param("id")

	transcript, err := h.sessionManager.Transcript(c.Request.Context(), sessionID)
	if err != nil {
		sendSessionError(c, sessionID, "export", err)
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Content-Disposition", "attachment; filename="+sessionID+".jsonl")
	c.Status(http.StatusOK)

	w := logger.NewTranscriptLoggerWithWriter(c.Writer, sessionID)
	if err := w.WriteHeader(); err != nil {
		log.Printf("Failed to export session %s: %v", sessionID, err)
		return
	}
	if err := w.WriteEvents(transcript); err != nil {
		log.Printf("Failed to export session %s: %v", sessionID, err)
	}
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("", h.List)
		sessions.DELETE("", h.DeleteAll)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
		sessions.POST("/:id/stop", h.Stop)
		sessions.POST("/:id/resume", h.Resume)
		sessions.POST("/:id/input", h.Input)
		sessions.GET("/:id/logs", h.GetLogs)
	}
}

// RegisterChatRoute registers POST /chat at the router root.
func (h *SessionHandler) RegisterChatRoute(r gin.IRoutes) {
	r.POST("/chat", h.Chat)
}
