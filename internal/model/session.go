package model

import (
	"strings"
	"time"

	"github.com/agent-visualizer/backend/internal/event"
)

// Session is the persisted metadata of one agent conversation.
type Session struct {
	ID           string    `json:"session_id"`
	Name         string    `json:"name,omitempty"`
	IsRunning    bool      `json:"is_running"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Duration returns how long ago the session was created.
func (s *Session) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}

// SessionDetail is a session with its transcript, oldest event first.
type SessionDetail struct {
	*Session
	Transcript []*event.Envelope `json:"transcript"`
}

// ResumeResult reports the outcome of a resume request.
type ResumeResult struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

const (
	ResumeStatusResumed        = "resumed"
	ResumeStatusAlreadyRunning = "already_running"
)

// CreateSessionRequest represents a request to create a new session.
type CreateSessionRequest struct {
	Name string `json:"name"`
}

// ChatRequest is a user turn addressed to a session's agent.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Validate validates the chat request.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return ErrSessionNotFound
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrMessageRequired
	}
	return nil
}
