package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-visualizer/backend/internal/event"
	"github.com/agent-visualizer/backend/internal/logger"
	"github.com/agent-visualizer/backend/internal/metrics"
	"github.com/agent-visualizer/backend/internal/model"
	"github.com/agent-visualizer/backend/internal/repository"
)

// Publisher fans a frame out to every connection of a session channel.
type Publisher interface {
	Publish(sessionID string, raw []byte) int
}

// Manager owns session lifecycle and transcripts. Agent output never passes
// through it directly: it arrives on the relay and is recorded by Record.
type Manager struct {
	repo    *repository.SessionRepository
	events  *repository.EventRepository
	relay   Publisher
	logDir  string
	timeout time.Duration

	// appendMu serializes transcript writes so sequence numbers follow
	// publication order.
	appendMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*SessionContext
}

// SessionContext holds the runtime state of a running session.
type SessionContext struct {
	Session  *model.Session
	Recorder *logger.TranscriptLogger
}

// Config holds configuration for the session manager.
type Config struct {
	// LogDir mirrors each transcript to <LogDir>/<id>.jsonl when set.
	LogDir string

	// RecordTimeout bounds the database write done for each relayed event.
	RecordTimeout time.Duration
}

// NewManager creates a new session manager.
func NewManager(repo *repository.SessionRepository, events *repository.EventRepository, relay Publisher, config Config) *Manager {
	if config.RecordTimeout == 0 {
		config.RecordTimeout = 5 * time.Second
	}

	return &Manager{
		repo:     repo,
		events:   events,
		relay:    relay,
		logDir:   config.LogDir,
		timeout:  config.RecordTimeout,
		sessions: make(map[string]*SessionContext),
	}
}

// Create creates a running session and announces it with session_start.
func (m *Manager) Create(ctx context.Context, req *model.CreateSessionRequest) (*model.Session, error) {
	sessionID := uuid.New().String()

	now := time.Now().UTC()
	session := &model.Session{
		ID:        sessionID,
		Name:      strings.TrimSpace(req.Name),
		IsRunning: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if session.Name == "" {
		session.Name = fmt.Sprintf("Session %s", sessionID[:8])
	}

	if err := m.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = &SessionContext{Session: session}
	m.mu.Unlock()

	if err := m.emit(ctx, event.New(event.TypeSessionStart, sessionID)); err != nil {
		return nil, err
	}
	session.MessageCount = 1

	log.Printf("[session] created %s (%s)", sessionID, session.Name)
	return session, nil
}

// List returns all sessions, newest first.
func (m *Manager) List(ctx context.Context) ([]*model.Session, error) {
	return m.repo.List(ctx)
}

// Get returns a session's metadata and transcript.
func (m *Manager) Get(ctx context.Context, id string) (*model.SessionDetail, error) {
	session, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	transcript, err := m.events.ListBySession(ctx, id)
	if err != nil {
		return nil, err
	}

	return &model.SessionDetail{Session: session, Transcript: transcript}, nil
}

// Transcript returns the envelopes recorded for a session.
func (m *Manager) Transcript(ctx context.Context, id string) ([]*event.Envelope, error) {
	exists, err := m.repo.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, model.ErrSessionNotFound
	}
	return m.events.ListBySession(ctx, id)
}

// Stop marks the session stopped and emits session_end. Stopping a stopped
// session does nothing.
func (m *Manager) Stop(ctx context.Context, id string) error {
	session, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !session.IsRunning {
		return nil
	}

	if err := m.repo.SetRunning(ctx, id, false); err != nil {
		return err
	}
	if err := m.emit(ctx, event.New(event.TypeSessionEnd, id)); err != nil {
		return err
	}
	m.release(id)

	log.Printf("[session] stopped %s", id)
	return nil
}

// Resume restarts a stopped session and emits session_resumed.
func (m *Manager) Resume(ctx context.Context, id string) (*model.ResumeResult, error) {
	session, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.IsRunning {
		return &model.ResumeResult{SessionID: id, Status: model.ResumeStatusAlreadyRunning}, nil
	}

	if err := m.repo.SetRunning(ctx, id, true); err != nil {
		return nil, err
	}
	session.IsRunning = true

	m.mu.Lock()
	m.sessions[id] = &SessionContext{Session: session}
	m.mu.Unlock()

	if err := m.emit(ctx, event.New(event.TypeSessionResumed, id)); err != nil {
		return nil, err
	}

	log.Printf("[session] resumed %s", id)
	return &model.ResumeResult{SessionID: id, Status: model.ResumeStatusResumed}, nil
}

// Delete stops the session if it is running and removes it with its transcript.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}

	// Holding appendMu orders every in-flight append either before the
	// mirror is removed or after the row is gone, so no log is recreated.
	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	m.release(id)
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	m.removeLog(id)

	log.Printf("[session] deleted %s", id)
	return nil
}

// DeleteAll stops and removes every session. It returns the number deleted.
func (m *Manager) DeleteAll(ctx context.Context) (int64, error) {
	sessions, err := m.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		if s.IsRunning {
			if err := m.Stop(ctx, s.ID); err != nil {
				return 0, err
			}
		}
	}

	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	n, err := m.repo.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		m.release(s.ID)
		m.removeLog(s.ID)
	}

	log.Printf("[session] deleted all %d sessions", n)
	return n, nil
}

// Chat records a user turn and hands it to the agent side of the session as
// an input frame. The agent's reply arrives over the relay.
func (m *Manager) Chat(ctx context.Context, sessionID, message string) error {
	req := &model.ChatRequest{SessionID: sessionID, Message: message}
	if err := req.Validate(); err != nil {
		return err
	}

	session, err := m.repo.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.IsRunning {
		return model.ErrSessionNotRunning
	}

	if err := m.recordUserTurn(ctx, sessionID, message); err != nil {
		return err
	}

	input := event.NewInput(message)
	input.SessionID = sessionID
	data, err := event.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to encode input: %w", err)
	}
	if n := m.relay.Publish(sessionID, data); n == 0 {
		log.Printf("[session] no connection on session %s received the input", sessionID)
	}
	return nil
}

// Observe makes the manager a relay observer. See Record.
func (m *Manager) Observe(sessionID string, env *event.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if err := m.Record(ctx, sessionID, env); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		log.Printf("[session] failed to record %s on %s: %v", env.Type, sessionID, err)
	}
}

// Record appends a relayed envelope to the session transcript. An input frame
// is stored and rebroadcast as a user_input event; ping and pong are ignored.
func (m *Manager) Record(ctx context.Context, sessionID string, env *event.Envelope) error {
	switch env.Type {
	case event.TypePing, event.TypePong:
		return nil
	case event.TypeInput:
		return m.recordUserTurn(ctx, sessionID, env.Content)
	}

	if env.SessionID == "" {
		env = env.Clone()
		env.SessionID = sessionID
	}
	return m.append(ctx, sessionID, env)
}

func (m *Manager) recordUserTurn(ctx context.Context, sessionID, content string) error {
	turn := event.New(event.TypeUserInput, sessionID)
	turn.Content = content
	return m.emit(ctx, turn)
}

// emit records env and publishes it to the session's viewers.
func (m *Manager) emit(ctx context.Context, env *event.Envelope) error {
	if err := m.append(ctx, env.SessionID, env); err != nil {
		return err
	}

	data, err := event.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", env.Type, err)
	}
	m.relay.Publish(env.SessionID, data)
	return nil
}

func (m *Manager) append(ctx context.Context, sessionID string, env *event.Envelope) error {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	if _, err := m.events.Append(ctx, sessionID, env); err != nil {
		return err
	}
	metrics.TranscriptEvents.Inc()

	if rec := m.recorder(sessionID); rec != nil {
		if err := rec.WriteEvent(env); err != nil {
			log.Printf("[session] failed to mirror %s event for %s: %v", env.Type, sessionID, err)
		}
	}
	return nil
}

// recorder returns the transcript mirror of a session, opening it lazily.
func (m *Manager) recorder(sessionID string) *logger.TranscriptLogger {
	if m.logDir == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sessionCtx, ok := m.sessions[sessionID]
	if !ok {
		sessionCtx = &SessionContext{}
		m.sessions[sessionID] = sessionCtx
	}
	if sessionCtx.Recorder != nil {
		return sessionCtx.Recorder
	}

	rec, err := logger.OpenTranscriptLogger(m.logPath(sessionID), sessionID)
	if err != nil {
		log.Printf("[session] failed to open transcript log for %s: %v", sessionID, err)
		return nil
	}
	sessionCtx.Recorder = rec
	return rec
}

// release drops the runtime state of a session and closes its mirror.
func (m *Manager) release(id string) {
	m.mu.Lock()
	sessionCtx, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok && sessionCtx.Recorder != nil {
		if err := sessionCtx.Recorder.Close(); err != nil {
			log.Printf("[session] failed to close transcript log for %s: %v", id, err)
		}
	}
}

func (m *Manager) logPath(id string) string {
	return filepath.Join(m.logDir, id+".jsonl")
}

func (m *Manager) removeLog(id string) {
	if m.logDir == "" {
		return
	}
	if err := os.Remove(m.logPath(id)); err != nil && !os.IsNotExist(err) {
		log.Printf("[session] failed to remove transcript log for %s: %v", id, err)
	}
}

// Close releases every open transcript mirror.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, sessionCtx := range m.sessions {
		if sessionCtx.Recorder != nil {
			if err := sessionCtx.Recorder.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(m.sessions, id)
	}

	return firstErr
}
