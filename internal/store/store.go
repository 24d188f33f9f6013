// Package store holds the viewer-side projection of one session: the ordered
// envelopes received so far and the view state derived from them.
package store

import (
	"sync"

	"github.com/agent-visualizer/backend/internal/event"
)

// Store is the event sequence of the active session. It is safe for
// concurrent use; the transport dispatches into it from its read goroutine.
type Store struct {
	mu        sync.RWMutex
	sessionID string
	events    []*event.Envelope
	thinking  bool
}

// New creates an empty store bound to sessionID.
func New(sessionID string) *Store {
	return &Store{sessionID: sessionID}
}

// SessionID returns the active session.
func (s *Store) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// SwitchSession makes id the active session and clears the sequence in the
// same critical section, so readers never see the previous session's events
// under the new id.
func (s *Store) SwitchSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
	s.events = nil
	s.thinking = false
}

// Append adds env to the end of the sequence.
func (s *Store) Append(env *event.Envelope) {
	if env == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, env)
	s.thinking = nextThinking(s.thinking, env.Type)
}

// Replace resets the sequence to exactly events, in order.
func (s *Store) Replace(events []*event.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = make([]*event.Envelope, 0, len(events))
	s.thinking = false
	for _, env := range events {
		if env == nil {
			continue
		}
		s.events = append(s.events, env)
	}
	if n := len(s.events); n > 0 {
		s.thinking = nextThinking(false, s.events[n-1].Type)
	}
}

// Clear empties the sequence.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.thinking = false
}

// Events returns a copy of the sequence.
func (s *Store) Events() []*event.Envelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*event.Envelope, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Thinking reports whether the agent is busy, judged from the last event only.
func (s *Store) Thinking() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thinking
}

// HandleEvent appends envelopes that belong to the active session. Envelopes
// without a session id are accepted; control frames are ignored.
func (s *Store) HandleEvent(env *event.Envelope) {
	if env == nil || env.Type.IsControl() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if env.SessionID != "" && env.SessionID != s.sessionID {
		return
	}
	s.events = append(s.events, env)
	s.thinking = nextThinking(s.thinking, env.Type)
}

// nextThinking classifies the newest event. Nested thinking signals are not
// tracked.
func nextThinking(prev bool, t event.Type) bool {
	switch t {
	case event.TypeThinkingStart, event.TypeInvocationStart:
		return true
	case event.TypeThinkingEnd, event.TypeMessage, event.TypeError:
		return false
	default:
		return prev
	}
}
