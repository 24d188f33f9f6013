package ws

import (
	"net/http"
	"sync"
)

// Service owns the relay and its connection handler for one server process.
type Service struct {
	relay   *Relay
	handler *Handler

	closeOnce sync.Once
}

// NewService creates a relay service. checkOrigin is passed to the upgrader.
func NewService(checkOrigin func(r *http.Request) bool, opts ...Option) *Service {
	relay := NewRelay(opts...)
	return &Service{
		relay:   relay,
		handler: NewHandler(relay, checkOrigin),
	}
}

// Relay returns the service's relay.
func (s *Service) Relay() *Relay {
	return s.relay
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// GetSessionClientCount returns the number of connections on a session channel.
func (s *Service) GetSessionClientCount(sessionID string) int {
	return s.relay.Members(sessionID)
}

// IsSessionConnected returns true if any connection is registered for the session.
func (s *Service) IsSessionConnected(sessionID string) bool {
	return s.relay.HasChannel(sessionID)
}

// Close closes all relay connections.
func (s *Service) Close() {
	s.closeOnce.Do(s.relay.Close)
}
