package model

import "errors"

var (
	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotRunning is returned when input is sent to a stopped session.
	ErrSessionNotRunning = errors.New("session is not running")

	// ErrMessageRequired is returned when a chat or input request carries no text.
	ErrMessageRequired = errors.New("message is required")
)
