// Package logger records session transcripts as JSON lines: a header line
// followed by one event envelope per line.
package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/agent-visualizer/backend/internal/event"
)

// TranscriptVersion is the header version written by this package.
const TranscriptVersion = 1

// ErrMissingHeader is returned when a transcript does not start with a header line.
var ErrMissingHeader = errors.New("transcript header missing")

// TranscriptHeader is the first line of a transcript.
type TranscriptHeader struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

// TranscriptLogger appends envelopes to a JSON-lines transcript.
type TranscriptLogger struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	sessionID string
	startTime time.Time
	count     int
	mu        sync.Mutex
}

// OpenTranscriptLogger opens the transcript at filePath for appending,
// writing a header first when the file is new or empty.
func OpenTranscriptLogger(filePath, sessionID string) (*TranscriptLogger, error) {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat transcript: %w", err)
	}

	l := &TranscriptLogger{
		writer:    file,
		file:      file,
		sessionID: sessionID,
		startTime: time.Now(),
	}
	if info.Size() == 0 {
		if err := l.WriteHeader(); err != nil {
			file.Close()
			return nil, err
		}
	}
	return l, nil
}

// NewTranscriptLoggerWithWriter creates a TranscriptLogger that writes to w.
// The caller writes the header.
func NewTranscriptLoggerWithWriter(w io.Writer, sessionID string) *TranscriptLogger {
	return &TranscriptLogger{
		writer:    w,
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// WriteHeader writes the transcript header line.
func (l *TranscriptLogger) WriteHeader() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	header := TranscriptHeader{
		Version:   TranscriptVersion,
		SessionID: l.sessionID,
		Timestamp: l.startTime.Unix(),
	}
	return l.writeLine(header, "header")
}

// WriteEvent appends env as one line.
func (l *TranscriptLogger) WriteEvent(env *event.Envelope) error {
	if env == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writeLine(env, "event"); err != nil {
		return err
	}
	l.count++
	return nil
}

// WriteEvents appends every envelope in order.
func (l *TranscriptLogger) WriteEvents(events []*event.Envelope) error {
	for _, env := range events {
		if err := l.WriteEvent(env); err != nil {
			return err
		}
	}
	return nil
}

func (l *TranscriptLogger) writeLine(v any, what string) error {
	data, err := event.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write %s: %w", what, err)
	}
	return nil
}

// Count returns the number of events written through this logger.
func (l *TranscriptLogger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close closes the transcript file.
func (l *TranscriptLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// StartTime returns when the logger was created.
func (l *TranscriptLogger) StartTime() time.Time {
	return l.startTime
}

// ReadTranscript parses a transcript. Blank lines are ignored; any other line
// that is not an envelope fails with its line number.
func ReadTranscript(r io.Reader) (*TranscriptHeader, []*event.Envelope, error) {
	reader := bufio.NewReader(r)

	var header *TranscriptHeader
	events := []*event.Envelope{}
	line := 0
	for {
		data, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, nil, fmt.Errorf("failed to read transcript: %w", readErr)
		}
		if len(data) > 0 {
			line++
		}

		if data = bytes.TrimSpace(data); len(data) > 0 {
			if header == nil {
				var h TranscriptHeader
				if err := json.Unmarshal(data, &h); err != nil || h.Version == 0 {
					return nil, nil, fmt.Errorf("line %d: %w", line, ErrMissingHeader)
				}
				header = &h
			} else {
				env, err := event.Parse(data)
				if err != nil {
					return nil, nil, fmt.Errorf("line %d: %w", line, err)
				}
				events = append(events, env)
			}
		}

		if readErr != nil {
			break
		}
	}
	if header == nil {
		return nil, nil, ErrMissingHeader
	}
	return header, events, nil
}

// LoadTranscript reads the transcript file at path.
func LoadTranscript(path string) (*TranscriptHeader, []*event.Envelope, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()
	return ReadTranscript(file)
}

