package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agent-visualizer/backend/internal/event"
	"github.com/agent-visualizer/backend/internal/model"
)

// EventRepository stores session transcripts, one row per envelope.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append adds env to the end of the session's transcript and returns its
// sequence number, starting at 1.
func (r *EventRepository) Append(ctx context.Context, sessionID string, env *event.Envelope) (int64, error) {
	payload, err := event.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, model.ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check session: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (session_id, seq, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, seq, string(env.Type), string(payload), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}
	return seq, nil
}

// ListBySession returns the session's transcript in append order.
func (r *EventRepository) ListBySession(ctx context.Context, sessionID string) ([]*event.Envelope, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM events WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*event.Envelope{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		env, err := event.Parse([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, env)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// Count returns the length of the session's transcript.
func (r *EventRepository) Count(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
