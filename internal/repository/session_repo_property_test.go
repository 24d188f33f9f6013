package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agent-visualizer/backend/internal/db"
	"github.com/agent-visualizer/backend/internal/event"
	"github.com/agent-visualizer/backend/internal/model"
)

// **Property: session creation integrity**
// For any session name, a created session can be read back with the same
// metadata, is listed, and disappears together with its transcript on delete.
func TestSessionCreationIntegrityProperty(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "session_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "test.db")
	db.ResetDB()
	testDB, err := db.InitDB(dbPath)
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	defer db.ResetDB()

	sessions := NewSessionRepository(testDB)
	events := NewEventRepository(testDB)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("session creation persists to database and can be retrieved", prop.ForAll(
		func(name string, running bool, transcriptLen int) bool {
			now := time.Now().UTC().Truncate(time.Second)
			session := &model.Session{
				ID:        uuid.New().String(),
				Name:      name,
				IsRunning: running,
				CreatedAt: now,
				UpdatedAt: now,
			}

			if err := sessions.Create(ctx, session); err != nil {
				t.Logf("failed to create session: %v", err)
				return false
			}
			for i := 0; i < transcriptLen; i++ {
				if _, err := events.Append(ctx, session.ID, event.New(event.TypeMessage, session.ID)); err != nil {
					t.Logf("failed to append event: %v", err)
					return false
				}
			}

			retrieved, err := sessions.GetByID(ctx, session.ID)
			if err != nil {
				t.Logf("failed to retrieve session: %v", err)
				return false
			}
			if retrieved.ID != session.ID ||
				retrieved.Name != session.Name ||
				retrieved.IsRunning != session.IsRunning ||
				retrieved.MessageCount != transcriptLen ||
				!retrieved.CreatedAt.Equal(session.CreatedAt) {
				t.Logf("retrieved session does not match created session: %+v", retrieved)
				return false
			}

			if err := sessions.Delete(ctx, session.ID); err != nil {
				t.Logf("failed to delete session: %v", err)
				return false
			}
			n, err := events.Count(ctx, session.ID)
			if err != nil || n != 0 {
				t.Logf("transcript survived delete: %d, %v", n, err)
				return false
			}
			exists, err := sessions.Exists(ctx, session.ID)
			return err == nil && !exists
		},
		gen.AlphaString().SuchThat(func(s string) bool { return len(s) <= 100 }),
		gen.Bool(),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

// **Property: transcript order**
// Appended envelopes are returned in append order with gapless sequence numbers.
func TestTranscriptOrderProperty(t *testing.T) {
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	defer testDB.Close()

	sessions := NewSessionRepository(testDB)
	events := NewEventRepository(testDB)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("transcript preserves append order", prop.ForAll(
		func(contents []string) bool {
			id := uuid.New().String()
			now := time.Now().UTC()
			if err := sessions.Create(ctx, &model.Session{ID: id, IsRunning: true, CreatedAt: now, UpdatedAt: now}); err != nil {
				return false
			}

			for i, content := range contents {
				env := event.New(event.TypeMessage, id)
				env.Content = content
				seq, err := events.Append(ctx, id, env)
				if err != nil || seq != int64(i+1) {
					return false
				}
			}

			got, err := events.ListBySession(ctx, id)
			if err != nil || len(got) != len(contents) {
				return false
			}
			for i := range contents {
				if got[i].Content != contents[i] || got[i].SessionID != id {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
