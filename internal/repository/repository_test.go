package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agent-visualizer/backend/internal/db"
	"github.com/agent-visualizer/backend/internal/event"
	"github.com/agent-visualizer/backend/internal/model"
)

func newRepos(t *testing.T) (*SessionRepository, *EventRepository) {
	t.Helper()
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })
	return NewSessionRepository(testDB), NewEventRepository(testDB)
}

func createSession(t *testing.T, repo *SessionRepository, id string, createdAt time.Time) {
	t.Helper()
	err := repo.Create(context.Background(), &model.Session{
		ID:        id,
		IsRunning: true,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestSessionRepositoryNotFound(t *testing.T) {
	sessions, events := newRepos(t)
	ctx := context.Background()

	if _, err := sessions.GetByID(ctx, "missing"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("GetByID: expected ErrSessionNotFound, got %v", err)
	}
	if err := sessions.SetRunning(ctx, "missing", false); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("SetRunning: expected ErrSessionNotFound, got %v", err)
	}
	if err := sessions.Delete(ctx, "missing"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("Delete: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := events.Append(ctx, "missing", event.New(event.TypeMessage, "missing")); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("Append: expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionRepositoryListNewestFirst(t *testing.T) {
	sessions, events := newRepos(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	createSession(t, sessions, "old", base)
	createSession(t, sessions, "new", base.Add(time.Hour))
	events.Append(ctx, "old", event.New(event.TypeSessionStart, "old"))
	events.Append(ctx, "old", event.New(event.TypeMessage, "old"))

	list, err := sessions.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("unexpected order: %+v", list)
	}
	if list[1].MessageCount != 2 || list[0].MessageCount != 0 {
		t.Errorf("unexpected message counts: new=%d old=%d", list[0].MessageCount, list[1].MessageCount)
	}
}

func TestSessionRepositorySetRunningAndDeleteAll(t *testing.T) {
	sessions, events := newRepos(t)
	ctx := context.Background()
	now := time.Now().UTC()

	createSession(t, sessions, "a", now)
	createSession(t, sessions, "b", now)
	events.Append(ctx, "a", event.New(event.TypeMessage, "a"))

	if err := sessions.SetRunning(ctx, "a", false); err != nil {
		t.Fatalf("SetRunning: %v", err)
	}
	got, _ := sessions.GetByID(ctx, "a")
	if got.IsRunning {
		t.Error("session still running")
	}

	n, err := sessions.DeleteAll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("DeleteAll = %d, %v", n, err)
	}
	if count, _ := events.Count(ctx, "a"); count != 0 {
		t.Errorf("transcript survived DeleteAll: %d", count)
	}
	if list, _ := sessions.List(ctx); len(list) != 0 {
		t.Errorf("sessions survived DeleteAll: %d", len(list))
	}
}

func TestEventRepositoryPreservesUnknownFields(t *testing.T) {
	sessions, events := newRepos(t)
	ctx := context.Background()
	createSession(t, sessions, "s1", time.Now().UTC())

	env, err := event.Parse([]byte(`{"type":"future_event","session_id":"s1","widget":{"size":3}}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := events.Append(ctx, "s1", env); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := events.ListBySession(ctx, "s1")
	if err != nil || len(got) != 1 {
		t.Fatalf("ListBySession = %v, %v", got, err)
	}
	if string(got[0].Extra["widget"]) != `{"size":3}` {
		t.Errorf("unknown field lost: %s", got[0].Extra["widget"])
	}
}
