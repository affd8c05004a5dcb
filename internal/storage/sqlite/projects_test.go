package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

func mkProject(id, owner, path string) *types.Project {
	return &types.Project{ID: id, OwnerID: owner, Path: path, Name: path}
}

func mkSession(id, projectID string, start time.Time) *types.Session {
	return &types.Session{ID: id, ProjectID: projectID, StartedAt: start, EndedAt: start}
}

func TestProjectPathUniquePerOwner(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.CreateProject(ctx, mkProject("p1", "alice", "/home/alice/proj")); err != nil {
		t.Fatal(err)
	}
	// Same path, different owner: fine
	if err := store.CreateProject(ctx, mkProject("p2", "bob", "/home/alice/proj")); err != nil {
		t.Fatalf("other owner should reuse path: %v", err)
	}
	// Same owner, same path: rejected
	err := store.CreateProject(ctx, mkProject("p3", "alice", "/home/alice/proj"))
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	got, err := store.GetProjectByPath(ctx, "alice", "/home/alice/proj")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "p1" {
		t.Errorf("got project %s", got.ID)
	}

	mine, err := store.ListProjects(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 {
		t.Errorf("alice sees %d projects", len(mine))
	}
	all, err := store.ListAllProjects(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("admin sees %d projects", len(all))
	}
}

func TestSessionBoundsOnlyWiden(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.CreateProject(ctx, mkProject("p1", "alice", "/p")); err != nil {
		t.Fatal(err)
	}
	t0 := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	if err := store.CreateSession(ctx, mkSession("s1", "p1", t0)); err != nil {
		t.Fatal(err)
	}

	// A later batch widens the end and adds counters
	if err := store.UpdateSessionBounds(ctx, "s1", t0, t0.Add(time.Hour), 5, 2500); err != nil {
		t.Fatal(err)
	}
	// An earlier batch widens the start but must not shrink the end
	if err := store.UpdateSessionBounds(ctx, "s1", t0.Add(-time.Hour), t0, 3, 1500); err != nil {
		t.Fatal(err)
	}

	sess, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !sess.StartedAt.Equal(t0.Add(-time.Hour)) {
		t.Errorf("started_at = %v", sess.StartedAt)
	}
	if !sess.EndedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("ended_at = %v", sess.EndedAt)
	}
	if sess.MessageCount != 8 || sess.TotalCostMicros != 4000 {
		t.Errorf("counters = %d msgs, %d micros", sess.MessageCount, sess.TotalCostMicros)
	}

	// Overwrite ingest recomputes instead of adding
	if err := store.SetSessionRollup(ctx, "s1", 2, 999); err != nil {
		t.Fatal(err)
	}
	sess, _ = store.GetSession(ctx, "s1")
	if sess.MessageCount != 2 || sess.TotalCostMicros != 999 {
		t.Errorf("rollup = %d msgs, %d micros", sess.MessageCount, sess.TotalCostMicros)
	}
}

func TestUpdateSessionBoundsMissing(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	err := store.UpdateSessionBounds(context.Background(), "nope", time.Now(), time.Now(), 1, 0)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteProjectCascade(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.CreateProject(ctx, mkProject("p1", "alice", "/p1")); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateProject(ctx, mkProject("p2", "alice", "/p2")); err != nil {
		t.Fatal(err)
	}
	t0 := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	if err := store.CreateSession(ctx, mkSession("s1", "p1", t0)); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateSession(ctx, mkSession("s2", "p2", t0)); err != nil {
		t.Fatal(err)
	}
	// Messages for s1 span two months; s2 keeps one
	for i, ts := range []time.Time{t0, t0.AddDate(0, 1, 0)} {
		m := mkMessage([]string{"10000000-0000-0000-0000-000000000001", "10000000-0000-0000-0000-000000000002"}[i], "s1", ts)
		if err := store.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.InsertMessage(ctx, mkMessage("10000000-0000-0000-0000-000000000003", "s2", t0)); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteProjectCascade(ctx, "p1"); err != nil {
		t.Fatal(err)
	}

	if _, err := store.GetProject(ctx, "p1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("project survived cascade: %v", err)
	}
	if _, err := store.GetSession(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("session survived cascade: %v", err)
	}
	for _, u := range []string{"10000000-0000-0000-0000-000000000001", "10000000-0000-0000-0000-000000000002"} {
		if _, err := store.GetMessage(ctx, u, nil); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("message %s survived cascade: %v", u, err)
		}
	}
	// The other project is untouched
	if _, err := store.GetMessage(ctx, "10000000-0000-0000-0000-000000000003", nil); err != nil {
		t.Errorf("unrelated message lost: %v", err)
	}
}

func TestListSessionsEmptySetReturnsNothing(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	out, err := store.ListSessions(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Errorf("nil project set should return nothing, got %d", len(out))
	}
}
