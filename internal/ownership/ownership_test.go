package ownership

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/claudelens/claudelens/internal/apperr"
	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/storage/sqlite"
	"github.com/claudelens/claudelens/internal/types"
)

var (
	alice = types.Principal{UserID: "alice", Role: types.RoleUser}
	bob   = types.Principal{UserID: "bob", Role: types.RoleUser}
	root  = types.Principal{UserID: "root", Role: types.RoleAdmin}
)

// seedTwoTenants builds alice with project pa/session sa and bob with
// project pb/session sb, one message each.
func seedTwoTenants(t *testing.T) (*Resolver, *sqlite.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claudelens.db")
	store, err := sqlite.New(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	seed := []struct {
		owner, project, session, uuid string
	}{
		{"alice", "pa", "sa", "20000000-0000-0000-0000-000000000001"},
		{"bob", "pb", "sb", "20000000-0000-0000-0000-000000000002"},
	}
	for _, s := range seed {
		if err := store.CreateProject(ctx, &types.Project{ID: s.project, OwnerID: s.owner, Path: "/" + s.owner}); err != nil {
			t.Fatal(err)
		}
		if err := store.CreateSession(ctx, &types.Session{ID: s.session, ProjectID: s.project, StartedAt: t0, EndedAt: t0}); err != nil {
			t.Fatal(err)
		}
		m := &types.Message{
			UUID: s.uuid, SessionID: s.session, Type: types.MessageUser,
			Content: json.RawMessage(`{"text":"hi"}`), Timestamp: t0,
		}
		if err := store.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	return NewResolver(store), store
}

func TestProjectsOf(t *testing.T) {
	r, _ := seedTwoTenants(t)
	ctx := context.Background()

	mine, err := r.ProjectsOf(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].ID != "pa" {
		t.Errorf("alice's projects = %v", mine)
	}

	all, err := r.ProjectsOf(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("admin sees %d projects", len(all))
	}

	anon, err := r.ProjectsOf(ctx, types.Anonymous)
	if err != nil {
		t.Fatal(err)
	}
	if len(anon) != 0 {
		t.Errorf("anonymous sees %d projects", len(anon))
	}
}

func TestOwnership(t *testing.T) {
	r, _ := seedTwoTenants(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		p       types.Principal
		session string
		want    bool
	}{
		{"own session", alice, "sa", true},
		{"other tenant's session", alice, "sb", false},
		{"admin bypass", root, "sb", true},
		{"unknown session", alice, "nope", false},
		{"anonymous", types.Anonymous, "sa", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.OwnsSession(ctx, tc.p, tc.session)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("OwnsSession = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFilterIsolatesTenants(t *testing.T) {
	r, store := seedTwoTenants(t)
	ctx := context.Background()

	start := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 2)
	base := storage.MessageFilter{Start: &start, End: &end}

	// Alice sees only her message
	f, err := r.Filter(ctx, alice, base)
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := store.QueryMessages(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].SessionID != "sa" {
		t.Errorf("alice's view = %v", msgs)
	}

	// Admin filter injects no predicate and sees both
	f, err = r.Filter(ctx, root, base)
	if err != nil {
		t.Fatal(err)
	}
	if f.SessionIDs != nil {
		t.Error("admin filter should carry no predicate")
	}
	msgs, _ = store.QueryMessages(ctx, f)
	if len(msgs) != 2 {
		t.Errorf("admin's view = %d messages", len(msgs))
	}

	// Anonymous gets an empty predicate that matches nothing
	f, err = r.Filter(ctx, types.Anonymous, base)
	if err != nil {
		t.Fatal(err)
	}
	if f.SessionIDs == nil || len(*f.SessionIDs) != 0 {
		t.Errorf("anonymous predicate = %v", f.SessionIDs)
	}
	msgs, _ = store.QueryMessages(ctx, f)
	if len(msgs) != 0 {
		t.Errorf("anonymous view = %d messages", len(msgs))
	}
}

func TestFilterIntersectsRequestedSessions(t *testing.T) {
	r, _ := seedTwoTenants(t)
	ctx := context.Background()

	// Alice asks for bob's session explicitly; the predicate intersects to
	// nothing rather than widening.
	req := []string{"sb"}
	f, err := r.Filter(ctx, alice, storage.MessageFilter{SessionIDs: &req})
	if err != nil {
		t.Fatal(err)
	}
	if f.SessionIDs == nil || len(*f.SessionIDs) != 0 {
		t.Errorf("predicate = %v", f.SessionIDs)
	}

	// Asking for her own narrows correctly
	req = []string{"sa", "sb"}
	f, err = r.Filter(ctx, alice, storage.MessageFilter{SessionIDs: &req})
	if err != nil {
		t.Fatal(err)
	}
	if f.SessionIDs == nil || len(*f.SessionIDs) != 1 || (*f.SessionIDs)[0] != "sa" {
		t.Errorf("predicate = %v", f.SessionIDs)
	}
}

func TestRequireSession(t *testing.T) {
	r, _ := seedTwoTenants(t)
	ctx := context.Background()

	if err := r.RequireSession(ctx, alice, "sa"); err != nil {
		t.Errorf("own session rejected: %v", err)
	}
	err := r.RequireSession(ctx, alice, "sb")
	if !apperr.Is(err, apperr.Forbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}
