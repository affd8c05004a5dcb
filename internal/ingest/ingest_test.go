package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/claudelens/claudelens/internal/apperr"
	"github.com/claudelens/claudelens/internal/pricing"
	"github.com/claudelens/claudelens/internal/progress"
	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/storage/sqlite"
	"github.com/claudelens/claudelens/internal/types"
)

var alice = types.Principal{UserID: "alice", Role: types.RoleUser}

func setupPipeline(t *testing.T) (*Pipeline, *sqlite.Store, *progress.Broadcaster) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claudelens.db")
	store, err := sqlite.New(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc, err := pricing.NewService("", nil)
	if err != nil {
		t.Fatal(err)
	}
	b := progress.NewBroadcaster()
	return NewPipeline(store, svc, b, nil), store, b
}

func record(u, session, cwd string, ts time.Time) *types.Message {
	return &types.Message{
		UUID: u, SessionID: session, CWD: cwd, Type: types.MessageUser,
		Content: json.RawMessage(`{"text":"hello"}`), Timestamp: ts,
	}
}

func TestIngestBatch(t *testing.T) {
	p, store, _ := setupPipeline(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	batch := &Batch{Messages: []*types.Message{
		record("30000000-0000-0000-0000-000000000001", "s1", "/proj/x", ts),
		record("30000000-0000-0000-0000-000000000002", "s1", "/proj/x", ts.Add(time.Minute)),
		record("30000000-0000-0000-0000-000000000003", "s2", "/proj/y", ts.Add(2*time.Minute)),
	}}
	jobID, stats, err := p.Ingest(ctx, alice, batch)
	if err != nil {
		t.Fatal(err)
	}
	if jobID == "" {
		t.Error("no job id")
	}
	if stats.Inserted != 3 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.SessionsCreated != 2 || len(stats.ProjectsCreated) != 2 {
		t.Errorf("materialization stats = %+v", stats)
	}

	// Session rollup reflects the batch
	sess, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.MessageCount != 2 {
		t.Errorf("s1 message_count = %d", sess.MessageCount)
	}
	if !sess.StartedAt.Equal(ts) || !sess.EndedAt.Equal(ts.Add(time.Minute)) {
		t.Errorf("s1 bounds = %v..%v", sess.StartedAt, sess.EndedAt)
	}

	// Project counters were bumped
	proj, err := store.GetProjectByPath(ctx, "alice", "/proj/x")
	if err != nil {
		t.Fatal(err)
	}
	if proj.SessionCount != 1 || proj.MessageCount != 2 {
		t.Errorf("project counters = %+v", proj)
	}
}

func TestIngestAppendIdempotent(t *testing.T) {
	p, store, _ := setupPipeline(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mk := func() *Batch {
		return &Batch{Messages: []*types.Message{
			record("31000000-0000-0000-0000-000000000001", "s1", "/proj/x", ts),
			record("31000000-0000-0000-0000-000000000002", "s1", "/proj/x", ts.Add(time.Minute)),
		}}
	}
	if _, _, err := p.Ingest(ctx, alice, mk()); err != nil {
		t.Fatal(err)
	}
	_, stats, err := p.Ingest(ctx, alice, mk())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Inserted != 0 || stats.Skipped != 2 {
		t.Errorf("second pass stats = %+v", stats)
	}

	sess, _ := store.GetSession(ctx, "s1")
	if sess.MessageCount != 2 {
		t.Errorf("message_count after replay = %d", sess.MessageCount)
	}
	start, end := ts.Add(-time.Hour), ts.Add(time.Hour)
	n, _ := store.CountMessages(ctx, storage.MessageFilter{Start: &start, End: &end})
	if n != 2 {
		t.Errorf("store holds %d messages", n)
	}
}

func TestIngestDuplicateUUIDsAcrossBatches(t *testing.T) {
	p, store, _ := setupPipeline(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mk := func(lo, hi int, text string) *Batch {
		b := &Batch{}
		for i := lo; i < hi; i++ {
			m := record(fmt.Sprintf("32000000-0000-0000-0000-%012d", i), "s1", "/proj/x", ts.Add(time.Duration(i)*time.Second))
			m.Content = json.RawMessage(fmt.Sprintf(`{"text":%q}`, text))
			b.Messages = append(b.Messages, m)
		}
		return b
	}

	// Batch A: 0..332 (333 records). Batch B: 133..465 (333 records, 200 shared).
	if _, _, err := p.Ingest(ctx, alice, mk(0, 333, "from A")); err != nil {
		t.Fatal(err)
	}

	t.Run("append", func(t *testing.T) {
		_, stats, err := p.Ingest(ctx, alice, mk(133, 466, "from B"))
		if err != nil {
			t.Fatal(err)
		}
		if stats.Inserted != 133 || stats.Skipped != 200 {
			t.Errorf("stats = %+v", stats)
		}
		start, end := ts.Add(-time.Hour), ts.Add(time.Hour)
		n, _ := store.CountMessages(ctx, storage.MessageFilter{Start: &start, End: &end})
		if n != 466 {
			t.Errorf("store holds %d distinct messages", n)
		}
		// Shared records kept batch A's content in append mode
		m, err := store.GetMessage(ctx, "32000000-0000-0000-0000-000000000200", nil)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(m.Content), "from A") {
			t.Errorf("append mode replaced content: %s", m.Content)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		_, stats, err := p.Ingest(ctx, alice, &Batch{
			Messages:      mk(133, 466, "from B overwrite").Messages,
			OverwriteMode: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		if stats.Updated != 333 {
			t.Errorf("stats = %+v", stats)
		}
		m, _ := store.GetMessage(ctx, "32000000-0000-0000-0000-000000000200", nil)
		if !strings.Contains(string(m.Content), "from B overwrite") {
			t.Errorf("overwrite mode kept old content: %s", m.Content)
		}
	})
}

func TestIngestOverwriteSameHashSkips(t *testing.T) {
	p, _, _ := setupPipeline(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mk := func() *Batch {
		return &Batch{
			Messages:      []*types.Message{record("33000000-0000-0000-0000-000000000001", "s1", "/p", ts)},
			OverwriteMode: true,
		}
	}
	if _, _, err := p.Ingest(ctx, alice, mk()); err != nil {
		t.Fatal(err)
	}
	_, stats, err := p.Ingest(ctx, alice, mk())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 1 || stats.Updated != 0 {
		t.Errorf("identical overwrite stats = %+v", stats)
	}
}

func TestIngestPartialFailure(t *testing.T) {
	p, store, _ := setupPipeline(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	bad := record("34000000-0000-0000-0000-000000000002", "s1", "/p", ts)
	bad.Type = "bogus"
	noPayload := &types.Message{
		UUID: "34000000-0000-0000-0000-000000000003", SessionID: "s1",
		Type: types.MessageAssistant, Timestamp: ts,
	}
	batch := &Batch{Messages: []*types.Message{
		record("34000000-0000-0000-0000-000000000001", "s1", "/p", ts),
		bad,
		noPayload,
		record("34000000-0000-0000-0000-000000000004", "s1", "/p", ts.Add(time.Second)),
	}}

	_, stats, err := p.Ingest(ctx, alice, batch)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Inserted != 2 || stats.Failed != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.Errors) != 2 || stats.Errors[0].Index != 1 || stats.Errors[1].Index != 2 {
		t.Errorf("errors = %+v", stats.Errors)
	}
	// Good records landed despite the bad ones
	if _, err := store.GetMessage(ctx, "34000000-0000-0000-0000-000000000004", nil); err != nil {
		t.Errorf("good record lost: %v", err)
	}
}

func TestIngestSanitizesScriptTags(t *testing.T) {
	p, store, _ := setupPipeline(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	m := record("35000000-0000-0000-0000-000000000001", "s1", "/p", ts)
	m.Content = json.RawMessage(`{"text":"hi <SCRIPT>alert(1)</scRipt> there"}`)
	if _, _, err := p.Ingest(ctx, alice, &Batch{Messages: []*types.Message{m}}); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetMessage(ctx, m.UUID, nil)
	if err != nil {
		t.Fatal(err)
	}
	lower := strings.ToLower(string(got.Content))
	if strings.Contains(lower, "<script") || strings.Contains(lower, "alert(1)") {
		t.Errorf("script fragment survived: %s", got.Content)
	}

	// Plain code content is untouched
	code := record("35000000-0000-0000-0000-000000000002", "s1", "/p", ts.Add(time.Second))
	code.Content = json.RawMessage(`{"text":"func main() { fmt.Println(\"x < y\") }"}`)
	if _, _, err := p.Ingest(ctx, alice, &Batch{Messages: []*types.Message{code}}); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetMessage(ctx, code.UUID, nil)
	if !strings.Contains(string(got.Content), `x < y`) {
		t.Errorf("benign content mangled: %s", got.Content)
	}
}

func TestIngestTenantIsolationByCWD(t *testing.T) {
	p, store, _ := setupPipeline(t)
	ctx := context.Background()
	bob := types.Principal{UserID: "bob", Role: types.RoleUser}
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, _, err := p.Ingest(ctx, alice, &Batch{Messages: []*types.Message{
		record("36000000-0000-0000-0000-000000000001", "sa", "/proj/x", ts),
	}}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Ingest(ctx, bob, &Batch{Messages: []*types.Message{
		record("36000000-0000-0000-0000-000000000002", "sb", "/proj/x", ts),
	}}); err != nil {
		t.Fatal(err)
	}

	pa, err := store.GetProjectByPath(ctx, "alice", "/proj/x")
	if err != nil {
		t.Fatal(err)
	}
	pb, err := store.GetProjectByPath(ctx, "bob", "/proj/x")
	if err != nil {
		t.Fatal(err)
	}
	if pa.ID == pb.ID {
		t.Error("same project materialized for two principals")
	}
}

func TestIngestLimitsAndAuth(t *testing.T) {
	p, _, _ := setupPipeline(t)
	ctx := context.Background()

	big := &Batch{Messages: make([]*types.Message, MaxBatchSize+1)}
	_, _, err := p.Ingest(ctx, alice, big)
	if !apperr.Is(err, apperr.Validation) {
		t.Errorf("oversize batch error = %v", err)
	}

	_, _, err = p.Ingest(ctx, types.Anonymous, &Batch{})
	if !apperr.Is(err, apperr.Unauthorized) {
		t.Errorf("anonymous ingest error = %v", err)
	}
}

func TestIngestPublishesTerminalEvent(t *testing.T) {
	p, _, b := setupPipeline(t)
	ctx := context.Background()
	sub := b.Subscribe(progress.AllJobs)
	defer sub.Close()

	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	jobID, _, err := p.Ingest(ctx, alice, &Batch{Messages: []*types.Message{
		record("37000000-0000-0000-0000-000000000001", "s1", "/p", ts),
	}})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-sub.C:
		if ev.JobID != jobID || !ev.Completed || ev.Progress != 100 {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("no terminal event published")
	}
}
