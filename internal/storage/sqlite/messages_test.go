package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

func mkMessage(uuid, session string, ts time.Time) *types.Message {
	return &types.Message{
		UUID:      uuid,
		SessionID: session,
		Type:      types.MessageUser,
		Content:   json.RawMessage(`{"text":"hello"}`),
		Timestamp: ts,
	}
}

func TestInsertAndGetMessage(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	ts := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	m := mkMessage("11111111-1111-1111-1111-111111111111", "sess-1", ts)
	if err := store.InsertMessage(ctx, m); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	got, err := store.GetMessage(ctx, m.UUID, nil)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.SessionID != "sess-1" || !got.Timestamp.Equal(ts) {
		t.Errorf("got %+v", got)
	}
	if got.ContentHash == "" {
		t.Error("content hash should be computed on insert")
	}

	// Lookup with a timestamp hint hits the partition directly
	got, err = store.GetMessage(ctx, m.UUID, &ts)
	if err != nil {
		t.Fatalf("GetMessage with hint failed: %v", err)
	}
	if got.UUID != m.UUID {
		t.Errorf("hint lookup returned %s", got.UUID)
	}
}

func TestInsertDuplicateUUID(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	ts := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	if err := store.InsertMessage(ctx, mkMessage("22222222-2222-2222-2222-222222222222", "s", ts)); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	// Same uuid, different month: the global locator still rejects it
	err := store.InsertMessage(ctx, mkMessage("22222222-2222-2222-2222-222222222222", "s", ts.AddDate(0, 2, 0)))
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestCrossMonthPartitioning(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	jan := time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 1, 0, time.UTC)
	if err := store.InsertMessage(ctx, mkMessage("aaaaaaaa-0000-0000-0000-000000000001", "s", jan)); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertMessage(ctx, mkMessage("aaaaaaaa-0000-0000-0000-000000000002", "s", feb)); err != nil {
		t.Fatal(err)
	}

	parts, err := store.ListPartitions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 || parts[0] != "messages_2024_01" || parts[1] != "messages_2024_02" {
		t.Fatalf("partitions = %v", parts)
	}
	for _, p := range parts {
		var n int64
		if err := store.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", p)).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("%s has %d messages, want 1", p, n)
		}
	}

	// A find over [Jan 31, Feb 1] returns both, oldest first
	start := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)
	msgs, err := store.QueryMessages(ctx, storage.MessageFilter{Start: &start, End: &end})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("fan-out returned %d messages, want 2", len(msgs))
	}
	if !msgs[0].Timestamp.Equal(jan) || !msgs[1].Timestamp.Equal(feb) {
		t.Errorf("merge order wrong: %v, %v", msgs[0].Timestamp, msgs[1].Timestamp)
	}
}

func TestQueryMergeSortAndPagination(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	// 10 messages spread over 3 months, inserted out of order
	for i := 9; i >= 0; i-- {
		ts := base.AddDate(0, i%3, i)
		u := fmt.Sprintf("bbbbbbbb-0000-0000-0000-%012d", i)
		if err := store.InsertMessage(ctx, mkMessage(u, "s", ts)); err != nil {
			t.Fatal(err)
		}
	}

	start := base.AddDate(0, 0, -1)
	end := base.AddDate(0, 6, 0)
	all, err := store.QueryMessages(ctx, storage.MessageFilter{Start: &start, End: &end})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 10 {
		t.Fatalf("got %d messages, want 10", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			t.Fatalf("merged results out of order at %d", i)
		}
	}

	page, err := store.QueryMessages(ctx, storage.MessageFilter{Start: &start, End: &end, Limit: 3, Offset: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 {
		t.Fatalf("page has %d messages, want 3", len(page))
	}
	if page[0].UUID != all[4].UUID {
		t.Errorf("pagination applied before merge: got %s, want %s", page[0].UUID, all[4].UUID)
	}

	n, err := store.CountMessages(ctx, storage.MessageFilter{Start: &start, End: &end})
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Errorf("count = %d, want 10", n)
	}
}

func TestSessionPredicateMatchesNothingWhenEmpty(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := store.InsertMessage(ctx, mkMessage("cccccccc-0000-0000-0000-000000000001", "s1", ts)); err != nil {
		t.Fatal(err)
	}

	empty := []string{}
	start, end := ts.AddDate(0, 0, -1), ts.AddDate(0, 0, 1)
	msgs, err := store.QueryMessages(ctx, storage.MessageFilter{SessionIDs: &empty, Start: &start, End: &end})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("empty tenant predicate must match nothing, got %d", len(msgs))
	}
}

func TestReplaceMessageStaysInPartition(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	ts := time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)
	m := mkMessage("dddddddd-0000-0000-0000-000000000001", "s1", ts)
	if err := store.InsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	repl := mkMessage(m.UUID, "s1", ts)
	repl.Content = json.RawMessage(`{"text":"edited"}`)
	repl.Model = "claude-sonnet-4"
	if err := store.ReplaceMessage(ctx, repl); err != nil {
		t.Fatalf("ReplaceMessage failed: %v", err)
	}

	got, err := store.GetMessage(ctx, m.UUID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != "claude-sonnet-4" {
		t.Errorf("model = %q", got.Model)
	}
	if string(got.Content) != `{"text":"edited"}` {
		t.Errorf("content = %s", got.Content)
	}

	parts, _ := store.ListPartitions(ctx)
	if len(parts) != 1 {
		t.Errorf("replace must not create partitions: %v", parts)
	}
}

func TestDeleteMessageAndDropEmpty(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	ts := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	m := mkMessage("eeeeeeee-0000-0000-0000-000000000001", "s1", ts)
	if err := store.InsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteMessage(ctx, m.UUID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetMessage(ctx, m.UUID, nil); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	// Idempotent
	if err := store.DeleteMessage(ctx, m.UUID); err != nil {
		t.Errorf("second delete should no-op, got %v", err)
	}

	dropped, err := store.DropEmptyPartitions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dropped) != 1 || dropped[0] != "messages_2024_07" {
		t.Errorf("dropped = %v", dropped)
	}
	parts, _ := store.ListPartitions(ctx)
	if len(parts) != 0 {
		t.Errorf("partitions after GC = %v", parts)
	}

	// The month is recreated lazily if another message arrives
	if err := store.InsertMessage(ctx, mkMessage("eeeeeeee-0000-0000-0000-000000000002", "s1", ts)); err != nil {
		t.Fatalf("insert after drop failed: %v", err)
	}
}

func TestSearchMessages(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	ts := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	a := mkMessage("ffffffff-0000-0000-0000-000000000001", "s1", ts)
	a.Content = json.RawMessage(`{"text":"refactor the parser"}`)
	b := mkMessage("ffffffff-0000-0000-0000-000000000002", "s1", ts.Add(time.Minute))
	b.Content = json.RawMessage(`{"text":"fix the 100% flaky test"}`)
	for _, m := range []*types.Message{a, b} {
		if err := store.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	start, end := ts.Add(-time.Hour), ts.Add(time.Hour)
	f := storage.MessageFilter{Start: &start, End: &end}

	hits, err := store.SearchMessages(ctx, "parser", f)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].UUID != a.UUID {
		t.Errorf("search hits = %v", hits)
	}

	// LIKE metacharacters in the query are escaped, not interpreted
	hits, err = store.SearchMessages(ctx, "100%", f)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].UUID != b.UUID {
		t.Errorf("literal %% search hits = %d", len(hits))
	}
}

func TestAggregateCosts(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		m := mkMessage(fmt.Sprintf("99999999-0000-0000-0000-%012d", i), "s1", base.AddDate(0, i%2, 0))
		m.Model = "claude-opus-4"
		if i == 3 {
			m.Model = "claude-haiku-3"
		}
		m.CostMicros = int64((i + 1) * 1000)
		m.InputTokens = 100
		if err := store.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	start, end := base.AddDate(0, 0, -1), base.AddDate(0, 2, 0)
	aggs, err := store.AggregateCosts(ctx, storage.MessageFilter{Start: &start, End: &end})
	if err != nil {
		t.Fatal(err)
	}
	if len(aggs) != 2 {
		t.Fatalf("aggregates = %+v", aggs)
	}
	// Sorted by cost desc: opus first (1000+2000+3000)
	if aggs[0].Model != "claude-opus-4" || aggs[0].CostMicros != 6000 || aggs[0].Messages != 3 {
		t.Errorf("aggs[0] = %+v", aggs[0])
	}
	if aggs[1].Model != "claude-haiku-3" || aggs[1].CostMicros != 4000 {
		t.Errorf("aggs[1] = %+v", aggs[1])
	}
}
