package sqlite

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/claudelens/claudelens/internal/storage"
)

// partitionDDL is the per-partition table shape. The name is interpolated
// (not a bind parameter — SQLite does not parameterize identifiers), always
// produced by storage.PartitionName so it cannot carry hostile input.
const partitionDDL = `
CREATE TABLE IF NOT EXISTS %[1]s (
    uuid TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    parent_uuid TEXT,
    type TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    timestamp TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens INTEGER NOT NULL DEFAULT 0,
    cost_micros INTEGER NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    git_branch TEXT NOT NULL DEFAULT '',
    cwd TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_session_ts ON %[1]s(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_%[1]s_ts ON %[1]s(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_%[1]s_type_ts ON %[1]s(type, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_%[1]s_parent ON %[1]s(parent_uuid);
CREATE INDEX IF NOT EXISTS idx_%[1]s_model_ts ON %[1]s(model, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_%[1]s_cost ON %[1]s(cost_micros DESC);
`

// EnsurePartition creates the partition for t (table plus full index set)
// if it does not exist. Creation is idempotent; the in-process cache only
// bounds redundant DDL round-trips.
func (s *Store) EnsurePartition(ctx context.Context, t time.Time) (string, error) {
	name := storage.PartitionName(t)
	if _, ok := s.indexed.Load(name); ok {
		return name, nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(partitionDDL, name)); err != nil {
		return "", fmt.Errorf("failed to create partition %s: %w", name, err)
	}
	s.indexed.Store(name, struct{}{})
	return name, nil
}

// ListPartitions returns every existing message partition, oldest first.
func (s *Store) ListPartitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'messages\_%' ESCAPE '\'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if _, _, ok := storage.ParsePartition(name); ok {
			names = append(names, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names) // zero-padded YYYY_MM sorts chronologically
	return names, nil
}

// existingPartitions filters candidate names down to partitions that
// physically exist, preserving order.
func (s *Store) existingPartitions(ctx context.Context, candidates []string) ([]string, error) {
	all, err := s.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}
	exists := make(map[string]bool, len(all))
	for _, p := range all {
		exists[p] = true
	}
	var out []string
	for _, c := range candidates {
		if exists[c] {
			out = append(out, c)
		}
	}
	return out, nil
}

// DropEmptyPartitions removes partitions holding zero messages and returns
// the dropped names. Run by the background scheduler; a partition emptied
// by deletes is recreated lazily if a message for its month arrives later.
func (s *Store) DropEmptyPartitions(ctx context.Context) ([]string, error) {
	parts, err := s.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}

	var dropped []string
	for _, p := range parts {
		var n int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p)).Scan(&n); err != nil {
			return dropped, fmt.Errorf("failed to count %s: %w", p, err)
		}
		if n != 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, p)); err != nil {
			return dropped, fmt.Errorf("failed to drop %s: %w", p, err)
		}
		s.indexed.Delete(p)
		dropped = append(dropped, p)
	}
	return dropped, nil
}
