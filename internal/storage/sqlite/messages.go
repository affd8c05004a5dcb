package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"

	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

// messageCols is the partition column list, in scan order.
const messageCols = `uuid, session_id, parent_uuid, type, content, timestamp, content_hash,
	model, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
	cost_micros, latency_ms, git_branch, cwd, created_at, updated_at`

// isDuplicateErr reports whether err is a uniqueness violation. Foreign-key
// and other constraint failures are not duplicates and pass through as-is.
func isDuplicateErr(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) ||
		errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) ||
		errors.Is(err, sqlite3.CONSTRAINT_ROWID)
}

// InsertMessage writes a new message into its month partition and records
// it in the global locator. A duplicate uuid returns storage.ErrDuplicate.
func (s *Store) InsertMessage(ctx context.Context, m *types.Message) error {
	part, err := s.EnsurePartition(ctx, m.Timestamp)
	if err != nil {
		return err
	}
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.(*txStore).insertMessageInto(ctx, part, m)
	})
}

func (t *txStore) insertMessageInto(ctx context.Context, part string, m *types.Message) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.ContentHash == "" {
		m.ContentHash = m.ComputeContentHash()
	}

	// Locator row first: its primary key is the global uniqueness guard.
	if _, err := t.conn.ExecContext(ctx,
		`INSERT INTO message_index (uuid, part, session_id) VALUES (?, ?, ?)`,
		m.UUID, part, m.SessionID); err != nil {
		if isDuplicateErr(err) {
			return fmt.Errorf("message %s: %w", m.UUID, storage.ErrDuplicate)
		}
		return fmt.Errorf("failed to index message: %w", err)
	}

	if _, err := t.conn.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		part, messageCols),
		m.UUID, m.SessionID, nullStr(strPtr(m.ParentUUID)), string(m.Type), string(m.Content),
		fmtTime(m.Timestamp), m.ContentHash, m.Model,
		m.InputTokens, m.OutputTokens, m.CacheCreationTokens, m.CacheReadTokens,
		m.CostMicros, m.LatencyMS, m.GitBranch, m.CWD,
		fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt)); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ReplaceMessage rewrites a stored message wholesale, keeping it in its
// original partition. Timestamps are immutable after write: a replacement
// never moves a document between partitions.
func (s *Store) ReplaceMessage(ctx context.Context, m *types.Message) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.ReplaceMessage(ctx, m)
	})
}

func (t *txStore) ReplaceMessage(ctx context.Context, m *types.Message) error {
	part, err := t.locate(ctx, m.UUID)
	if err != nil {
		return err
	}
	if m.ContentHash == "" {
		m.ContentHash = m.ComputeContentHash()
	}
	res, err := t.conn.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET session_id = ?, parent_uuid = ?, type = ?, content = ?, content_hash = ?,
			model = ?, input_tokens = ?, output_tokens = ?, cache_creation_tokens = ?,
			cache_read_tokens = ?, cost_micros = ?, latency_ms = ?, git_branch = ?, cwd = ?,
			updated_at = ?
		WHERE uuid = ?`, part),
		m.SessionID, nullStr(strPtr(m.ParentUUID)), string(m.Type), string(m.Content), m.ContentHash,
		m.Model, m.InputTokens, m.OutputTokens, m.CacheCreationTokens,
		m.CacheReadTokens, m.CostMicros, m.LatencyMS, m.GitBranch, m.CWD,
		fmtTime(time.Now()), m.UUID)
	if err != nil {
		return fmt.Errorf("failed to replace message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", m.UUID, storage.ErrNotFound)
	}
	if _, err := t.conn.ExecContext(ctx,
		`UPDATE message_index SET session_id = ? WHERE uuid = ?`, m.SessionID, m.UUID); err != nil {
		return fmt.Errorf("failed to update locator: %w", err)
	}
	return nil
}

// GetMessage fetches a single message. A timestamp hint restricts the probe
// to that month's partition; without one the locator is consulted, falling
// back to a newest-first scan for stores predating the locator table.
func (s *Store) GetMessage(ctx context.Context, uuid string, hint *time.Time) (*types.Message, error) {
	if hint != nil {
		part := storage.PartitionName(*hint)
		if ok, err := s.partitionExists(ctx, part); err != nil {
			return nil, err
		} else if ok {
			m, err := s.getFromPartition(ctx, part, uuid)
			if err == nil || !errors.Is(err, storage.ErrNotFound) {
				return m, err
			}
		}
	}

	var part string
	err := s.db.QueryRowContext(ctx, `SELECT part FROM message_index WHERE uuid = ?`, uuid).Scan(&part)
	switch {
	case err == nil:
		return s.getFromPartition(ctx, part, uuid)
	case errors.Is(err, sql.ErrNoRows):
		// Fall through to the scan
	default:
		return nil, fmt.Errorf("failed to locate message: %w", err)
	}

	parts, err := s.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(parts) - 1; i >= 0; i-- {
		m, err := s.getFromPartition(ctx, parts[i], uuid)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("message %s: %w", uuid, storage.ErrNotFound)
}

// DeleteMessage removes a message and its locator row.
func (s *Store) DeleteMessage(ctx context.Context, uuid string) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.DeleteMessage(ctx, uuid)
	})
}

func (t *txStore) DeleteMessage(ctx context.Context, uuid string) error {
	part, err := t.locate(ctx, uuid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil // Idempotent: deleting an absent message is a no-op
		}
		return err
	}
	if _, err := t.conn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE uuid = ?`, part), uuid); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if _, err := t.conn.ExecContext(ctx, `DELETE FROM message_index WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("failed to delete locator: %w", err)
	}
	return nil
}

// locate resolves the partition holding uuid via the locator table.
func (t *txStore) locate(ctx context.Context, uuid string) (string, error) {
	var part string
	err := t.conn.QueryRowContext(ctx, `SELECT part FROM message_index WHERE uuid = ?`, uuid).Scan(&part)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("message %s: %w", uuid, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to locate message: %w", err)
	}
	return part, nil
}

func (s *Store) partitionExists(ctx context.Context, part string) (bool, error) {
	if _, ok := s.indexed.Load(part); ok {
		return true, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, part).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) getFromPartition(ctx context.Context, part, uuid string) (*types.Message, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE uuid = ?`, messageCols, part), uuid)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", uuid, storage.ErrNotFound)
	}
	return m, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var m types.Message
	var parent sql.NullString
	var typ, content, ts, createdAt, updatedAt string
	if err := row.Scan(&m.UUID, &m.SessionID, &parent, &typ, &content, &ts, &m.ContentHash,
		&m.Model, &m.InputTokens, &m.OutputTokens, &m.CacheCreationTokens, &m.CacheReadTokens,
		&m.CostMicros, &m.LatencyMS, &m.GitBranch, &m.CWD, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.Type = types.MessageType(typ)
	if content != "" {
		m.Content = json.RawMessage(content)
	}
	if parent.Valid {
		p := parent.String
		m.ParentUUID = &p
	}
	m.Timestamp = parseTime(ts)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func strPtr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// sortMessages orders merged fan-out results by timestamp, ties broken by
// uuid so pagination is stable across runs.
func sortMessages(msgs []*types.Message, order storage.SortOrder) {
	sort.Slice(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if order == storage.SortDesc {
				return a.Timestamp.After(b.Timestamp)
			}
			return a.Timestamp.Before(b.Timestamp)
		}
		if order == storage.SortDesc {
			return a.UUID > b.UUID
		}
		return a.UUID < b.UUID
	})
}
