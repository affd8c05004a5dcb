package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

// Verify txStore implements storage.Transaction at compile time.
var _ storage.Transaction = (*txStore)(nil)

// txStore wraps a dedicated connection with an active transaction.
type txStore struct {
	conn   *sql.Conn
	parent *Store
}

// RunInTransaction executes fn within a database transaction.
//
// BEGIN IMMEDIATE acquires the write lock up front so concurrent writers
// queue instead of deadlocking mid-transaction. SQLITE_BUSY on begin is
// retried with a short exponential backoff.
//
// On success the transaction commits; on error or panic it rolls back.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediate(ctx, conn); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even when ctx is cancelled
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	tx := &txStore{conn: conn, parent: s}
	if err := fn(tx); err != nil {
		return err // Rollback happens in the defer
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func beginImmediate(ctx context.Context, conn *sql.Conn) error {
	delay := 10 * time.Millisecond
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "busy") {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

// InsertMessage inserts a message within the transaction, creating its
// partition through the transaction's own connection when needed.
func (t *txStore) InsertMessage(ctx context.Context, m *types.Message) error {
	part := storage.PartitionName(m.Timestamp)
	if _, ok := t.parent.indexed.Load(part); !ok {
		if _, err := t.conn.ExecContext(ctx, fmt.Sprintf(partitionDDL, part)); err != nil {
			return fmt.Errorf("failed to create partition %s: %w", part, err)
		}
		t.parent.indexed.Store(part, struct{}{})
	}
	return t.insertMessageInto(ctx, part, m)
}

// CreateProject inserts a project row within the transaction.
func (t *txStore) CreateProject(ctx context.Context, p *types.Project) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, path, name, session_count, message_count, total_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Path, p.Name, p.SessionCount, p.MessageCount, p.TotalBytes,
		fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	if isDuplicateErr(err) {
		return fmt.Errorf("project %s: %w", p.ID, storage.ErrDuplicate)
	}
	return err
}

// CreateSession inserts a session row within the transaction.
func (t *txStore) CreateSession(ctx context.Context, s *types.Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, started_at, ended_at, message_count, total_cost_micros, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ProjectID, fmtTime(s.StartedAt), fmtTime(s.EndedAt),
		s.MessageCount, s.TotalCostMicros, fmtTime(s.CreatedAt), fmtTime(s.UpdatedAt))
	if isDuplicateErr(err) {
		return fmt.Errorf("session %s: %w", s.ID, storage.ErrDuplicate)
	}
	return err
}
