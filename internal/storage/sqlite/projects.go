package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

const projectCols = `id, owner_id, path, name, session_count, message_count, total_bytes, created_at, updated_at`

// CreateProject inserts a project. A duplicate (owner, path) pair returns
// storage.ErrDuplicate.
func (s *Store) CreateProject(ctx context.Context, p *types.Project) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateProject(ctx, p)
	})
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM projects WHERE id = ?`, projectCols), id)
	return scanProject(row)
}

// GetProjectByPath fetches the project owned by ownerID with the given
// canonical path. The mapping is per-principal: two owners may archive the
// same working directory independently.
func (s *Store) GetProjectByPath(ctx context.Context, ownerID, path string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM projects WHERE owner_id = ? AND path = ?`, projectCols), ownerID, path)
	return scanProject(row)
}

// ListProjects returns every project owned by ownerID.
func (s *Store) ListProjects(ctx context.Context, ownerID string) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM projects WHERE owner_id = ? ORDER BY created_at`, projectCols), ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return collectProjects(rows)
}

// ListAllProjects returns every project. Admin-only callers.
func (s *Store) ListAllProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM projects ORDER BY created_at`, projectCols))
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return collectProjects(rows)
}

// UpdateProject rewrites a project row in full. Used by the restore engine
// for overwrite and pre-image rollback.
func (s *Store) UpdateProject(ctx context.Context, p *types.Project) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET owner_id = ?, path = ?, name = ?,
			session_count = ?, message_count = ?, total_bytes = ?, updated_at = ?
		WHERE id = ?`,
		p.OwnerID, p.Path, p.Name, p.SessionCount, p.MessageCount, p.TotalBytes,
		fmtTime(time.Now()), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", p.ID, storage.ErrNotFound)
	}
	return nil
}

// BumpProjectCounters adds the deltas to a project's denormalized counters.
func (s *Store) BumpProjectCounters(ctx context.Context, id string, sessions, messages, bytes int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET session_count = session_count + ?,
			message_count = message_count + ?, total_bytes = total_bytes + ?,
			updated_at = ?
		WHERE id = ?`,
		sessions, messages, bytes, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to bump project counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// DeleteProjectCascade removes a project, its sessions, and every message
// in those sessions across all partitions. This is the only way project
// data is destroyed.
func (s *Store) DeleteProjectCascade(ctx context.Context, id string) error {
	sessions, err := s.ListSessions(ctx, []string{id})
	if err != nil {
		return err
	}
	parts, err := s.ListPartitions(ctx)
	if err != nil {
		return err
	}

	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		t := tx.(*txStore)
		for _, sess := range sessions {
			for _, part := range parts {
				if _, err := t.conn.ExecContext(ctx,
					fmt.Sprintf(`DELETE FROM %s WHERE session_id = ?`, part), sess.ID); err != nil {
					return fmt.Errorf("failed to delete messages in %s: %w", part, err)
				}
			}
			if _, err := t.conn.ExecContext(ctx,
				`DELETE FROM message_index WHERE session_id = ?`, sess.ID); err != nil {
				return fmt.Errorf("failed to delete locators: %w", err)
			}
		}
		if _, err := t.conn.ExecContext(ctx, `DELETE FROM sessions WHERE project_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete sessions: %w", err)
		}
		if _, err := t.conn.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}
		return nil
	})
}

// CreateSession inserts a session row.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateSession(ctx, sess)
	})
}

const sessionCols = `id, project_id, started_at, ended_at, message_count, total_cost_micros, created_at, updated_at`

// GetSession fetches a session by its externally supplied id.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM sessions WHERE id = ?`, sessionCols), id)
	return scanSession(row)
}

// ListSessions returns sessions belonging to any of the given projects. A
// nil or empty project set returns nothing: the resolver always supplies
// the set explicitly.
func (s *Store) ListSessions(ctx context.Context, projectIDs []string) ([]*types.Session, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	q := fmt.Sprintf(`SELECT %s FROM sessions WHERE project_id IN (%s) ORDER BY started_at`,
		sessionCols, placeholders(len(projectIDs)))
	args := make([]interface{}, len(projectIDs))
	for i, id := range projectIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSession rewrites a session row in full. Used by the restore engine
// for overwrite and pre-image rollback.
func (s *Store) UpdateSession(ctx context.Context, sess *types.Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET project_id = ?, started_at = ?, ended_at = ?,
			message_count = ?, total_cost_micros = ?, updated_at = ?
		WHERE id = ?`,
		sess.ProjectID, fmtTime(sess.StartedAt), fmtTime(sess.EndedAt),
		sess.MessageCount, sess.TotalCostMicros, fmtTime(time.Now()), sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, storage.ErrNotFound)
	}
	return nil
}

// UpdateSessionBounds widens a session's [started_at, ended_at] window and
// adds to its counters. Counters only grow here; overwrite-mode ingest uses
// SetSessionRollup to recompute them instead.
func (s *Store) UpdateSessionBounds(ctx context.Context, id string, start, end time.Time, addMessages, addCostMicros int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			started_at = MIN(started_at, ?),
			ended_at = MAX(ended_at, ?),
			message_count = message_count + ?,
			total_cost_micros = total_cost_micros + ?,
			updated_at = ?
		WHERE id = ?`,
		fmtTime(start), fmtTime(end), addMessages, addCostMicros, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update session bounds: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// SetSessionRollup overwrites a session's counters with recomputed totals.
func (s *Store) SetSessionRollup(ctx context.Context, id string, messages, costMicros int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET message_count = ?, total_cost_micros = ?, updated_at = ?
		WHERE id = ?`,
		messages, costMicros, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set session rollup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// DeleteSession removes a session row. Messages are handled separately by
// the caller (restore rollback deletes them individually).
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func scanProject(row rowScanner) (*types.Project, error) {
	var p types.Project
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.OwnerID, &p.Path, &p.Name,
		&p.SessionCount, &p.MessageCount, &p.TotalBytes, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func collectProjects(rows *sql.Rows) ([]*types.Project, error) {
	defer func() { _ = rows.Close() }()
	var out []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (*types.Session, error) {
	sess, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return sess, err
}

func scanSessionRow(row rowScanner) (*types.Session, error) {
	var sess types.Session
	var startedAt, endedAt, createdAt, updatedAt string
	if err := row.Scan(&sess.ID, &sess.ProjectID, &startedAt, &endedAt,
		&sess.MessageCount, &sess.TotalCostMicros, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.StartedAt = parseTime(startedAt)
	sess.EndedAt = parseTime(endedAt)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}
