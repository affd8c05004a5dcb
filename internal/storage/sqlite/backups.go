package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

const backupCols = `id, name, created_by, file_path, size_bytes, compressed_size, checksum,
	type, filter, status, error, content_counts, created_at, completed_at`

// CreateBackup inserts a backup-metadata row.
func (s *Store) CreateBackup(ctx context.Context, b *types.BackupMetadata) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	filter, err := json.Marshal(b.Filter)
	if err != nil {
		return err
	}
	counts, err := json.Marshal(b.ContentCounts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO backup_metadata (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, backupCols),
		b.ID, b.Name, b.CreatedBy, b.FilePath, b.SizeBytes, b.CompressedSize, b.Checksum,
		string(b.Type), string(filter), string(b.Status), b.Error, string(counts),
		fmtTime(b.CreatedAt), fmtTimePtr(b.CompletedAt))
	if isDuplicateErr(err) {
		return fmt.Errorf("backup %s: %w", b.ID, storage.ErrDuplicate)
	}
	return err
}

// GetBackup fetches a backup-metadata row by id.
func (s *Store) GetBackup(ctx context.Context, id string) (*types.BackupMetadata, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM backup_metadata WHERE id = ?`, backupCols), id)
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("backup %s: %w", id, storage.ErrNotFound)
	}
	return b, err
}

// ListBackups returns backups created by the given principal, newest first.
// An empty createdBy lists everything (admin path).
func (s *Store) ListBackups(ctx context.Context, createdBy string) ([]*types.BackupMetadata, error) {
	q := fmt.Sprintf(`SELECT %s FROM backup_metadata ORDER BY created_at DESC`, backupCols)
	args := []interface{}{}
	if createdBy != "" {
		q = fmt.Sprintf(`SELECT %s FROM backup_metadata WHERE created_by = ? ORDER BY created_at DESC`, backupCols)
		args = append(args, createdBy)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*types.BackupMetadata
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBackup rewrites the mutable fields of a backup-metadata row.
func (s *Store) UpdateBackup(ctx context.Context, b *types.BackupMetadata) error {
	counts, err := json.Marshal(b.ContentCounts)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE backup_metadata SET file_path = ?, size_bytes = ?, compressed_size = ?,
			checksum = ?, status = ?, error = ?, content_counts = ?, completed_at = ?
		WHERE id = ?`,
		b.FilePath, b.SizeBytes, b.CompressedSize, b.Checksum,
		string(b.Status), b.Error, string(counts), fmtTimePtr(b.CompletedAt), b.ID)
	if err != nil {
		return fmt.Errorf("failed to update backup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("backup %s: %w", b.ID, storage.ErrNotFound)
	}
	return nil
}

// DeleteBackup removes a backup-metadata row. The archive file itself is
// the backup engine's responsibility.
func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM backup_metadata WHERE id = ?`, id)
	return err
}

func scanBackup(row rowScanner) (*types.BackupMetadata, error) {
	var b types.BackupMetadata
	var typ, filter, status, counts, createdAt string
	var completedAt sql.NullString
	if err := row.Scan(&b.ID, &b.Name, &b.CreatedBy, &b.FilePath, &b.SizeBytes, &b.CompressedSize,
		&b.Checksum, &typ, &filter, &status, &b.Error, &counts, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	b.Type = types.BackupType(typ)
	b.Status = types.BackupStatus(status)
	if err := json.Unmarshal([]byte(filter), &b.Filter); err != nil {
		return nil, fmt.Errorf("corrupt backup filter: %w", err)
	}
	if err := json.Unmarshal([]byte(counts), &b.ContentCounts); err != nil {
		return nil, fmt.Errorf("corrupt backup counts: %w", err)
	}
	b.CreatedAt = parseTime(createdAt)
	b.CompletedAt = parseTimePtr(completedAt)
	return &b, nil
}

// CreateRestoreJob inserts a restore-job row.
func (s *Store) CreateRestoreJob(ctx context.Context, j *types.RestoreJob) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	stats, err := json.Marshal(j.Stats)
	if err != nil {
		return err
	}
	errs, err := json.Marshal(j.Errors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO restore_jobs (id, backup_id, mode, conflict_policy, state, stats, errors,
			rollback_id, created_by, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.BackupID, string(j.Mode), string(j.Policy), string(j.State),
		string(stats), string(errs), j.RollbackID, j.CreatedBy,
		fmtTime(j.CreatedAt), fmtTimePtr(j.FinishedAt))
	if isDuplicateErr(err) {
		return fmt.Errorf("restore job %s: %w", j.ID, storage.ErrDuplicate)
	}
	return err
}

// GetRestoreJob fetches a restore-job row by id.
func (s *Store) GetRestoreJob(ctx context.Context, id string) (*types.RestoreJob, error) {
	var j types.RestoreJob
	var mode, policy, state, stats, errs, createdAt string
	var finishedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, backup_id, mode, conflict_policy, state, stats, errors,
			rollback_id, created_by, created_at, finished_at
		FROM restore_jobs WHERE id = ?`, id).
		Scan(&j.ID, &j.BackupID, &mode, &policy, &state, &stats, &errs,
			&j.RollbackID, &j.CreatedBy, &createdAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("restore job %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	j.Mode = types.RestoreMode(mode)
	j.Policy = types.ConflictPolicy(policy)
	j.State = types.JobState(state)
	if err := json.Unmarshal([]byte(stats), &j.Stats); err != nil {
		return nil, fmt.Errorf("corrupt restore stats: %w", err)
	}
	if err := json.Unmarshal([]byte(errs), &j.Errors); err != nil {
		return nil, fmt.Errorf("corrupt restore errors: %w", err)
	}
	j.CreatedAt = parseTime(createdAt)
	j.FinishedAt = parseTimePtr(finishedAt)
	return &j, nil
}

// UpdateRestoreJob rewrites the mutable fields of a restore-job row.
func (s *Store) UpdateRestoreJob(ctx context.Context, j *types.RestoreJob) error {
	stats, err := json.Marshal(j.Stats)
	if err != nil {
		return err
	}
	errs, err := json.Marshal(j.Errors)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE restore_jobs SET state = ?, stats = ?, errors = ?, rollback_id = ?, finished_at = ?
		WHERE id = ?`,
		string(j.State), string(stats), string(errs), j.RollbackID, fmtTimePtr(j.FinishedAt), j.ID)
	if err != nil {
		return fmt.Errorf("failed to update restore job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("restore job %s: %w", j.ID, storage.ErrNotFound)
	}
	return nil
}
