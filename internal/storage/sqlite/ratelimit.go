package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/claudelens/claudelens/internal/storage"
	"github.com/claudelens/claudelens/internal/types"
)

// CountAttempts counts a principal's enforcement records on one axis since
// the window start, and returns the oldest in-window timestamp (zero when
// the window is empty). The oldest record drives Retry-After.
func (s *Store) CountAttempts(ctx context.Context, userID string, axis types.LimitAxis, since time.Time) (int64, time.Time, error) {
	var n int64
	var oldest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(ts) FROM rate_limit_attempts
		WHERE user_id = ? AND axis = ? AND ts >= ?`,
		userID, string(axis), fmtTime(since)).Scan(&n, &oldest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to count attempts: %w", err)
	}
	var t time.Time
	if oldest.Valid {
		t = parseTime(oldest.String)
	}
	return n, t, nil
}

// AddAttempt appends one enforcement record.
func (s *Store) AddAttempt(ctx context.Context, a storage.Attempt) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_attempts (user_id, axis, ts) VALUES (?, ?, ?)`,
		a.UserID, string(a.Axis), fmtTime(a.Timestamp))
	return err
}

// PruneAttempts deletes enforcement records older than the cutoff.
func (s *Store) PruneAttempts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_attempts WHERE ts < ?`, fmtTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertUsageRollups merges flushed in-memory counters into the durable
// table, adding to any bucket row that already exists.
func (s *Store) UpsertUsageRollups(ctx context.Context, rollups []*types.UsageRollup) error {
	if len(rollups) == 0 {
		return nil
	}
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		t := tx.(*txStore)
		for _, r := range rollups {
			if _, err := t.conn.ExecContext(ctx, `
				INSERT INTO rate_limit_usage
					(user_id, axis, bucket_start, requests, allowed, blocked, peak_ratio, total_latency_ms, bytes_in, bytes_out)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(user_id, axis, bucket_start) DO UPDATE SET
					requests = requests + excluded.requests,
					allowed = allowed + excluded.allowed,
					blocked = blocked + excluded.blocked,
					peak_ratio = MAX(peak_ratio, excluded.peak_ratio),
					total_latency_ms = total_latency_ms + excluded.total_latency_ms,
					bytes_in = bytes_in + excluded.bytes_in,
					bytes_out = bytes_out + excluded.bytes_out`,
				r.UserID, string(r.Axis), fmtTime(r.BucketStart),
				r.Requests, r.Allowed, r.Blocked, r.PeakRatio,
				r.TotalLatencyMS, r.BytesIn, r.BytesOut); err != nil {
				return fmt.Errorf("failed to upsert usage rollup: %w", err)
			}
		}
		return nil
	})
}

// QueryUsageRollups returns minute-bucket rollups for one principal and
// axis within [start, end], oldest first. An empty axis matches all axes.
func (s *Store) QueryUsageRollups(ctx context.Context, userID string, axis types.LimitAxis, start, end time.Time) ([]*types.UsageRollup, error) {
	q := `
		SELECT user_id, axis, bucket_start, requests, allowed, blocked, peak_ratio, total_latency_ms, bytes_in, bytes_out
		FROM rate_limit_usage
		WHERE user_id = ? AND bucket_start >= ? AND bucket_start <= ?`
	args := []interface{}{userID, fmtTime(start), fmtTime(end)}
	if axis != "" {
		q += ` AND axis = ?`
		args = append(args, string(axis))
	}
	q += ` ORDER BY bucket_start`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*types.UsageRollup
	for rows.Next() {
		var r types.UsageRollup
		var ax, bucket string
		if err := rows.Scan(&r.UserID, &ax, &bucket, &r.Requests, &r.Allowed, &r.Blocked,
			&r.PeakRatio, &r.TotalLatencyMS, &r.BytesIn, &r.BytesOut); err != nil {
			return nil, err
		}
		r.Axis = types.LimitAxis(ax)
		r.BucketStart = parseTime(bucket)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// PruneUsageRollups deletes rollups older than the retention cutoff.
func (s *Store) PruneUsageRollups(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_usage WHERE bucket_start < ?`, fmtTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
