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

// CreateUser inserts a user account.
func (s *Store) CreateUser(ctx context.Context, u *types.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Role == "" {
		u.Role = types.RoleUser
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, role, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, string(u.Role), fmtTime(u.CreatedAt))
	if isDuplicateErr(err) {
		return fmt.Errorf("user %s: %w", u.ID, storage.ErrDuplicate)
	}
	return err
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	var role, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, role, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	u.Role = types.Role(role)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// ListUsers returns every account.
func (s *Store) ListUsers(ctx context.Context) ([]*types.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email, role, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*types.User
	for rows.Next() {
		var u types.User
		var role, createdAt string
		if err := rows.Scan(&u.ID, &u.Email, &role, &createdAt); err != nil {
			return nil, err
		}
		u.Role = types.Role(role)
		u.CreatedAt = parseTime(createdAt)
		out = append(out, &u)
	}
	return out, rows.Err()
}

// CreateAPIKey stores a key hash for a user.
func (s *Store) CreateAPIKey(ctx context.Context, k *types.APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (hash, user_id, label, expires_at, last_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		k.Hash, k.UserID, k.Label, fmtTimePtr(k.ExpiresAt), fmtTimePtr(k.LastUsed), fmtTime(k.CreatedAt))
	if isDuplicateErr(err) {
		return fmt.Errorf("api key: %w", storage.ErrDuplicate)
	}
	return err
}

// GetAPIKeyByHash looks up a stored key by its sha256 hex hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*types.APIKey, error) {
	var k types.APIKey
	var expires, lastUsed sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, user_id, label, expires_at, last_used, created_at
		FROM api_keys WHERE hash = ?`, hash).
		Scan(&k.Hash, &k.UserID, &k.Label, &expires, &lastUsed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("api key: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	k.ExpiresAt = parseTimePtr(expires)
	k.LastUsed = parseTimePtr(lastUsed)
	k.CreatedAt = parseTime(createdAt)
	return &k, nil
}

// TouchAPIKey updates a key's last_used stamp. Best-effort on the caller's
// side: a failure here never fails the request that matched the key.
func (s *Store) TouchAPIKey(ctx context.Context, hash string, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used = ? WHERE hash = ?`, fmtTime(when), hash)
	return err
}

// GetSetting fetches one settings value.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, storage.ErrNotFound)
	}
	return v, err
}

// SetSetting upserts one settings value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

const limitSettingsKey = "rate_limits"

// GetLimitSettings loads the rate-limit settings document, falling back to
// defaults when none has been saved.
func (s *Store) GetLimitSettings(ctx context.Context) (*types.LimitSettings, error) {
	raw, err := s.GetSetting(ctx, limitSettingsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return types.DefaultLimitSettings(), nil
	}
	if err != nil {
		return nil, err
	}
	var ls types.LimitSettings
	if err := json.Unmarshal([]byte(raw), &ls); err != nil {
		return nil, fmt.Errorf("corrupt rate-limit settings: %w", err)
	}
	return &ls, nil
}

// SetLimitSettings persists the rate-limit settings document.
func (s *Store) SetLimitSettings(ctx context.Context, ls *types.LimitSettings) error {
	ls.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(ls)
	if err != nil {
		return err
	}
	return s.SetSetting(ctx, limitSettingsKey, string(raw))
}

// GetSyncState fetches a user's sync watermark.
func (s *Store) GetSyncState(ctx context.Context, userID string) (*types.SyncState, error) {
	var st types.SyncState
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, last_file, last_line, updated_at FROM sync_state WHERE user_id = ?`, userID).
		Scan(&st.UserID, &st.LastFile, &st.LastLine, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync state for %s: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

// SetSyncState upserts a user's sync watermark.
func (s *Store) SetSyncState(ctx context.Context, st *types.SyncState) error {
	st.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (user_id, last_file, last_line, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_file = excluded.last_file,
			last_line = excluded.last_line,
			updated_at = excluded.updated_at`,
		st.UserID, st.LastFile, st.LastLine, fmtTime(st.UpdatedAt))
	return err
}

// AppendIngestionLog records one accepted batch for audit.
func (s *Store) AppendIngestionLog(ctx context.Context, l *types.IngestionLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if len(l.Stats) == 0 {
		l.Stats = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_logs (id, user_id, stats, created_at) VALUES (?, ?, ?, ?)`,
		l.ID, l.UserID, string(l.Stats), fmtTime(l.CreatedAt))
	return err
}
