package sqlite

const schema = `
-- Users table
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT 'user',
    created_at TEXT NOT NULL
);

-- API keys table (only the sha256 hash of key material is stored)
CREATE TABLE IF NOT EXISTS api_keys (
    hash TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    expires_at TEXT,
    last_used TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);

-- Projects table (path is unique per owner, not globally)
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    path TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    session_count INTEGER NOT NULL DEFAULT 0,
    message_count INTEGER NOT NULL DEFAULT 0,
    total_bytes INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE (owner_id, path)
);

CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);

-- Sessions table (no owner_id: ownership resolves through the project)
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    started_at TEXT NOT NULL,
    ended_at TEXT NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0,
    total_cost_micros INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);

-- Global message locator: enforces uuid uniqueness across every partition
-- and records which partition holds each message. Written in the same
-- transaction as the partition insert.
CREATE TABLE IF NOT EXISTS message_index (
    uuid TEXT PRIMARY KEY,
    part TEXT NOT NULL,
    session_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_index_session ON message_index(session_id);

-- Ingestion audit log: one row per accepted batch
CREATE TABLE IF NOT EXISTS ingestion_logs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    stats TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingestion_logs_user ON ingestion_logs(user_id, created_at);

-- Backup metadata (one row per archive file)
CREATE TABLE IF NOT EXISTS backup_metadata (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    created_by TEXT NOT NULL,
    file_path TEXT NOT NULL DEFAULT '',
    size_bytes INTEGER NOT NULL DEFAULT 0,
    compressed_size INTEGER NOT NULL DEFAULT 0,
    checksum TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT 'full',
    filter TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'pending',
    error TEXT NOT NULL DEFAULT '',
    content_counts TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_backup_metadata_creator ON backup_metadata(created_by, created_at);

-- Restore jobs (one row per restore attempt)
CREATE TABLE IF NOT EXISTS restore_jobs (
    id TEXT PRIMARY KEY,
    backup_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    conflict_policy TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'pending',
    stats TEXT NOT NULL DEFAULT '{}',
    errors TEXT NOT NULL DEFAULT '[]',
    rollback_id TEXT NOT NULL DEFAULT '',
    created_by TEXT NOT NULL,
    created_at TEXT NOT NULL,
    finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_restore_jobs_backup ON restore_jobs(backup_id);

-- Rate-limit enforcement records (sliding-window counting)
CREATE TABLE IF NOT EXISTS rate_limit_attempts (
    user_id TEXT NOT NULL,
    axis TEXT NOT NULL,
    ts TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rla_user_axis_ts ON rate_limit_attempts(user_id, axis, ts);
CREATE INDEX IF NOT EXISTS idx_rla_ts ON rate_limit_attempts(ts);

-- Durable usage rollups, minute-bucketed; coarser intervals re-aggregate on read
CREATE TABLE IF NOT EXISTS rate_limit_usage (
    user_id TEXT NOT NULL,
    axis TEXT NOT NULL,
    bucket_start TEXT NOT NULL,
    requests INTEGER NOT NULL DEFAULT 0,
    allowed INTEGER NOT NULL DEFAULT 0,
    blocked INTEGER NOT NULL DEFAULT 0,
    peak_ratio REAL NOT NULL DEFAULT 0,
    total_latency_ms INTEGER NOT NULL DEFAULT 0,
    bytes_in INTEGER NOT NULL DEFAULT 0,
    bytes_out INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, axis, bucket_start)
);

CREATE INDEX IF NOT EXISTS idx_rlu_bucket ON rate_limit_usage(bucket_start);

-- Settings (rate-limit descriptors and other operator knobs)
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Sync-agent watermarks
CREATE TABLE IF NOT EXISTS sync_state (
    user_id TEXT PRIMARY KEY,
    last_file TEXT NOT NULL DEFAULT '',
    last_line INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
);
`
