package types

import (
	"encoding/json"
	"time"
)

// BackupStatus is the lifecycle state of a backup-metadata document.
type BackupStatus string

const (
	BackupPending    BackupStatus = "pending"
	BackupInProgress BackupStatus = "in_progress"
	BackupCompleted  BackupStatus = "completed"
	BackupFailed     BackupStatus = "failed"
	BackupCorrupted  BackupStatus = "corrupted"
	BackupDeleting   BackupStatus = "deleting"
)

// BackupType selects how the document set is resolved.
type BackupType string

const (
	BackupFull      BackupType = "full"
	BackupSelective BackupType = "selective"
)

// BackupFilter is the selective-backup predicate. Zero value selects
// everything reachable from the acting principal.
type BackupFilter struct {
	ProjectIDs  []string   `json:"project_ids,omitempty"`
	SessionIDs  []string   `json:"session_ids,omitempty"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	MinMessages int64      `json:"min_messages,omitempty"`
	MaxMessages int64      `json:"max_messages,omitempty"` // 0 = no ceiling
}

// BackupMetadata describes one archive file.
type BackupMetadata struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	CreatedBy      string           `json:"created_by"` // User id of the acting principal
	FilePath       string           `json:"file_path"`
	SizeBytes      int64            `json:"size_bytes"`            // Uncompressed stream size
	CompressedSize int64            `json:"compressed_size_bytes"` // On-disk size
	Checksum       string           `json:"checksum"`              // sha256 hex of the uncompressed stream
	Type           BackupType       `json:"type"`
	Filter         BackupFilter     `json:"filter"`
	Status         BackupStatus     `json:"status"`
	Error          string           `json:"error,omitempty"`
	ContentCounts  map[string]int64 `json:"content_counts,omitempty"` // Documents per collection
	CreatedAt      time.Time        `json:"created_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// RestoreMode selects how much of an archive is applied.
type RestoreMode string

const (
	RestoreFull      RestoreMode = "full"
	RestoreSelective RestoreMode = "selective"
	RestoreMerge     RestoreMode = "merge"
)

// ConflictPolicy resolves id collisions during restore.
type ConflictPolicy string

const (
	ConflictSkip      ConflictPolicy = "skip"
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictRename    ConflictPolicy = "rename"
	ConflictMerge     ConflictPolicy = "merge"
)

// JobState is the state machine shared by long-running jobs (ingest,
// backup, restore). Handles are opaque job ids, never language-native
// futures.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// RestoreStats counts the outcome of an apply pass.
type RestoreStats struct {
	Inserted  int64            `json:"inserted"`
	Replaced  int64            `json:"replaced"`
	Merged    int64            `json:"merged"`
	Skipped   int64            `json:"skipped"`
	Failed    int64            `json:"failed"`
	Conflicts map[string]int64 `json:"conflicts,omitempty"` // By collection
}

// RestoreJob describes one restore attempt against a stored backup.
type RestoreJob struct {
	ID         string         `json:"id"`
	BackupID   string         `json:"backup_id"`
	Mode       RestoreMode    `json:"mode"`
	Policy     ConflictPolicy `json:"conflict_policy"`
	State      JobState       `json:"state"`
	Stats      RestoreStats   `json:"stats"`
	Errors     []string       `json:"errors,omitempty"`
	RollbackID string         `json:"rollback_id,omitempty"` // Journal pointer, set while the journal is live
	CreatedBy  string         `json:"created_by"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// SelectiveRestore narrows a selective-mode restore to specific entities.
type SelectiveRestore struct {
	ProjectIDs []string `json:"project_ids,omitempty"`
	SessionIDs []string `json:"session_ids,omitempty"`
}

// IngestionLog is the audit row written after each accepted batch.
type IngestionLog struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Stats     json.RawMessage `json:"stats"`
	CreatedAt time.Time       `json:"created_at"`
}

// SyncState is the per-user watermark the external sync agent maintains
// through the API: which transcript file it last tailed and how far.
type SyncState struct {
	UserID    string    `json:"user_id"`
	LastFile  string    `json:"last_file,omitempty"`
	LastLine  int64     `json:"last_line,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
