// Package storage provides shared types for transcript storage.
//
// The concrete implementation lives in the sqlite sub-package. This package
// holds the interface and value types referenced by both the sqlite
// implementation and its consumers (ingest, backup, restore, server).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/claudelens/claudelens/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a write violates a uniqueness constraint
// (message uuid, project path per owner) and no policy resolves it.
var ErrDuplicate = errors.New("duplicate")

// ErrNotInitialized is returned when the database schema has not been set up.
var ErrNotInitialized = errors.New("database not initialized")

// SortOrder controls merge ordering for fan-out finds.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// MessageFilter narrows a fan-out query. A nil Start/End pair defaults to
// the trailing 90-day window at query time. SessionIDs is the tenant
// predicate injected by the ownership resolver; an empty non-nil slice
// matches nothing.
type MessageFilter struct {
	SessionIDs *[]string
	Types      []types.MessageType
	Model      string
	Start      *time.Time
	End        *time.Time
	Search     string // Substring match over the payload
	Sort       SortOrder
	Limit      int
	Offset     int
}

// CostAggregate is one per-model cost rollup row from AggregateCosts.
type CostAggregate struct {
	Model        string `json:"model"`
	Messages     int64  `json:"messages"`
	CostMicros   int64  `json:"cost_micros"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Attempt is one rate-limit enforcement record.
type Attempt struct {
	UserID    string
	Axis      types.LimitAxis
	Timestamp time.Time
}

// Store is the interface satisfied by *sqlite.Store. Consumers depend on
// this interface rather than the concrete type so mocks and proxies can be
// substituted.
type Store interface {
	// Users and API keys
	CreateUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, id string) (*types.User, error)
	ListUsers(ctx context.Context) ([]*types.User, error)
	CreateAPIKey(ctx context.Context, key *types.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*types.APIKey, error)
	TouchAPIKey(ctx context.Context, hash string, when time.Time) error

	// Projects
	CreateProject(ctx context.Context, p *types.Project) error
	GetProject(ctx context.Context, id string) (*types.Project, error)
	GetProjectByPath(ctx context.Context, ownerID, path string) (*types.Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]*types.Project, error)
	ListAllProjects(ctx context.Context) ([]*types.Project, error)
	UpdateProject(ctx context.Context, p *types.Project) error
	BumpProjectCounters(ctx context.Context, id string, sessions, messages, bytes int64) error
	DeleteProjectCascade(ctx context.Context, id string) error

	// Sessions
	CreateSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, id string) (*types.Session, error)
	ListSessions(ctx context.Context, projectIDs []string) ([]*types.Session, error)
	UpdateSession(ctx context.Context, s *types.Session) error
	UpdateSessionBounds(ctx context.Context, id string, start, end time.Time, addMessages, addCostMicros int64) error
	SetSessionRollup(ctx context.Context, id string, messages, costMicros int64) error
	DeleteSession(ctx context.Context, id string) error

	// Messages (rolling partition store)
	InsertMessage(ctx context.Context, m *types.Message) error
	ReplaceMessage(ctx context.Context, m *types.Message) error
	GetMessage(ctx context.Context, uuid string, hint *time.Time) (*types.Message, error)
	DeleteMessage(ctx context.Context, uuid string) error
	QueryMessages(ctx context.Context, f MessageFilter) ([]*types.Message, error)
	CountMessages(ctx context.Context, f MessageFilter) (int64, error)
	SearchMessages(ctx context.Context, query string, f MessageFilter) ([]*types.Message, error)
	AggregateCosts(ctx context.Context, f MessageFilter) ([]CostAggregate, error)

	// Partitions
	EnsurePartition(ctx context.Context, t time.Time) (string, error)
	ListPartitions(ctx context.Context) ([]string, error)
	DropEmptyPartitions(ctx context.Context) ([]string, error)

	// Backup metadata and restore jobs
	CreateBackup(ctx context.Context, b *types.BackupMetadata) error
	GetBackup(ctx context.Context, id string) (*types.BackupMetadata, error)
	ListBackups(ctx context.Context, createdBy string) ([]*types.BackupMetadata, error)
	UpdateBackup(ctx context.Context, b *types.BackupMetadata) error
	DeleteBackup(ctx context.Context, id string) error
	CreateRestoreJob(ctx context.Context, j *types.RestoreJob) error
	GetRestoreJob(ctx context.Context, id string) (*types.RestoreJob, error)
	UpdateRestoreJob(ctx context.Context, j *types.RestoreJob) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetLimitSettings(ctx context.Context) (*types.LimitSettings, error)
	SetLimitSettings(ctx context.Context, s *types.LimitSettings) error

	// Rate-limit enforcement and accounting
	CountAttempts(ctx context.Context, userID string, axis types.LimitAxis, since time.Time) (int64, time.Time, error)
	AddAttempt(ctx context.Context, a Attempt) error
	PruneAttempts(ctx context.Context, before time.Time) (int64, error)
	UpsertUsageRollups(ctx context.Context, rollups []*types.UsageRollup) error
	QueryUsageRollups(ctx context.Context, userID string, axis types.LimitAxis, start, end time.Time) ([]*types.UsageRollup, error)
	PruneUsageRollups(ctx context.Context, before time.Time) (int64, error)

	// Sync state and ingestion audit
	GetSyncState(ctx context.Context, userID string) (*types.SyncState, error)
	SetSyncState(ctx context.Context, s *types.SyncState) error
	AppendIngestionLog(ctx context.Context, l *types.IngestionLog) error

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// Transaction exposes the subset of writes that must be atomic across
// collections: partition inserts paired with the global uuid index, and the
// restore engine's multi-collection apply pass.
type Transaction interface {
	InsertMessage(ctx context.Context, m *types.Message) error
	ReplaceMessage(ctx context.Context, m *types.Message) error
	DeleteMessage(ctx context.Context, uuid string) error
	CreateProject(ctx context.Context, p *types.Project) error
	CreateSession(ctx context.Context, s *types.Session) error
}
