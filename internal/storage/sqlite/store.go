// Package sqlite implements the storage interface using SQLite.
//
// Layout:
//   - store.go: Store struct, New() constructor, schema initialization,
//     lifecycle methods
//   - schema.go: base table definitions (everything except message partitions)
//   - partitions.go: rolling partition store (lazy creation, index set,
//     drop-empty)
//   - messages.go: single-message operations (insert, replace, get, delete)
//   - query.go: fan-out find/count/aggregate across partitions
//   - search.go: text search entry point
//   - projects.go: project and session operations
//   - users.go: users, API keys, settings, sync state, ingestion audit
//   - backups.go: backup metadata and restore jobs
//   - ratelimit.go: enforcement attempts and usage rollups
//   - transaction.go: RunInTransaction and the transaction wrapper
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/claudelens/claudelens/internal/storage"
)

// Verify Store implements storage.Store at compile time.
var _ storage.Store = (*Store)(nil)

// Store implements the storage interface using SQLite. Month partitions are
// physical tables created lazily on first write.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool

	// indexed caches which partitions have had their table and index set
	// created in this process. Advisory only: the underlying DDL is
	// idempotent, the cache just bounds redundant CREATE calls.
	indexed sync.Map // partition name -> struct{}
}

// setupWASMCache configures WASM compilation caching to cut SQLite startup
// time. Falls back to an in-memory cache if the filesystem cache cannot be
// created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "claudelens", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// New creates a SQLite storage backend at path. Use ":memory:" for tests.
func New(ctx context.Context, path string) (*Store, error) {
	var connStr string
	if path == ":memory:" {
		// Shared cache so multiple connections see the same data
		connStr = "file::memory:?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	} else {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		connStr = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates the base tables. Partition tables are created lazily
// on first write (see partitions.go).
func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	// Warm the partition cache with tables that already exist on disk.
	parts, err := s.ListPartitions(ctx)
	if err != nil {
		return err
	}
	for _, p := range parts {
		s.indexed.Store(p, struct{}{})
	}
	return nil
}

// Path returns the database file path ("" for in-memory stores).
func (s *Store) Path() string { return s.dbPath }

// Close closes the database. Safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// UnderlyingDB exposes the raw handle for tests and diagnostics.
func (s *Store) UnderlyingDB() *sql.DB { return s.db }
