package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

// setupTestDB creates a file-backed store in a per-test temp dir. File
// backing (rather than :memory:) keeps tests isolated from the shared
// in-memory cache and exercises the WAL path.
func setupTestDB(t *testing.T) (*Store, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claudelens.db")
	store, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	return store, func() { _ = store.Close() }
}
