// Package storagetest opens throwaway stores for package tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"vessel_ingest/storage"
)

// New returns a migrated SQLite store in t's temp dir, closed on cleanup.
func New(t testing.TB) *storage.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ingest.db")
	store, err := storage.NewSQLiteStore(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
