// Package storagetest opens throwaway SQLite stores for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"fibertrack/internal/config"
	"fibertrack/internal/storage"
)

func New(tb testing.TB) storage.Store {
	tb.Helper()
	dsn := "file:" + filepath.Join(tb.TempDir(), "fibertrack.db") + "?_pragma=busy_timeout(5000)"
	s, err := storage.NewStore(config.StorageConfig{Driver: "sqlite", DSN: dsn, MaxOpenConns: 1})
	if err != nil {
		tb.Fatalf("open store: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		tb.Fatalf("init store: %v", err)
	}
	tb.Cleanup(func() { _ = s.Close() })
	return s
}
