// Package dbtest opens migrated SQLite databases for package tests.
package dbtest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jupark12/go-run-queue/db"
)

// Logger discards output so test logs stay readable.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Open returns a migrated SQLite database under t.TempDir, closed on cleanup.
func Open(t testing.TB) *db.DB {
	t.Helper()
	logger := Logger()
	dsn := "file:" + filepath.Join(t.TempDir(), "runqueue.db")
	database, err := db.Open(context.Background(), db.Config{Driver: db.DriverSQLite, DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { database.Close(logger) })
	if err := database.Migrate(context.Background(), logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}
