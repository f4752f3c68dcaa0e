// Package storagetest provides throwaway migrated databases for package tests.
package storagetest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"libracirc/internal/storage"
)

// Logger discards output unless TEST_LOG is set.
func Logger() *slog.Logger {
	if os.Getenv("TEST_LOG") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SQLite opens a migrated SQLite database in a temporary directory.
func SQLite(t *testing.T) *storage.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "circulation.db")
	db, err := storage.Open(context.Background(), storage.Config{
		Driver:      storage.DriverSQLite,
		URL:         path,
		TxTimeout:   10 * time.Second,
		MaxAttempts: 8,
		BaseDelay:   5 * time.Millisecond,
	}, Logger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

// Postgres opens the database named by TEST_DATABASE_URL, skipping the test when it is unset
// or unreachable.
func Postgres(t *testing.T) *storage.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := storage.Open(ctx, storage.Config{Driver: storage.DriverPostgres, URL: url}, Logger())
	if err != nil {
		t.Skipf("database not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(ctx))
	for _, table := range []string{"sessions", "staff", "lending_events", "id_sequences", "returns", "loans", "members", "items"} {
		_, err := db.ExecContext(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}
	return db
}
