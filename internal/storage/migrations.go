package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const schemaVersion = 1

// column types that differ per dialect
var (
	postgresTypes = strings.NewReplacer(
		"{{serial}}", "BIGSERIAL PRIMARY KEY",
		"{{timestamp}}", "TIMESTAMPTZ",
		"{{money}}", "NUMERIC(12,2)",
		"{{json}}", "JSONB",
		"{{bytes}}", "BYTEA",
	)
	sqliteTypes = strings.NewReplacer(
		"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{timestamp}}", "DATETIME",
		"{{money}}", "TEXT",
		"{{json}}", "TEXT",
		"{{bytes}}", "BLOB",
	)
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id           TEXT PRIMARY KEY,
		isbn         TEXT NOT NULL DEFAULT '',
		title        TEXT NOT NULL,
		author       TEXT NOT NULL DEFAULT '',
		category     TEXT NOT NULL DEFAULT '',
		location     TEXT NOT NULL DEFAULT '',
		total_copies INTEGER NOT NULL,
		available    INTEGER NOT NULL,
		borrow_count BIGINT NOT NULL DEFAULT 0,
		status       TEXT NOT NULL DEFAULT 'active',
		created_at   {{timestamp}} NOT NULL,
		updated_at   {{timestamp}} NOT NULL,
		CHECK (available >= 0 AND available <= total_copies)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_items_category ON items (category)`,
	`CREATE TABLE IF NOT EXISTS members (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		card_number     TEXT NOT NULL DEFAULT '',
		phone           TEXT NOT NULL DEFAULT '',
		status          SMALLINT NOT NULL DEFAULT 0,
		max_borrows     INTEGER NOT NULL,
		current_borrows INTEGER NOT NULL DEFAULT 0,
		registered_at   {{timestamp}} NOT NULL,
		CHECK (current_borrows >= 0 AND current_borrows <= max_borrows)
	)`,
	`CREATE TABLE IF NOT EXISTS loans (
		id          TEXT PRIMARY KEY,
		item_id     TEXT NOT NULL REFERENCES items (id),
		member_id   TEXT NOT NULL REFERENCES members (id),
		borrow_date DATE NOT NULL,
		due_date    DATE NOT NULL,
		state       TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (state IN ('ACTIVE', 'RETURNED', 'OVERDUE')),
		created_at  {{timestamp}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_loans_state_due ON loans (state, due_date)`,
	`CREATE INDEX IF NOT EXISTS idx_loans_member ON loans (member_id)`,
	`CREATE INDEX IF NOT EXISTS idx_loans_item ON loans (item_id)`,
	`CREATE TABLE IF NOT EXISTS returns (
		id           TEXT PRIMARY KEY,
		loan_id      TEXT NOT NULL UNIQUE REFERENCES loans (id),
		return_date  DATE NOT NULL,
		overdue_days INTEGER NOT NULL DEFAULT 0,
		fine         {{money}} NOT NULL DEFAULT '0',
		created_at   {{timestamp}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_returns_date ON returns (return_date)`,
	`CREATE TABLE IF NOT EXISTS id_sequences (
		scope         TEXT PRIMARY KEY,
		current_value BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS lending_events (
		id             {{serial}},
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		event_data     {{json}} NOT NULL,
		version        INTEGER NOT NULL,
		created_at     {{timestamp}} NOT NULL,
		UNIQUE (aggregate_id, aggregate_type, version)
	)`,
	`CREATE TABLE IF NOT EXISTS staff (
		username      TEXT PRIMARY KEY,
		password_hash {{bytes}} NOT NULL,
		salt          {{bytes}} NOT NULL,
		created_at    {{timestamp}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		token      TEXT PRIMARY KEY,
		username   TEXT NOT NULL REFERENCES staff (username) ON DELETE CASCADE,
		created_at {{timestamp}} NOT NULL,
		expires_at {{timestamp}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions (expires_at)`,
}

// Migrate brings the schema up to the current version. It is a no-op when the recorded
// version is already current.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	types := postgresTypes
	if !db.dialect.rowLocks {
		types = sqliteTypes
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, types.Replace(stmt)); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`), strconv.Itoa(schemaVersion))
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	db.logger.InfoContext(ctx, "schema migrated", "from", current, "to", schemaVersion)
	return nil
}

// SchemaVersion returns the recorded schema version, or 0 on a fresh database.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", value, err)
	}
	return v, nil
}
