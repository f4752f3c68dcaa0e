// Package storage owns the relational connection shared by every circulation component:
// driver selection, SQL dialect differences, schema migrations, transaction boundaries and
// the translation of driver errors into the errkind taxonomy.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
	DriverSQLite   = "sqlite3"

	defaultTxTimeout   = 5 * time.Second
	defaultLockTimeout = 3 * time.Second
	defaultBusyTimeout = 5 * time.Second
)

// Dialect captures the SQL differences between the supported engines.
type Dialect struct {
	name      string
	goquName  string
	rowLocks  bool
	lockLocal bool
}

var (
	postgresDialect = Dialect{name: "postgres", goquName: "postgres", rowLocks: true, lockLocal: true}
	sqliteDialect   = Dialect{name: "sqlite", goquName: "sqlite3"}
)

// Name returns "postgres" or "sqlite".
func (d Dialect) Name() string { return d.name }

// ForUpdate returns the row-locking suffix for a SELECT. SQLite has no row locks; its
// transactions are opened IMMEDIATE instead, which takes the database write lock up front.
func (d Dialect) ForUpdate() string {
	if d.rowLocks {
		return " FOR UPDATE"
	}
	return ""
}

// Builder returns a goqu dialect for composing dynamic queries.
func (d Dialect) Builder() goqu.DialectWrapper {
	return goqu.Dialect(d.goquName)
}

// NumericID returns a predicate selecting rows whose column holds only decimal digits.
func (d Dialect) NumericID(col string) string {
	if d.rowLocks {
		return col + ` ~ '^[0-9]+$'`
	}
	return col + ` != '' AND ` + col + ` NOT GLOB '*[^0-9]*'`
}

// Config selects and tunes the store.
type Config struct {
	Driver       string
	URL          string
	MaxOpenConns int
	TxTimeout    time.Duration
	LockTimeout  time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
}

// DB is the shared relational store.
type DB struct {
	*sqlx.DB
	dialect     Dialect
	logger      *slog.Logger
	txTimeout   time.Duration
	lockTimeout time.Duration
	retry       []RetryOption
	retries     metric.Int64Counter
}

// Open connects to the configured store and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		dialect Dialect
		dsn     = cfg.URL
	)
	switch cfg.Driver {
	case DriverPostgres, DriverPGX:
		dialect = postgresDialect
	case DriverSQLite:
		dialect = sqliteDialect
		dsn = sqliteDSN(cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	conn, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{
		DB:          conn,
		dialect:     dialect,
		logger:      logger,
		txTimeout:   cfg.TxTimeout,
		lockTimeout: cfg.LockTimeout,
	}
	if db.txTimeout <= 0 {
		db.txTimeout = defaultTxTimeout
	}
	if db.lockTimeout <= 0 {
		db.lockTimeout = defaultLockTimeout
	}
	if cfg.MaxAttempts > 0 {
		db.retry = append(db.retry, WithMaxAttempts(cfg.MaxAttempts))
	}
	if cfg.BaseDelay > 0 {
		db.retry = append(db.retry, WithBaseDelay(cfg.BaseDelay))
	}

	db.retries, err = otel.Meter("libracirc/storage").Int64Counter("storage.tx_retries",
		metric.WithDescription("transactions retried after a retryable conflict"))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create retry counter: %w", err)
	}

	return db, nil
}

// Dialect returns the SQL dialect of the store.
func (db *DB) Dialect() Dialect { return db.dialect }

// Logger returns the logger the store was opened with.
func (db *DB) Logger() *slog.Logger { return db.logger }

// sqliteDSN enables the busy timeout, foreign keys, WAL and IMMEDIATE transactions unless the
// caller passed a full file: URI.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=1&_journal_mode=WAL&_txlock=immediate",
		path, defaultBusyTimeout.Milliseconds())
}

// Day returns the calendar date of t as UTC midnight, the form in which dates are stored.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
