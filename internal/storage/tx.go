package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// TxFunc is the body of an atomic unit. It must not commit or roll back tx itself.
type TxFunc func(ctx context.Context, tx *sqlx.Tx) error

// InTx runs fn inside one transaction bounded by the configured timeout. On Postgres the
// transaction also sets a lock_timeout. Retryable conflicts roll back and re-run fn with
// exponential backoff; the last classified error is returned once attempts run out.
func (db *DB) InTx(ctx context.Context, fn TxFunc) error {
	opts := append([]RetryOption{WithOnRetry(func(attempt int, err error) {
		db.retries.Add(ctx, 1)
		db.logger.DebugContext(ctx, "retrying transaction", "attempt", attempt, "error", err)
	})}, db.retry...)

	return Retry(ctx, func(ctx context.Context) error {
		return db.runTx(ctx, fn)
	}, opts...)
}

func (db *DB) runTx(ctx context.Context, fn TxFunc) error {
	ctx, cancel := context.WithTimeout(ctx, db.txTimeout)
	defer cancel()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return Classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if db.dialect.lockLocal {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", db.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return Classify(fmt.Errorf("set lock timeout: %w", err))
		}
	}

	if err := fn(ctx, tx); err != nil {
		return Classify(err)
	}

	if err := tx.Commit(); err != nil {
		return Classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}
