package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"libracirc/internal/errkind"
)

// ErrLockTimeout is a ConflictRetryable failure that Retry does not repeat on its own.
var ErrLockTimeout = errkind.New(errkind.ConflictRetryable, "lock_timeout", "timed out waiting for a lock, retry the operation")

// Postgres SQLSTATE codes the store reacts to.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
)

// Classify maps a driver error to the errkind taxonomy. Errors that already carry a kind are
// returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var kerr *errkind.Error
	if errors.As(err, &kerr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrLockTimeout.With("transaction deadline exceeded").Wrap(err)
	}

	if code, ok := pgCode(err); ok {
		switch code {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return errkind.ErrConflict.Wrap(err)
		case pgLockNotAvailable, pgQueryCanceled:
			return ErrLockTimeout.Wrap(err)
		}
		return errkind.ErrStorage.Wrap(err)
	}

	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch {
		case serr.Code == sqlite3.ErrBusy, serr.Code == sqlite3.ErrLocked:
			return errkind.ErrConflict.Wrap(err)
		case serr.ExtendedCode == sqlite3.ErrConstraintUnique, serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return errkind.ErrConflict.Wrap(err)
		}
	}

	return errkind.ErrStorage.Wrap(err)
}

// IsUniqueViolation reports whether err was raised by a unique or primary key constraint.
func IsUniqueViolation(err error) bool {
	if code, ok := pgCode(err); ok {
		return code == pgUniqueViolation
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func pgCode(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	return "", false
}
