package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"

	"libracirc/internal/errkind"
)

func TestClassify(t *testing.T) {
	notFound := errkind.New(errkind.NotFound, "loan_not_found", "loan not found")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, errkind.ErrConflict},
		{"deadlock", fmt.Errorf("lock item: %w", &pq.Error{Code: "40P01"}), errkind.ErrConflict},
		{"pgx unique violation", &pgconn.PgError{Code: "23505"}, errkind.ErrConflict},
		{"lock not available", &pgconn.PgError{Code: "55P03"}, ErrLockTimeout},
		{"query canceled", &pq.Error{Code: "57014"}, ErrLockTimeout},
		{"check violation", &pq.Error{Code: "23514"}, errkind.ErrStorage},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, errkind.ErrConflict},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, errkind.ErrConflict},
		{"sqlite unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, errkind.ErrConflict},
		{"sqlite check", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintCheck}, errkind.ErrStorage},
		{"deadline", fmt.Errorf("select loan: %w", context.DeadlineExceeded), ErrLockTimeout},
		{"unclassified", errors.New("disk full"), errkind.ErrStorage},
		{"already classified", fmt.Errorf("return: %w", notFound), notFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.Equal(t, errkind.KindOf(tt.want), errkind.KindOf(got))
		})
	}

	assert.NoError(t, Classify(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23514"}))
	assert.False(t, IsUniqueViolation(errors.New("other")))
}
