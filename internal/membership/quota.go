package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jmoiron/sqlx"

	"libracirc/internal/storage"
)

// Quota tracks how many loans a member holds. Every method runs on the caller's transaction.
type Quota struct {
	dialect storage.Dialect
	logger  *slog.Logger
}

// NewQuota returns a Quota for the given dialect.
func NewQuota(dialect storage.Dialect, logger *slog.Logger) *Quota {
	return &Quota{dialect: dialect, logger: logger}
}

// LockMember reads a member and holds its row lock until tx ends.
func (q *Quota) LockMember(ctx context.Context, tx *sqlx.Tx, id string) (*Member, error) {
	m := &Member{}
	err := tx.GetContext(ctx, m, tx.Rebind(`SELECT `+memberColumns+` FROM members WHERE id = ?`+q.dialect.ForUpdate()), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound.With("%s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock member %s: %w", id, err)
	}
	return m, nil
}

// LockMembers locks several members in ascending id order.
func (q *Quota) LockMembers(ctx context.Context, tx *sqlx.Tx, ids []string) (map[string]*Member, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	members := make(map[string]*Member, len(sorted))
	for _, id := range sorted {
		if _, ok := members[id]; ok {
			continue
		}
		m, err := q.LockMember(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		members[id] = m
	}
	return members, nil
}

// AddBorrows charges n loans to m. The update is guarded so the quota can never be exceeded.
func (q *Quota) AddBorrows(ctx context.Context, tx *sqlx.Tx, m *Member, n int) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE members
		SET current_borrows = current_borrows + ?
		WHERE id = ? AND current_borrows + ? <= max_borrows`), n, m.ID, n)
	if err != nil {
		return fmt.Errorf("add borrows to %s: %w", m.ID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrBorrowLimitExceeded.With("member %s holds %d of %d", m.ID, m.CurrentBorrows, m.MaxBorrows)
	}
	m.CurrentBorrows += n
	return nil
}

// ReleaseBorrow credits one returned loan back to m. The count never drops below zero; a
// member already at zero means the counters drifted, which is logged.
func (q *Quota) ReleaseBorrow(ctx context.Context, tx *sqlx.Tx, m *Member, loanID string) error {
	next := m.CurrentBorrows - 1
	if next < 0 {
		q.logger.WarnContext(ctx, "member borrow count already zero on return",
			"member_id", m.ID, "loan_id", loanID)
		next = 0
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE members SET current_borrows = ? WHERE id = ?`), next, m.ID); err != nil {
		return fmt.Errorf("release borrow of %s: %w", m.ID, err)
	}
	m.CurrentBorrows = next
	return nil
}
