package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"libracirc/internal/errkind"
	"libracirc/internal/storage"
)

// Ledger moves copies between the shelf and loans. Every method runs on the caller's
// transaction and expects the item row to have been locked with LockItem first.
type Ledger struct {
	dialect storage.Dialect
	now     func() time.Time
}

// NewLedger returns a Ledger for the given dialect.
func NewLedger(dialect storage.Dialect) *Ledger {
	return &Ledger{dialect: dialect, now: time.Now}
}

// LockItem reads an item and holds its row lock until tx ends.
func (l *Ledger) LockItem(ctx context.Context, tx *sqlx.Tx, id string) (*Item, error) {
	item := &Item{}
	err := tx.GetContext(ctx, item, tx.Rebind(`SELECT `+itemColumns+` FROM items WHERE id = ?`+l.dialect.ForUpdate()), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound.With("%s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock item %s: %w", id, err)
	}
	return item, nil
}

// LockItems locks several items in ascending id order. Duplicate ids are locked once.
func (l *Ledger) LockItems(ctx context.Context, tx *sqlx.Tx, ids []string) (map[string]*Item, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	items := make(map[string]*Item, len(sorted))
	for _, id := range sorted {
		if _, ok := items[id]; ok {
			continue
		}
		item, err := l.LockItem(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		items[id] = item
	}
	return items, nil
}

// TakeCopies moves n copies from the shelf onto loan and counts them as borrowed.
func (l *Ledger) TakeCopies(ctx context.Context, tx *sqlx.Tx, id string, n int) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE items
		SET available = available - ?, borrow_count = borrow_count + ?, updated_at = ?
		WHERE id = ? AND available >= ? AND status = ?`), n, n, l.now().UTC(), id, n, StatusActive)
	if err != nil {
		return fmt.Errorf("take copies of %s: %w", id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNoCopiesAvailable.With("%s", id)
	}
	return nil
}

// PutCopy returns one copy to the shelf. A shelf that is already full means the loan and
// item tables disagree, which is reported as a storage failure.
func (l *Ledger) PutCopy(ctx context.Context, tx *sqlx.Tx, id string) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE items
		SET available = available + 1, updated_at = ?
		WHERE id = ? AND available < total_copies`), l.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("put copy of %s: %w", id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errkind.ErrStorage.With("item %s has no copy on loan to return", id)
	}
	return nil
}
