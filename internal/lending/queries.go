package lending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"libracirc/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	defaultPopular = 10
	maxPopular     = 100
)

func getLoan(ctx context.Context, q sqlx.ExtContext, suffix, id string) (*Loan, error) {
	loan := &Loan{}
	err := sqlx.GetContext(ctx, q, loan, q.Rebind(`SELECT `+loanColumns+` FROM loans WHERE id = ?`+suffix), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLoanNotFound.With("%s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get loan %s: %w", id, err)
	}
	return loan, nil
}

// GetLoan returns a loan. An ACTIVE loan past its due date reads as OVERDUE.
func (s *service) GetLoan(ctx context.Context, id string) (*Loan, error) {
	loan, err := getLoan(ctx, s.db.DB, "", id)
	if err != nil {
		return nil, storage.Classify(err)
	}
	return loan.project(s.today()), nil
}

// ListLoans returns loans matching f ordered by id.
func (s *service) ListLoans(ctx context.Context, f LoanFilter) ([]*Loan, error) {
	today := s.today()
	ds := s.db.Dialect().Builder().
		From("loans").
		Select(selectColumns(loanColumns)...).
		Prepared(true).
		Order(goqu.I("id").Asc())

	if f.MemberID != "" {
		ds = ds.Where(goqu.I("member_id").Eq(f.MemberID))
	}
	if f.ItemID != "" {
		ds = ds.Where(goqu.I("item_id").Eq(f.ItemID))
	}
	switch f.State {
	case "":
	case StateOverdue:
		ds = ds.Where(goqu.Or(
			goqu.I("state").Eq(string(StateOverdue)),
			goqu.And(goqu.I("state").Eq(string(StateActive)), goqu.I("due_date").Lt(today)),
		))
	case StateActive:
		ds = ds.Where(goqu.I("state").Eq(string(StateActive)), goqu.I("due_date").Gte(today))
	case StateReturned:
		ds = ds.Where(goqu.I("state").Eq(string(StateReturned)))
	default:
		return nil, ErrInvalidRequest.With("unknown loan state %q", f.State)
	}
	if !f.BorrowedFrom.IsZero() {
		ds = ds.Where(goqu.I("borrow_date").Gte(storage.Day(f.BorrowedFrom)))
	}
	if !f.BorrowedTo.IsZero() {
		ds = ds.Where(goqu.I("borrow_date").Lte(storage.Day(f.BorrowedTo)))
	}
	ds = ds.Limit(uint(clampLimit(f.Limit))).Offset(uint(max(f.Offset, 0)))

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loan query: %w", err)
	}

	loans := []*Loan{}
	if err := s.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, storage.Classify(fmt.Errorf("list loans: %w", err))
	}
	for _, loan := range loans {
		loan.project(today)
	}
	return loans, nil
}

// GetReturn returns a return record by its id.
func (s *service) GetReturn(ctx context.Context, id string) (*Return, error) {
	return s.getReturn(ctx, "id", id)
}

// GetReturnByLoan returns the return record that closed a loan.
func (s *service) GetReturnByLoan(ctx context.Context, loanID string) (*Return, error) {
	return s.getReturn(ctx, "loan_id", loanID)
}

func (s *service) getReturn(ctx context.Context, col, value string) (*Return, error) {
	ret := &Return{}
	err := s.db.GetContext(ctx, ret, s.db.Rebind(`SELECT `+returnColumns+` FROM returns WHERE `+col+` = ?`), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReturnNotFound.With("%s %s", strings.ReplaceAll(col, "_", " "), value)
	}
	if err != nil {
		return nil, storage.Classify(fmt.Errorf("get return by %s: %w", col, err))
	}
	return ret, nil
}

// ListReturns returns return records in f's date range ordered by id.
func (s *service) ListReturns(ctx context.Context, f ReturnFilter) ([]*Return, error) {
	ds := s.db.Dialect().Builder().
		From("returns").
		Select(selectColumns(returnColumns)...).
		Prepared(true).
		Order(goqu.I("id").Asc())

	if !f.From.IsZero() {
		ds = ds.Where(goqu.I("return_date").Gte(storage.Day(f.From)))
	}
	if !f.To.IsZero() {
		ds = ds.Where(goqu.I("return_date").Lte(storage.Day(f.To)))
	}
	ds = ds.Limit(uint(clampLimit(f.Limit))).Offset(uint(max(f.Offset, 0)))

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build return query: %w", err)
	}

	returns := []*Return{}
	if err := s.db.SelectContext(ctx, &returns, query, args...); err != nil {
		return nil, storage.Classify(fmt.Errorf("list returns: %w", err))
	}
	return returns, nil
}

// Overview counts titles, copies, members and open loans. Overdue includes ACTIVE loans
// already past due that the sweeper has not reached yet.
func (s *service) Overview(ctx context.Context) (*Overview, error) {
	o := &Overview{}
	err := s.db.GetContext(ctx, o, s.db.Rebind(`SELECT
		(SELECT COUNT(*) FROM items) AS total_titles,
		(SELECT COALESCE(SUM(total_copies), 0) FROM items) AS total_copies,
		(SELECT COUNT(*) FROM members) AS total_members,
		(SELECT COUNT(*) FROM loans WHERE state IN (?, ?)) AS loans_out,
		(SELECT COUNT(*) FROM loans WHERE state = ? OR (state = ? AND due_date < ?)) AS overdue`),
		string(StateActive), string(StateOverdue),
		string(StateOverdue), string(StateActive), s.today())
	if err != nil {
		return nil, storage.Classify(fmt.Errorf("read overview: %w", err))
	}
	return o, nil
}

// PopularItems ranks items by the number of copies ever lent, ties broken by id.
func (s *service) PopularItems(ctx context.Context, top int) ([]PopularItem, error) {
	if top <= 0 {
		top = defaultPopular
	}
	top = min(top, maxPopular)

	items := []PopularItem{}
	err := s.db.SelectContext(ctx, &items, s.db.Rebind(`SELECT id, title, author, borrow_count
		FROM items WHERE borrow_count > 0
		ORDER BY borrow_count DESC, id ASC
		LIMIT ?`), top)
	if err != nil {
		return nil, storage.Classify(fmt.Errorf("rank popular items: %w", err))
	}
	return items, nil
}

func selectColumns(cols string) []any {
	parts := strings.Split(cols, ",")
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}
