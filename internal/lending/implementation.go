package lending

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/audit"
	"libracirc/internal/catalog"
	"libracirc/internal/errkind"
	"libracirc/internal/fines"
	"libracirc/internal/ids"
	"libracirc/internal/membership"
	"libracirc/internal/storage"
)

// DefaultLoanDays is the loan period applied when a borrow names no due date.
const DefaultLoanDays = 14

// Config tunes the engine.
type Config struct {
	LoanDays int
	Fines    fines.Calculator
	// Now pins "today"; nil means time.Now.
	Now func() time.Time
}

// service implements the Service interface.
type service struct {
	db       *storage.DB
	ids      *ids.Generator
	ledger   *catalog.Ledger
	quota    *membership.Quota
	fines    fines.Calculator
	audit    *audit.Store
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics
	loanDays int
	now      func() time.Time
}

// NewService creates the lending engine on db.
func NewService(db *storage.DB, gen *ids.Generator, log *audit.Store, logger *slog.Logger, cfg Config) (Service, error) {
	m, err := newMetrics()
	if err != nil {
		return nil, err
	}
	if cfg.LoanDays <= 0 {
		cfg.LoanDays = DefaultLoanDays
	}
	if cfg.Fines.UnitFine.IsZero() {
		cfg.Fines = fines.NewCalculator(cfg.Fines.UnitFine)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &service{
		db:       db,
		ids:      gen,
		ledger:   catalog.NewLedger(db.Dialect()),
		quota:    membership.NewQuota(db.Dialect(), logger),
		fines:    cfg.Fines,
		audit:    log,
		logger:   logger,
		tracer:   otel.Tracer("libracirc/lending"),
		metrics:  m,
		loanDays: cfg.LoanDays,
		now:      cfg.Now,
	}, nil
}

func (s *service) today() time.Time {
	return storage.Day(s.now())
}

// Borrow lends one copy of an item to a member.
func (s *service) Borrow(ctx context.Context, req BorrowRequest) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "lending.borrow",
		trace.WithAttributes(
			attribute.String("member.id", req.MemberID),
			attribute.String("item.id", req.ItemID),
		),
	)
	defer span.End()

	lines := []BatchLine{{ItemID: req.ItemID, Quantity: 1}}
	loans, err := s.open(ctx, req.MemberID, lines, req.BorrowDate, req.DueDate, false)
	if err != nil {
		s.fail(ctx, span, "borrow", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("loan.id", loans[0].ID))
	return loans[0], nil
}

// BorrowBatch lends every requested copy to one member or none at all.
func (s *service) BorrowBatch(ctx context.Context, req BorrowBatchRequest) ([]*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "lending.borrow_batch",
		trace.WithAttributes(
			attribute.String("member.id", req.MemberID),
			attribute.Int("batch.lines", len(req.Lines)),
		),
	)
	defer span.End()

	loans, err := s.open(ctx, req.MemberID, req.Lines, req.BorrowDate, req.DueDate, true)
	if err != nil {
		s.fail(ctx, span, "borrow_batch", err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("loans.opened", len(loans)))
	return loans, nil
}

// open runs the borrow algorithm for one or more lines. Single borrows check the item before
// the quota; batches check the quota against the whole request first.
func (s *service) open(ctx context.Context, memberID string, lines []BatchLine, borrowDate, dueDate time.Time, batch bool) ([]*Loan, error) {
	if memberID == "" {
		return nil, ErrInvalidRequest.With("member_id is required")
	}
	lines, total, err := mergeLines(lines)
	if err != nil {
		return nil, err
	}
	borrow, due, err := s.loanDates(borrowDate, dueDate)
	if err != nil {
		return nil, err
	}

	var loans []*Loan
	err = s.db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		loans = loans[:0]

		member, err := s.quota.LockMember(ctx, tx, memberID)
		if err != nil {
			return err
		}
		if member.Status == membership.StatusSuspended {
			return ErrMemberSuspended.With("%s", memberID)
		}
		if batch {
			if err := checkQuota(member, total); err != nil {
				return err
			}
		}

		itemIDs := make([]string, len(lines))
		for i, l := range lines {
			itemIDs[i] = l.ItemID
		}
		items, err := s.ledger.LockItems(ctx, tx, itemIDs)
		if err != nil {
			return err
		}
		for _, l := range lines {
			item := items[l.ItemID]
			if item.Status == catalog.StatusRetired {
				return ErrNoCopiesAvailable.With("item %s is retired", item.ID)
			}
			if !item.CanLend(l.Quantity) {
				return ErrNoCopiesAvailable.With("item %s has %d, %d requested", item.ID, item.Available, l.Quantity)
			}
		}
		if !batch {
			if err := checkQuota(member, total); err != nil {
				return err
			}
		}

		for _, l := range lines {
			for n := 0; n < l.Quantity; n++ {
				loan, err := s.insertLoan(ctx, tx, member.ID, l.ItemID, borrow, due)
				if err != nil {
					return err
				}
				loans = append(loans, loan)
			}
			if err := s.ledger.TakeCopies(ctx, tx, l.ItemID, l.Quantity); err != nil {
				return err
			}
		}
		return s.quota.AddBorrows(ctx, tx, member, total)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.borrows.Add(ctx, int64(len(loans)))
	s.logger.InfoContext(ctx, "loans opened",
		"member_id", memberID, "loan_id", loans[0].ID, "count", len(loans), "due_date", due.Format(DateLayout))
	return loans, nil
}

func checkQuota(m *membership.Member, n int) error {
	if m.CurrentBorrows+n > m.MaxBorrows {
		return ErrBorrowLimitExceeded.With("member %s holds %d of %d, %d requested", m.ID, m.CurrentBorrows, m.MaxBorrows, n)
	}
	return nil
}

// mergeLines validates lines, sums quantities of repeated items and sorts by item id.
func mergeLines(lines []BatchLine) ([]BatchLine, int, error) {
	if len(lines) == 0 {
		return nil, 0, ErrInvalidRequest.With("at least one item is required")
	}
	qty := make(map[string]int, len(lines))
	total := 0
	for _, l := range lines {
		if l.ItemID == "" {
			return nil, 0, ErrInvalidRequest.With("item_id is required")
		}
		if l.Quantity < 1 {
			return nil, 0, ErrInvalidRequest.With("quantity for item %s must be at least 1", l.ItemID)
		}
		qty[l.ItemID] += l.Quantity
		total += l.Quantity
	}

	merged := make([]BatchLine, 0, len(qty))
	for id, n := range qty {
		merged = append(merged, BatchLine{ItemID: id, Quantity: n})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ItemID < merged[j].ItemID })
	return merged, total, nil
}

func (s *service) loanDates(borrow, due time.Time) (time.Time, time.Time, error) {
	if borrow.IsZero() {
		borrow = s.today()
	} else {
		borrow = storage.Day(borrow)
	}
	if due.IsZero() {
		due = borrow.AddDate(0, 0, s.loanDays)
	} else {
		due = storage.Day(due)
	}
	if due.Before(borrow) {
		return time.Time{}, time.Time{}, ErrInvalidRequest.With("due_date %s is before borrow_date %s",
			due.Format(DateLayout), borrow.Format(DateLayout))
	}
	return borrow, due, nil
}

func (s *service) insertLoan(ctx context.Context, tx *sqlx.Tx, memberID, itemID string, borrow, due time.Time) (*Loan, error) {
	id, err := s.ids.NextLoanID(ctx, tx, borrow)
	if err != nil {
		return nil, err
	}
	loan := &Loan{
		ID:         id,
		ItemID:     itemID,
		MemberID:   memberID,
		BorrowDate: borrow,
		DueDate:    due,
		State:      StateActive,
		CreatedAt:  s.now().UTC(),
	}
	_, err = tx.NamedExecContext(ctx, `INSERT INTO loans (`+loanColumns+`)
		VALUES (:id, :item_id, :member_id, :borrow_date, :due_date, :state, :created_at)`, loan)
	if err != nil {
		return nil, fmt.Errorf("insert loan %s: %w", id, err)
	}

	err = s.audit.Append(ctx, tx, audit.Record{
		AggregateID:   id,
		AggregateType: audit.Loan,
		EventType:     audit.LoanOpened,
		Data: LoanOpenedEvent{
			LoanID:     id,
			ItemID:     itemID,
			MemberID:   memberID,
			BorrowDate: borrow.Format(DateLayout),
			DueDate:    due.Format(DateLayout),
		},
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// Return closes one loan, charging a fine when it comes back late.
func (s *service) Return(ctx context.Context, req ReturnRequest) (*Return, error) {
	ctx, span := s.tracer.Start(ctx, "lending.return", trace.WithAttributes(attribute.String("loan.id", req.LoanID)))
	defer span.End()

	ret, err := s.returnOne(ctx, req.LoanID, s.returnDay(req.ReturnDate))
	if err != nil {
		s.fail(ctx, span, "return", err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("return.id", ret.ID),
		attribute.Int("return.overdue_days", ret.OverdueDays),
	)
	return ret, nil
}

func (s *service) returnOne(ctx context.Context, loanID string, day time.Time) (*Return, error) {
	if loanID == "" {
		return nil, ErrInvalidRequest.With("loan_id is required")
	}

	var ret *Return
	err := s.db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		loan, err := s.lockLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}
		member, err := s.quota.LockMember(ctx, tx, loan.MemberID)
		if err != nil {
			return err
		}
		if _, err := s.ledger.LockItem(ctx, tx, loan.ItemID); err != nil {
			return err
		}
		ret, err = s.close(ctx, tx, loan, member, day)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.returns.Add(ctx, 1)
	s.logger.InfoContext(ctx, "loan returned",
		"loan_id", loanID, "return_id", ret.ID, "overdue_days", ret.OverdueDays, "fine", ret.Fine.String())
	return ret, nil
}

// ReturnBatch closes several loans. See BatchMode for the failure semantics.
func (s *service) ReturnBatch(ctx context.Context, req ReturnBatchRequest) ([]ReturnOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "lending.return_batch",
		trace.WithAttributes(
			attribute.Int("batch.loans", len(req.LoanIDs)),
			attribute.Int("batch.mode", int(req.Mode)),
		),
	)
	defer span.End()

	if len(req.LoanIDs) == 0 {
		err := ErrInvalidRequest.With("at least one loan_id is required")
		s.fail(ctx, span, "return_batch", err)
		return nil, err
	}
	day := s.returnDay(req.ReturnDate)

	if req.Mode == BatchPartial {
		outcomes := make([]ReturnOutcome, len(req.LoanIDs))
		for i, id := range req.LoanIDs {
			outcomes[i] = ReturnOutcome{LoanID: id}
			ret, err := s.returnOne(ctx, id, day)
			if err != nil {
				s.metrics.reject(ctx, "return", err)
				outcomes[i].Err = err
				continue
			}
			outcomes[i] = outcomeOf(ret)
		}
		return outcomes, nil
	}

	outcomes, err := s.returnAll(ctx, req.LoanIDs, day)
	if err != nil {
		s.fail(ctx, span, "return_batch", err)
		return nil, err
	}
	return outcomes, nil
}

// returnAll closes every loan in one transaction. Locks are taken loans first, then members,
// then items, each in ascending id order.
func (s *service) returnAll(ctx context.Context, loanIDs []string, day time.Time) ([]ReturnOutcome, error) {
	sorted := append([]string(nil), loanIDs...)
	sort.Strings(sorted)
	for i, id := range sorted {
		if id == "" {
			return nil, ErrInvalidRequest.With("loan_id is required")
		}
		if i > 0 && sorted[i-1] == id {
			return nil, ErrInvalidRequest.With("loan %s listed more than once", id)
		}
	}

	byLoan := make(map[string]ReturnOutcome, len(sorted))
	err := s.db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		clear(byLoan)

		loans := make([]*Loan, 0, len(sorted))
		memberIDs := make([]string, 0, len(sorted))
		itemIDs := make([]string, 0, len(sorted))
		for _, id := range sorted {
			loan, err := s.lockLoan(ctx, tx, id)
			if err != nil {
				return err
			}
			loans = append(loans, loan)
			memberIDs = append(memberIDs, loan.MemberID)
			itemIDs = append(itemIDs, loan.ItemID)
		}

		members, err := s.quota.LockMembers(ctx, tx, memberIDs)
		if err != nil {
			return err
		}
		if _, err := s.ledger.LockItems(ctx, tx, itemIDs); err != nil {
			return err
		}

		for _, loan := range loans {
			ret, err := s.close(ctx, tx, loan, members[loan.MemberID], day)
			if err != nil {
				return err
			}
			byLoan[loan.ID] = outcomeOf(ret)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	outcomes := make([]ReturnOutcome, len(loanIDs))
	for i, id := range loanIDs {
		outcomes[i] = byLoan[id]
	}
	s.metrics.returns.Add(ctx, int64(len(outcomes)))
	s.logger.InfoContext(ctx, "loans returned", "count", len(outcomes), "return_date", day.Format(DateLayout))
	return outcomes, nil
}

func outcomeOf(ret *Return) ReturnOutcome {
	return ReturnOutcome{LoanID: ret.LoanID, ReturnID: ret.ID, OverdueDays: ret.OverdueDays, Fine: ret.Fine}
}

func (s *service) returnDay(t time.Time) time.Time {
	if t.IsZero() {
		return s.today()
	}
	return storage.Day(t)
}

// lockLoan reads an open loan and holds its row lock until tx ends.
func (s *service) lockLoan(ctx context.Context, tx *sqlx.Tx, id string) (*Loan, error) {
	loan, err := getLoan(ctx, tx, s.db.Dialect().ForUpdate(), id)
	if err != nil {
		return nil, err
	}
	if loan.State == StateReturned {
		return nil, ErrAlreadyReturned.With("%s", id)
	}
	return loan, nil
}

// close applies the return of a locked loan whose member and item rows are locked too.
func (s *service) close(ctx context.Context, tx *sqlx.Tx, loan *Loan, member *membership.Member, day time.Time) (*Return, error) {
	if day.Before(loan.BorrowDate) {
		return nil, ErrInvalidRequest.With("return_date %s is before borrow_date %s of loan %s",
			day.Format(DateLayout), loan.BorrowDate.Format(DateLayout), loan.ID)
	}

	assessment := s.fines.Assess(loan.DueDate, day)
	id, err := s.ids.NextReturnID(ctx, tx, day)
	if err != nil {
		return nil, err
	}
	ret := &Return{
		ID:          id,
		LoanID:      loan.ID,
		ReturnDate:  day,
		OverdueDays: assessment.OverdueDays,
		Fine:        assessment.Fine,
		CreatedAt:   s.now().UTC(),
	}

	_, err = tx.NamedExecContext(ctx, `INSERT INTO returns (`+returnColumns+`)
		VALUES (:id, :loan_id, :return_date, :overdue_days, :fine, :created_at)`, ret)
	if err != nil {
		return nil, fmt.Errorf("insert return %s: %w", id, err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE loans SET state = ? WHERE id = ? AND state IN (?, ?)`),
		string(StateReturned), loan.ID, string(StateActive), string(StateOverdue))
	if err != nil {
		return nil, fmt.Errorf("close loan %s: %w", loan.ID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrAlreadyReturned.With("%s", loan.ID)
	}

	if err := s.ledger.PutCopy(ctx, tx, loan.ItemID); err != nil {
		return nil, err
	}
	if err := s.quota.ReleaseBorrow(ctx, tx, member, loan.ID); err != nil {
		return nil, err
	}

	err = s.audit.Append(ctx, tx, audit.Record{
		AggregateID:   loan.ID,
		AggregateType: audit.Loan,
		EventType:     audit.LoanClosed,
		Data: LoanClosedEvent{
			LoanID:      loan.ID,
			ReturnID:    id,
			ReturnDate:  day.Format(DateLayout),
			OverdueDays: assessment.OverdueDays,
			Fine:        assessment.Fine,
			WasOverdue:  loan.State == StateOverdue || assessment.OverdueDays > 0,
		},
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// fail records a rejected operation on the span, the rejection counter and the log.
func (s *service) fail(ctx context.Context, span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, errkind.CodeOf(err))
	s.metrics.reject(ctx, op, err)

	switch errkind.KindOf(err) {
	case errkind.StorageFailure:
		s.logger.ErrorContext(ctx, "lending operation failed", "operation", op, "error", err)
	case errkind.ConflictRetryable:
		s.logger.WarnContext(ctx, "lending operation conflicted", "operation", op, "error", err)
	default:
		s.logger.DebugContext(ctx, "lending operation rejected", "operation", op, "code", errkind.CodeOf(err))
	}
}
