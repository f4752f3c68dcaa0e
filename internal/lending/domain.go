package lending

import (
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// DateLayout is the wire format of loan and return dates.
const DateLayout = "2006-01-02"

// State is the lifecycle position of a loan.
type State string

const (
	StateActive   State = "ACTIVE"
	StateReturned State = "RETURNED"
	StateOverdue  State = "OVERDUE"
)

// ParseState accepts a state name in any case.
func ParseState(s string) (State, error) {
	switch st := State(strings.ToUpper(strings.TrimSpace(s))); st {
	case StateActive, StateReturned, StateOverdue:
		return st, nil
	}
	return "", ErrInvalidRequest.With("unknown loan state %q", s)
}

// Open reports whether a loan in this state still holds a copy.
func (s State) Open() bool {
	return s == StateActive || s == StateOverdue
}

// Loan is one copy of an item lent to one member. Loans are never deleted.
type Loan struct {
	ID         string    `json:"id" db:"id"`
	ItemID     string    `json:"item_id" db:"item_id"`
	MemberID   string    `json:"member_id" db:"member_id"`
	BorrowDate time.Time `json:"borrow_date" db:"borrow_date"`
	DueDate    time.Time `json:"due_date" db:"due_date"`
	State      State     `json:"state" db:"state"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

const loanColumns = `id, item_id, member_id, borrow_date, due_date, state, created_at`

// project reports an ACTIVE loan past its due date as OVERDUE without persisting it.
func (l *Loan) project(today time.Time) *Loan {
	if l.State == StateActive && l.DueDate.Before(today) {
		l.State = StateOverdue
	}
	return l
}

type loanJSON struct {
	ID         string    `json:"id"`
	ItemID     string    `json:"item_id"`
	MemberID   string    `json:"member_id"`
	BorrowDate string    `json:"borrow_date"`
	DueDate    string    `json:"due_date"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
}

func (l Loan) MarshalJSON() ([]byte, error) {
	return codec.Marshal(loanJSON{
		ID:         l.ID,
		ItemID:     l.ItemID,
		MemberID:   l.MemberID,
		BorrowDate: l.BorrowDate.Format(DateLayout),
		DueDate:    l.DueDate.Format(DateLayout),
		State:      l.State,
		CreatedAt:  l.CreatedAt,
	})
}

func (l *Loan) UnmarshalJSON(b []byte) error {
	var v loanJSON
	if err := codec.Unmarshal(b, &v); err != nil {
		return err
	}
	borrow, err := time.Parse(DateLayout, v.BorrowDate)
	if err != nil {
		return err
	}
	due, err := time.Parse(DateLayout, v.DueDate)
	if err != nil {
		return err
	}
	*l = Loan{ID: v.ID, ItemID: v.ItemID, MemberID: v.MemberID, BorrowDate: borrow, DueDate: due, State: v.State, CreatedAt: v.CreatedAt}
	return nil
}

// Return records the closing of a loan and the fine charged. Exactly one exists per loan.
type Return struct {
	ID          string          `json:"id" db:"id"`
	LoanID      string          `json:"loan_id" db:"loan_id"`
	ReturnDate  time.Time       `json:"return_date" db:"return_date"`
	OverdueDays int             `json:"overdue_days" db:"overdue_days"`
	Fine        decimal.Decimal `json:"fine" db:"fine"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

const returnColumns = `id, loan_id, return_date, overdue_days, fine, created_at`

type returnJSON struct {
	ID          string          `json:"id"`
	LoanID      string          `json:"loan_id"`
	ReturnDate  string          `json:"return_date"`
	OverdueDays int             `json:"overdue_days"`
	Fine        decimal.Decimal `json:"fine"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (r Return) MarshalJSON() ([]byte, error) {
	return codec.Marshal(returnJSON{
		ID:          r.ID,
		LoanID:      r.LoanID,
		ReturnDate:  r.ReturnDate.Format(DateLayout),
		OverdueDays: r.OverdueDays,
		Fine:        r.Fine,
		CreatedAt:   r.CreatedAt,
	})
}

func (r *Return) UnmarshalJSON(b []byte) error {
	var v returnJSON
	if err := codec.Unmarshal(b, &v); err != nil {
		return err
	}
	day, err := time.Parse(DateLayout, v.ReturnDate)
	if err != nil {
		return err
	}
	*r = Return{ID: v.ID, LoanID: v.LoanID, ReturnDate: day, OverdueDays: v.OverdueDays, Fine: v.Fine, CreatedAt: v.CreatedAt}
	return nil
}

// BorrowRequest lends one copy of an item. A zero BorrowDate means today and a zero DueDate
// means BorrowDate plus the configured loan period.
type BorrowRequest struct {
	MemberID   string
	ItemID     string
	BorrowDate time.Time
	DueDate    time.Time
}

// BatchLine asks for Quantity copies of one item.
type BatchLine struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// BorrowBatchRequest lends several copies to one member, all or nothing.
type BorrowBatchRequest struct {
	MemberID   string
	Lines      []BatchLine
	BorrowDate time.Time
	DueDate    time.Time
}

// ReturnRequest closes one loan. A zero ReturnDate means today.
type ReturnRequest struct {
	LoanID     string
	ReturnDate time.Time
}

// BatchMode selects the failure semantics of ReturnBatch.
type BatchMode int

const (
	// BatchStrict returns every loan in one transaction; any failure aborts all of them.
	BatchStrict BatchMode = iota
	// BatchPartial returns each loan in its own transaction and reports failures per loan.
	BatchPartial
)

// ParseBatchMode accepts "strict" (or empty) and "partial".
func ParseBatchMode(s string) (BatchMode, error) {
	switch s {
	case "", "strict":
		return BatchStrict, nil
	case "partial":
		return BatchPartial, nil
	}
	return 0, ErrInvalidRequest.With("unknown batch mode %q", s)
}

// ReturnBatchRequest closes several loans on the same return date.
type ReturnBatchRequest struct {
	LoanIDs    []string
	ReturnDate time.Time
	Mode       BatchMode
}

// ReturnOutcome is the result for one loan of a batch return. Err is set only in partial mode.
type ReturnOutcome struct {
	LoanID      string
	ReturnID    string
	OverdueDays int
	Fine        decimal.Decimal
	Err         error
}

// LoanFilter narrows ListLoans. Filtering by StateOverdue also matches ACTIVE loans past due.
type LoanFilter struct {
	MemberID     string
	ItemID       string
	State        State
	BorrowedFrom time.Time
	BorrowedTo   time.Time
	Limit        int
	Offset       int
}

// ReturnFilter narrows ListReturns by return date.
type ReturnFilter struct {
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// Overview summarises the collection and its circulation.
type Overview struct {
	TotalTitles  int64 `json:"total_titles" db:"total_titles"`
	TotalCopies  int64 `json:"total_copies" db:"total_copies"`
	TotalMembers int64 `json:"total_members" db:"total_members"`
	LoansOut     int64 `json:"loans_out" db:"loans_out"`
	Overdue      int64 `json:"overdue" db:"overdue"`
}

// PopularItem is an entry of the most-borrowed ranking.
type PopularItem struct {
	ItemID      string `json:"item_id" db:"id"`
	Title       string `json:"title" db:"title"`
	Author      string `json:"author" db:"author"`
	BorrowCount int64  `json:"borrow_count" db:"borrow_count"`
}

// Audit payloads.
type (
	LoanOpenedEvent struct {
		LoanID     string `json:"loan_id"`
		ItemID     string `json:"item_id"`
		MemberID   string `json:"member_id"`
		BorrowDate string `json:"borrow_date"`
		DueDate    string `json:"due_date"`
	}

	LoanClosedEvent struct {
		LoanID      string          `json:"loan_id"`
		ReturnID    string          `json:"return_id"`
		ReturnDate  string          `json:"return_date"`
		OverdueDays int             `json:"overdue_days"`
		Fine        decimal.Decimal `json:"fine"`
		WasOverdue  bool            `json:"was_overdue"`
	}

	LoansMarkedOverdueEvent struct {
		AsOf  string `json:"as_of"`
		Count int64  `json:"count"`
	}
)
