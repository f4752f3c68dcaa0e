package membership

import (
	"fmt"
	"strings"
	"time"

	"libracirc/internal/errkind"
)

// Status is whether a member may borrow. It is stored as a small integer.
type Status int

const (
	StatusActive    Status = 0
	StatusSuspended Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSuspended:
		return "suspended"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus accepts "active" or "suspended".
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return StatusActive, nil
	case "suspended":
		return StatusSuspended, nil
	}
	return 0, errkind.ErrInvalid.With("unknown member status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// DefaultMaxBorrows applies when a member is registered without a quota.
const DefaultMaxBorrows = 5

// Member represents a library member and their borrowing quota.
type Member struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	CardNumber     string    `json:"card_number" db:"card_number"`
	Phone          string    `json:"phone" db:"phone"`
	Status         Status    `json:"status" db:"status"`
	MaxBorrows     int       `json:"max_borrows" db:"max_borrows"`
	CurrentBorrows int       `json:"current_borrows" db:"current_borrows"`
	RegisteredAt   time.Time `json:"registered_at" db:"registered_at"`
}

const memberColumns = `id, name, card_number, phone, status, max_borrows, current_borrows, registered_at`

// NewMember describes a member to register. An empty ID is replaced by a random UUID and a
// nil MaxBorrows by DefaultMaxBorrows.
type NewMember struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CardNumber string `json:"card_number"`
	Phone      string `json:"phone"`
	MaxBorrows *int   `json:"max_borrows"`
}

// MemberUpdate holds the fields to change. Nil fields keep their value.
type MemberUpdate struct {
	Name       *string `json:"name"`
	CardNumber *string `json:"card_number"`
	Phone      *string `json:"phone"`
	MaxBorrows *int    `json:"max_borrows"`
}

// MemberFilter narrows ListMembers. Query matches name or card number.
type MemberFilter struct {
	Query  string
	Status *Status
	Limit  int
	Offset int
}

// MemberRegisteredEvent is recorded when a new member registers.
type MemberRegisteredEvent struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MaxBorrows int    `json:"max_borrows"`
}

// MemberUpdatedEvent carries the member fields after an update.
type MemberUpdatedEvent struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CardNumber string `json:"card_number"`
	Phone      string `json:"phone"`
	MaxBorrows int    `json:"max_borrows"`
}

type MemberDeletedEvent struct {
	ID        string `json:"id"`
	DeletedAt string `json:"deleted_at"`
}

// MemberStatusChangedEvent is recorded when a member is suspended or reactivated.
type MemberStatusChangedEvent struct {
	ID   string `json:"id"`
	From Status `json:"from"`
	To   Status `json:"to"`
}

var (
	ErrMemberNotFound      = errkind.New(errkind.NotFound, "member_not_found", "member not found")
	ErrMemberSuspended     = errkind.New(errkind.PreconditionFailed, "member_suspended", "member is suspended")
	ErrBorrowLimitExceeded = errkind.New(errkind.PreconditionFailed, "borrow_limit_exceeded", "borrow limit exceeded")
	ErrInvalidQuota        = errkind.New(errkind.PreconditionFailed, "invalid_quota", "max_borrows must not be negative")
	ErrMemberExists        = errkind.New(errkind.PreconditionFailed, "member_exists", "member already exists")
	ErrQuotaBelowLoans     = errkind.New(errkind.PreconditionFailed, "quota_below_loans", "max_borrows is below the loans currently held")
	ErrMemberHasLoans      = errkind.New(errkind.PreconditionFailed, "member_has_loans", "member has borrow records")
)
