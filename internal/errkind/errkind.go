// Package errkind classifies failures surfaced by the circulation core so callers can tell
// permanent rejections from retryable conflicts without string matching.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable category of an error.
type Kind int

const (
	// StorageFailure is any lower-level I/O or constraint error not otherwise classified.
	StorageFailure Kind = iota
	// NotFound means the member, item, loan or return does not exist.
	NotFound
	// PreconditionFailed means a business rule rejected the operation.
	PreconditionFailed
	// ConflictRetryable means the whole operation rolled back and may be resubmitted.
	ConflictRetryable
	// Unauthorized means the caller has no valid session.
	Unauthorized
	// RateLimited means the caller exceeded a request budget.
	RateLimited
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case PreconditionFailed:
		return "precondition_failed"
	case ConflictRetryable:
		return "conflict_retryable"
	case Unauthorized:
		return "unauthorized"
	case RateLimited:
		return "rate_limited"
	default:
		return "storage_failure"
	}
}

// ParseKind is the inverse of Kind.String. Unknown names map to StorageFailure.
func ParseKind(s string) Kind {
	for k := NotFound; k <= RateLimited; k++ {
		if k.String() == s {
			return k
		}
	}
	return StorageFailure
}

// Error carries a Kind, a stable Code and a human-readable message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// New returns a sentinel error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so detailed copies made with With or Wrap
// still satisfy errors.Is against the sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of e with a more specific message.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message + ": " + fmt.Sprintf(format, args...), Err: e.Err}
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

var (
	ErrConflict = New(ConflictRetryable, "conflict_retryable", "transaction conflict, retry the operation")
	ErrStorage  = New(StorageFailure, "storage_failure", "storage failure")
	ErrInvalid  = New(PreconditionFailed, "invalid_request", "invalid request")
)

// KindOf reports the kind of err. Unclassified errors are StorageFailure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return StorageFailure
}

// CodeOf reports the code of err, or the storage failure code when unclassified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrStorage.Code
}

// Retryable reports whether err is safe to resubmit as a whole.
func Retryable(err error) bool {
	return KindOf(err) == ConflictRetryable
}
