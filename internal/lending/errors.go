package lending

import (
	"libracirc/internal/catalog"
	"libracirc/internal/errkind"
	"libracirc/internal/membership"
)

// Failures the engine reports. Every one of them aborts the whole operation.
var (
	ErrMemberNotFound      = membership.ErrMemberNotFound
	ErrMemberSuspended     = membership.ErrMemberSuspended
	ErrBorrowLimitExceeded = membership.ErrBorrowLimitExceeded
	ErrItemNotFound        = catalog.ErrItemNotFound
	ErrNoCopiesAvailable   = catalog.ErrNoCopiesAvailable

	ErrLoanNotFound    = errkind.New(errkind.NotFound, "loan_not_found", "loan not found")
	ErrReturnNotFound  = errkind.New(errkind.NotFound, "return_not_found", "return not found")
	ErrAlreadyReturned = errkind.New(errkind.PreconditionFailed, "already_returned", "loan already returned")
	ErrInvalidRequest  = errkind.ErrInvalid
	ErrConflictRetry   = errkind.ErrConflict
)
