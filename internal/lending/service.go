package lending

import (
	"context"
)

// Service is the lending transaction engine. Every mutating operation is one atomic unit:
// it either applies completely or leaves no trace.
type Service interface {
	Borrow(ctx context.Context, req BorrowRequest) (*Loan, error)
	BorrowBatch(ctx context.Context, req BorrowBatchRequest) ([]*Loan, error)
	Return(ctx context.Context, req ReturnRequest) (*Return, error)
	ReturnBatch(ctx context.Context, req ReturnBatchRequest) ([]ReturnOutcome, error)

	// RefreshOverdueStatus marks ACTIVE loans past their due date as OVERDUE.
	RefreshOverdueStatus(ctx context.Context) (int64, error)

	GetLoan(ctx context.Context, id string) (*Loan, error)
	ListLoans(ctx context.Context, filter LoanFilter) ([]*Loan, error)
	GetReturn(ctx context.Context, id string) (*Return, error)
	GetReturnByLoan(ctx context.Context, loanID string) (*Return, error)
	ListReturns(ctx context.Context, filter ReturnFilter) ([]*Return, error)

	Overview(ctx context.Context) (*Overview, error)
	PopularItems(ctx context.Context, top int) ([]PopularItem, error)
}
