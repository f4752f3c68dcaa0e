package lending

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"libracirc/internal/audit"
	"libracirc/internal/storage/storagetest"
)

func TestRefreshOverdueStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	itemID := f.item(t, 3)
	memberID := f.member(t, "R001", 3)

	late, err := f.svc.Borrow(ctx, BorrowRequest{MemberID: memberID, ItemID: itemID, BorrowDate: date("2024-02-01"), DueDate: date("2024-02-15")})
	require.NoError(t, err)
	dueToday, err := f.svc.Borrow(ctx, BorrowRequest{MemberID: memberID, ItemID: itemID, BorrowDate: date("2024-03-01"), DueDate: date("2024-03-10")})
	require.NoError(t, err)

	lazy, err := f.svc.GetLoan(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, StateOverdue, lazy.State)

	var stored string
	require.NoError(t, f.db.GetContext(ctx, &stored, `SELECT state FROM loans WHERE id = ?`, late.ID))
	assert.Equal(t, "ACTIVE", stored)

	n, err := f.svc.RefreshOverdueStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = f.svc.RefreshOverdueStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, f.db.GetContext(ctx, &stored, `SELECT state FROM loans WHERE id = ?`, late.ID))
	assert.Equal(t, "OVERDUE", stored)

	onTime, err := f.svc.GetLoan(ctx, dueToday.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, onTime.State)

	events, err := f.audit.Load(ctx, audit.Loan, overdueSweepAggregate)
	require.NoError(t, err)
	require.Len(t, events, 1)
	var swept LoansMarkedOverdueEvent
	require.NoError(t, events[0].Decode(&swept))
	assert.Equal(t, "2024-03-10", swept.AsOf)
	assert.EqualValues(t, 1, swept.Count)

	assert.Zero(t, f.count(t, "returns"))

	ret, err := f.svc.Return(ctx, ReturnRequest{LoanID: late.ID})
	require.NoError(t, err)
	assert.Equal(t, 24, ret.OverdueDays)
}

func TestListLoans(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.item(t, 5)
	b := f.item(t, 5)
	f.member(t, "R001", 5)
	f.member(t, "R002", 5)

	overdue, err := f.svc.Borrow(ctx, BorrowRequest{MemberID: "R001", ItemID: a, BorrowDate: date("2024-01-02"), DueDate: date("2024-01-16")})
	require.NoError(t, err)
	active, err := f.svc.Borrow(ctx, BorrowRequest{MemberID: "R001", ItemID: b})
	require.NoError(t, err)
	returned, err := f.svc.Borrow(ctx, BorrowRequest{MemberID: "R002", ItemID: a, BorrowDate: date("2024-03-05")})
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, ReturnRequest{LoanID: returned.ID})
	require.NoError(t, err)

	ids := func(loans []*Loan) []string {
		out := make([]string, len(loans))
		for i, l := range loans {
			out[i] = l.ID
		}
		return out
	}

	all, err := f.svc.ListLoans(ctx, LoanFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{overdue.ID, active.ID, returned.ID}, ids(all))
	assert.Equal(t, StateOverdue, all[0].State)

	got, err := f.svc.ListLoans(ctx, LoanFilter{State: StateOverdue})
	require.NoError(t, err)
	assert.Equal(t, []string{overdue.ID}, ids(got))

	got, err = f.svc.ListLoans(ctx, LoanFilter{State: StateActive})
	require.NoError(t, err)
	assert.Equal(t, []string{active.ID}, ids(got))

	got, err = f.svc.ListLoans(ctx, LoanFilter{State: StateReturned})
	require.NoError(t, err)
	assert.Equal(t, []string{returned.ID}, ids(got))

	got, err = f.svc.ListLoans(ctx, LoanFilter{MemberID: "R001", ItemID: a})
	require.NoError(t, err)
	assert.Equal(t, []string{overdue.ID}, ids(got))

	got, err = f.svc.ListLoans(ctx, LoanFilter{BorrowedFrom: date("2024-03-01"), BorrowedTo: date("2024-03-06")})
	require.NoError(t, err)
	assert.Equal(t, []string{returned.ID}, ids(got))

	got, err = f.svc.ListLoans(ctx, LoanFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{active.ID}, ids(got))

	_, err = f.svc.ListLoans(ctx, LoanFilter{State: "LOST"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestListReturns(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	itemID := f.item(t, 3)
	memberID := f.member(t, "R001", 3)

	var loanIDs []string
	for i := 0; i < 3; i++ {
		loan, err := f.svc.Borrow(ctx, BorrowRequest{MemberID: memberID, ItemID: itemID, BorrowDate: date("2024-03-01")})
		require.NoError(t, err)
		loanIDs = append(loanIDs, loan.ID)
	}
	for i, day := range []string{"2024-03-02", "2024-03-04", "2024-03-04"} {
		_, err := f.svc.Return(ctx, ReturnRequest{LoanID: loanIDs[i], ReturnDate: date(day)})
		require.NoError(t, err)
	}

	got, err := f.svc.ListReturns(ctx, ReturnFilter{From: date("2024-03-03")})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "RT20240304001", got[0].ID)
	assert.Equal(t, "RT20240304002", got[1].ID)

	got, err = f.svc.ListReturns(ctx, ReturnFilter{To: date("2024-03-02")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, loanIDs[0], got[0].LoanID)

	_, err = f.svc.GetReturn(ctx, "RT20240101001")
	assert.ErrorIs(t, err, ErrReturnNotFound)
	_, err = f.svc.GetReturnByLoan(ctx, "20249999")
	assert.ErrorIs(t, err, ErrReturnNotFound)
}

func TestOverviewAndPopularItems(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.item(t, 4)
	b := f.item(t, 2)
	f.item(t, 1)
	f.member(t, "R001", 5)
	f.member(t, "R002", 5)

	for _, req := range []BorrowRequest{
		{MemberID: "R001", ItemID: b},
		{MemberID: "R002", ItemID: b},
		{MemberID: "R001", ItemID: a, BorrowDate: date("2024-01-01"), DueDate: date("2024-01-15")},
	} {
		_, err := f.svc.Borrow(ctx, req)
		require.NoError(t, err)
	}

	o, err := f.svc.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, Overview{TotalTitles: 3, TotalCopies: 7, TotalMembers: 2, LoansOut: 3, Overdue: 1}, *o)

	popular, err := f.svc.PopularItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, popular, 2)
	assert.Equal(t, b, popular[0].ItemID)
	assert.EqualValues(t, 2, popular[0].BorrowCount)
	assert.Equal(t, a, popular[1].ItemID)

	popular, err = f.svc.PopularItems(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, popular, 1)
}

type purger struct{ calls atomic.Int32 }

func (p *purger) PurgeExpired(context.Context) (int64, error) {
	p.calls.Add(1)
	return 2, nil
}

func TestSweeper(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.Borrow(ctx, BorrowRequest{
		MemberID:   f.member(t, "R001", 1),
		ItemID:     f.item(t, 1),
		BorrowDate: date("2024-02-01"),
		DueDate:    date("2024-02-02"),
	})
	require.NoError(t, err)

	p := &purger{}
	sweeper := NewSweeper(f.svc, p, 10*time.Millisecond, storagetest.Logger())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		sweeper.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool { return p.calls.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}

	var n int
	require.NoError(t, f.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM loans WHERE state = 'OVERDUE'`))
	assert.Equal(t, 1, n)

	NewSweeper(f.svc, nil, 0, storagetest.Logger()).SweepOnce(ctx)
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(noop.NewMeterProvider()) })

	f := setup(t)
	ctx := context.Background()
	itemID := f.item(t, 1)
	memberID := f.member(t, "R001", 2)

	loan, err := f.svc.Borrow(ctx, BorrowRequest{MemberID: memberID, ItemID: itemID, BorrowDate: date("2024-02-01")})
	require.NoError(t, err)
	_, err = f.svc.Borrow(ctx, BorrowRequest{MemberID: memberID, ItemID: itemID})
	require.ErrorIs(t, err, ErrNoCopiesAvailable)
	_, err = f.svc.RefreshOverdueStatus(ctx)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, ReturnRequest{LoanID: loan.ID})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	codes := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				sums[m.Name] += dp.Value
				if code, ok := dp.Attributes.Value("code"); ok {
					codes[code.AsString()] = true
				}
			}
		}
	}

	assert.EqualValues(t, 1, sums["lending.borrows"])
	assert.EqualValues(t, 1, sums["lending.returns"])
	assert.EqualValues(t, 1, sums["lending.rejections"])
	assert.EqualValues(t, 1, sums["lending.overdue_swept"])
	assert.True(t, codes["no_copies_available"])
}
