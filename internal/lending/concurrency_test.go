package lending

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/errkind"
	"libracirc/internal/ids"
	"libracirc/internal/storage"
	"libracirc/internal/storage/storagetest"
)

func TestConcurrentBorrow_LastCopy(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	itemID := f.item(t, 1)

	const workers = 10
	for i := 0; i < workers; i++ {
		f.member(t, fmt.Sprintf("R%03d", i), 3)
	}

	var (
		wg      sync.WaitGroup
		success atomic.Int32
		errs    = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Borrow(ctx, BorrowRequest{MemberID: fmt.Sprintf("R%03d", i), ItemID: itemID})
			if err != nil {
				errs <- err
				return
			}
			success.Add(1)
		}(i)
	}
	wg.Wait()
	close(errs)

	assert.EqualValues(t, 1, success.Load())
	for err := range errs {
		assert.ErrorIs(t, err, ErrNoCopiesAvailable)
	}
	assert.Zero(t, f.available(t, itemID))
	assert.Equal(t, 1, f.count(t, "loans"))
}

func TestConcurrentBorrow_MemberQuota(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	memberID := f.member(t, "R001", 3)
	items := make([]string, 8)
	for i := range items {
		items[i] = f.item(t, 2)
	}

	var wg sync.WaitGroup
	for _, itemID := range items {
		wg.Add(1)
		go func(itemID string) {
			defer wg.Done()
			_, err := f.svc.Borrow(ctx, BorrowRequest{MemberID: memberID, ItemID: itemID})
			if err != nil {
				assert.ErrorIs(t, err, ErrBorrowLimitExceeded)
			}
		}(itemID)
	}
	wg.Wait()

	assert.Equal(t, 3, f.borrows(t, memberID))
	assert.Equal(t, 3, f.count(t, "loans"))
}

func TestConcurrentStorm_CountersStayConsistent(t *testing.T) {
	for _, strategy := range []ids.Strategy{ids.StrategyCounter, ids.StrategyCount} {
		t.Run(string(strategy), func(t *testing.T) {
			f := newFixture(t, storagetest.SQLite(t), strategy)
			storm(t, f, 6, 40)
		})
	}
}

func TestConcurrentStorm_Postgres(t *testing.T) {
	storm(t, newFixture(t, storagetest.Postgres(t), ids.StrategyCounter), 16, 60)
}

// storm runs random borrows, batch borrows and returns from several goroutines and checks the
// counters against the loan table afterwards.
func storm(t *testing.T, f *fixture, workers, ops int) {
	t.Helper()
	ctx := context.Background()

	items := make([]string, 4)
	for i := range items {
		items[i] = f.item(t, 3)
	}
	members := make([]string, 5)
	for i := range members {
		members[i] = f.member(t, fmt.Sprintf("S%02d", i), 2)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var mine []string
			for i := 0; i < ops; i++ {
				member := members[rng.Intn(len(members))]
				var err error
				switch op := rng.Intn(4); {
				case op == 0 && len(mine) > 0:
					k := rng.Intn(len(mine))
					_, err = f.svc.Return(ctx, ReturnRequest{LoanID: mine[k]})
					mine = append(mine[:k], mine[k+1:]...)
				case op == 1:
					var loans []*Loan
					loans, err = f.svc.BorrowBatch(ctx, BorrowBatchRequest{MemberID: member, Lines: []BatchLine{
						{ItemID: items[rng.Intn(len(items))], Quantity: 1},
						{ItemID: items[rng.Intn(len(items))], Quantity: 1},
					}})
					for _, l := range loans {
						mine = append(mine, l.ID)
					}
				default:
					var loan *Loan
					loan, err = f.svc.Borrow(ctx, BorrowRequest{MemberID: member, ItemID: items[rng.Intn(len(items))]})
					if err == nil {
						mine = append(mine, loan.ID)
					}
				}
				if err != nil {
					kind := errkind.KindOf(err)
					assert.Contains(t, []errkind.Kind{errkind.PreconditionFailed, errkind.ConflictRetryable}, kind, err.Error())
				}
			}
		}(int64(w))
	}
	wg.Wait()

	assertConsistent(t, f.db)
}

func assertConsistent(t *testing.T, db *storage.DB) {
	t.Helper()
	ctx := context.Background()

	var drifted int
	require.NoError(t, db.GetContext(ctx, &drifted, `SELECT COUNT(*) FROM items i
		WHERE i.available < 0 OR i.available > i.total_copies
		OR i.available != i.total_copies - (SELECT COUNT(*) FROM loans l WHERE l.item_id = i.id AND l.state IN ('ACTIVE', 'OVERDUE'))`))
	assert.Zero(t, drifted, "items whose available count disagrees with open loans")

	require.NoError(t, db.GetContext(ctx, &drifted, `SELECT COUNT(*) FROM members m
		WHERE m.current_borrows < 0 OR m.current_borrows > m.max_borrows
		OR m.current_borrows != (SELECT COUNT(*) FROM loans l WHERE l.member_id = m.id AND l.state IN ('ACTIVE', 'OVERDUE'))`))
	assert.Zero(t, drifted, "members whose borrow count disagrees with open loans")

	require.NoError(t, db.GetContext(ctx, &drifted, `SELECT COUNT(*) FROM loans l
		WHERE (l.state = 'RETURNED') != EXISTS (SELECT 1 FROM returns r WHERE r.loan_id = l.id)`))
	assert.Zero(t, drifted, "loans whose state disagrees with the returns table")
}
