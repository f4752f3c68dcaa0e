package chaos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"libracirc/internal/catalog"
	"libracirc/internal/errkind"
	"libracirc/internal/lending"
	"libracirc/internal/membership"
)

const (
	stockDriftQuery = `SELECT COUNT(*) FROM items i
		WHERE i.available < 0 OR i.available > i.total_copies
		OR i.available != i.total_copies - (SELECT COUNT(*) FROM loans l WHERE l.item_id = i.id AND l.state IN ('ACTIVE', 'OVERDUE'))`
	quotaDriftQuery = `SELECT COUNT(*) FROM members m
		WHERE m.current_borrows < 0 OR m.current_borrows > m.max_borrows
		OR m.current_borrows != (SELECT COUNT(*) FROM loans l WHERE l.member_id = m.id AND l.state IN ('ACTIVE', 'OVERDUE'))`
	returnDriftQuery = `SELECT COUNT(*) FROM loans l
		WHERE (l.state = 'RETURNED') != EXISTS (SELECT 1 FROM returns r WHERE r.loan_id = l.id)`
)

// boundedPoolSize caps an unlimited pool during the connection exhaustion experiment.
const boundedPoolSize = 4

// Fixtures are the services the experiments drive.
type Fixtures struct {
	Lending lending.Service
	Catalog catalog.Service
	Members membership.Service
}

// StormConfig sizes the load experiments.
type StormConfig struct {
	Workers    int
	Operations int
	// Duration is the observation window after the load has run.
	Duration time.Duration
	// Hold is how long the connection pool stays exhausted.
	Hold time.Duration
}

func (c StormConfig) withDefaults() StormConfig {
	if c.Workers <= 0 {
		c.Workers = 32
	}
	if c.Operations <= 0 {
		c.Operations = 50
	}
	if c.Duration <= 0 {
		c.Duration = 3 * time.Second
	}
	if c.Hold <= 0 {
		c.Hold = 2 * time.Second
	}
	return c
}

// RegisterExperiments registers the predefined experiments.
func (e *Engine) RegisterExperiments(f Fixtures, cfg StormConfig) {
	cfg = cfg.withDefaults()
	e.RegisterExperiment(e.LastCopyRace(f, cfg))
	e.RegisterExperiment(e.QuotaStorm(f, cfg))
	e.RegisterExperiment(e.BorrowReturnStorm(f, cfg))
	e.RegisterExperiment(e.ConnectionPoolExhaustion(f, cfg))
}

// LastCopyRace sends every worker after the single copy of one item.
func (e *Engine) LastCopyRace(f Fixtures, cfg StormConfig) Experiment {
	var (
		t       tally
		itemIDs []string
		members []string
	)
	return Experiment{
		Name:        "last-copy-race",
		Hypothesis:  "Exactly one of many concurrent borrows of the last copy succeeds",
		SteadyState: e.invariantProbes(),
		Observe:     []Probe{counterProbe("race_winners", &t.ok), counterProbe("storage_failures", &t.failed)},
		Method: []Action{
			{
				Type:   "seed",
				Target: "catalog",
				Execute: func(ctx context.Context) (err error) {
					t.reset()
					itemIDs, members, err = seed(ctx, f, "race", 1, 1, cfg.Workers, 2)
					return err
				},
			},
			{
				Type:   "concurrent-requests",
				Target: "lending",
				Execute: func(ctx context.Context) error {
					fanOut(cfg.Workers, func(w int) {
						loan, err := f.Lending.Borrow(ctx, lending.BorrowRequest{MemberID: members[w], ItemID: itemIDs[0]})
						t.record(err, loan)
					})
					return nil
				},
			},
		},
		Rollback: []Action{returnAll(f, &t)},
		Validation: []Assertion{
			{Probe: "race_winners", Condition: equals(1), Message: "exactly one borrow of the last copy should succeed"},
			{Probe: "stock_drift", Condition: equals(0), Message: "available counts should match open loans"},
			{Probe: "storage_failures", Condition: equals(0), Message: "no request should fail with a storage error"},
		},
		Duration: cfg.Duration,
	}
}

// QuotaStorm makes one member borrow a different item from every worker at once.
func (e *Engine) QuotaStorm(f Fixtures, cfg StormConfig) Experiment {
	const quota = 3
	var (
		t       tally
		itemIDs []string
		members []string
	)
	return Experiment{
		Name:        "member-quota-storm",
		Hypothesis:  "Concurrent borrows by one member never exceed the member's quota",
		SteadyState: e.invariantProbes(),
		Observe:     []Probe{counterProbe("granted_loans", &t.ok), counterProbe("storage_failures", &t.failed)},
		Method: []Action{
			{
				Type:   "seed",
				Target: "membership",
				Execute: func(ctx context.Context) (err error) {
					t.reset()
					itemIDs, members, err = seed(ctx, f, "quota", cfg.Workers, 2, 1, quota)
					return err
				},
			},
			{
				Type:   "concurrent-requests",
				Target: "lending",
				Execute: func(ctx context.Context) error {
					fanOut(cfg.Workers, func(w int) {
						loan, err := f.Lending.Borrow(ctx, lending.BorrowRequest{MemberID: members[0], ItemID: itemIDs[w]})
						t.record(err, loan)
					})
					return nil
				},
			},
		},
		Rollback: []Action{returnAll(f, &t)},
		Validation: []Assertion{
			{Probe: "granted_loans", Condition: equals(quota), Message: "the member should hold exactly its quota"},
			{Probe: "quota_drift", Condition: equals(0), Message: "borrow counts should match open loans"},
			{Probe: "storage_failures", Condition: equals(0), Message: "no request should fail with a storage error"},
		},
		Duration: cfg.Duration,
	}
}

// BorrowReturnStorm mixes borrows, batch borrows, returns and overdue sweeps from every worker.
func (e *Engine) BorrowReturnStorm(f Fixtures, cfg StormConfig) Experiment {
	var (
		t       tally
		itemIDs []string
		members []string
	)
	return Experiment{
		Name:        "borrow-return-storm",
		Hypothesis:  "Stock, quota and return records stay consistent under mixed concurrent traffic",
		SteadyState: e.invariantProbes(),
		Observe:     []Probe{counterProbe("storage_failures", &t.failed), counterProbe("retryable_conflicts", &t.retryable)},
		Method: []Action{
			{
				Type:   "seed",
				Target: "catalog",
				Execute: func(ctx context.Context) (err error) {
					t.reset()
					itemIDs, members, err = seed(ctx, f, "storm", 6, 3, 8, 3)
					return err
				},
			},
			{
				Type:   "mixed-traffic",
				Target: "lending",
				Execute: func(ctx context.Context) error {
					fanOut(cfg.Workers, func(w int) {
						rng := rand.New(rand.NewSource(int64(w))) //nolint:gosec // load shape only
						for i := 0; i < cfg.Operations && ctx.Err() == nil; i++ {
							member := members[rng.Intn(len(members))]
							item := func() string { return itemIDs[rng.Intn(len(itemIDs))] }

							switch op := rng.Intn(10); {
							case op < 3:
								if id, ok := t.takeLoan(rng); ok {
									_, err := f.Lending.Return(ctx, lending.ReturnRequest{LoanID: id})
									t.record(err)
								}
							case op < 5:
								loans, err := f.Lending.BorrowBatch(ctx, lending.BorrowBatchRequest{
									MemberID: member,
									Lines:    []lending.BatchLine{{ItemID: item(), Quantity: 1}, {ItemID: item(), Quantity: 1}},
								})
								t.record(err, loans...)
							case op == 5:
								_, err := f.Lending.RefreshOverdueStatus(ctx)
								t.record(err)
							default:
								loan, err := f.Lending.Borrow(ctx, lending.BorrowRequest{MemberID: member, ItemID: item()})
								t.record(err, loan)
							}
						}
					})
					return nil
				},
			},
		},
		Rollback: []Action{returnAll(f, &t)},
		Validation: []Assertion{
			{Probe: "stock_drift", Condition: equals(0), Message: "available counts should match open loans"},
			{Probe: "quota_drift", Condition: equals(0), Message: "borrow counts should match open loans"},
			{Probe: "return_drift", Condition: equals(0), Message: "every returned loan should have exactly one return record"},
			{Probe: "storage_failures", Condition: equals(0), Message: "no request should fail with a storage error"},
		},
		Duration: cfg.Duration,
	}
}

// ConnectionPoolExhaustion holds open connections while workers keep borrowing.
func (e *Engine) ConnectionPoolExhaustion(f Fixtures, cfg StormConfig) Experiment {
	var (
		t       tally
		itemIDs []string
		members []string
		held    atomic.Int64
		unheld  atomic.Int64
	)
	return Experiment{
		Name:        "connection-pool-exhaustion",
		Hypothesis:  "Requests starved of connections fail as retryable conflicts and leave no partial state",
		SteadyState: e.invariantProbes(),
		Observe: []Probe{
			counterProbe("storage_failures", &t.failed),
			counterProbe("retryable_conflicts", &t.retryable),
			counterProbe("connections_held", &held),
			counterProbe("connections_unheld", &unheld),
		},
		Method: []Action{
			{
				Type:   "seed",
				Target: "catalog",
				Execute: func(ctx context.Context) (err error) {
					t.reset()
					itemIDs, members, err = seed(ctx, f, "pool", 4, 5, cfg.Workers, 2)
					return err
				},
			},
			{
				Type:   "exhaust-connections",
				Target: "connection-pool",
				Execute: func(ctx context.Context) error {
					n := e.db.Stats().MaxOpenConnections
					if n <= 0 {
						// an unlimited pool cannot be exhausted, so cap it for the run
						n = boundedPoolSize
						e.db.SetMaxOpenConns(n)
						defer e.db.SetMaxOpenConns(0)
						e.logger.InfoContext(ctx, "pool has no limit, capping it for the experiment", "max_open_conns", n)
					}
					conns := make([]*sql.Conn, 0, n)
					for i := 0; i < n; i++ {
						conn, err := e.db.Conn(ctx)
						if err != nil {
							break
						}
						conns = append(conns, conn)
					}
					held.Store(int64(len(conns)))
					unheld.Store(int64(n - len(conns)))
					e.logger.InfoContext(ctx, "holding connections", "count", len(conns), "hold", cfg.Hold.String())

					release := time.AfterFunc(cfg.Hold, func() {
						for _, c := range conns {
							c.Close()
						}
					})

					fanOut(cfg.Workers, func(w int) {
						loan, err := f.Lending.Borrow(ctx, lending.BorrowRequest{MemberID: members[w], ItemID: itemIDs[w%len(itemIDs)]})
						t.record(err, loan)
					})
					if release.Stop() {
						for _, c := range conns {
							c.Close()
						}
					}
					return nil
				},
			},
		},
		Rollback: []Action{returnAll(f, &t)},
		Validation: []Assertion{
			{Probe: "stock_drift", Condition: equals(0), Message: "available counts should match open loans"},
			{Probe: "quota_drift", Condition: equals(0), Message: "borrow counts should match open loans"},
			{Probe: "storage_failures", Condition: equals(0), Message: "starved requests should be retryable, not storage failures"},
			{Probe: "connections_held", Condition: func(v float64) bool { return v > 0 }, Message: "no connection was held, the pool was never exhausted"},
			{Probe: "connections_unheld", Condition: equals(0), Message: "part of the pool stayed free, the pool was never exhausted"},
		},
		Duration: cfg.Duration,
	}
}

func (e *Engine) invariantProbes() []Probe {
	return []Probe{
		e.countProbe("stock_drift", stockDriftQuery),
		e.countProbe("quota_drift", quotaDriftQuery),
		e.countProbe("return_drift", returnDriftQuery),
	}
}

func (e *Engine) countProbe(name, query string) Probe {
	return Probe{
		Name: name,
		Query: func(ctx context.Context) (float64, error) {
			var n int64
			if err := e.db.GetContext(ctx, &n, query); err != nil {
				return 0, fmt.Errorf("probe %s: %w", name, err)
			}
			return float64(n), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func counterProbe(name string, c *atomic.Int64) Probe {
	return Probe{
		Name:      name,
		Query:     func(context.Context) (float64, error) { return float64(c.Load()), nil },
		Threshold: Threshold{Operator: ">=", Value: 0},
	}
}

func equals(want float64) func(float64) bool {
	return func(v float64) bool { return v == want }
}

// tally counts request outcomes by error kind and remembers the loans it opened.
type tally struct {
	ok, rejected, retryable, failed atomic.Int64

	mu    sync.Mutex
	loans []string
}

func (t *tally) reset() {
	t.ok.Store(0)
	t.rejected.Store(0)
	t.retryable.Store(0)
	t.failed.Store(0)
	t.mu.Lock()
	t.loans = nil
	t.mu.Unlock()
}

func (t *tally) record(err error, loans ...*lending.Loan) {
	if err != nil {
		switch errkind.KindOf(err) {
		case errkind.StorageFailure:
			t.failed.Add(1)
		case errkind.ConflictRetryable:
			t.retryable.Add(1)
		default:
			t.rejected.Add(1)
		}
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range loans {
		if l == nil {
			continue
		}
		t.ok.Add(1)
		t.loans = append(t.loans, l.ID)
	}
}

func (t *tally) takeLoan(rng *rand.Rand) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.loans) == 0 {
		return "", false
	}
	k := rng.Intn(len(t.loans))
	id := t.loans[k]
	t.loans = append(t.loans[:k], t.loans[k+1:]...)
	return id, true
}

func (t *tally) drain() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.loans
	t.loans = nil
	return ids
}

// returnAll closes every loan the experiment still holds.
func returnAll(f Fixtures, t *tally) Action {
	return Action{
		Type:   "return-loans",
		Target: "lending",
		Execute: func(ctx context.Context) error {
			ids := t.drain()
			if len(ids) == 0 {
				return nil
			}
			outcomes, err := f.Lending.ReturnBatch(ctx, lending.ReturnBatchRequest{LoanIDs: ids, Mode: lending.BatchPartial})
			if err != nil {
				return err
			}
			var errs []error
			for _, o := range outcomes {
				if o.Err != nil && !errors.Is(o.Err, lending.ErrAlreadyReturned) {
					errs = append(errs, fmt.Errorf("return %s: %w", o.LoanID, o.Err))
				}
			}
			return errors.Join(errs...)
		},
	}
}

func fanOut(n int, fn func(w int)) {
	var wg sync.WaitGroup
	for w := 0; w < n; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			fn(w)
		}(w)
	}
	wg.Wait()
}

// seed creates items and members under a prefix unique to this run.
func seed(ctx context.Context, f Fixtures, name string, items, copies, members, quota int) ([]string, []string, error) {
	prefix := fmt.Sprintf("chaos-%s-%s", name, uuid.NewString()[:8])

	itemIDs := make([]string, items)
	for i := range itemIDs {
		item, err := f.Catalog.AddItem(ctx, catalog.NewItem{
			ID:          fmt.Sprintf("%s-i%03d", prefix, i),
			Title:       "Chaos title " + name,
			Category:    "chaos",
			TotalCopies: copies,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("seed item: %w", err)
		}
		itemIDs[i] = item.ID
	}

	memberIDs := make([]string, members)
	for i := range memberIDs {
		q := quota
		m, err := f.Members.RegisterMember(ctx, membership.NewMember{
			ID:         fmt.Sprintf("%s-m%03d", prefix, i),
			Name:       "Chaos member",
			MaxBorrows: &q,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("seed member: %w", err)
		}
		memberIDs[i] = m.ID
	}
	return itemIDs, memberIDs, nil
}
