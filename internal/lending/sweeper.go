package lending

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"libracirc/internal/audit"
)

// RefreshOverdueStatus persists the OVERDUE state of every ACTIVE loan due before today.
func (s *service) RefreshOverdueStatus(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "lending.refresh_overdue")
	defer span.End()

	today := s.today()
	var n int64
	err := s.db.InTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE loans SET state = ? WHERE state = ? AND due_date < ?`),
			string(StateOverdue), string(StateActive), today)
		if err != nil {
			return fmt.Errorf("mark overdue loans: %w", err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("count overdue loans: %w", err)
		}
		if n == 0 {
			return nil
		}
		return s.audit.Append(ctx, tx, audit.Record{
			AggregateID:   overdueSweepAggregate,
			AggregateType: audit.Loan,
			EventType:     audit.LoansMarkedOverdue,
			Data:          LoansMarkedOverdueEvent{AsOf: today.Format(DateLayout), Count: n},
		})
	})
	if err != nil {
		s.fail(ctx, span, "refresh_overdue", err)
		return 0, err
	}

	if n > 0 {
		s.metrics.overdueSwept.Add(ctx, n)
		s.logger.InfoContext(ctx, "loans marked overdue", "count", n, "as_of", today.Format(DateLayout))
	}
	return n, nil
}

// overdueSweepAggregate groups the audit records of every sweep.
const overdueSweepAggregate = "overdue-sweep"

// DefaultSweepInterval is how often a Sweeper runs when no interval is given.
const DefaultSweepInterval = time.Hour

// SessionPurger drops expired staff sessions.
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Sweeper periodically persists overdue states and purges expired sessions.
type Sweeper struct {
	lending  Service
	sessions SessionPurger
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper returns a Sweeper. sessions may be nil.
func NewSweeper(svc Service, sessions SessionPurger, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{lending: svc, sessions: sessions, interval: interval, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "overdue sweeper started", "interval", s.interval.String())
	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "overdue sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs one pass. Failures are logged and the next pass tries again.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if _, err := s.lending.RefreshOverdueStatus(ctx); err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "overdue sweep failed", "error", err)
	}
	if s.sessions == nil {
		return
	}
	n, err := s.sessions.PurgeExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "session purge failed", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.DebugContext(ctx, "expired sessions purged", "count", n)
	}
}
