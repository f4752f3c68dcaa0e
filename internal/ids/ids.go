// Package ids generates the human-readable identities of loans, returns and catalog items.
//
// Loan ids are the four-digit borrow year followed by a four-digit sequence ("20240001"),
// return ids are "RT", the return date and a three-digit sequence ("RT20240105001"), and item
// ids are decimal integers one above the largest numeric item id. Sequences that outgrow
// their width are rendered wider, never truncated.
package ids

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"libracirc/internal/storage"
)

// Strategy selects how sequence numbers are allocated.
type Strategy string

const (
	// StrategyCounter advances a per-scope row in id_sequences. Concurrent generators
	// serialize on that row until the surrounding transaction commits.
	StrategyCounter Strategy = "counter"
	// StrategyCount derives the next number from the rows already present and re-checks
	// the candidate until it is free.
	StrategyCount Strategy = "count"
)

// DefaultItemSeed is the first item id handed out on an empty catalog.
const DefaultItemSeed = 41

// maxProbes bounds the re-check loop; hitting it means the table is corrupt.
const maxProbes = 10000

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyCounter:
		return StrategyCounter, nil
	case StrategyCount:
		return StrategyCount, nil
	}
	return "", fmt.Errorf("unknown id strategy %q", s)
}

// Generator allocates identities inside the caller's transaction.
type Generator struct {
	dialect  storage.Dialect
	strategy Strategy
	itemSeed int64
}

// New returns a Generator. itemSeed <= 0 selects DefaultItemSeed.
func New(dialect storage.Dialect, strategy Strategy, itemSeed int64) *Generator {
	if strategy == "" {
		strategy = StrategyCounter
	}
	if itemSeed <= 0 {
		itemSeed = DefaultItemSeed
	}
	return &Generator{dialect: dialect, strategy: strategy, itemSeed: itemSeed}
}

// Strategy reports the allocation strategy in use.
func (g *Generator) Strategy() Strategy { return g.strategy }

// FormatLoanID renders a loan id for the given borrow year and sequence.
func FormatLoanID(year int, seq int64) string {
	return fmt.Sprintf("%04d%04d", year, seq)
}

// FormatReturnID renders a return id for the given return date and sequence.
func FormatReturnID(day time.Time, seq int64) string {
	return fmt.Sprintf("RT%s%03d", day.Format("20060102"), seq)
}

// NextLoanID allocates the next loan id in the year of borrowDate.
func (g *Generator) NextLoanID(ctx context.Context, tx *sqlx.Tx, borrowDate time.Time) (string, error) {
	year := borrowDate.Year()
	prefix := fmt.Sprintf("%04d", year)
	s := sequence{
		scope:  "loan:" + prefix,
		table:  "loans",
		prefix: prefix,
		format: func(seq int64) string { return FormatLoanID(year, seq) },
	}
	id, err := g.next(ctx, tx, s)
	if err != nil {
		return "", fmt.Errorf("allocate loan id: %w", err)
	}
	return id, nil
}

// NextReturnID allocates the next return id on the calendar day of returnDate.
func (g *Generator) NextReturnID(ctx context.Context, tx *sqlx.Tx, returnDate time.Time) (string, error) {
	day := storage.Day(returnDate)
	prefix := "RT" + day.Format("20060102")
	s := sequence{
		scope:  "return:" + day.Format("20060102"),
		table:  "returns",
		prefix: prefix,
		format: func(seq int64) string { return FormatReturnID(day, seq) },
	}
	id, err := g.next(ctx, tx, s)
	if err != nil {
		return "", fmt.Errorf("allocate return id: %w", err)
	}
	return id, nil
}

// NextItemID allocates the next numeric catalog id.
func (g *Generator) NextItemID(ctx context.Context, tx *sqlx.Tx) (string, error) {
	s := sequence{
		scope:   "item",
		table:   "items",
		numeric: true,
		format:  func(seq int64) string { return fmt.Sprintf("%d", seq) },
	}
	id, err := g.next(ctx, tx, s)
	if err != nil {
		return "", fmt.Errorf("allocate item id: %w", err)
	}
	return id, nil
}

type sequence struct {
	scope   string
	table   string
	prefix  string
	numeric bool
	format  func(int64) string
}

func (g *Generator) next(ctx context.Context, tx *sqlx.Tx, s sequence) (string, error) {
	advance := g.countNext
	if g.strategy == StrategyCounter {
		advance = g.counterNext
	}

	seq, err := advance(ctx, tx, s, 0)
	if err != nil {
		return "", err
	}
	for probes := 0; probes < maxProbes; probes++ {
		candidate := s.format(seq)
		taken, err := exists(ctx, tx, s.table, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		if seq, err = advance(ctx, tx, s, seq); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free id in scope %s after %d probes", s.scope, maxProbes)
}

// seedQuery returns the largest sequence number already used in s, with its arguments.
func (g *Generator) seedQuery(s sequence) (string, []any) {
	if s.numeric {
		return fmt.Sprintf(`SELECT COALESCE(MAX(CAST(id AS BIGINT)), %d) FROM %s WHERE %s`,
			g.itemSeed-1, s.table, g.dialect.NumericID("id")), nil
	}
	return fmt.Sprintf(`SELECT COALESCE(MAX(CAST(SUBSTR(id, %d) AS BIGINT)), 0) FROM %s WHERE id LIKE ?`,
		len(s.prefix)+1, s.table), []any{s.prefix + "%"}
}

// counterNext advances the scope row. A non-zero after moves the counter past a taken candidate.
func (g *Generator) counterNext(ctx context.Context, tx *sqlx.Tx, s sequence, after int64) (int64, error) {
	seed, seedArgs := g.seedQuery(s)
	query := tx.Rebind(`INSERT INTO id_sequences (scope, current_value) VALUES (?, (` + seed + `) + 1)
		ON CONFLICT (scope) DO UPDATE SET current_value = id_sequences.current_value + 1
		RETURNING current_value`)

	args := append([]any{s.scope}, seedArgs...)
	var seq int64
	if err := tx.GetContext(ctx, &seq, query, args...); err != nil {
		return 0, fmt.Errorf("advance sequence %s: %w", s.scope, err)
	}
	if seq <= after {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE id_sequences SET current_value = ? WHERE scope = ?`), after+1, s.scope); err != nil {
			return 0, fmt.Errorf("advance sequence %s: %w", s.scope, err)
		}
		seq = after + 1
	}
	return seq, nil
}

// countNext derives the next number from existing rows, or steps past a taken candidate.
func (g *Generator) countNext(ctx context.Context, tx *sqlx.Tx, s sequence, after int64) (int64, error) {
	if after > 0 {
		return after + 1, nil
	}
	if s.numeric {
		seed, _ := g.seedQuery(s)
		var max int64
		if err := tx.GetContext(ctx, &max, seed); err != nil {
			return 0, fmt.Errorf("read max id in %s: %w", s.table, err)
		}
		return max + 1, nil
	}
	var n int64
	err := tx.GetContext(ctx, &n, tx.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id LIKE ?`, s.table)), s.prefix+"%")
	if err != nil {
		return 0, fmt.Errorf("count ids in %s: %w", s.table, err)
	}
	return n + 1, nil
}

func exists(ctx context.Context, tx *sqlx.Tx, table, id string) (bool, error) {
	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, table)), id); err != nil {
		return false, fmt.Errorf("check id %s: %w", id, err)
	}
	return n > 0, nil
}
