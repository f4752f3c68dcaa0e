// Package fines computes overdue days and the fine owed when a loan is returned.
package fines

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultUnitFine is charged per overdue day when no other rate is configured.
var DefaultUnitFine = decimal.NewFromInt(1)

// FinePlaces is the scale fines are stored with. Assessed fines are rounded half away from
// zero to this many places, matching the NUMERIC(12,2) column.
const FinePlaces = 2

// Assessment is the outcome of comparing a due date with a return date.
type Assessment struct {
	OverdueDays int             `json:"overdue_days"`
	Fine        decimal.Decimal `json:"fine"`
}

// Calculator charges UnitFine for every calendar day a return is late.
type Calculator struct {
	UnitFine decimal.Decimal
}

// NewCalculator returns a Calculator. A zero unit selects DefaultUnitFine.
func NewCalculator(unit decimal.Decimal) Calculator {
	if unit.IsZero() {
		unit = DefaultUnitFine
	}
	return Calculator{UnitFine: unit}
}

// Assess compares calendar dates only; the time of day of either argument is ignored.
func (c Calculator) Assess(due, returned time.Time) Assessment {
	days := OverdueDays(due, returned)
	return Assessment{
		OverdueDays: days,
		Fine:        c.UnitFine.Mul(decimal.NewFromInt(int64(days))).Round(FinePlaces),
	}
}

// OverdueDays returns max(0, calendar days from due to returned).
func OverdueDays(due, returned time.Time) int {
	d := calendarDay(returned).Sub(calendarDay(due))
	if d <= 0 {
		return 0
	}
	return int(d.Hours() / 24)
}

func calendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
