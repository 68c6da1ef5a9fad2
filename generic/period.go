package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PERIOD - An inclusive calendar window [Start, End]
// =============================================================================

// Period is a closed day range. Both ends are billed days.
//
// Examples:
//   - A rental from 2025-01-01 to 2025-06-30
//   - A bond coverage window 2025-02-01 .. 2025-04-30
//   - One calendar-month slice 2025-03-01 .. 2025-03-31
type Period struct {
	Start TimePoint
	End   TimePoint
}

func NewPeriod(start, end TimePoint) (Period, error) {
	p := Period{Start: start, End: end}
	return p, p.Validate()
}

// Validate rejects windows whose end precedes their start.
func (p Period) Validate() error {
	if p.End.Before(p.Start) {
		return &InvalidWindowError{Start: p.Start, End: p.End}
	}
	return nil
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

// ContainsPeriod returns true if o lies entirely within p.
func (p Period) ContainsPeriod(o Period) bool {
	return p.Contains(o.Start) && p.Contains(o.End)
}

// Overlaps returns true if the two windows share at least one day.
func (p Period) Overlaps(o Period) bool {
	return p.Start.BeforeOrEqual(o.End) && o.Start.BeforeOrEqual(p.End)
}

// Intersect returns the shared days of p and o.
func (p Period) Intersect(o Period) (Period, bool) {
	if !p.Overlaps(o) {
		return Period{}, false
	}
	return Period{Start: MaxTime(p.Start, o.Start), End: MinTime(p.End, o.End)}, true
}

// Days returns the number of days in the window, both ends included.
func (p Period) Days() int {
	return DaysBetween(p.Start, p.End) + 1
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// =============================================================================
// MONTH SLICES - Calendar-month pieces of a window, used for proration
// =============================================================================

// MonthSlice is the part of a window that falls inside one calendar month.
type MonthSlice struct {
	Period
	Year        int
	Month       time.Month
	DaysInMonth int
}

// Fraction is daysCoveredInMonth / daysInMonth, exact.
func (s MonthSlice) Fraction() decimal.Decimal {
	return Fraction(s.Days(), s.DaysInMonth)
}

// IsFullMonth reports whether the slice spans its whole calendar month.
func (s MonthSlice) IsFullMonth() bool {
	return s.Days() == s.DaysInMonth
}

// MonthSlices cuts the window at calendar-month boundaries. The slices are
// chronological, contiguous and their union is exactly p.
func (p Period) MonthSlices() []MonthSlice {
	if p.End.Before(p.Start) {
		return nil
	}
	var slices []MonthSlice
	current := p.Start
	for current.BeforeOrEqual(p.End) {
		monthEnd := EndOfMonth(current.Year(), current.Month())
		slices = append(slices, MonthSlice{
			Period:      Period{Start: current, End: MinTime(monthEnd, p.End)},
			Year:        current.Year(),
			Month:       current.Month(),
			DaysInMonth: monthEnd.Day(),
		})
		current = monthEnd.AddDays(1)
	}
	return slices
}

// Prorate returns round_half_up(monthlyRate × covered fraction) summed over
// every month slice of p. Each slice is rounded on its own so that a
// period's amount equals the sum of its monthly contributions.
func (p Period) Prorate(monthlyRate Money) Money {
	total := ZeroMoney()
	for _, s := range p.MonthSlices() {
		total = total.Add(s.Prorate(monthlyRate))
	}
	return total
}

// Prorate returns round_half_up(monthlyRate × daysCovered / daysInMonth).
func (s MonthSlice) Prorate(monthlyRate Money) Money {
	if s.IsFullMonth() {
		return monthlyRate.Round()
	}
	covered := monthlyRate.Value.Mul(decimal.NewFromInt(int64(s.Days())))
	return Money{Value: covered.Div(decimal.NewFromInt(int64(s.DaysInMonth))), Currency: monthlyRate.Currency}.Round()
}
