package billing

import (
	"fmt"
	"sort"

	"github.com/medrent/billing-engine/generic"
)

// SortPeriods returns a copy ordered by StartDate.
func SortPeriods(periods []RentalPeriod) []RentalPeriod {
	out := make([]RentalPeriod, len(periods))
	copy(out, periods)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartDate.Before(out[j].StartDate)
	})
	return out
}

// VerifyTiling checks that periods cover window exactly once: ordered by
// start, each starting the day after the previous one ends, first starting
// on window.Start and last ending on window.End.
func VerifyTiling(periods []RentalPeriod, window generic.Period) error {
	if len(periods) == 0 {
		return fmt.Errorf("%w: no periods for %s", generic.ErrPeriodTiling, window)
	}
	sorted := SortPeriods(periods)

	if !sorted[0].StartDate.Equal(window.Start) {
		return fmt.Errorf("%w: first period starts %s, rental starts %s",
			generic.ErrPeriodTiling, sorted[0].StartDate, window.Start)
	}
	for i, p := range sorted {
		if p.EndDate.Before(p.StartDate) {
			return fmt.Errorf("%w: period %s ends before it starts", generic.ErrPeriodTiling, p.ID)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		next := prev.EndDate.AddDays(1)
		switch {
		case p.StartDate.Before(next):
			return fmt.Errorf("%w: periods %s and %s overlap", generic.ErrPeriodTiling, prev.ID, p.ID)
		case p.StartDate.After(next):
			return fmt.Errorf("%w: hole between %s and %s", generic.ErrPeriodTiling, prev.EndDate, p.StartDate)
		}
	}
	if last := sorted[len(sorted)-1]; !last.EndDate.Equal(window.End) {
		return fmt.Errorf("%w: last period ends %s, window ends %s",
			generic.ErrPeriodTiling, last.EndDate, window.End)
	}
	return nil
}
