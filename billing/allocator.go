/*
allocator.go - Period Allocator

PURPOSE:
  Cuts a rental's active window into RentalPeriods and prices each one,
  given the rental rate and at most one linked CNAM bond.

ALGORITHM:
  1. No bond (or a rejected one): one gap period over the whole window.
  2. Bond window contains the rental window: covered periods only.
  3. Partial overlap: up to three segments in date order:
       pre-coverage gap | covered | post-coverage gap
  Covered segments are emitted one period per calendar month (SplitMonthly)
  or as a single period (SplitSegment). Gap segments are always one period.

PRICING:
  Each calendar-month slice of a period contributes
      round_half_up(rate * daysCoveredInMonth / daysInMonth, 2)
  Covered:  cnam    = sum(slice(bondRate))
            patient = sum(slice(max(0, rentalRate - bondRate)))
            expected = cnam + patient
  Gap:      expected = patient = sum(slice(rentalRate)), cnam = nil

OPEN-ENDED RENTALS:
  Periods are materialized up to a horizon: the end of the current month,
  pushed to the end of the month after the bond's last covered day so the
  post-coverage tail always exists. The tail is regenerated by Recompute
  whenever the bond or the end date changes.

RECOMPUTE:
  A bond change recomputes forward only. Periods ending before the
  effective date and periods with recorded payments are frozen, and so is
  every period before the last frozen one. Recomputation starts the day
  after the frozen prefix. A rebuilt period starting on the same day as a
  replaced one keeps the replaced period's id, so a rerun with nothing
  changed leaves every id in place.

SEE ALSO:
  - tiling.go: VerifyTiling
  - generic/period.go: Month slicing and proration
*/
package billing

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/generic"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type SplitMode string

const (
	// SplitMonthly emits one covered period per calendar month.
	SplitMonthly SplitMode = "monthly"
	// SplitSegment emits one covered period per coverage segment.
	SplitSegment SplitMode = "segment"
)

func ParseSplitMode(s string) (SplitMode, error) {
	switch m := SplitMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return SplitMonthly, nil
	case SplitMonthly, SplitSegment:
		return m, nil
	default:
		return "", fmt.Errorf("unknown split mode %q (use monthly or segment)", s)
	}
}

// Gap reasons.
const (
	GapNoBond         = "no active bond"
	GapBeforeCoverage = "before bond coverage"
	GapAfterCoverage  = "after bond coverage"
	GapOutsideWindow  = "bond coverage outside rental window"
)

type Allocator struct {
	Split SplitMode
	Today func() generic.TimePoint
	NewID func() string
}

func NewAllocator(split SplitMode) *Allocator {
	if split == "" {
		split = SplitMonthly
	}
	return &Allocator{Split: split, Today: generic.Today, NewID: uuid.NewString}
}

// =============================================================================
// ALLOCATE
// =============================================================================

// Allocate returns the full period set for a rental that has none yet.
func (a *Allocator) Allocate(rental Rental, bond *cnam.Bond) ([]RentalPeriod, error) {
	plan, err := a.Recompute(RecomputeInput{Rental: rental, Bond: bond, Effective: rental.StartDate})
	if err != nil {
		return nil, err
	}
	return plan.Create, nil
}

// RecomputeInput is everything Recompute needs, already loaded.
type RecomputeInput struct {
	Rental Rental
	Bond   *cnam.Bond

	// Existing periods of the rental, any order.
	Existing []RentalPeriod
	// Paid holds the ids of existing periods with at least one payment.
	Paid map[generic.PeriodID]bool

	// Effective is the first day the change applies to.
	Effective generic.TimePoint
}

// RecomputePlan describes how to move from the stored period set to the new one.
// A rebuilt period that starts on the same day as a removed one takes over its
// id (and its gap resolution when both are gaps), so it appears in Create and
// not in Remove.
type RecomputePlan struct {
	Keep   []RentalPeriod
	Remove []RentalPeriod
	Create []RentalPeriod
	Window generic.Period
}

// Periods is the resulting period set, ordered.
func (p RecomputePlan) Periods() []RentalPeriod {
	out := make([]RentalPeriod, 0, len(p.Keep)+len(p.Create))
	out = append(out, p.Keep...)
	return append(out, p.Create...)
}

// Recompute rebuilds the periods of a rental from the effective date forward.
func (a *Allocator) Recompute(in RecomputeInput) (RecomputePlan, error) {
	rental := in.Rental
	if err := rental.Validate(); err != nil {
		return RecomputePlan{}, err
	}

	bond, err := coverageBond(rental, in.Bond)
	if err != nil {
		return RecomputePlan{}, err
	}

	existing := SortPeriods(in.Existing)
	frozen := -1
	for i, p := range existing {
		if p.EndDate.Before(in.Effective) || in.Paid[p.ID] {
			frozen = i
		}
	}

	var plan RecomputePlan
	plan.Keep = existing[:frozen+1]
	plan.Remove = existing[frozen+1:]

	start := rental.StartDate
	end := a.horizon(rental, bond)
	if len(plan.Keep) > 0 {
		lastKept := plan.Keep[len(plan.Keep)-1].EndDate
		if rental.EndDate != nil && rental.EndDate.Before(lastKept) {
			return RecomputePlan{}, &generic.InvalidWindowError{
				Start:  rental.StartDate,
				End:    *rental.EndDate,
				Reason: fmt.Sprintf("rental end falls inside locked periods ending %s", lastKept),
			}
		}
		if rental.EndDate == nil {
			end = generic.MaxTime(end, lastKept)
		}
		start = lastKept.AddDays(1)
	}

	if bond != nil {
		if err := checkFrozenOverlap(plan.Keep, *bond); err != nil {
			return RecomputePlan{}, err
		}
	}

	plan.Window = generic.Period{Start: rental.StartDate, End: end}
	if start.BeforeOrEqual(end) {
		for _, seg := range splitSegments(generic.Period{Start: start, End: end}, plan.Window, bond) {
			plan.Create = append(plan.Create, a.periodsFor(rental, seg)...)
		}
	}

	plan.Remove = inheritIDs(plan.Create, plan.Remove)

	if err := VerifyTiling(plan.Periods(), plan.Window); err != nil {
		return RecomputePlan{}, err
	}
	return plan, nil
}

// inheritIDs gives each created period the id of the removed period starting
// on the same day and returns the removed periods nobody took over.
func inheritIDs(created, removed []RentalPeriod) []RentalPeriod {
	byStart := make(map[string]RentalPeriod, len(removed))
	for _, old := range removed {
		byStart[old.StartDate.String()] = old
	}
	for i := range created {
		key := created[i].StartDate.String()
		old, ok := byStart[key]
		if !ok {
			continue
		}
		created[i].ID = old.ID
		if created[i].IsGapPeriod && old.IsGapPeriod {
			created[i].GapResolution = old.GapResolution
		}
		delete(byStart, key)
	}
	var gone []RentalPeriod
	for _, old := range removed {
		if _, ok := byStart[old.StartDate.String()]; ok {
			gone = append(gone, old)
		}
	}
	return gone
}

// coverageBond returns the bond that actually covers the rental, or nil.
func coverageBond(rental Rental, bond *cnam.Bond) (*cnam.Bond, error) {
	if bond == nil {
		return nil, nil
	}
	if !bond.Category.CoversRental() {
		return nil, fmt.Errorf("%w: %s bond %s on rental %s",
			generic.ErrBondCategoryMismatch, bond.Category, bond.ID, rental.ID)
	}
	if err := bond.Window().Validate(); err != nil {
		return nil, err
	}
	if !bond.ProvidesCoverage() {
		return nil, nil
	}
	return bond, nil
}

// checkFrozenOverlap rejects a bond whose window runs into a frozen period
// already covered by a different bond.
func checkFrozenOverlap(frozen []RentalPeriod, bond cnam.Bond) error {
	for _, p := range frozen {
		if p.IsGapPeriod || p.CNAMBondID == nil || *p.CNAMBondID == bond.ID {
			continue
		}
		if p.Window().Overlaps(bond.Window()) {
			return &generic.OverlappingBondWindowError{
				BondID:         bond.ID,
				BondWindow:     bond.Window(),
				PeriodID:       p.ID,
				PeriodWindow:   p.Window(),
				ExistingBondID: *p.CNAMBondID,
			}
		}
	}
	return nil
}

// horizon is the last day to materialize.
func (a *Allocator) horizon(rental Rental, bond *cnam.Bond) generic.TimePoint {
	if rental.EndDate != nil {
		return *rental.EndDate
	}
	today := a.today()
	h := generic.MaxTime(
		generic.EndOfMonth(today.Year(), today.Month()),
		generic.EndOfMonth(rental.StartDate.Year(), rental.StartDate.Month()),
	)
	if bond != nil {
		firstUncovered := bond.EndDate.AddDays(1)
		h = generic.MaxTime(h, generic.EndOfMonth(firstUncovered.Year(), firstUncovered.Month()))
	}
	return h
}

func (a *Allocator) today() generic.TimePoint {
	if a.Today == nil {
		return generic.Today()
	}
	return a.Today()
}

func (a *Allocator) newID() generic.PeriodID {
	if a.NewID == nil {
		return generic.PeriodID(uuid.NewString())
	}
	return generic.PeriodID(a.NewID())
}

// =============================================================================
// SEGMENTS
// =============================================================================

type segment struct {
	window generic.Period
	bond   *cnam.Bond // nil for gaps
	reason string
}

// splitSegments cuts w into pre-gap / covered / post-gap pieces. rentalWindow
// tells a bond that misses the rental entirely apart from one that only
// misses the part being recomputed.
func splitSegments(w, rentalWindow generic.Period, bond *cnam.Bond) []segment {
	if bond == nil {
		return []segment{{window: w, reason: GapNoBond}}
	}
	covered, ok := w.Intersect(bond.Window())
	if !ok {
		switch {
		case !rentalWindow.Overlaps(bond.Window()):
			return []segment{{window: w, reason: GapOutsideWindow}}
		case bond.EndDate.Before(w.Start):
			return []segment{{window: w, reason: GapAfterCoverage}}
		default:
			return []segment{{window: w, reason: GapBeforeCoverage}}
		}
	}

	var segs []segment
	if w.Start.Before(covered.Start) {
		segs = append(segs, segment{
			window: generic.Period{Start: w.Start, End: covered.Start.AddDays(-1)},
			reason: GapBeforeCoverage,
		})
	}
	segs = append(segs, segment{window: covered, bond: bond})
	if covered.End.Before(w.End) {
		segs = append(segs, segment{
			window: generic.Period{Start: covered.End.AddDays(1), End: w.End},
			reason: GapAfterCoverage,
		})
	}
	return segs
}

func (a *Allocator) periodsFor(rental Rental, seg segment) []RentalPeriod {
	if seg.bond == nil {
		return []RentalPeriod{a.gapPeriod(rental, seg.window, seg.reason)}
	}
	if a.Split == SplitSegment {
		return []RentalPeriod{a.coveredPeriod(rental, seg.window, *seg.bond)}
	}
	slices := seg.window.MonthSlices()
	out := make([]RentalPeriod, 0, len(slices))
	for _, s := range slices {
		out = append(out, a.coveredPeriod(rental, s.Period, *seg.bond))
	}
	return out
}

// =============================================================================
// PRICING
// =============================================================================

func (a *Allocator) gapPeriod(rental Rental, w generic.Period, reason string) RentalPeriod {
	expected := w.Prorate(rental.MonthlyRate)
	patient := expected
	return RentalPeriod{
		ID:                    a.newID(),
		RentalID:              rental.ID,
		StartDate:             w.Start,
		EndDate:               w.End,
		ExpectedAmount:        expected,
		PatientExpectedAmount: &patient,
		IsGapPeriod:           true,
		GapReason:             reason,
	}
}

func (a *Allocator) coveredPeriod(rental Rental, w generic.Period, bond cnam.Bond) RentalPeriod {
	patientRate := rental.MonthlyRate.Sub(bond.MonthlyRate).NonNegative()
	cnamShare := w.Prorate(bond.MonthlyRate)
	patientShare := w.Prorate(patientRate)
	bondID := bond.ID
	return RentalPeriod{
		ID:                    a.newID(),
		RentalID:              rental.ID,
		StartDate:             w.Start,
		EndDate:               w.End,
		ExpectedAmount:        cnamShare.Add(patientShare),
		CNAMExpectedAmount:    &cnamShare,
		PatientExpectedAmount: &patientShare,
		CNAMBondID:            &bondID,
	}
}
