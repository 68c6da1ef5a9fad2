/*
Package billing partitions rentals into billing periods and reconciles payments.

PURPOSE:
  A rental's lifetime is cut into contiguous RentalPeriods. Each period
  carries what is expected for its interval and who owes it: the CNAM bond
  covering the interval and/or the patient. Payments are recorded against
  periods and reconciled into a per-period status.

KEY CONCEPTS:
  - Rental:       Device contract over [StartDate, EndDate?]
  - RentalPeriod: One billing interval with its expected split
  - Gap period:   Interval with no bond coverage, patient owes everything
  - Payment:      Money received against one period

TILING INVARIANT:
  For every rental the periods, ordered by StartDate, are pairwise
  disjoint and their union is exactly the rental's active window.
  Every write path checks VerifyTiling before committing.

AMOUNT INVARIANT:
  CNAMExpectedAmount + PatientExpectedAmount == ExpectedAmount whenever
  both shares are set.

SEE ALSO:
  - allocator.go: Allocate and Recompute
  - reconcile.go: Period status classification
  - service.go: Transactional entry points used by the API
*/
package billing

import (
	"fmt"
	"time"

	"github.com/medrent/billing-engine/generic"
)

// =============================================================================
// RENTAL
// =============================================================================

type RentalStatus string

const (
	RentalActive    RentalStatus = "ACTIVE"
	RentalCompleted RentalStatus = "COMPLETED"
	RentalCancelled RentalStatus = "CANCELLED"
)

type Rental struct {
	ID generic.RentalID

	// Exactly one of PatientID and CompanyID is set.
	PatientID string
	CompanyID string

	DeviceID  generic.DeviceID
	StartDate generic.TimePoint
	EndDate   *generic.TimePoint // nil while ongoing

	// MonthlyRate is the full monthly price of the rental.
	MonthlyRate generic.Money

	Status       RentalStatus
	ActiveBondID *generic.BondID
}

func (r Rental) Validate() error {
	if (r.PatientID == "") == (r.CompanyID == "") {
		return fmt.Errorf("%w: rental %s", generic.ErrRentalParty, r.ID)
	}
	if r.StartDate.IsZero() {
		return &generic.InvalidWindowError{Start: r.StartDate, Reason: "rental start date is required"}
	}
	if r.EndDate != nil {
		if err := (generic.Period{Start: r.StartDate, End: *r.EndDate}).Validate(); err != nil {
			return err
		}
	}
	if r.MonthlyRate.IsNegative() {
		return fmt.Errorf("rental %s has a negative monthly rate", r.ID)
	}
	return nil
}

func (r Rental) IsOpenEnded() bool { return r.EndDate == nil }

// =============================================================================
// RENTAL PERIOD
// =============================================================================

// GapResolution records that a gap period was handled manually, e.g. the
// patient agreed to pay in full or a bond is being obtained retroactively.
type GapResolution struct {
	ResolvedAt time.Time
	ResolvedBy string
	Note       string
}

type RentalPeriod struct {
	ID        generic.PeriodID
	RentalID  generic.RentalID
	StartDate generic.TimePoint
	EndDate   generic.TimePoint

	ExpectedAmount        generic.Money
	CNAMExpectedAmount    *generic.Money
	PatientExpectedAmount *generic.Money

	IsGapPeriod bool
	GapReason   string

	CNAMBondID    *generic.BondID
	GapResolution *GapResolution
}

func (p RentalPeriod) Window() generic.Period {
	return generic.Period{Start: p.StartDate, End: p.EndDate}
}

// CheckAmounts enforces the CNAM + patient == expected invariant and the
// gap reason requirement.
func (p RentalPeriod) CheckAmounts() error {
	if p.CNAMExpectedAmount != nil && p.PatientExpectedAmount != nil {
		sum := p.CNAMExpectedAmount.Add(*p.PatientExpectedAmount)
		if !sum.Equal(p.ExpectedAmount) {
			return fmt.Errorf("%w: period %s %s + %s != %s", generic.ErrAmountSplit,
				p.ID, p.CNAMExpectedAmount, p.PatientExpectedAmount, p.ExpectedAmount)
		}
	}
	if p.IsGapPeriod && p.GapReason == "" {
		return fmt.Errorf("%w: gap period %s needs a reason", generic.ErrAmountSplit, p.ID)
	}
	return nil
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentMethod string

const (
	MethodCash     PaymentMethod = "CASH"
	MethodCheque   PaymentMethod = "CHEQUE"
	MethodVirement PaymentMethod = "VIREMENT"
	MethodTraite   PaymentMethod = "TRAITE"
	// MethodCNAM marks money received from the insurer.
	MethodCNAM PaymentMethod = "CNAM"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

type Payment struct {
	ID          generic.PaymentID
	RentalID    generic.RentalID
	PeriodID    generic.PeriodID
	Amount      generic.Money
	PaymentDate generic.TimePoint

	// Optional sub-window of the period this payment covers.
	PeriodStartDate *generic.TimePoint
	PeriodEndDate   *generic.TimePoint

	Method PaymentMethod
	Status PaymentStatus
}

// CoveredWindow returns the sub-window the payment claims, defaulting each
// missing bound to the period's own bound.
func (p Payment) CoveredWindow(period RentalPeriod) generic.Period {
	w := period.Window()
	if p.PeriodStartDate != nil {
		w.Start = *p.PeriodStartDate
	}
	if p.PeriodEndDate != nil {
		w.End = *p.PeriodEndDate
	}
	return w
}
