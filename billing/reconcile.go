/*
reconcile.go - Reconciliation Engine

PURPOSE:
  Matches recorded payments against a period's expected amount and
  classifies the period. Pure computation, no side effects: callers
  decide whether a status deserves a notification.

CLASSIFICATION (first match wins):
  GAP_UNRESOLVED  gap period without a recorded manual resolution
  SETTLED         paid >= expected
  PENDING         period has not ended yet (end >= asOf)
  UNDERPAID       period is over and paid < expected

PAID AMOUNT:
  Sum of COMPLETED payments scoped to the period. A payment whose
  sub-window falls outside the period is an integrity violation: it is
  excluded from the sum and reported, never reassigned to another period.

SEE ALSO:
  - service.go: RecordPayment rejects out-of-window payments up front
  - notify/sweeper.go: Raises overdue notifications for UNDERPAID periods
*/
package billing

import (
	"errors"

	"github.com/medrent/billing-engine/generic"
)

type PeriodStatus string

const (
	StatusUnderpaid     PeriodStatus = "UNDERPAID"
	StatusSettled       PeriodStatus = "SETTLED"
	StatusPending       PeriodStatus = "PENDING"
	StatusGapUnresolved PeriodStatus = "GAP_UNRESOLVED"
)

// CheckPaymentScope reports a PaymentPeriodMismatchError when the payment's
// covered sub-window is not inside the period.
func CheckPaymentScope(period RentalPeriod, payment Payment) error {
	w := payment.CoveredWindow(period)
	if w.End.Before(w.Start) || !period.Window().ContainsPeriod(w) {
		return &generic.PaymentPeriodMismatchError{
			PaymentID:     payment.ID,
			PeriodID:      period.ID,
			PaymentWindow: w,
			PeriodWindow:  period.Window(),
		}
	}
	return nil
}

// Classify applies the status precedence to an already computed paid amount.
func Classify(period RentalPeriod, paid generic.Money, asOf generic.TimePoint) PeriodStatus {
	switch {
	case period.IsGapPeriod && period.GapResolution == nil:
		return StatusGapUnresolved
	case paid.GreaterThanOrEqual(period.ExpectedAmount):
		return StatusSettled
	case period.EndDate.AfterOrEqual(asOf):
		return StatusPending
	default:
		return StatusUnderpaid
	}
}

// =============================================================================
// PERIOD RECONCILIATION
// =============================================================================

type PeriodReconciliation struct {
	PeriodID    generic.PeriodID
	Window      generic.Period
	Status      PeriodStatus
	IsGapPeriod bool

	ExpectedAmount generic.Money
	PaidAmount     generic.Money
	CNAMPaid       generic.Money
	PatientPaid    generic.Money
	Outstanding    generic.Money

	Mismatches []*generic.PaymentPeriodMismatchError
}

type ReconciliationEngine struct{}

// Reconcile computes the status of one period. Payments of other periods
// are ignored.
func (ReconciliationEngine) Reconcile(period RentalPeriod, payments []Payment, asOf generic.TimePoint) PeriodReconciliation {
	r := PeriodReconciliation{
		PeriodID:       period.ID,
		Window:         period.Window(),
		IsGapPeriod:    period.IsGapPeriod,
		ExpectedAmount: period.ExpectedAmount,
		PaidAmount:     generic.ZeroMoney(),
		CNAMPaid:       generic.ZeroMoney(),
		PatientPaid:    generic.ZeroMoney(),
	}

	for _, pay := range payments {
		if pay.PeriodID != period.ID {
			continue
		}
		if err := CheckPaymentScope(period, pay); err != nil {
			var mismatch *generic.PaymentPeriodMismatchError
			if errors.As(err, &mismatch) {
				r.Mismatches = append(r.Mismatches, mismatch)
			}
			continue
		}
		if pay.Status != PaymentCompleted {
			continue
		}
		r.PaidAmount = r.PaidAmount.Add(pay.Amount)
		if pay.Method == MethodCNAM {
			r.CNAMPaid = r.CNAMPaid.Add(pay.Amount)
		} else {
			r.PatientPaid = r.PatientPaid.Add(pay.Amount)
		}
	}

	r.Outstanding = period.ExpectedAmount.Sub(r.PaidAmount).NonNegative()
	r.Status = Classify(period, r.PaidAmount, asOf)
	return r
}

// =============================================================================
// RENTAL RECONCILIATION
// =============================================================================

type RentalReconciliation struct {
	RentalID generic.RentalID
	AsOf     generic.TimePoint
	Periods  []PeriodReconciliation

	ExpectedAmount generic.Money
	PaidAmount     generic.Money
	CNAMPaid       generic.Money
	PatientPaid    generic.Money
	Outstanding    generic.Money

	Counts map[PeriodStatus]int
}

// HasUnderpaid reports whether any period of the rental is overdue.
func (r RentalReconciliation) HasUnderpaid() bool { return r.Counts[StatusUnderpaid] > 0 }

// ReconcileRental reconciles every period of a rental and totals the result.
func (e ReconciliationEngine) ReconcileRental(rentalID generic.RentalID, periods []RentalPeriod, payments []Payment, asOf generic.TimePoint) RentalReconciliation {
	byPeriod := make(map[generic.PeriodID][]Payment)
	for _, p := range payments {
		byPeriod[p.PeriodID] = append(byPeriod[p.PeriodID], p)
	}

	out := RentalReconciliation{
		RentalID:       rentalID,
		AsOf:           asOf,
		ExpectedAmount: generic.ZeroMoney(),
		PaidAmount:     generic.ZeroMoney(),
		CNAMPaid:       generic.ZeroMoney(),
		PatientPaid:    generic.ZeroMoney(),
		Outstanding:    generic.ZeroMoney(),
		Counts:         make(map[PeriodStatus]int),
	}
	for _, period := range SortPeriods(periods) {
		r := e.Reconcile(period, byPeriod[period.ID], asOf)
		out.Periods = append(out.Periods, r)
		out.ExpectedAmount = out.ExpectedAmount.Add(r.ExpectedAmount)
		out.PaidAmount = out.PaidAmount.Add(r.PaidAmount)
		out.CNAMPaid = out.CNAMPaid.Add(r.CNAMPaid)
		out.PatientPaid = out.PatientPaid.Add(r.PatientPaid)
		out.Outstanding = out.Outstanding.Add(r.Outstanding)
		out.Counts[r.Status]++
	}
	return out
}
