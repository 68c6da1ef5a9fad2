/*
errors.go - Centralized error taxonomy for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages return these (or wrap them with %w) so the HTTP layer
  can turn any engine failure into a taxonomy code and a status.

ERROR CATEGORIES:
  1. Window errors    - InvalidWindow, OverlappingBondWindow, PeriodTiling
  2. Integrity errors - PaymentPeriodMismatch
  3. Catalog errors   - TariffNotFound, InvalidTariff, BondCategoryMismatch
  4. Period edits     - AmountSplit, NotGapPeriod, PeriodLocked
  5. Storage errors   - DuplicateBondNumber, NotificationExists, RentalExists,
                        NotFound

USAGE:
  if errors.Is(err, generic.ErrDuplicateBondNumber) {
      // lost the numbering race, renumber and retry
  }

  var mismatch *generic.PaymentPeriodMismatchError
  if errors.As(err, &mismatch) { ... }

SEE ALSO:
  - api/handlers.go: Maps Code(err) to HTTP status
  - cnam/numbering.go: Retries on ErrDuplicateBondNumber
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidWindow is returned when a date range ends before it starts.
	ErrInvalidWindow = errors.New("invalid window: end before start")

	// ErrOverlappingBondWindow is returned when a bond window collides with an
	// already-persisted covered period of the same rental.
	ErrOverlappingBondWindow = errors.New("bond window overlaps a persisted covered period")

	// ErrPaymentPeriodMismatch is returned when a payment's covered sub-window
	// falls outside the period it references.
	ErrPaymentPeriodMismatch = errors.New("payment window outside its period")

	// ErrDuplicateBondNumber is returned when a bond number is already taken.
	ErrDuplicateBondNumber = errors.New("duplicate bond number")

	// ErrTariffNotFound is returned for an unknown bond type.
	ErrTariffNotFound = errors.New("tariff not found")

	// ErrInvalidTariff is returned when a tariff is inconsistent with its category.
	ErrInvalidTariff = errors.New("invalid tariff")

	// ErrBondCategoryMismatch is returned when a purchase bond is linked to a rental.
	ErrBondCategoryMismatch = errors.New("bond category cannot cover a rental")

	// ErrPeriodTiling is returned when a period set does not tile its rental window.
	ErrPeriodTiling = errors.New("periods do not tile the rental window")

	// ErrPeriodLocked is returned when a change would alter a period that has payments.
	ErrPeriodLocked = errors.New("period has recorded payments")

	// ErrRentalParty is returned when a rental names both or neither of patient and company.
	ErrRentalParty = errors.New("rental must reference exactly one of patient or company")

	// ErrAmountSplit is returned when a period's CNAM and patient shares do not
	// add up to its expected amount.
	ErrAmountSplit = errors.New("cnam and patient shares do not sum to expected amount")

	// ErrNotGapPeriod is returned when a gap resolution targets a covered period.
	ErrNotGapPeriod = errors.New("period is not a gap period")

	// ErrInvalidStatusTransition is returned for a bond status change the
	// lifecycle does not allow.
	ErrInvalidStatusTransition = errors.New("invalid status transition")

	// ErrInvalidPayment is returned for a payment that cannot be recorded as given.
	ErrInvalidPayment = errors.New("invalid payment")

	// ErrNotificationExists is returned when an open notification already exists
	// for the same entity and type.
	ErrNotificationExists = errors.New("open notification already exists")

	// ErrRentalExists is returned when a new rental reuses an existing id.
	ErrRentalExists = errors.New("rental already exists")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidWindowError provides the offending range.
type InvalidWindowError struct {
	Start  TimePoint
	End    TimePoint
	Reason string
}

func (e *InvalidWindowError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid window %s..%s: %s", e.Start, e.End, e.Reason)
	}
	return fmt.Sprintf("invalid window: end %s before start %s", e.End, e.Start)
}

func (e *InvalidWindowError) Unwrap() error { return ErrInvalidWindow }

// OverlappingBondWindowError names the period the bond collided with.
type OverlappingBondWindowError struct {
	BondID         BondID
	BondWindow     Period
	PeriodID       PeriodID
	PeriodWindow   Period
	ExistingBondID BondID
}

func (e *OverlappingBondWindowError) Error() string {
	return fmt.Sprintf("bond %s window %s overlaps period %s %s covered by bond %s",
		e.BondID, e.BondWindow, e.PeriodID, e.PeriodWindow, e.ExistingBondID)
}

func (e *OverlappingBondWindowError) Unwrap() error { return ErrOverlappingBondWindow }

// PaymentPeriodMismatchError provides details about an integrity violation.
type PaymentPeriodMismatchError struct {
	PaymentID     PaymentID
	PeriodID      PeriodID
	PaymentWindow Period
	PeriodWindow  Period
}

func (e *PaymentPeriodMismatchError) Error() string {
	return fmt.Sprintf("payment %s covers %s outside period %s %s",
		e.PaymentID, e.PaymentWindow, e.PeriodID, e.PeriodWindow)
}

func (e *PaymentPeriodMismatchError) Unwrap() error { return ErrPaymentPeriodMismatch }

// DuplicateBondNumberError reports the number that lost the race.
type DuplicateBondNumberError struct {
	BondNumber string
	Attempts   int
}

func (e *DuplicateBondNumberError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("duplicate bond number %s after %d attempts", e.BondNumber, e.Attempts)
	}
	return fmt.Sprintf("duplicate bond number %s", e.BondNumber)
}

func (e *DuplicateBondNumberError) Unwrap() error { return ErrDuplicateBondNumber }

// TariffNotFoundError names the unknown bond type.
type TariffNotFoundError struct {
	BondType string
}

func (e *TariffNotFoundError) Error() string {
	return fmt.Sprintf("no tariff for bond type %q", e.BondType)
}

func (e *TariffNotFoundError) Unwrap() error { return ErrTariffNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Code returns the taxonomy code of err, or "" for unclassified errors.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidWindow):
		return "InvalidWindow"
	case errors.Is(err, ErrOverlappingBondWindow):
		return "OverlappingBondWindow"
	case errors.Is(err, ErrPaymentPeriodMismatch):
		return "PaymentPeriodMismatch"
	case errors.Is(err, ErrDuplicateBondNumber):
		return "DuplicateBondNumber"
	case errors.Is(err, ErrTariffNotFound):
		return "TariffNotFound"
	case errors.Is(err, ErrInvalidTariff):
		return "InvalidTariff"
	case errors.Is(err, ErrBondCategoryMismatch):
		return "BondCategoryMismatch"
	case errors.Is(err, ErrPeriodTiling):
		return "PeriodTiling"
	case errors.Is(err, ErrPeriodLocked):
		return "PeriodLocked"
	case errors.Is(err, ErrRentalParty):
		return "RentalParty"
	case errors.Is(err, ErrAmountSplit):
		return "AmountSplit"
	case errors.Is(err, ErrNotGapPeriod):
		return "NotGapPeriod"
	case errors.Is(err, ErrInvalidStatusTransition):
		return "InvalidStatusTransition"
	case errors.Is(err, ErrInvalidPayment):
		return "InvalidPayment"
	case errors.Is(err, ErrNotificationExists):
		return "NotificationExists"
	case errors.Is(err, ErrRentalExists):
		return "RentalExists"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	default:
		return ""
	}
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidWindow) ||
		errors.Is(err, ErrOverlappingBondWindow) ||
		errors.Is(err, ErrPaymentPeriodMismatch) ||
		errors.Is(err, ErrInvalidTariff) ||
		errors.Is(err, ErrBondCategoryMismatch) ||
		errors.Is(err, ErrPeriodTiling) ||
		errors.Is(err, ErrRentalParty) ||
		errors.Is(err, ErrAmountSplit) ||
		errors.Is(err, ErrNotGapPeriod) ||
		errors.Is(err, ErrInvalidStatusTransition) ||
		errors.Is(err, ErrInvalidPayment)
}

// IsConflict returns true if the error reflects a concurrent writer or locked state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateBondNumber) ||
		errors.Is(err, ErrNotificationExists) ||
		errors.Is(err, ErrRentalExists) ||
		errors.Is(err, ErrPeriodLocked)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrTariffNotFound)
}
