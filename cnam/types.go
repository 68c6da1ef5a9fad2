/*
Package cnam models insurer bonds: their device classes, tariffs and numbers.

PURPOSE:
  A CNAM bond is an authorization issued by the national health insurer that
  subsidizes either a device rental (LOCATION, billed monthly) or a one-time
  device purchase (ACHAT, a lump sum). This package owns the bond record, the
  tariff catalog keyed by bond type, and the sequential bond numbering.

KEY CONCEPTS:
  - BondType:   Device class the bond was issued for (VNI, CPAP, ...)
  - Category:   LOCATION (recurring) or ACHAT (one-time)
  - BondStatus: PENDING -> APPROUVE -> EXPIRED | REJECTED
  - Tariff:     Fixed amount / monthly rate for a bond type

HISTORY:
  Bonds are never overwritten. When a rental changes bond, a new bond is
  issued and the rental points at it; the superseded record stays as-is.
  The only mutation a stored bond accepts is a status transition.

SEE ALSO:
  - catalog.go: Tariff lookup and upsert
  - numbering.go: BL-<year>-NNNN generation and IssueBond
  - billing/allocator.go: How a bond's window and rate shape periods
*/
package cnam

import (
	"fmt"
	"strings"
	"time"

	"github.com/medrent/billing-engine/generic"
)

// =============================================================================
// BOND TYPE
// =============================================================================

type BondType string

const (
	BondConcentrateurOxygene BondType = "CONCENTRATEUR_OXYGENE"
	BondVNI                  BondType = "VNI"
	BondCPAP                 BondType = "CPAP"
	BondMasque               BondType = "MASQUE"
	// BondAutre is handled case by case outside the engine; its tariff is zero.
	BondAutre BondType = "AUTRE"
)

// =============================================================================
// CATEGORY
// =============================================================================

type Category string

const (
	// CategoryLocation bonds subsidize a rental every month.
	CategoryLocation Category = "LOCATION"
	// CategoryAchat bonds pay a lump sum towards a purchase.
	CategoryAchat Category = "ACHAT"
)

// ParseCategory accepts LOCATION or ACHAT in any case.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToUpper(strings.TrimSpace(s))); c {
	case CategoryLocation, CategoryAchat:
		return c, nil
	default:
		return "", fmt.Errorf("unknown bond category %q", s)
	}
}

// CoversRental reports whether bonds of this category can back rental periods.
func (c Category) CoversRental() bool { return c == CategoryLocation }

// =============================================================================
// STATUS
// =============================================================================

type BondStatus string

const (
	StatusPending  BondStatus = "PENDING"
	StatusApprouve BondStatus = "APPROUVE"
	StatusExpired  BondStatus = "EXPIRED"
	StatusRejected BondStatus = "REJECTED"
)

var bondTransitions = map[BondStatus][]BondStatus{
	StatusPending:  {StatusApprouve, StatusRejected},
	StatusApprouve: {StatusExpired, StatusRejected},
}

// CanTransition reports whether a bond may move from s to next.
// EXPIRED and REJECTED are terminal.
func (s BondStatus) CanTransition(next BondStatus) bool {
	for _, allowed := range bondTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func ParseBondStatus(s string) (BondStatus, error) {
	switch st := BondStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusApprouve, StatusExpired, StatusRejected:
		return st, nil
	default:
		return "", fmt.Errorf("unknown bond status %q", s)
	}
}

// =============================================================================
// BOND
// =============================================================================

// Bond is an issued CNAM authorization.
type Bond struct {
	ID          generic.BondID
	BondNumber  string
	BondType    BondType
	Category    Category
	Amount      generic.Money
	MonthlyRate generic.Money
	Status      BondStatus
	StartDate   generic.TimePoint
	EndDate     generic.TimePoint
	PatientID   string
	RentalID    *generic.RentalID
	CreatedAt   time.Time
}

// Window is the bond's inclusive coverage window.
func (b Bond) Window() generic.Period {
	return generic.Period{Start: b.StartDate, End: b.EndDate}
}

// ProvidesCoverage reports whether the bond counts as rental coverage.
// A rejected bond is treated as no bond at all.
func (b Bond) ProvidesCoverage() bool {
	return b.Category.CoversRental() && b.Status != StatusRejected
}

// Transition validates and applies a status change.
func (b *Bond) Transition(next BondStatus) error {
	if !b.Status.CanTransition(next) {
		return fmt.Errorf("%w: bond %s %s -> %s", generic.ErrInvalidStatusTransition, b.ID, b.Status, next)
	}
	b.Status = next
	return nil
}

func (b Bond) Validate() error {
	if err := b.Window().Validate(); err != nil {
		return err
	}
	if b.Category == CategoryAchat && !b.MonthlyRate.IsZero() {
		return fmt.Errorf("%w: ACHAT bond %s has a monthly rate", generic.ErrInvalidTariff, b.ID)
	}
	if b.Amount.IsNegative() || b.MonthlyRate.IsNegative() {
		return fmt.Errorf("%w: bond %s has a negative amount", generic.ErrInvalidTariff, b.ID)
	}
	return nil
}
