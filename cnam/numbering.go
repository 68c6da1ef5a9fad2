/*
numbering.go - Sequential bond numbers (BL-<year>-NNNN)

PURPOSE:
  Generates the next bond number for the current year and issues bonds
  under that number. Numbers restart at 0001 every January.

FORMAT:
  BL-2025-0001, BL-2025-0002, ... BL-2025-9999, BL-2025-10000
  The sequence is zero-padded to 4 digits. "Highest" means numerically
  highest, so BL-2025-10000 follows BL-2025-9999.

CONCURRENCY:
  Read-latest, compute-next, insert is not atomic. Two callers can compute
  the same candidate. The storage layer's unique constraint on the bond
  number rejects the loser, which renumbers from
  max(latest, rejected candidate) + 1 and tries again, a bounded number
  of times. Exhaustion surfaces as DuplicateBondNumberError.

SOFT FAIL:
  A stored number whose suffix is not numeric never blocks issuance; the
  sequence falls back to 1 and the unique constraint sorts out collisions.

SEE ALSO:
  - catalog.go: Tariffs copied onto issued bonds
  - store/sqlstore: UNIQUE(bond_number) and duplicate detection
*/
package cnam

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medrent/billing-engine/generic"
	"github.com/medrent/billing-engine/metrics"
)

const (
	BondNumberPrefix   = "BL"
	SequenceWidth      = 4
	DefaultMaxAttempts = 3
)

// BondStore persists bonds.
type BondStore interface {
	// LatestBondNumber returns the numerically highest bond number starting
	// with prefix, optionally restricted to one category. "" when none exist.
	LatestBondNumber(ctx context.Context, prefix string, category *Category) (string, error)

	// InsertBond stores a new bond. A taken bond number fails with
	// generic.ErrDuplicateBondNumber.
	InsertBond(ctx context.Context, b Bond) error

	GetBond(ctx context.Context, id generic.BondID) (Bond, error)
	UpdateBondStatus(ctx context.Context, id generic.BondID, status BondStatus) error
}

// =============================================================================
// NUMBER FORMAT
// =============================================================================

// YearPrefix returns "BL-<year>-".
func YearPrefix(year int) string {
	return fmt.Sprintf("%s-%d-", BondNumberPrefix, year)
}

func FormatBondNumber(year, seq int) string {
	return fmt.Sprintf("%s%0*d", YearPrefix(year), SequenceWidth, seq)
}

// ParseSequence extracts the numeric suffix of a bond number.
// ok is false when the number lacks the prefix or the suffix is not a
// non-negative integer.
func ParseSequence(number, prefix string) (seq int, ok bool) {
	suffix, found := strings.CutPrefix(number, prefix)
	if !found || suffix == "" {
		return 0, false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	seq, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// =============================================================================
// NUMBERING SERVICE
// =============================================================================

// IssueRequest describes a bond to issue. The tariff comes from the catalog.
type IssueRequest struct {
	BondType  BondType
	PatientID string
	RentalID  *generic.RentalID
	StartDate generic.TimePoint
	EndDate   generic.TimePoint
	Status    BondStatus
}

type Numbering struct {
	Bonds   BondStore
	Catalog *Catalog

	// MaxAttempts bounds IssueBond's insert attempts.
	MaxAttempts int

	Now    func() time.Time
	NewID  func() string
	Logger *zap.Logger
}

func NewNumbering(bonds BondStore, catalog *Catalog, logger *zap.Logger) *Numbering {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Numbering{
		Bonds:       bonds,
		Catalog:     catalog,
		MaxAttempts: DefaultMaxAttempts,
		Now:         time.Now,
		NewID:       uuid.NewString,
		Logger:      logger,
	}
}

// NextBondNumber returns the number the next bond of the current year (and
// category, when given) would receive. It does not reserve it.
func (n *Numbering) NextBondNumber(ctx context.Context, category *Category) (string, error) {
	year := n.Now().Year()
	seq, err := n.nextSequence(ctx, YearPrefix(year), category, 0)
	if err != nil {
		return "", err
	}
	return FormatBondNumber(year, seq), nil
}

// nextSequence returns max(latest, floor) + 1.
func (n *Numbering) nextSequence(ctx context.Context, prefix string, category *Category, floor int) (int, error) {
	latest, err := n.Bonds.LatestBondNumber(ctx, prefix, category)
	if err != nil {
		return 0, fmt.Errorf("latest bond number for %s: %w", prefix, err)
	}
	current := 0
	if latest != "" {
		seq, ok := ParseSequence(latest, prefix)
		if ok {
			current = seq
		} else {
			n.Logger.Warn("non-numeric bond number suffix, restarting sequence",
				zap.String("latest", latest), zap.String("prefix", prefix))
		}
	}
	if floor > current {
		current = floor
	}
	return current + 1, nil
}

// IssueBond numbers and stores a new bond, renumbering when a concurrent
// writer takes the candidate first. Bond numbers are unique across
// categories, so the candidate follows the latest number of the year
// whatever its category.
func (n *Numbering) IssueBond(ctx context.Context, req IssueRequest) (Bond, error) {
	tariff, err := n.Catalog.TariffFor(ctx, req.BondType)
	if err != nil {
		return Bond{}, err
	}
	if !tariff.IsActive {
		return Bond{}, fmt.Errorf("%w: tariff %s is inactive", generic.ErrInvalidTariff, req.BondType)
	}
	if req.RentalID != nil && !tariff.Category.CoversRental() {
		return Bond{}, fmt.Errorf("%w: %s bond for rental %s", generic.ErrBondCategoryMismatch, tariff.Category, *req.RentalID)
	}

	now := n.Now()
	status := req.Status
	if status == "" {
		status = StatusPending
	}
	bond := Bond{
		ID:          generic.BondID(n.NewID()),
		BondType:    req.BondType,
		Category:    tariff.Category,
		Amount:      tariff.Amount,
		MonthlyRate: tariff.MonthlyRate,
		Status:      status,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		PatientID:   req.PatientID,
		RentalID:    req.RentalID,
		CreatedAt:   now.UTC(),
	}
	if err := bond.Validate(); err != nil {
		return Bond{}, err
	}

	attempts := n.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	year := now.Year()
	prefix := YearPrefix(year)
	floor := 0

	for attempt := 1; attempt <= attempts; attempt++ {
		seq, err := n.nextSequence(ctx, prefix, nil, floor)
		if err != nil {
			return Bond{}, err
		}
		bond.BondNumber = FormatBondNumber(year, seq)

		err = n.Bonds.InsertBond(ctx, bond)
		if err == nil {
			n.Logger.Info("bond issued",
				zap.String("bond_id", string(bond.ID)),
				zap.String("bond_number", bond.BondNumber),
				zap.Int("attempt", attempt))
			return bond, nil
		}
		if !errors.Is(err, generic.ErrDuplicateBondNumber) {
			return Bond{}, fmt.Errorf("insert bond %s: %w", bond.BondNumber, err)
		}

		metrics.BondNumberRetries.Inc()
		n.Logger.Warn("bond number taken, renumbering",
			zap.String("bond_number", bond.BondNumber), zap.Int("attempt", attempt))
		floor = seq
	}

	return Bond{}, &generic.DuplicateBondNumberError{BondNumber: bond.BondNumber, Attempts: attempts}
}
