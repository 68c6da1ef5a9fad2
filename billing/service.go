/*
service.go - Transactional billing operations

PURPOSE:
  Wraps the pure allocator and reconciliation engine with loading and
  saving. Every operation that rewrites periods runs inside one store
  transaction: load rental, bond, periods and payments, compute the plan,
  apply it, commit.

OPERATIONS:
  CreateRental      Persist a rental and allocate its periods
  AssignBond        Point a rental at a bond, recompute forward
  CloseRental       Set the end date, mark COMPLETED, recompute the tail
  UpdateBondStatus  Apply a bond status transition; a rejected active bond
                    turns its future covered periods into gaps
  ExtendOpenRentals Push open-ended rentals' periods up to the current horizon
  RecordPayment     Store a payment after checking its window
  UpdatePeriod      Partial edit with amount and tiling checks
  ResolveGap        Record a manual resolution on a gap period

SEE ALSO:
  - allocator.go, reconcile.go: The pure core
  - api/handlers.go: HTTP entry points
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/generic"
	"github.com/medrent/billing-engine/metrics"
)

type Service struct {
	Store     TxStore
	Allocator *Allocator
	Engine    ReconciliationEngine
	NewID     func() string
	Logger    *zap.Logger
}

func NewService(store TxStore, allocator *Allocator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if allocator == nil {
		allocator = NewAllocator(SplitMonthly)
	}
	return &Service{Store: store, Allocator: allocator, NewID: uuid.NewString, Logger: logger}
}

// Today is the service's notion of the current day (shared with the allocator).
func (s *Service) Today() generic.TimePoint { return s.Allocator.today() }

// =============================================================================
// RENTAL LIFECYCLE
// =============================================================================

// CreateRental stores a new rental and its initial periods.
func (s *Service) CreateRental(ctx context.Context, r Rental) (Rental, []RentalPeriod, error) {
	if r.ID == "" {
		r.ID = generic.RentalID(s.NewID())
	}
	if r.Status == "" {
		r.Status = RentalActive
	}
	if err := r.Validate(); err != nil {
		return Rental{}, nil, err
	}

	var periods []RentalPeriod
	err := s.Store.WithTx(ctx, func(tx Store) error {
		_, err := tx.GetRental(ctx, r.ID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", generic.ErrRentalExists, r.ID)
		case !errors.Is(err, generic.ErrNotFound):
			return fmt.Errorf("rental %s: %w", r.ID, err)
		}
		bond, err := loadBond(ctx, tx, r.ActiveBondID)
		if err != nil {
			return err
		}
		periods, err = s.Allocator.Allocate(r, bond)
		if err != nil {
			return err
		}
		if err := tx.SaveRental(ctx, r); err != nil {
			return fmt.Errorf("save rental %s: %w", r.ID, err)
		}
		return savePeriods(ctx, tx, periods)
	})
	if err != nil {
		return Rental{}, nil, err
	}

	countAllocated(periods)
	s.Logger.Info("rental created",
		zap.String("rental_id", string(r.ID)), zap.Int("periods", len(periods)))
	return r, periods, nil
}

// AssignBond links a bond to a rental and recomputes periods from the
// effective date (default: the later of bond start and rental start).
func (s *Service) AssignBond(ctx context.Context, rentalID generic.RentalID, bondID generic.BondID, effective *generic.TimePoint) ([]RentalPeriod, error) {
	var periods []RentalPeriod
	err := s.Store.WithTx(ctx, func(tx Store) error {
		rental, err := tx.GetRental(ctx, rentalID)
		if err != nil {
			return fmt.Errorf("rental %s: %w", rentalID, err)
		}
		bond, err := tx.GetBond(ctx, bondID)
		if err != nil {
			return fmt.Errorf("bond %s: %w", bondID, err)
		}
		if !bond.Category.CoversRental() {
			return fmt.Errorf("%w: %s bond %s on rental %s",
				generic.ErrBondCategoryMismatch, bond.Category, bond.ID, rental.ID)
		}

		eff := generic.MaxTime(bond.StartDate, rental.StartDate)
		if effective != nil {
			eff = *effective
		}
		rental.ActiveBondID = &bond.ID

		periods, err = s.recompute(ctx, tx, rental, &bond, eff)
		if err != nil {
			return err
		}
		return tx.SaveRental(ctx, rental)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("bond assigned",
		zap.String("rental_id", string(rentalID)), zap.String("bond_id", string(bondID)))
	return periods, nil
}

// CloseRental records the device return: the rental gets its end date, is
// marked COMPLETED, and periods past the end are dropped or truncated.
func (s *Service) CloseRental(ctx context.Context, rentalID generic.RentalID, end generic.TimePoint) (Rental, []RentalPeriod, error) {
	var (
		rental  Rental
		periods []RentalPeriod
	)
	err := s.Store.WithTx(ctx, func(tx Store) error {
		var err error
		rental, err = tx.GetRental(ctx, rentalID)
		if err != nil {
			return fmt.Errorf("rental %s: %w", rentalID, err)
		}
		rental.EndDate = &end
		rental.Status = RentalCompleted
		if err := rental.Validate(); err != nil {
			return err
		}
		bond, err := loadBond(ctx, tx, rental.ActiveBondID)
		if err != nil {
			return err
		}
		periods, err = s.recompute(ctx, tx, rental, bond, end.AddDays(1))
		if err != nil {
			return err
		}
		return tx.SaveRental(ctx, rental)
	})
	if err != nil {
		return Rental{}, nil, err
	}
	s.Logger.Info("rental closed", zap.String("rental_id", string(rentalID)), zap.Stringer("end", end))
	return rental, periods, nil
}

// ExtendOpenRentals recomputes every open-ended active rental from today so
// its periods reach the current horizon. Each rental is re-read inside its
// own transaction; one closed in the meantime is skipped. Failures are
// collected, not fatal.
func (s *Service) ExtendOpenRentals(ctx context.Context) (int, error) {
	rentals, err := s.Store.ListActiveRentals(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active rentals: %w", err)
	}
	today := s.Today()
	extended := 0
	var errs []error
	for _, listed := range rentals {
		if !listed.IsOpenEnded() {
			continue
		}
		done := false
		err := s.Store.WithTx(ctx, func(tx Store) error {
			r, err := tx.GetRental(ctx, listed.ID)
			if err != nil {
				return err
			}
			if r.Status != RentalActive || !r.IsOpenEnded() {
				return nil
			}
			bond, err := loadBond(ctx, tx, r.ActiveBondID)
			if err != nil {
				return err
			}
			if _, err := s.recompute(ctx, tx, r, bond, today); err != nil {
				return err
			}
			done = true
			return nil
		})
		if err != nil {
			s.Logger.Error("extend rental failed", zap.String("rental_id", string(listed.ID)), zap.Error(err))
			errs = append(errs, fmt.Errorf("rental %s: %w", listed.ID, err))
			continue
		}
		if done {
			extended++
		}
	}
	return extended, errors.Join(errs...)
}

// =============================================================================
// BONDS
// =============================================================================

// UpdateBondStatus applies a status transition. Rejecting the active bond of
// a rental recomputes that rental as uncovered from the bond's start.
func (s *Service) UpdateBondStatus(ctx context.Context, bondID generic.BondID, status cnam.BondStatus) (cnam.Bond, error) {
	var bond cnam.Bond
	err := s.Store.WithTx(ctx, func(tx Store) error {
		var err error
		bond, err = tx.GetBond(ctx, bondID)
		if err != nil {
			return fmt.Errorf("bond %s: %w", bondID, err)
		}
		if err := bond.Transition(status); err != nil {
			return err
		}
		if err := tx.UpdateBondStatus(ctx, bondID, status); err != nil {
			return fmt.Errorf("update bond %s: %w", bondID, err)
		}
		if status != cnam.StatusRejected {
			return nil
		}

		rentals, err := tx.ListActiveRentals(ctx)
		if err != nil {
			return fmt.Errorf("list active rentals: %w", err)
		}
		for _, r := range rentals {
			if r.ActiveBondID == nil || *r.ActiveBondID != bondID {
				continue
			}
			eff := generic.MaxTime(bond.StartDate, r.StartDate)
			if _, err := s.recompute(ctx, tx, r, &bond, eff); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return cnam.Bond{}, err
	}
	return bond, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// RecordPayment stores a payment against its period and returns the
// period's reconciliation after the write.
func (s *Service) RecordPayment(ctx context.Context, p Payment) (Payment, PeriodReconciliation, error) {
	if p.ID == "" {
		p.ID = generic.PaymentID(s.NewID())
	}
	if p.Status == "" {
		p.Status = PaymentCompleted
	}
	if !p.Amount.IsPositive() {
		return Payment{}, PeriodReconciliation{}, fmt.Errorf("%w: amount must be positive", generic.ErrInvalidPayment)
	}

	var rec PeriodReconciliation
	err := s.Store.WithTx(ctx, func(tx Store) error {
		period, err := tx.GetPeriod(ctx, p.PeriodID)
		if err != nil {
			return fmt.Errorf("period %s: %w", p.PeriodID, err)
		}
		if p.RentalID == "" {
			p.RentalID = period.RentalID
		}
		if p.RentalID != period.RentalID {
			return fmt.Errorf("%w: period %s belongs to rental %s, not %s",
				generic.ErrInvalidPayment, period.ID, period.RentalID, p.RentalID)
		}
		if err := CheckPaymentScope(period, p); err != nil {
			return err
		}
		if err := tx.SavePayment(ctx, p); err != nil {
			return fmt.Errorf("save payment: %w", err)
		}
		payments, err := tx.ListPaymentsByPeriod(ctx, period.ID)
		if err != nil {
			return err
		}
		rec = s.Engine.Reconcile(period, payments, s.Today())
		return nil
	})
	if err != nil {
		return Payment{}, PeriodReconciliation{}, err
	}
	return p, rec, nil
}

// =============================================================================
// PERIOD EDITS
// =============================================================================

// PeriodPatch carries the fields of a partial period update; nil means
// "leave unchanged".
type PeriodPatch struct {
	StartDate             *generic.TimePoint
	EndDate               *generic.TimePoint
	ExpectedAmount        *generic.Money
	CNAMExpectedAmount    *generic.Money
	PatientExpectedAmount *generic.Money
	IsGapPeriod           *bool
	GapReason             *string
	CNAMBondID            *generic.BondID
}

func (pp PeriodPatch) movesWindow() bool { return pp.StartDate != nil || pp.EndDate != nil }

// UpdatePeriod applies a partial edit. The result must keep the amount
// split, tile the rental window, and still contain every payment's window.
func (s *Service) UpdatePeriod(ctx context.Context, id generic.PeriodID, patch PeriodPatch) (RentalPeriod, error) {
	var updated RentalPeriod
	err := s.Store.WithTx(ctx, func(tx Store) error {
		period, err := tx.GetPeriod(ctx, id)
		if err != nil {
			return fmt.Errorf("period %s: %w", id, err)
		}
		applyPatch(&period, patch)

		if period.CNAMBondID != nil {
			bond, err := tx.GetBond(ctx, *period.CNAMBondID)
			if err != nil {
				return fmt.Errorf("bond %s: %w", *period.CNAMBondID, err)
			}
			if !bond.Category.CoversRental() {
				return fmt.Errorf("%w: %s bond %s on period %s",
					generic.ErrBondCategoryMismatch, bond.Category, bond.ID, period.ID)
			}
		}
		if err := period.Window().Validate(); err != nil {
			return err
		}
		if err := period.CheckAmounts(); err != nil {
			return err
		}

		if patch.movesWindow() {
			if err := s.checkReshape(ctx, tx, period); err != nil {
				return err
			}
		}
		if err := tx.SavePeriod(ctx, period); err != nil {
			return fmt.Errorf("save period %s: %w", period.ID, err)
		}
		updated = period
		return nil
	})
	return updated, err
}

func applyPatch(p *RentalPeriod, patch PeriodPatch) {
	if patch.StartDate != nil {
		p.StartDate = *patch.StartDate
	}
	if patch.EndDate != nil {
		p.EndDate = *patch.EndDate
	}
	if patch.ExpectedAmount != nil {
		p.ExpectedAmount = *patch.ExpectedAmount
	}
	if patch.CNAMExpectedAmount != nil {
		v := *patch.CNAMExpectedAmount
		p.CNAMExpectedAmount = &v
	}
	if patch.PatientExpectedAmount != nil {
		v := *patch.PatientExpectedAmount
		p.PatientExpectedAmount = &v
	}
	if patch.IsGapPeriod != nil {
		p.IsGapPeriod = *patch.IsGapPeriod
		if p.IsGapPeriod {
			p.CNAMBondID = nil
			p.CNAMExpectedAmount = nil
		}
	}
	if patch.GapReason != nil {
		p.GapReason = *patch.GapReason
	}
	if patch.CNAMBondID != nil {
		v := *patch.CNAMBondID
		p.CNAMBondID = &v
	}
}

// checkReshape verifies a moved period still tiles the rental and still
// contains its payments.
func (s *Service) checkReshape(ctx context.Context, tx Store, period RentalPeriod) error {
	rental, err := tx.GetRental(ctx, period.RentalID)
	if err != nil {
		return fmt.Errorf("rental %s: %w", period.RentalID, err)
	}
	periods, err := tx.ListPeriods(ctx, rental.ID)
	if err != nil {
		return err
	}
	for i := range periods {
		if periods[i].ID == period.ID {
			periods[i] = period
		}
	}
	window := generic.Period{Start: rental.StartDate}
	if rental.EndDate != nil {
		window.End = *rental.EndDate
	} else {
		for _, p := range periods {
			window.End = generic.MaxTime(window.End, p.EndDate)
		}
	}
	if err := VerifyTiling(periods, window); err != nil {
		return err
	}

	payments, err := tx.ListPaymentsByPeriod(ctx, period.ID)
	if err != nil {
		return err
	}
	for _, pay := range payments {
		if err := CheckPaymentScope(period, pay); err != nil {
			return err
		}
	}
	return nil
}

// ResolveGap records a manual resolution on a gap period.
func (s *Service) ResolveGap(ctx context.Context, id generic.PeriodID, resolution GapResolution) (RentalPeriod, error) {
	if resolution.ResolvedAt.IsZero() {
		resolution.ResolvedAt = time.Now().UTC()
	}
	var updated RentalPeriod
	err := s.Store.WithTx(ctx, func(tx Store) error {
		period, err := tx.GetPeriod(ctx, id)
		if err != nil {
			return fmt.Errorf("period %s: %w", id, err)
		}
		if !period.IsGapPeriod {
			return fmt.Errorf("%w: %s", generic.ErrNotGapPeriod, id)
		}
		period.GapResolution = &resolution
		if err := tx.SavePeriod(ctx, period); err != nil {
			return err
		}
		updated = period
		return nil
	})
	return updated, err
}

// =============================================================================
// READS
// =============================================================================

// PeriodDetail is a period with its linked rental, bond and payments.
type PeriodDetail struct {
	Period   RentalPeriod
	Rental   Rental
	Bond     *cnam.Bond
	Payments []Payment
}

func (s *Service) GetPeriodDetail(ctx context.Context, id generic.PeriodID) (PeriodDetail, error) {
	period, err := s.Store.GetPeriod(ctx, id)
	if err != nil {
		return PeriodDetail{}, fmt.Errorf("period %s: %w", id, err)
	}
	rental, err := s.Store.GetRental(ctx, period.RentalID)
	if err != nil {
		return PeriodDetail{}, fmt.Errorf("rental %s: %w", period.RentalID, err)
	}
	bond, err := loadBond(ctx, s.Store, period.CNAMBondID)
	if err != nil {
		return PeriodDetail{}, err
	}
	payments, err := s.Store.ListPaymentsByPeriod(ctx, id)
	if err != nil {
		return PeriodDetail{}, err
	}
	return PeriodDetail{Period: period, Rental: rental, Bond: bond, Payments: payments}, nil
}

func (s *Service) GetRental(ctx context.Context, id generic.RentalID) (Rental, []RentalPeriod, error) {
	rental, err := s.Store.GetRental(ctx, id)
	if err != nil {
		return Rental{}, nil, fmt.Errorf("rental %s: %w", id, err)
	}
	periods, err := s.Store.ListPeriods(ctx, id)
	if err != nil {
		return Rental{}, nil, err
	}
	return rental, periods, nil
}

func (s *Service) ReconcilePeriod(ctx context.Context, id generic.PeriodID, asOf generic.TimePoint) (PeriodReconciliation, error) {
	period, err := s.Store.GetPeriod(ctx, id)
	if err != nil {
		return PeriodReconciliation{}, fmt.Errorf("period %s: %w", id, err)
	}
	payments, err := s.Store.ListPaymentsByPeriod(ctx, id)
	if err != nil {
		return PeriodReconciliation{}, err
	}
	return s.Engine.Reconcile(period, payments, asOf), nil
}

func (s *Service) ReconcileRental(ctx context.Context, id generic.RentalID, asOf generic.TimePoint) (RentalReconciliation, error) {
	if _, err := s.Store.GetRental(ctx, id); err != nil {
		return RentalReconciliation{}, fmt.Errorf("rental %s: %w", id, err)
	}
	periods, err := s.Store.ListPeriods(ctx, id)
	if err != nil {
		return RentalReconciliation{}, err
	}
	payments, err := s.Store.ListPayments(ctx, id)
	if err != nil {
		return RentalReconciliation{}, err
	}
	return s.Engine.ReconcileRental(id, periods, payments, asOf), nil
}

// =============================================================================
// HELPERS
// =============================================================================

// recompute applies Allocator.Recompute to the stored periods of a rental.
func (s *Service) recompute(ctx context.Context, tx Store, rental Rental, bond *cnam.Bond, effective generic.TimePoint) ([]RentalPeriod, error) {
	existing, err := tx.ListPeriods(ctx, rental.ID)
	if err != nil {
		return nil, err
	}
	payments, err := tx.ListPayments(ctx, rental.ID)
	if err != nil {
		return nil, err
	}
	paid := make(map[generic.PeriodID]bool, len(payments))
	for _, p := range payments {
		paid[p.PeriodID] = true
	}

	plan, err := s.Allocator.Recompute(RecomputeInput{
		Rental:    rental,
		Bond:      bond,
		Existing:  existing,
		Paid:      paid,
		Effective: effective,
	})
	if err != nil {
		return nil, err
	}

	if len(plan.Remove) > 0 {
		ids := make([]generic.PeriodID, len(plan.Remove))
		for i, p := range plan.Remove {
			ids[i] = p.ID
		}
		if err := tx.DeletePeriods(ctx, ids); err != nil {
			return nil, fmt.Errorf("delete periods of %s: %w", rental.ID, err)
		}
	}
	if err := savePeriods(ctx, tx, plan.Create); err != nil {
		return nil, err
	}
	countAllocated(plan.Create)
	s.Logger.Debug("periods recomputed",
		zap.String("rental_id", string(rental.ID)),
		zap.Stringer("effective", effective),
		zap.Int("kept", len(plan.Keep)),
		zap.Int("removed", len(plan.Remove)),
		zap.Int("created", len(plan.Create)))
	return plan.Periods(), nil
}

func loadBond(ctx context.Context, st Store, id *generic.BondID) (*cnam.Bond, error) {
	if id == nil {
		return nil, nil
	}
	bond, err := st.GetBond(ctx, *id)
	if err != nil {
		return nil, fmt.Errorf("bond %s: %w", *id, err)
	}
	return &bond, nil
}

func savePeriods(ctx context.Context, tx Store, periods []RentalPeriod) error {
	for _, p := range periods {
		if err := tx.SavePeriod(ctx, p); err != nil {
			return fmt.Errorf("save period %s: %w", p.ID, err)
		}
	}
	return nil
}

func countAllocated(periods []RentalPeriod) {
	for _, p := range periods {
		kind := "covered"
		if p.IsGapPeriod {
			kind = "gap"
		}
		metrics.PeriodsAllocated.WithLabelValues(kind).Inc()
	}
}
