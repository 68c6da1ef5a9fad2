package billing

import (
	"context"

	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/generic"
)

// =============================================================================
// STORE - What the billing service needs from persistence
// =============================================================================

// Store loads and saves rentals, periods and payments. Lookups of missing
// records return generic.ErrNotFound.
//
// Implementations: store/memory (tests, dev), store/sqlstore (SQLite, PostgreSQL).
type Store interface {
	SaveRental(ctx context.Context, r Rental) error
	GetRental(ctx context.Context, id generic.RentalID) (Rental, error)
	ListActiveRentals(ctx context.Context) ([]Rental, error)

	GetBond(ctx context.Context, id generic.BondID) (cnam.Bond, error)
	UpdateBondStatus(ctx context.Context, id generic.BondID, status cnam.BondStatus) error

	// ListPeriods returns the rental's periods ordered by StartDate.
	ListPeriods(ctx context.Context, rentalID generic.RentalID) ([]RentalPeriod, error)
	GetPeriod(ctx context.Context, id generic.PeriodID) (RentalPeriod, error)
	SavePeriod(ctx context.Context, p RentalPeriod) error
	// DeletePeriods removes periods. Periods referenced by payments are never
	// passed here; storage foreign keys reject them if they are.
	DeletePeriods(ctx context.Context, ids []generic.PeriodID) error

	ListPayments(ctx context.Context, rentalID generic.RentalID) ([]Payment, error)
	ListPaymentsByPeriod(ctx context.Context, periodID generic.PeriodID) ([]Payment, error)
	SavePayment(ctx context.Context, p Payment) error
}

// TxStore runs a read-then-write sequence atomically. Period recomputation
// for one rental always happens inside WithTx so two concurrent bond
// assignments cannot produce divergent period sets.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
