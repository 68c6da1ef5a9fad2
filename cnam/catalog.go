package cnam

import (
	"context"
	"errors"
	"fmt"

	"github.com/medrent/billing-engine/generic"
)

// =============================================================================
// TARIFF - Fixed CNAM price list entry, one per bond type
// =============================================================================

// Tariff is the nomenclature row for a bond type.
//
// LOCATION tariffs carry a monthly rate and an amount equal to it.
// ACHAT tariffs carry a lump-sum amount and a zero monthly rate.
// AUTRE carries zeros and is priced manually.
type Tariff struct {
	BondType    BondType
	Category    Category
	Amount      generic.Money
	MonthlyRate generic.Money
	Description string
	IsActive    bool
}

func (t Tariff) Validate() error {
	if t.BondType == "" {
		return fmt.Errorf("%w: bond type is required", generic.ErrInvalidTariff)
	}
	if t.Amount.IsNegative() || t.MonthlyRate.IsNegative() {
		return fmt.Errorf("%w: %s has a negative amount", generic.ErrInvalidTariff, t.BondType)
	}
	switch t.Category {
	case CategoryLocation:
		if !t.Amount.Equal(t.MonthlyRate) {
			return fmt.Errorf("%w: LOCATION tariff %s must have amount == monthlyRate (%s != %s)",
				generic.ErrInvalidTariff, t.BondType, t.Amount, t.MonthlyRate)
		}
		if t.MonthlyRate.IsZero() && t.BondType != BondAutre {
			return fmt.Errorf("%w: LOCATION tariff %s needs a monthly rate", generic.ErrInvalidTariff, t.BondType)
		}
	case CategoryAchat:
		if !t.MonthlyRate.IsZero() {
			return fmt.Errorf("%w: ACHAT tariff %s must have a zero monthly rate", generic.ErrInvalidTariff, t.BondType)
		}
	default:
		return fmt.Errorf("%w: %s has unknown category %q", generic.ErrInvalidTariff, t.BondType, t.Category)
	}
	return nil
}

// TariffStore persists the nomenclature. UpsertTariff overwrites by bond type.
// GetTariff returns generic.ErrNotFound for an unknown type.
type TariffStore interface {
	UpsertTariff(ctx context.Context, t Tariff) error
	GetTariff(ctx context.Context, bondType BondType) (Tariff, error)
	ListTariffs(ctx context.Context) ([]Tariff, error)
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog answers "what does this bond type pay".
type Catalog struct {
	store TariffStore
}

func NewCatalog(store TariffStore) *Catalog {
	return &Catalog{store: store}
}

// TariffFor looks up the tariff of a bond type.
func (c *Catalog) TariffFor(ctx context.Context, bondType BondType) (Tariff, error) {
	t, err := c.store.GetTariff(ctx, bondType)
	if errors.Is(err, generic.ErrNotFound) {
		return Tariff{}, &generic.TariffNotFoundError{BondType: string(bondType)}
	}
	if err != nil {
		return Tariff{}, fmt.Errorf("load tariff %s: %w", bondType, err)
	}
	return t, nil
}

// Upsert validates and stores a tariff; re-seeding the same type overwrites it.
func (c *Catalog) Upsert(ctx context.Context, t Tariff) (Tariff, error) {
	if err := t.Validate(); err != nil {
		return Tariff{}, err
	}
	if err := c.store.UpsertTariff(ctx, t); err != nil {
		return Tariff{}, fmt.Errorf("upsert tariff %s: %w", t.BondType, err)
	}
	return t, nil
}

func (c *Catalog) List(ctx context.Context) ([]Tariff, error) {
	return c.store.ListTariffs(ctx)
}
