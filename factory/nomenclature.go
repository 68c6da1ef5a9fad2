/*
Package factory turns nomenclature seed files into CNAM tariffs.

PURPOSE:
  The CNAM price list changes rarely and is maintained by people, not code.
  The factory reads it from YAML and upserts it into a TariffStore through
  the Catalog, so re-seeding overwrites rows instead of duplicating them.

YAML SCHEMA:
  tariffs:
    - bond_type: VNI
      category: LOCATION
      amount: "430.00"
      monthly_rate: "430.00"
      description: Ventilation non invasive
      is_active: true        # optional, defaults to true

  Amounts are strings so they keep their exact decimal value.

USAGE:
  tariffs, err := factory.DefaultNomenclature()
  n, err := factory.Seed(ctx, catalog, tariffs)

SEE ALSO:
  - cnam/catalog.go: Tariff validation and the Catalog
  - nomenclature.yaml: Embedded default seed
*/
package factory

import (
	_ "embed"

	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/generic"
)

//go:embed nomenclature.yaml
var defaultNomenclature []byte

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// NomenclatureYAML is the file layout of a seed.
type NomenclatureYAML struct {
	Tariffs []TariffYAML `yaml:"tariffs"`
}

// TariffYAML is one row of the seed.
type TariffYAML struct {
	BondType    string `yaml:"bond_type"`
	Category    string `yaml:"category"`
	Amount      string `yaml:"amount"`
	MonthlyRate string `yaml:"monthly_rate"`
	Description string `yaml:"description"`
	IsActive    *bool  `yaml:"is_active"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseNomenclature decodes and validates a seed document.
func ParseNomenclature(data []byte) ([]cnam.Tariff, error) {
	var doc NomenclatureYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode nomenclature: %w", err)
	}
	if len(doc.Tariffs) == 0 {
		return nil, fmt.Errorf("%w: nomenclature has no tariffs", generic.ErrInvalidTariff)
	}

	seen := make(map[cnam.BondType]bool, len(doc.Tariffs))
	out := make([]cnam.Tariff, 0, len(doc.Tariffs))
	for i, row := range doc.Tariffs {
		t, err := row.toTariff()
		if err != nil {
			return nil, fmt.Errorf("tariff #%d: %w", i+1, err)
		}
		if seen[t.BondType] {
			return nil, fmt.Errorf("%w: bond type %s listed twice", generic.ErrInvalidTariff, t.BondType)
		}
		seen[t.BondType] = true
		out = append(out, t)
	}
	return out, nil
}

func (row TariffYAML) toTariff() (cnam.Tariff, error) {
	category, err := cnam.ParseCategory(row.Category)
	if err != nil {
		return cnam.Tariff{}, fmt.Errorf("%w: %v", generic.ErrInvalidTariff, err)
	}
	amount, err := parseAmount(row.Amount)
	if err != nil {
		return cnam.Tariff{}, fmt.Errorf("%w: amount: %v", generic.ErrInvalidTariff, err)
	}
	rate, err := parseAmount(row.MonthlyRate)
	if err != nil {
		return cnam.Tariff{}, fmt.Errorf("%w: monthly_rate: %v", generic.ErrInvalidTariff, err)
	}

	t := cnam.Tariff{
		BondType:    cnam.BondType(strings.ToUpper(strings.TrimSpace(row.BondType))),
		Category:    category,
		Amount:      amount,
		MonthlyRate: rate,
		Description: row.Description,
		IsActive:    true,
	}
	if row.IsActive != nil {
		t.IsActive = *row.IsActive
	}
	if err := t.Validate(); err != nil {
		return cnam.Tariff{}, err
	}
	return t, nil
}

// parseAmount treats an empty field as zero.
func parseAmount(s string) (generic.Money, error) {
	if strings.TrimSpace(s) == "" {
		return generic.ZeroMoney(), nil
	}
	return generic.ParseMoney(s)
}

// DefaultNomenclature returns the embedded CNAM price list.
func DefaultNomenclature() ([]cnam.Tariff, error) {
	return ParseNomenclature(defaultNomenclature)
}

// LoadNomenclature reads a seed file from disk. An empty path falls back to
// the embedded default.
func LoadNomenclature(path string) ([]cnam.Tariff, error) {
	if path == "" {
		return DefaultNomenclature()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read nomenclature %s: %w", path, err)
	}
	return ParseNomenclature(data)
}

// =============================================================================
// SEEDING
// =============================================================================

// Seed upserts every tariff into the catalog and returns how many were written.
func Seed(ctx context.Context, catalog *cnam.Catalog, tariffs []cnam.Tariff) (int, error) {
	for i, t := range tariffs {
		if _, err := catalog.Upsert(ctx, t); err != nil {
			return i, fmt.Errorf("seed %s: %w", t.BondType, err)
		}
	}
	return len(tariffs), nil
}
