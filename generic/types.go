/*
Package generic provides the money and calendar primitives of the billing engine.

PURPOSE:
  This package contains domain-agnostic types shared by the bond catalog,
  the period allocator, the reconciliation engine and the notifier. Nothing
  here knows about CNAM, rentals or payments; it only knows how to add money
  exactly and how to cut calendars into windows.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: An exact decimal amount in a currency (never float64)
  - Identifiers: Type-safe ids for rentals, bonds, periods, payments

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Minor unit: Amounts that leave the engine are rounded to 2 places, half-up
  3. Type Safety: Strong typing for IDs prevents mixing rental/bond ids

USAGE:
  rate := generic.MustParseMoney("190.00")
  share := rate.Mul(generic.Fraction(15, 30)).Round()   // 95.00

SEE ALSO:
  - time.go: TimePoint and calendar helpers
  - period.go: Inclusive date windows and month slicing
  - errors.go: Error taxonomy
*/
package generic

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Exact decimal amount in a currency
// =============================================================================

type Currency string

const (
	// CurrencyTND is the Tunisian dinar, the currency of CNAM tariffs.
	CurrencyTND Currency = "TND"
)

// MinorUnits is the number of decimal places amounts are rounded to.
const MinorUnits int32 = 2

type Money struct {
	Value    decimal.Decimal
	Currency Currency
}

func NewMoney(value decimal.Decimal) Money {
	return Money{Value: value, Currency: CurrencyTND}
}

func NewMoneyFromInt(value int64) Money {
	return NewMoney(decimal.NewFromInt(value))
}

func ZeroMoney() Money { return NewMoney(decimal.Zero) }

// ParseMoney parses a decimal string such as "190.00".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return NewMoney(d), nil
}

// MustParseMoney is ParseMoney for literals; it panics on malformed input.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Fraction returns num/den as an exact decimal (den must be positive).
func Fraction(num, den int) decimal.Decimal {
	return decimal.NewFromInt(int64(num)).Div(decimal.NewFromInt(int64(den)))
}

func (m Money) Add(o Money) Money               { return Money{Value: m.Value.Add(o.Value), Currency: m.currency()} }
func (m Money) Sub(o Money) Money               { return Money{Value: m.Value.Sub(o.Value), Currency: m.currency()} }
func (m Money) Mul(f decimal.Decimal) Money     { return Money{Value: m.Value.Mul(f), Currency: m.currency()} }
func (m Money) Neg() Money                      { return Money{Value: m.Value.Neg(), Currency: m.currency()} }
func (m Money) IsZero() bool                    { return m.Value.IsZero() }
func (m Money) IsNegative() bool                { return m.Value.IsNegative() }
func (m Money) IsPositive() bool                { return m.Value.IsPositive() }
func (m Money) Equal(o Money) bool              { return m.Value.Equal(o.Value) }
func (m Money) GreaterThan(o Money) bool        { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool           { return m.Value.LessThan(o.Value) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.Value.GreaterThanOrEqual(o.Value) }

// NonNegative clamps negative amounts to zero.
func (m Money) NonNegative() Money {
	if m.IsNegative() {
		return Money{Value: decimal.Zero, Currency: m.currency()}
	}
	return m
}

// Round rounds to the currency minor unit using round-half-up.
// decimal.Round rounds half away from zero, which is half-up for the
// non-negative amounts the engine produces; negative inputs are mirrored.
func (m Money) Round() Money {
	if m.Value.IsNegative() {
		return Money{Value: m.Value.Neg().Round(MinorUnits).Neg(), Currency: m.currency()}
	}
	return Money{Value: m.Value.Round(MinorUnits), Currency: m.currency()}
}

// String renders the amount with exactly two decimals.
func (m Money) String() string { return m.Value.StringFixed(MinorUnits) }

func (m Money) currency() Currency {
	if m.Currency == "" {
		return CurrencyTND
	}
	return m.Currency
}

// MarshalJSON encodes money as a fixed two-decimal string ("190.00").
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts both "190.00" and 190.
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	*m = NewMoney(d)
	return nil
}

// SumMoney adds all amounts.
func SumMoney(amounts ...Money) Money {
	total := ZeroMoney()
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RentalID string
type BondID string
type PeriodID string
type PaymentID string
type NotificationID string
type DeviceID string
