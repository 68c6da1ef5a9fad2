package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medrent/billing-engine/generic"
)

// =============================================================================
// WRITE ENCODING
// =============================================================================

func dateArg(t generic.TimePoint) string { return t.String() }

func nullDateArg(t *generic.TimePoint) any {
	if t == nil {
		return nil
	}
	return t.String()
}

func moneyArg(m generic.Money) string { return m.Value.StringFixed(generic.MinorUnits) }

func nullMoneyArg(m *generic.Money) any {
	if m == nil {
		return nil
	}
	return moneyArg(*m)
}

func timeArg(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeArg(*t)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// =============================================================================
// SCANNERS
// =============================================================================

// dateCol scans a DATE (time.Time) or a YYYY-MM-DD text column.
type dateCol struct {
	Value generic.TimePoint
	Valid bool
}

func (c *dateCol) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		c.Valid = false
		return nil
	case time.Time:
		c.Value, c.Valid = generic.DateOf(v), true
		return nil
	case []byte:
		return c.parse(string(v))
	case string:
		return c.parse(v)
	default:
		return fmt.Errorf("sqlstore: cannot scan %T into a date", src)
	}
}

func (c *dateCol) parse(s string) error {
	if len(s) > 10 {
		s = s[:10]
	}
	tp, err := generic.ParseDate(s)
	if err != nil {
		return fmt.Errorf("sqlstore: %w", err)
	}
	c.Value, c.Valid = tp, true
	return nil
}

func (c dateCol) ptr() *generic.TimePoint {
	if !c.Valid {
		return nil
	}
	v := c.Value
	return &v
}

// moneyCol scans NUMERIC, REAL or decimal text.
type moneyCol struct {
	Value generic.Money
	Valid bool
}

func (c *moneyCol) Scan(src any) error {
	var (
		d   decimal.Decimal
		err error
	)
	switch v := src.(type) {
	case nil:
		c.Valid = false
		return nil
	case []byte:
		d, err = decimal.NewFromString(string(v))
	case string:
		d, err = decimal.NewFromString(v)
	case float64:
		d = decimal.NewFromFloat(v)
	case int64:
		d = decimal.NewFromInt(v)
	default:
		return fmt.Errorf("sqlstore: cannot scan %T into money", src)
	}
	if err != nil {
		return fmt.Errorf("sqlstore: %w", err)
	}
	c.Value, c.Valid = generic.NewMoney(d), true
	return nil
}

func (c moneyCol) ptr() *generic.Money {
	if !c.Valid {
		return nil
	}
	v := c.Value
	return &v
}

// timeCol scans TIMESTAMPTZ (time.Time) or RFC3339 text.
type timeCol struct {
	Value time.Time
	Valid bool
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func (c *timeCol) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		c.Valid = false
		return nil
	case time.Time:
		c.Value, c.Valid = v.UTC(), true
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("sqlstore: cannot scan %T into a timestamp", src)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			c.Value, c.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("sqlstore: unrecognized timestamp %q", s)
}

func (c timeCol) ptr() *time.Time {
	if !c.Valid {
		return nil
	}
	v := c.Value
	return &v
}
