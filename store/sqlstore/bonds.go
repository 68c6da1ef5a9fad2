package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/generic"
)

// =============================================================================
// BONDS
// =============================================================================

const bondColumns = `id, bond_number, bond_type, category, amount, monthly_rate, status,
	start_date, end_date, patient_id, rental_id, created_at`

// InsertBond stores a new bond. The UNIQUE constraint on bond_number turns a
// lost numbering race into generic.ErrDuplicateBondNumber.
func (s *Store) InsertBond(ctx context.Context, b cnam.Bond) error {
	var rentalID any
	if b.RentalID != nil {
		rentalID = string(*b.RentalID)
	}
	_, err := s.exec(ctx, `
		INSERT INTO bonds (`+bondColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(b.ID),
		b.BondNumber,
		string(b.BondType),
		string(b.Category),
		moneyArg(b.Amount),
		moneyArg(b.MonthlyRate),
		string(b.Status),
		dateArg(b.StartDate),
		dateArg(b.EndDate),
		b.PatientID,
		rentalID,
		timeArg(b.CreatedAt),
	)
	if constraint, ok := s.dialect.uniqueViolation(err); ok && strings.Contains(constraint, "bond_number") {
		return &generic.DuplicateBondNumberError{BondNumber: b.BondNumber}
	}
	if err != nil {
		return fmt.Errorf("failed to insert bond: %w", err)
	}
	return nil
}

func (s *Store) GetBond(ctx context.Context, id generic.BondID) (cnam.Bond, error) {
	b, err := scanBond(s.queryRow(ctx, `SELECT `+bondColumns+` FROM bonds WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return cnam.Bond{}, generic.ErrNotFound
	}
	return b, err
}

func (s *Store) UpdateBondStatus(ctx context.Context, id generic.BondID, status cnam.BondStatus) error {
	res, err := s.exec(ctx, `UPDATE bonds SET status = ? WHERE id = ?`, string(status), string(id))
	if err != nil {
		return fmt.Errorf("failed to update bond status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return generic.ErrNotFound
	}
	return nil
}

// LatestBondNumber orders by length first so that BL-2025-10000 sorts after
// BL-2025-9999.
func (s *Store) LatestBondNumber(ctx context.Context, prefix string, category *cnam.Category) (string, error) {
	query := `SELECT bond_number FROM bonds WHERE SUBSTR(bond_number, 1, ?) = ?`
	args := []any{len(prefix), prefix}
	if category != nil {
		query += ` AND category = ?`
		args = append(args, string(*category))
	}
	query += ` ORDER BY LENGTH(bond_number) DESC, bond_number DESC LIMIT 1`

	var latest string
	err := s.queryRow(ctx, query, args...).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read latest bond number: %w", err)
	}
	return latest, nil
}

// ListBondsEndingBetween returns bonds whose end date is in [from, to].
func (s *Store) ListBondsEndingBetween(ctx context.Context, from, to generic.TimePoint) ([]cnam.Bond, error) {
	rows, err := s.query(ctx, `
		SELECT `+bondColumns+` FROM bonds
		WHERE end_date >= ? AND end_date <= ?
		ORDER BY bond_number`, dateArg(from), dateArg(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list bonds: %w", err)
	}
	defer rows.Close()

	var out []cnam.Bond
	for rows.Next() {
		b, err := scanBond(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBond(row rowScanner) (cnam.Bond, error) {
	var (
		b                              cnam.Bond
		id, bondType, category, status string
		amount, rate                   moneyCol
		start, end                     dateCol
		rentalID                       sql.NullString
		createdAt                      timeCol
	)
	if err := row.Scan(&id, &b.BondNumber, &bondType, &category, &amount, &rate, &status,
		&start, &end, &b.PatientID, &rentalID, &createdAt); err != nil {
		return cnam.Bond{}, err
	}
	b.ID = generic.BondID(id)
	b.BondType = cnam.BondType(bondType)
	b.Category = cnam.Category(category)
	b.Amount = amount.Value
	b.MonthlyRate = rate.Value
	b.Status = cnam.BondStatus(status)
	b.StartDate = start.Value
	b.EndDate = end.Value
	if rentalID.Valid {
		r := generic.RentalID(rentalID.String)
		b.RentalID = &r
	}
	b.CreatedAt = createdAt.Value
	return b, nil
}

// =============================================================================
// TARIFFS
// =============================================================================

func (s *Store) UpsertTariff(ctx context.Context, t cnam.Tariff) error {
	_, err := s.exec(ctx, `
		INSERT INTO tariffs (bond_type, category, amount, monthly_rate, description, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (bond_type) DO UPDATE SET
			category = excluded.category,
			amount = excluded.amount,
			monthly_rate = excluded.monthly_rate,
			description = excluded.description,
			is_active = excluded.is_active`,
		string(t.BondType), string(t.Category), moneyArg(t.Amount), moneyArg(t.MonthlyRate),
		t.Description, t.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tariff: %w", err)
	}
	return nil
}

func (s *Store) GetTariff(ctx context.Context, bondType cnam.BondType) (cnam.Tariff, error) {
	t, err := scanTariff(s.queryRow(ctx, `
		SELECT bond_type, category, amount, monthly_rate, description, is_active
		FROM tariffs WHERE bond_type = ?`, string(bondType)))
	if errors.Is(err, sql.ErrNoRows) {
		return cnam.Tariff{}, generic.ErrNotFound
	}
	return t, err
}

func (s *Store) ListTariffs(ctx context.Context) ([]cnam.Tariff, error) {
	rows, err := s.query(ctx, `
		SELECT bond_type, category, amount, monthly_rate, description, is_active
		FROM tariffs ORDER BY bond_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tariffs: %w", err)
	}
	defer rows.Close()

	var out []cnam.Tariff
	for rows.Next() {
		t, err := scanTariff(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTariff(row rowScanner) (cnam.Tariff, error) {
	var (
		t                  cnam.Tariff
		bondType, category string
		amount, rate       moneyCol
	)
	if err := row.Scan(&bondType, &category, &amount, &rate, &t.Description, &t.IsActive); err != nil {
		return cnam.Tariff{}, err
	}
	t.BondType = cnam.BondType(bondType)
	t.Category = cnam.Category(category)
	t.Amount = amount.Value
	t.MonthlyRate = rate.Value
	return t, nil
}
