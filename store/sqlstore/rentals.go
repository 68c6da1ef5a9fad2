package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/medrent/billing-engine/billing"
	"github.com/medrent/billing-engine/generic"
)

// =============================================================================
// RENTALS
// =============================================================================

const rentalColumns = `id, patient_id, company_id, device_id, start_date, end_date, monthly_rate, status, active_bond_id`

// SaveRental inserts or replaces a rental.
func (s *Store) SaveRental(ctx context.Context, r billing.Rental) error {
	var activeBond any
	if r.ActiveBondID != nil {
		activeBond = string(*r.ActiveBondID)
	}
	_, err := s.exec(ctx, `
		INSERT INTO rentals (`+rentalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			patient_id = excluded.patient_id,
			company_id = excluded.company_id,
			device_id = excluded.device_id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			monthly_rate = excluded.monthly_rate,
			status = excluded.status,
			active_bond_id = excluded.active_bond_id`,
		string(r.ID),
		nullString(r.PatientID),
		nullString(r.CompanyID),
		string(r.DeviceID),
		dateArg(r.StartDate),
		nullDateArg(r.EndDate),
		moneyArg(r.MonthlyRate),
		string(r.Status),
		activeBond,
	)
	if err != nil {
		return fmt.Errorf("failed to save rental: %w", err)
	}
	return nil
}

// GetRental loads one rental. Inside a transaction on PostgreSQL the row is
// locked until commit, so concurrent recomputes of the same rental queue up.
func (s *Store) GetRental(ctx context.Context, id generic.RentalID) (billing.Rental, error) {
	row := s.queryRow(ctx, s.forUpdate(`SELECT `+rentalColumns+` FROM rentals WHERE id = ?`), string(id))
	r, err := scanRental(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Rental{}, generic.ErrNotFound
	}
	return r, err
}

func (s *Store) ListActiveRentals(ctx context.Context) ([]billing.Rental, error) {
	rows, err := s.query(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE status = ? ORDER BY id`,
		string(billing.RentalActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list rentals: %w", err)
	}
	defer rows.Close()

	var out []billing.Rental
	for rows.Next() {
		r, err := scanRental(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRental(row rowScanner) (billing.Rental, error) {
	var (
		r                            billing.Rental
		id, deviceID, status         string
		patientID, companyID, bondID sql.NullString
		start, end                   dateCol
		rate                         moneyCol
	)
	if err := row.Scan(&id, &patientID, &companyID, &deviceID, &start, &end, &rate, &status, &bondID); err != nil {
		return billing.Rental{}, err
	}
	r.ID = generic.RentalID(id)
	r.PatientID = patientID.String
	r.CompanyID = companyID.String
	r.DeviceID = generic.DeviceID(deviceID)
	r.StartDate = start.Value
	r.EndDate = end.ptr()
	r.MonthlyRate = rate.Value
	r.Status = billing.RentalStatus(status)
	if bondID.Valid {
		b := generic.BondID(bondID.String)
		r.ActiveBondID = &b
	}
	return r, nil
}
