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
// RENTAL PERIODS
// =============================================================================

const periodColumns = `id, rental_id, start_date, end_date, expected_amount,
	cnam_expected_amount, patient_expected_amount, is_gap_period, gap_reason, cnam_bond_id,
	gap_resolved_at, gap_resolved_by, gap_resolution_note`

func (s *Store) SavePeriod(ctx context.Context, p billing.RentalPeriod) error {
	var (
		bondID                 any
		resolvedAt             any
		resolvedBy, resolution sql.NullString
	)
	if p.CNAMBondID != nil {
		bondID = string(*p.CNAMBondID)
	}
	if r := p.GapResolution; r != nil {
		resolvedAt = timeArg(r.ResolvedAt)
		resolvedBy = sql.NullString{String: r.ResolvedBy, Valid: true}
		resolution = sql.NullString{String: r.Note, Valid: true}
	}

	_, err := s.exec(ctx, `
		INSERT INTO rental_periods (`+periodColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			expected_amount = excluded.expected_amount,
			cnam_expected_amount = excluded.cnam_expected_amount,
			patient_expected_amount = excluded.patient_expected_amount,
			is_gap_period = excluded.is_gap_period,
			gap_reason = excluded.gap_reason,
			cnam_bond_id = excluded.cnam_bond_id,
			gap_resolved_at = excluded.gap_resolved_at,
			gap_resolved_by = excluded.gap_resolved_by,
			gap_resolution_note = excluded.gap_resolution_note`,
		string(p.ID),
		string(p.RentalID),
		dateArg(p.StartDate),
		dateArg(p.EndDate),
		moneyArg(p.ExpectedAmount),
		nullMoneyArg(p.CNAMExpectedAmount),
		nullMoneyArg(p.PatientExpectedAmount),
		p.IsGapPeriod,
		nullString(p.GapReason),
		bondID,
		resolvedAt,
		resolvedBy,
		resolution,
	)
	if err != nil {
		return fmt.Errorf("failed to save period: %w", err)
	}
	return nil
}

func (s *Store) GetPeriod(ctx context.Context, id generic.PeriodID) (billing.RentalPeriod, error) {
	p, err := scanPeriod(s.queryRow(ctx, `SELECT `+periodColumns+` FROM rental_periods WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return billing.RentalPeriod{}, generic.ErrNotFound
	}
	return p, err
}

// ListPeriods returns the rental's periods ordered by start date.
func (s *Store) ListPeriods(ctx context.Context, rentalID generic.RentalID) ([]billing.RentalPeriod, error) {
	rows, err := s.query(ctx, `
		SELECT `+periodColumns+` FROM rental_periods
		WHERE rental_id = ?
		ORDER BY start_date ASC`, string(rentalID))
	if err != nil {
		return nil, fmt.Errorf("failed to list periods: %w", err)
	}
	defer rows.Close()

	var out []billing.RentalPeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePeriods removes periods that no payment references. A referenced
// period fails the whole call with generic.ErrPeriodLocked.
func (s *Store) DeletePeriods(ctx context.Context, ids []generic.PeriodID) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}

	var locked int
	if err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM payments WHERE period_id IN (`+inList(len(ids))+`)`, args...,
	).Scan(&locked); err != nil {
		return fmt.Errorf("failed to check period payments: %w", err)
	}
	if locked > 0 {
		return fmt.Errorf("%w: %d payment(s) reference the periods", generic.ErrPeriodLocked, locked)
	}

	if _, err := s.exec(ctx, `DELETE FROM rental_periods WHERE id IN (`+inList(len(ids))+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete periods: %w", err)
	}
	return nil
}

func scanPeriod(row rowScanner) (billing.RentalPeriod, error) {
	var (
		p                                   billing.RentalPeriod
		id, rentalID                        string
		start, end                          dateCol
		expected, cnamShare, patientShare   moneyCol
		gapReason, bondID, resolvedBy, note sql.NullString
		resolvedAt                          timeCol
	)
	if err := row.Scan(&id, &rentalID, &start, &end, &expected, &cnamShare, &patientShare,
		&p.IsGapPeriod, &gapReason, &bondID, &resolvedAt, &resolvedBy, &note); err != nil {
		return billing.RentalPeriod{}, err
	}
	p.ID = generic.PeriodID(id)
	p.RentalID = generic.RentalID(rentalID)
	p.StartDate = start.Value
	p.EndDate = end.Value
	p.ExpectedAmount = expected.Value
	p.CNAMExpectedAmount = cnamShare.ptr()
	p.PatientExpectedAmount = patientShare.ptr()
	p.GapReason = gapReason.String
	if bondID.Valid {
		b := generic.BondID(bondID.String)
		p.CNAMBondID = &b
	}
	if resolvedAt.Valid {
		p.GapResolution = &billing.GapResolution{
			ResolvedAt: resolvedAt.Value,
			ResolvedBy: resolvedBy.String,
			Note:       note.String,
		}
	}
	return p, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, rental_id, period_id, amount, payment_date,
	period_start_date, period_end_date, method, status`

func (s *Store) SavePayment(ctx context.Context, p billing.Payment) error {
	_, err := s.exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			amount = excluded.amount,
			payment_date = excluded.payment_date,
			period_start_date = excluded.period_start_date,
			period_end_date = excluded.period_end_date,
			method = excluded.method,
			status = excluded.status`,
		string(p.ID),
		string(p.RentalID),
		string(p.PeriodID),
		moneyArg(p.Amount),
		dateArg(p.PaymentDate),
		nullDateArg(p.PeriodStartDate),
		nullDateArg(p.PeriodEndDate),
		string(p.Method),
		string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (s *Store) ListPayments(ctx context.Context, rentalID generic.RentalID) ([]billing.Payment, error) {
	return s.listPayments(ctx, `WHERE rental_id = ?`, string(rentalID))
}

func (s *Store) ListPaymentsByPeriod(ctx context.Context, periodID generic.PeriodID) ([]billing.Payment, error) {
	return s.listPayments(ctx, `WHERE period_id = ?`, string(periodID))
}

func (s *Store) listPayments(ctx context.Context, where string, args ...any) ([]billing.Payment, error) {
	rows, err := s.query(ctx, `SELECT `+paymentColumns+` FROM payments `+where+
		` ORDER BY payment_date ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []billing.Payment
	for rows.Next() {
		var (
			p                          billing.Payment
			id, rentalID, periodID     string
			method, status             string
			amount                     moneyCol
			paidOn, coverFrom, coverTo dateCol
		)
		if err := rows.Scan(&id, &rentalID, &periodID, &amount, &paidOn, &coverFrom, &coverTo, &method, &status); err != nil {
			return nil, err
		}
		p.ID = generic.PaymentID(id)
		p.RentalID = generic.RentalID(rentalID)
		p.PeriodID = generic.PeriodID(periodID)
		p.Amount = amount.Value
		p.PaymentDate = paidOn.Value
		p.PeriodStartDate = coverFrom.ptr()
		p.PeriodEndDate = coverTo.ptr()
		p.Method = billing.PaymentMethod(method)
		p.Status = billing.PaymentStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}
