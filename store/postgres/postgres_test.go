package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrent/billing-engine/billing"
	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/generic"
	"github.com/medrent/billing-engine/notify"
	"github.com/medrent/billing-engine/store/postgres"
	"github.com/medrent/billing-engine/store/sqlstore"
)

func newMock(t *testing.T) (*sqlstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return postgres.New(db), mock
}

func d(s string) generic.TimePoint { return generic.MustParseDate(s) }

func bond(id, number string) cnam.Bond {
	return cnam.Bond{
		ID:          generic.BondID(id),
		BondNumber:  number,
		BondType:    cnam.BondVNI,
		Category:    cnam.CategoryLocation,
		Amount:      generic.MustParseMoney("430"),
		MonthlyRate: generic.MustParseMoney("430"),
		Status:      cnam.StatusPending,
		StartDate:   d("2025-01-01"),
		EndDate:     d("2025-03-31"),
		PatientID:   "patient-1",
		CreatedAt:   time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC),
	}
}

var rentalCols = []string{"id", "patient_id", "company_id", "device_id", "start_date", "end_date", "monthly_rate", "status", "active_bond_id"}

// =============================================================================
// UNIQUE VIOLATIONS
// =============================================================================

func TestInsertBond_UniqueViolation(t *testing.T) {
	tests := []struct {
		name       string
		constraint string
		wantDup    bool
	}{
		{"bond number taken", "bonds_bond_number_key", true},
		{"id taken", "bonds_pkey", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: PostgreSQL rejects the insert with SQLSTATE 23505
			s, mock := newMock(t)
			mock.ExpectExec(`INSERT INTO bonds`).
				WithArgs("b2", "BL-2025-0001", "VNI", "LOCATION", "430.00", "430.00", "PENDING",
					"2025-01-01", "2025-03-31", "patient-1", nil, sqlmock.AnyArg()).
				WillReturnError(&pq.Error{Code: postgres.UniqueViolationCode, Constraint: tt.constraint})

			// WHEN: Inserting
			err := s.InsertBond(context.Background(), bond("b2", "BL-2025-0001"))

			// THEN: Only the bond_number constraint is a numbering race
			require.Error(t, err)
			assert.Equal(t, tt.wantDup, errors.Is(err, generic.ErrDuplicateBondNumber))
		})
	}
}

func TestCreateNotification_OpenIndexViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO notifications`).
		WillReturnError(&pq.Error{Code: postgres.UniqueViolationCode, Constraint: "idx_notifications_open"})

	err := s.CreateNotification(context.Background(), notify.Notification{
		ID: "n1", Type: notify.TypeRenewal, EntityID: "bond-1", Status: notify.StatusOpen,
	})

	assert.ErrorIs(t, err, generic.ErrNotificationExists)
}

func TestCreateNotification_PrimaryKeyViolationIsNotAGuardHit(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO notifications`).
		WillReturnError(&pq.Error{Code: postgres.UniqueViolationCode, Constraint: "notifications_pkey"})

	err := s.CreateNotification(context.Background(), notify.Notification{
		ID: "n1", Type: notify.TypeRenewal, EntityID: "bond-1", Status: notify.StatusOpen,
	})

	require.Error(t, err)
	assert.NotErrorIs(t, err, generic.ErrNotificationExists)
	assert.False(t, generic.IsConflict(err))
}

func TestOtherErrorsAreWrapped(t *testing.T) {
	s, mock := newMock(t)
	boom := &pq.Error{Code: "57014", Message: "canceling statement due to statement timeout"}
	mock.ExpectExec(`UPDATE bonds SET status = \$1 WHERE id = \$2`).
		WithArgs("EXPIRED", "b1").
		WillReturnError(boom)

	err := s.UpdateBondStatus(context.Background(), "b1", cnam.StatusExpired)

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, generic.Code(err))
}

// =============================================================================
// TRANSACTIONS & LOCKING
// =============================================================================

func TestWithTx_LocksRentalRow(t *testing.T) {
	// GIVEN: A transaction that reads the rental before rewriting it
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM rentals WHERE id = \$1 FOR UPDATE`).
		WithArgs("rental-1").
		WillReturnRows(sqlmock.NewRows(rentalCols).AddRow(
			"rental-1", "patient-1", nil, "device-1",
			time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), nil, []byte("250.00"), "ACTIVE", nil))
	mock.ExpectExec(`INSERT INTO rentals (.+) ON CONFLICT \(id\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// WHEN: Running it
	var got billing.Rental
	err := s.WithTx(context.Background(), func(tx billing.Store) error {
		r, err := tx.GetRental(context.Background(), "rental-1")
		if err != nil {
			return err
		}
		got = r
		r.Status = billing.RentalCompleted
		return tx.SaveRental(context.Background(), r)
	})

	// THEN: The row is locked and the native column types decode
	require.NoError(t, err)
	assert.Equal(t, d("2025-01-01"), got.StartDate)
	assert.Nil(t, got.EndDate)
	assert.Equal(t, "250.00", got.MonthlyRate.String())
	assert.Empty(t, got.CompanyID)
}

func TestGetRental_NoLockOutsideTransaction(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SELECT (.+) FROM rentals WHERE id = \$1$`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetRental(context.Background(), "missing")

	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO rental_periods`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx billing.Store) error {
		if err := tx.SavePeriod(context.Background(), billing.RentalPeriod{ID: "p1", RentalID: "r1"}); err != nil {
			return err
		}
		return generic.ErrPeriodTiling
	})

	assert.ErrorIs(t, err, generic.ErrPeriodTiling)
}

func TestDeletePeriods_LockedByPayment(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM payments WHERE period_id IN \(\$1, \$2\)`).
		WithArgs("p1", "p2").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := s.DeletePeriods(context.Background(), []generic.PeriodID{"p1", "p2"})

	assert.ErrorIs(t, err, generic.ErrPeriodLocked)
}

func TestDeletePeriods_Unpaid(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM payments`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`DELETE FROM rental_periods WHERE id IN \(\$1\)`).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.DeletePeriods(context.Background(), []generic.PeriodID{"p1"}))
}

// =============================================================================
// READS
// =============================================================================

func TestLatestBondNumber_CategoryFilter(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SUBSTR\(bond_number, 1, \$1\) = \$2 AND category = \$3 ORDER BY LENGTH\(bond_number\) DESC`).
		WithArgs(8, "BL-2025-", "LOCATION").
		WillReturnRows(sqlmock.NewRows([]string{"bond_number"}).AddRow("BL-2025-0042"))

	category := cnam.CategoryLocation
	latest, err := s.LatestBondNumber(context.Background(), "BL-2025-", &category)

	require.NoError(t, err)
	assert.Equal(t, "BL-2025-0042", latest)
}

func TestListPeriods_DecodesNativeColumns(t *testing.T) {
	s, mock := newMock(t)
	resolvedAt := time.Date(2025, 1, 12, 14, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM rental_periods\s+WHERE rental_id = \$1\s+ORDER BY start_date`).
		WithArgs("rental-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "rental_id", "start_date", "end_date", "expected_amount", "cnam_expected_amount",
			"patient_expected_amount", "is_gap_period", "gap_reason", "cnam_bond_id",
			"gap_resolved_at", "gap_resolved_by", "gap_resolution_note",
		}).
			AddRow("p1", "rental-1", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
				[]byte("250.00"), nil, []byte("250.00"), true, "before bond coverage", nil,
				resolvedAt, "agent-7", "waiting for CNAM").
			AddRow("p2", "rental-1", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
				[]byte("250.00"), []byte("190.00"), []byte("60.00"), false, nil, "bond-1",
				nil, nil, nil))

	periods, err := s.ListPeriods(context.Background(), "rental-1")

	require.NoError(t, err)
	require.Len(t, periods, 2)
	gap, covered := periods[0], periods[1]
	assert.True(t, gap.IsGapPeriod)
	assert.Nil(t, gap.CNAMExpectedAmount)
	require.NotNil(t, gap.GapResolution)
	assert.Equal(t, "agent-7", gap.GapResolution.ResolvedBy)
	assert.True(t, resolvedAt.Equal(gap.GapResolution.ResolvedAt))

	assert.Equal(t, d("2025-02-28"), covered.EndDate)
	require.NotNil(t, covered.CNAMBondID)
	assert.Equal(t, generic.BondID("bond-1"), *covered.CNAMBondID)
	assert.Equal(t, "60.00", covered.PatientExpectedAmount.String())
	assert.Nil(t, covered.GapResolution)
	require.NoError(t, covered.CheckAmounts())
}

func TestMigrations_Embedded(t *testing.T) {
	names, err := fs.Glob(postgres.Migrations(), "migrations/*.sql")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"migrations/0001_init.up.sql",
		"migrations/0001_init.down.sql",
	}, names)
}
