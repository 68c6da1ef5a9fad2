package sqlite_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/medrent/billing-engine/billing"
	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/factory"
	"github.com/medrent/billing-engine/generic"
	"github.com/medrent/billing-engine/notify"
	"github.com/medrent/billing-engine/store/sqlite"
	"github.com/medrent/billing-engine/store/sqlstore"
)

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func d(s string) generic.TimePoint { return generic.MustParseDate(s) }

func money(s string) generic.Money { return generic.MustParseMoney(s) }

func newService(t *testing.T, s *sqlstore.Store, today string) *billing.Service {
	t.Helper()
	a := billing.NewAllocator(billing.SplitMonthly)
	a.Today = func() generic.TimePoint { return d(today) }
	seq := 0
	a.NewID = func() string {
		seq++
		return fmt.Sprintf("p-%03d", seq)
	}
	return billing.NewService(s, a, zaptest.NewLogger(t))
}

func approvedBond(id, number, start, end, rate string) cnam.Bond {
	return cnam.Bond{
		ID:          generic.BondID(id),
		BondNumber:  number,
		BondType:    cnam.BondConcentrateurOxygene,
		Category:    cnam.CategoryLocation,
		Amount:      money(rate),
		MonthlyRate: money(rate),
		Status:      cnam.StatusApprouve,
		StartDate:   d(start),
		EndDate:     d(end),
		PatientID:   "patient-1",
		CreatedAt:   time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC),
	}
}

func TestNew_SchemaIsIdempotent(t *testing.T) {
	s := newStore(t)
	_, err := s.DB().Exec(`SELECT COUNT(*) FROM rental_periods`)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
}

// =============================================================================
// BILLING FLOW
// =============================================================================

func TestSQLite_ServiceFlow(t *testing.T) {
	// GIVEN: A six month rental and an approved Feb-Apr bond
	ctx := context.Background()
	s := newStore(t)
	svc := newService(t, s, "2025-01-10")

	endDate := d("2025-06-30")
	r, _, err := svc.CreateRental(ctx, billing.Rental{
		ID:          "rental-1",
		PatientID:   "patient-1",
		DeviceID:    "device-1",
		StartDate:   d("2025-01-01"),
		EndDate:     &endDate,
		MonthlyRate: money("250"),
	})
	require.NoError(t, err)
	bond := approvedBond("bond-1", "BL-2025-0001", "2025-02-01", "2025-04-30", "190")
	require.NoError(t, s.InsertBond(ctx, bond))

	// WHEN: Linking the bond and paying February in two instalments
	periods, err := svc.AssignBond(ctx, r.ID, bond.ID, nil)
	require.NoError(t, err)
	require.Len(t, periods, 5)
	feb := periods[1]

	_, rec, err := svc.RecordPayment(ctx, billing.Payment{
		PeriodID: feb.ID, Amount: money("190"), PaymentDate: d("2025-02-05"), Method: billing.MethodCNAM,
	})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPending, rec.Status)

	_, rec, err = svc.RecordPayment(ctx, billing.Payment{
		PeriodID: feb.ID, Amount: money("60"), PaymentDate: d("2025-02-06"), Method: billing.MethodCash,
	})
	require.NoError(t, err)

	// THEN: Everything round-trips through SQLite
	assert.Equal(t, billing.StatusSettled, rec.Status)
	assert.Equal(t, "190.00", rec.CNAMPaid.String())
	assert.Equal(t, "60.00", rec.PatientPaid.String())

	got, stored, err := svc.GetRental(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ActiveBondID)
	assert.Equal(t, bond.ID, *got.ActiveBondID)
	require.NotNil(t, got.EndDate)
	assert.Equal(t, endDate, *got.EndDate)
	require.Len(t, stored, 5)
	require.NoError(t, billing.VerifyTiling(stored, generic.Period{Start: d("2025-01-01"), End: endDate}))

	assert.True(t, stored[0].IsGapPeriod)
	assert.Nil(t, stored[0].CNAMExpectedAmount)
	assert.Nil(t, stored[0].CNAMBondID)
	assert.Equal(t, billing.GapBeforeCoverage, stored[0].GapReason)

	assert.False(t, stored[1].IsGapPeriod)
	require.NotNil(t, stored[1].CNAMBondID)
	assert.Equal(t, bond.ID, *stored[1].CNAMBondID)
	assert.Equal(t, d("2025-02-01"), stored[1].StartDate)
	assert.Equal(t, d("2025-02-28"), stored[1].EndDate)
	assert.Equal(t, "250.00", stored[1].ExpectedAmount.String())
	assert.Equal(t, "190.00", stored[1].CNAMExpectedAmount.String())
	assert.Equal(t, "60.00", stored[1].PatientExpectedAmount.String())

	payments, err := s.ListPaymentsByPeriod(ctx, feb.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, billing.MethodCNAM, payments[0].Method)
	assert.Equal(t, d("2025-02-05"), payments[0].PaymentDate)
}

func TestSQLite_CloseRentalKeepsPaidPeriods(t *testing.T) {
	// GIVEN: A rental with January paid
	ctx := context.Background()
	s := newStore(t)
	svc := newService(t, s, "2025-01-10")
	endDate := d("2025-06-30")
	r, periods, err := svc.CreateRental(ctx, billing.Rental{
		ID: "rental-1", PatientID: "patient-1", DeviceID: "device-1",
		StartDate: d("2025-01-01"), EndDate: &endDate, MonthlyRate: money("250"),
	})
	require.NoError(t, err)
	require.Len(t, periods, 1)
	_, _, err = svc.RecordPayment(ctx, billing.Payment{
		PeriodID: periods[0].ID, Amount: money("100"), PaymentDate: d("2025-01-10"), Method: billing.MethodCash,
	})
	require.NoError(t, err)

	// WHEN: Closing the rental inside the paid period
	_, _, err = svc.CloseRental(ctx, r.ID, d("2025-03-20"))

	// THEN: The close is refused and the transaction rolled back
	assert.ErrorIs(t, err, generic.ErrInvalidWindow)
	got, stored, err := svc.GetRental(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, endDate, *got.EndDate)
	require.Len(t, stored, 1)
}

func TestSQLite_GapResolutionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(t, s, "2025-01-10")
	endDate := d("2025-03-31")
	_, periods, err := svc.CreateRental(ctx, billing.Rental{
		ID: "rental-1", CompanyID: "company-1", DeviceID: "device-1",
		StartDate: d("2025-01-01"), EndDate: &endDate, MonthlyRate: money("100"),
	})
	require.NoError(t, err)
	at := time.Date(2025, 1, 12, 14, 0, 0, 0, time.UTC)

	_, err = svc.ResolveGap(ctx, periods[0].ID, billing.GapResolution{ResolvedAt: at, ResolvedBy: "agent-7", Note: "bond pending at CNAM"})
	require.NoError(t, err)

	p, err := s.GetPeriod(ctx, periods[0].ID)
	require.NoError(t, err)
	require.NotNil(t, p.GapResolution)
	assert.True(t, at.Equal(p.GapResolution.ResolvedAt))
	assert.Equal(t, "agent-7", p.GapResolution.ResolvedBy)
	assert.Equal(t, "bond pending at CNAM", p.GapResolution.Note)
}

// =============================================================================
// CONSTRAINTS
// =============================================================================

func TestSQLite_RentalPartyCheck(t *testing.T) {
	err := newStore(t).SaveRental(context.Background(), billing.Rental{
		ID: "r1", PatientID: "p1", CompanyID: "c1", DeviceID: "dev", StartDate: d("2025-01-01"),
	})
	assert.Error(t, err)
}

func TestSQLite_DuplicateBondNumber(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertBond(ctx, approvedBond("b1", "BL-2025-0001", "2025-01-01", "2025-03-31", "190")))

	err := s.InsertBond(ctx, approvedBond("b2", "BL-2025-0001", "2025-01-01", "2025-03-31", "190"))

	assert.ErrorIs(t, err, generic.ErrDuplicateBondNumber)
	assert.Equal(t, "DuplicateBondNumber", generic.Code(err))
}

func TestSQLite_DuplicateBondIDIsNotANumberingRace(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.InsertBond(ctx, approvedBond("b1", "BL-2025-0001", "2025-01-01", "2025-03-31", "190")))

	err := s.InsertBond(ctx, approvedBond("b1", "BL-2025-0002", "2025-01-01", "2025-03-31", "190"))

	require.Error(t, err)
	assert.NotErrorIs(t, err, generic.ErrDuplicateBondNumber)
}

func TestSQLite_DeletePeriodsLockedByPayment(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.SaveRental(ctx, billing.Rental{ID: "r1", PatientID: "p1", DeviceID: "dev", StartDate: d("2025-01-01")}))
	require.NoError(t, s.SavePeriod(ctx, billing.RentalPeriod{ID: "p1", RentalID: "r1", StartDate: d("2025-01-01"), EndDate: d("2025-01-31")}))
	require.NoError(t, s.SavePeriod(ctx, billing.RentalPeriod{ID: "p2", RentalID: "r1", StartDate: d("2025-02-01"), EndDate: d("2025-02-28")}))
	require.NoError(t, s.SavePayment(ctx, billing.Payment{ID: "pay1", RentalID: "r1", PeriodID: "p1", Amount: money("10"), PaymentDate: d("2025-01-05")}))

	err := s.DeletePeriods(ctx, []generic.PeriodID{"p1", "p2"})
	assert.ErrorIs(t, err, generic.ErrPeriodLocked)

	require.NoError(t, s.DeletePeriods(ctx, []generic.PeriodID{"p2"}))
	periods, err := s.ListPeriods(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, generic.PeriodID("p1"), periods[0].ID)
}

func TestSQLite_PaymentRequiresPeriod(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.SaveRental(ctx, billing.Rental{ID: "r1", PatientID: "p1", DeviceID: "dev", StartDate: d("2025-01-01")}))

	err := s.SavePayment(ctx, billing.Payment{ID: "pay1", RentalID: "r1", PeriodID: "missing", Amount: money("10")})

	assert.Error(t, err, "foreign key")
}

func TestSQLite_MissingRecords(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.GetRental(ctx, "nope")
	assert.ErrorIs(t, err, generic.ErrNotFound)
	_, err = s.GetBond(ctx, "nope")
	assert.ErrorIs(t, err, generic.ErrNotFound)
	_, err = s.GetPeriod(ctx, "nope")
	assert.ErrorIs(t, err, generic.ErrNotFound)
	_, err = s.GetTariff(ctx, cnam.BondVNI)
	assert.ErrorIs(t, err, generic.ErrNotFound)
	assert.ErrorIs(t, s.UpdateBondStatus(ctx, "nope", cnam.StatusExpired), generic.ErrNotFound)
}

// =============================================================================
// NUMBERING & CATALOG
// =============================================================================

func TestSQLite_LatestBondNumber(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for i, number := range []string{"BL-2025-9999", "BL-2025-10000", "BL-2024-20000"} {
		require.NoError(t, s.InsertBond(ctx, approvedBond(fmt.Sprintf("b%d", i), number, "2025-01-01", "2025-03-31", "190")))
	}

	latest, err := s.LatestBondNumber(ctx, "BL-2025-", nil)
	require.NoError(t, err)
	assert.Equal(t, "BL-2025-10000", latest)

	achat := cnam.CategoryAchat
	latest, err = s.LatestBondNumber(ctx, "BL-2025-", &achat)
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestSQLite_IssueBondSequence(t *testing.T) {
	// GIVEN: The default nomenclature seeded into SQLite
	ctx := context.Background()
	s := newStore(t)
	catalog := cnam.NewCatalog(s)
	tariffs, err := factory.DefaultNomenclature()
	require.NoError(t, err)
	_, err = factory.Seed(ctx, catalog, tariffs)
	require.NoError(t, err)

	numbering := cnam.NewNumbering(s, catalog, zaptest.NewLogger(t))
	numbering.Now = func() time.Time { return time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC) }

	// WHEN: Issuing two bonds
	var numbers []string
	for i := 0; i < 2; i++ {
		b, err := numbering.IssueBond(ctx, cnam.IssueRequest{
			BondType:  cnam.BondConcentrateurOxygene,
			PatientID: "patient-1",
			StartDate: d("2025-05-01"),
			EndDate:   d("2025-07-31"),
		})
		require.NoError(t, err)
		numbers = append(numbers, b.BondNumber)
	}

	// THEN: Numbers follow each other and carry the tariff
	assert.Equal(t, []string{"BL-2025-0001", "BL-2025-0002"}, numbers)
	next, err := numbering.NextBondNumber(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "BL-2025-0003", next)

	tariff, err := s.GetTariff(ctx, cnam.BondConcentrateurOxygene)
	require.NoError(t, err)
	assert.Equal(t, "190.00", tariff.MonthlyRate.String())
	assert.True(t, tariff.IsActive)
}

// =============================================================================
// NOTIFICATIONS & DIAGNOSTICS
// =============================================================================

func openNotification(id, entity string, typ notify.Type) notify.Notification {
	return notify.Notification{
		ID:         generic.NotificationID(id),
		Type:       typ,
		Title:      "Rental ending",
		Message:    "Rental rental-1 ends on 2025-02-10",
		DueDate:    d("2025-02-10"),
		Status:     notify.StatusOpen,
		EntityID:   entity,
		EntityKind: notify.EntityRental,
		Metadata:   map[string]string{"rentalId": entity},
		CreatedAt:  time.Date(2025, 1, 20, 6, 0, 0, 0, time.UTC),
	}
}

func TestSQLite_OneOpenNotificationPerEntity(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateNotification(ctx, openNotification("n1", "rental-1", notify.TypeExpiration)))

	// A second open notification of the same type is refused by the index
	err := s.CreateNotification(ctx, openNotification("n2", "rental-1", notify.TypeExpiration))
	assert.ErrorIs(t, err, generic.ErrNotificationExists)

	// Another type for the same entity is fine
	require.NoError(t, s.CreateNotification(ctx, openNotification("n3", "rental-1", notify.TypeOverdue)))

	// A reused id is a plain storage error, not an existing notification
	err = s.CreateNotification(ctx, openNotification("n1", "rental-2", notify.TypeExpiration))
	require.Error(t, err)
	assert.NotErrorIs(t, err, generic.ErrNotificationExists)

	exists, err := s.ExistsOpenNotification(ctx, "rental-1", notify.TypeExpiration)
	require.NoError(t, err)
	assert.True(t, exists)

	// Resolving frees the slot
	n, err := s.ResolveOpenNotifications(ctx, "rental-1", notify.TypeExpiration)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.CreateNotification(ctx, openNotification("n4", "rental-1", notify.TypeExpiration)))

	all, err := s.ListNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, map[string]string{"rentalId": "rental-1"}, all[0].Metadata)
	assert.Equal(t, d("2025-02-10"), all[0].DueDate)
}

func TestSQLite_ReleaseDiagnostic(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.SaveDevice(ctx, "device-1", notify.DeviceReserved))
	require.NoError(t, s.SaveDiagnostic(ctx, notify.Diagnostic{ID: "diag-1", DeviceID: "device-1", TechnicianID: "tech-1", FollowUpDate: d("2025-01-14")}))
	require.NoError(t, s.SaveDiagnostic(ctx, notify.Diagnostic{ID: "diag-2", DeviceID: "device-2", FollowUpDate: d("2025-01-15")}))

	due, err := s.ListDueDiagnostics(ctx, d("2025-01-15"))
	require.NoError(t, err)
	require.Len(t, due, 1, "follow-up date must be strictly past")
	assert.Equal(t, "tech-1", due[0].TechnicianID)

	require.NoError(t, s.ReleaseDiagnostic(ctx, "diag-1", time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)))

	status, err := s.DeviceStatus(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, notify.DeviceActive, status)
	due, err = s.ListDueDiagnostics(ctx, d("2025-01-15"))
	require.NoError(t, err)
	assert.Empty(t, due)

	assert.ErrorIs(t, s.ReleaseDiagnostic(ctx, "missing", time.Now()), generic.ErrNotFound)
}

func TestSQLite_SweepEndToEnd(t *testing.T) {
	// GIVEN: A rental ending within the window, with an unpaid past period
	ctx := context.Background()
	s := newStore(t)
	svc := newService(t, s, "2025-02-15")
	endDate := d("2025-03-10")
	_, periods, err := svc.CreateRental(ctx, billing.Rental{
		ID: "rental-1", PatientID: "patient-1", DeviceID: "device-1",
		StartDate: d("2025-01-01"), EndDate: &endDate, MonthlyRate: money("250"),
	})
	require.NoError(t, err)
	require.Len(t, periods, 1)
	_, err = svc.ResolveGap(ctx, periods[0].ID, billing.GapResolution{ResolvedAt: time.Now(), ResolvedBy: "agent"})
	require.NoError(t, err)

	sweeper := notify.NewSweeper(s, s, zaptest.NewLogger(t))
	sweeper.Today = func() generic.TimePoint { return d("2025-02-15") }

	// WHEN: Sweeping twice
	first, err := sweeper.Run(ctx)
	require.NoError(t, err)
	second, err := sweeper.Run(ctx)
	require.NoError(t, err)

	// THEN: The expiration is raised once
	assert.Equal(t, 1, first.ExpiringRentals)
	assert.Equal(t, 1, first.Created)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 1, second.Skipped)

	all, err := s.ListNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, notify.TypeExpiration, all[0].Type)
	assert.Equal(t, "rental-1", all[0].EntityID)
}
