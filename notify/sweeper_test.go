package notify_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/medrent/billing-engine/billing"
	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/generic"
	"github.com/medrent/billing-engine/notify"
	"github.com/medrent/billing-engine/store/memory"
)

// =============================================================================
// FIXTURE
// =============================================================================

func d(s string) generic.TimePoint { return generic.MustParseDate(s) }

type sweepFixture struct {
	ctx     context.Context
	store   *memory.Store
	sweeper *notify.Sweeper
}

func newSweepFixture(t *testing.T, today string) *sweepFixture {
	t.Helper()
	f := &sweepFixture{ctx: context.Background(), store: memory.New()}
	f.sweeper = newSweeper(t, f.store, f.store, today)
	return f
}

func newSweeper(t *testing.T, notifications notify.NotificationStore, source notify.Source, today string) *notify.Sweeper {
	s := notify.NewSweeper(notifications, source, zaptest.NewLogger(t))
	s.Today = func() generic.TimePoint { return d(today) }
	s.Now = func() time.Time { return d(today).Time }
	seq := 0
	s.NewID = func() string {
		seq++
		return fmt.Sprintf("n-%03d", seq)
	}
	return s
}

func (f *sweepFixture) rental(t *testing.T, id, start, end string) {
	t.Helper()
	r := billing.Rental{
		ID:          generic.RentalID(id),
		PatientID:   "patient-" + id,
		DeviceID:    generic.DeviceID("dev-" + id),
		StartDate:   d(start),
		MonthlyRate: generic.MustParseMoney("250"),
		Status:      billing.RentalActive,
	}
	if end != "" {
		e := d(end)
		r.EndDate = &e
	}
	require.NoError(t, f.store.SaveRental(f.ctx, r))
}

func (f *sweepFixture) period(t *testing.T, id, rentalID, start, end, expected string) {
	t.Helper()
	bondID := generic.BondID("bond-x")
	require.NoError(t, f.store.SavePeriod(f.ctx, billing.RentalPeriod{
		ID:             generic.PeriodID(id),
		RentalID:       generic.RentalID(rentalID),
		StartDate:      d(start),
		EndDate:        d(end),
		ExpectedAmount: generic.MustParseMoney(expected),
		CNAMBondID:     &bondID,
	}))
}

func (f *sweepFixture) bond(t *testing.T, id, end string, status cnam.BondStatus) {
	t.Helper()
	require.NoError(t, f.store.InsertBond(f.ctx, cnam.Bond{
		ID:          generic.BondID(id),
		BondNumber:  "BL-2025-" + id,
		BondType:    cnam.BondVNI,
		Category:    cnam.CategoryLocation,
		Amount:      generic.MustParseMoney("430"),
		MonthlyRate: generic.MustParseMoney("430"),
		Status:      status,
		StartDate:   d("2025-01-01"),
		EndDate:     d(end),
		PatientID:   "patient-1",
	}))
}

func (f *sweepFixture) notifications(t *testing.T) []notify.Notification {
	t.Helper()
	out, err := f.store.ListNotifications(f.ctx)
	require.NoError(t, err)
	return out
}

func byType(ns []notify.Notification, typ notify.Type) []notify.Notification {
	var out []notify.Notification
	for _, n := range ns {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

// =============================================================================
// SWEEP
// =============================================================================

func TestSweep_ExpiringRentalsAndBonds(t *testing.T) {
	// GIVEN: Today is June 1st; one rental ends within 30 days, one later
	f := newSweepFixture(t, "2025-06-01")
	f.rental(t, "r-soon", "2025-01-01", "2025-06-20")
	f.rental(t, "r-late", "2025-01-01", "2025-09-30")
	f.rental(t, "r-open", "2025-01-01", "")
	f.bond(t, "b-approved", "2025-07-01", cnam.StatusApprouve)
	f.bond(t, "b-pending", "2025-06-15", cnam.StatusPending)
	f.bond(t, "b-far", "2025-12-31", cnam.StatusApprouve)

	// WHEN: Sweeping
	stats, err := f.sweeper.Run(f.ctx)

	// THEN: One expiration and one renewal notification
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ExpiringRentals)
	assert.Equal(t, 1, stats.CNAMBondsToRenew)
	assert.Equal(t, 2, stats.Created)

	ns := f.notifications(t)
	exp := byType(ns, notify.TypeExpiration)
	require.Len(t, exp, 1)
	assert.Equal(t, "r-soon", exp[0].EntityID)
	assert.Equal(t, notify.StatusOpen, exp[0].Status)
	assert.Equal(t, "r-soon", exp[0].Metadata[notify.MetadataEntityID])
	assert.Equal(t, "2025-06-20", exp[0].DueDate.String())

	ren := byType(ns, notify.TypeRenewal)
	require.Len(t, ren, 1)
	assert.Equal(t, "b-approved", ren[0].EntityID)
	assert.Equal(t, notify.EntityBond, ren[0].EntityKind)
}

func TestSweep_IsIdempotent(t *testing.T) {
	// GIVEN: One expiring rental and one bond to renew
	f := newSweepFixture(t, "2025-06-01")
	f.rental(t, "r1", "2025-01-01", "2025-06-20")
	f.bond(t, "b1", "2025-06-30", cnam.StatusApprouve)

	// WHEN: The sweep runs twice the same day
	first, err := f.sweeper.Run(f.ctx)
	require.NoError(t, err)
	second, err := f.sweeper.Run(f.ctx)
	require.NoError(t, err)

	// THEN: The second run creates nothing
	assert.Equal(t, 2, first.Created)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 2, second.Skipped)
	assert.Len(t, f.notifications(t), 2)
}

func TestSweep_WindowBoundaries(t *testing.T) {
	f := newSweepFixture(t, "2025-06-01")
	f.rental(t, "today", "2025-01-01", "2025-06-01")
	f.rental(t, "last-day", "2025-01-01", "2025-07-01")
	f.rental(t, "past", "2025-01-01", "2025-05-31")
	f.rental(t, "beyond", "2025-01-01", "2025-07-02")

	stats, err := f.sweeper.Run(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, stats.ExpiringRentals)
	ids := map[string]bool{}
	for _, n := range byType(f.notifications(t), notify.TypeExpiration) {
		ids[n.EntityID] = true
	}
	assert.Equal(t, map[string]bool{"today": true, "last-day": true}, ids)
}

func TestSweep_OverdueRaisedThenResolved(t *testing.T) {
	// GIVEN: A finished, unpaid covered period
	f := newSweepFixture(t, "2025-03-10")
	f.rental(t, "r1", "2025-01-01", "")
	f.period(t, "jan", "r1", "2025-01-01", "2025-01-31", "250")
	f.period(t, "feb", "r1", "2025-02-01", "2025-03-31", "250")

	// WHEN: Sweeping
	stats, err := f.sweeper.Run(f.ctx)

	// THEN: An overdue notification is open
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OverdueRentals)
	require.Len(t, byType(f.notifications(t), notify.TypeOverdue), 1)

	// WHEN: The period is paid and the sweep runs again
	require.NoError(t, f.store.SavePayment(f.ctx, billing.Payment{
		ID: "pay-1", RentalID: "r1", PeriodID: "jan",
		Amount: generic.MustParseMoney("250"), Method: billing.MethodCash, Status: billing.PaymentCompleted,
	}))
	stats, err = f.sweeper.Run(f.ctx)

	// THEN: The overdue notification is resolved
	require.NoError(t, err)
	assert.Equal(t, 0, stats.OverdueRentals)
	overdue := byType(f.notifications(t), notify.TypeOverdue)
	require.Len(t, overdue, 1)
	assert.Equal(t, notify.StatusResolved, overdue[0].Status)
}

func TestSweep_ReleasesDueDiagnostics(t *testing.T) {
	// GIVEN: Two reservations whose follow-up date has passed, one not yet
	f := newSweepFixture(t, "2025-06-01")
	require.NoError(t, f.store.SaveDevice(f.ctx, "dev-1", notify.DeviceReserved))
	require.NoError(t, f.store.SaveDevice(f.ctx, "dev-2", notify.DeviceReserved))
	require.NoError(t, f.store.SaveDevice(f.ctx, "dev-3", notify.DeviceReserved))
	require.NoError(t, f.store.SaveDiagnostic(f.ctx, notify.Diagnostic{
		ID: "diag-1", DeviceID: "dev-1", TechnicianID: "tech-1", FollowUpDate: d("2025-05-20"),
	}))
	require.NoError(t, f.store.SaveDiagnostic(f.ctx, notify.Diagnostic{
		ID: "diag-2", DeviceID: "dev-2", FollowUpDate: d("2025-05-31"),
	}))
	require.NoError(t, f.store.SaveDiagnostic(f.ctx, notify.Diagnostic{
		ID: "diag-3", DeviceID: "dev-3", TechnicianID: "tech-1", FollowUpDate: d("2025-06-01"),
	}))

	// WHEN: Sweeping twice
	stats, err := f.sweeper.Run(f.ctx)
	require.NoError(t, err)
	again, err := f.sweeper.Run(f.ctx)
	require.NoError(t, err)

	// THEN: The two past-due devices are back in stock, once
	assert.Equal(t, 2, stats.DevicesUnreserved)
	assert.Equal(t, 0, again.DevicesUnreserved)
	for dev, want := range map[generic.DeviceID]notify.DeviceStatus{
		"dev-1": notify.DeviceActive,
		"dev-2": notify.DeviceActive,
		"dev-3": notify.DeviceReserved,
	} {
		got, err := f.store.DeviceStatus(f.ctx, dev)
		require.NoError(t, err)
		assert.Equal(t, want, got, string(dev))
	}

	// Only the reservation with a technician produces a follow-up.
	follow := byType(f.notifications(t), notify.TypeFollowUp)
	require.Len(t, follow, 1)
	assert.Equal(t, "diag-1", follow[0].EntityID)
	assert.Equal(t, "tech-1", follow[0].RecipientID)
}

// =============================================================================
// FAILURES
// =============================================================================

// flakyNotifications fails creation for chosen entities.
type flakyNotifications struct {
	*memory.Store
	failFor map[string]bool
}

func (s *flakyNotifications) CreateNotification(ctx context.Context, n notify.Notification) error {
	if s.failFor[n.EntityID] {
		return errors.New("connection reset")
	}
	return s.Store.CreateNotification(ctx, n)
}

func TestSweep_EntityFailureDoesNotAbort(t *testing.T) {
	// GIVEN: Three expiring rentals, the second of which cannot be notified
	f := newSweepFixture(t, "2025-06-01")
	f.rental(t, "r1", "2025-01-01", "2025-06-10")
	f.rental(t, "r2", "2025-01-01", "2025-06-11")
	f.rental(t, "r3", "2025-01-01", "2025-06-12")
	flaky := &flakyNotifications{Store: f.store, failFor: map[string]bool{"r2": true}}
	sweeper := newSweeper(t, flaky, f.store, "2025-06-01")

	// WHEN: Sweeping
	stats, err := sweeper.Run(f.ctx)

	// THEN: The other two are notified and the failure is counted
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ExpiringRentals)
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 1, stats.Failed)
}

// brokenSource fails listing rentals.
type brokenSource struct {
	*memory.Store
}

func (brokenSource) ListActiveRentals(context.Context) ([]billing.Rental, error) {
	return nil, errors.New("db down")
}

func TestSweep_PhaseFailureStillRunsOtherPhases(t *testing.T) {
	f := newSweepFixture(t, "2025-06-01")
	f.bond(t, "b1", "2025-06-30", cnam.StatusApprouve)
	sweeper := newSweeper(t, f.store, brokenSource{Store: f.store}, "2025-06-01")

	stats, err := sweeper.Run(f.ctx)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, 1, stats.CNAMBondsToRenew)
	assert.Equal(t, 1, stats.Created)
}

// =============================================================================
// DUE STATE
// =============================================================================

func TestStateOf(t *testing.T) {
	today := d("2025-06-01")
	end := func(s string) *generic.TimePoint {
		tp := d(s)
		return &tp
	}

	tests := []struct {
		name     string
		end      *generic.TimePoint
		notified bool
		closed   bool
		want     notify.DueState
	}{
		{"open-ended", nil, false, false, notify.NotDue},
		{"far away", end("2025-08-01"), false, false, notify.NotDue},
		{"inside window", end("2025-06-15"), false, false, notify.DueSoon},
		{"window edge", end("2025-07-01"), false, false, notify.DueSoon},
		{"already notified", end("2025-06-15"), true, false, notify.Notified},
		{"ended", end("2025-05-31"), true, false, notify.Closed},
		{"closed", end("2025-06-15"), true, true, notify.Closed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, notify.StateOf(tt.end, today, notify.DefaultWindowDays, tt.notified, tt.closed))
		})
	}
}
