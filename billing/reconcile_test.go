package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrent/billing-engine/billing"
	"github.com/medrent/billing-engine/generic"
)

func coveredPeriod(id, start, end, expected string) billing.RentalPeriod {
	bondID := generic.BondID("bond-1")
	return billing.RentalPeriod{
		ID:             generic.PeriodID(id),
		RentalID:       "rental-1",
		StartDate:      d(start),
		EndDate:        d(end),
		ExpectedAmount: money(expected),
		CNAMBondID:     &bondID,
	}
}

func payment(id, periodID, amount string, method billing.PaymentMethod) billing.Payment {
	return billing.Payment{
		ID:          generic.PaymentID(id),
		RentalID:    "rental-1",
		PeriodID:    generic.PeriodID(periodID),
		Amount:      money(amount),
		PaymentDate: d("2025-03-01"),
		Method:      method,
		Status:      billing.PaymentCompleted,
	}
}

func TestReconcile_UnderpaidThenSettled(t *testing.T) {
	// GIVEN: A finished covered period expecting 250.00
	var engine billing.ReconciliationEngine
	period := coveredPeriod("p1", "2025-01-01", "2025-01-31", "250")
	asOf := d("2025-02-15")

	// WHEN: 100.00 has been paid
	payments := []billing.Payment{payment("pay-1", "p1", "100", billing.MethodCash)}
	r := engine.Reconcile(period, payments, asOf)

	// THEN: The period is underpaid by 150.00
	assert.Equal(t, billing.StatusUnderpaid, r.Status)
	assert.Equal(t, "100.00", r.PaidAmount.String())
	assert.Equal(t, "150.00", r.Outstanding.String())

	// WHEN: A further 150.00 arrives
	payments = append(payments, payment("pay-2", "p1", "150", billing.MethodCheque))
	r = engine.Reconcile(period, payments, asOf)

	// THEN: Settled, nothing outstanding
	assert.Equal(t, billing.StatusSettled, r.Status)
	assert.Equal(t, "250.00", r.PaidAmount.String())
	assert.True(t, r.Outstanding.IsZero())
}

func TestReconcile_OverpaymentIsSettled(t *testing.T) {
	var engine billing.ReconciliationEngine
	period := coveredPeriod("p1", "2025-01-01", "2025-01-31", "250")

	r := engine.Reconcile(period, []billing.Payment{payment("pay-1", "p1", "300", billing.MethodCash)}, d("2025-02-15"))

	assert.Equal(t, billing.StatusSettled, r.Status)
	assert.True(t, r.Outstanding.IsZero())
}

func TestReconcile_PendingWhilePeriodRuns(t *testing.T) {
	var engine billing.ReconciliationEngine
	period := coveredPeriod("p1", "2025-01-01", "2025-01-31", "250")

	// The last day of the period still counts as running.
	r := engine.Reconcile(period, nil, d("2025-01-31"))
	assert.Equal(t, billing.StatusPending, r.Status)

	r = engine.Reconcile(period, nil, d("2025-02-01"))
	assert.Equal(t, billing.StatusUnderpaid, r.Status)
}

func TestReconcile_GapUnresolvedUntilResolution(t *testing.T) {
	// GIVEN: A fully paid gap period
	var engine billing.ReconciliationEngine
	patient := money("250")
	period := billing.RentalPeriod{
		ID:                    "gap-1",
		RentalID:              "rental-1",
		StartDate:             d("2025-01-01"),
		EndDate:               d("2025-01-31"),
		ExpectedAmount:        patient,
		PatientExpectedAmount: &patient,
		IsGapPeriod:           true,
		GapReason:             billing.GapNoBond,
	}
	payments := []billing.Payment{payment("pay-1", "gap-1", "250", billing.MethodCash)}

	// THEN: Payment alone does not clear a gap
	r := engine.Reconcile(period, payments, d("2025-03-01"))
	assert.Equal(t, billing.StatusGapUnresolved, r.Status)
	assert.True(t, r.IsGapPeriod)

	// WHEN: The gap is resolved
	period.GapResolution = &billing.GapResolution{
		ResolvedAt: time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC),
		ResolvedBy: "agent-7",
		Note:       "patient pays in full",
	}
	r = engine.Reconcile(period, payments, d("2025-03-01"))
	assert.Equal(t, billing.StatusSettled, r.Status)
}

func TestReconcile_MismatchedPaymentExcluded(t *testing.T) {
	// GIVEN: One payment inside the period, one claiming days of the next month
	var engine billing.ReconciliationEngine
	period := coveredPeriod("p1", "2025-01-01", "2025-01-31", "250")
	good := payment("pay-1", "p1", "100", billing.MethodCash)
	bad := payment("pay-2", "p1", "150", billing.MethodCash)
	bad.PeriodStartDate = datePtr("2025-01-15")
	bad.PeriodEndDate = datePtr("2025-02-14")

	r := engine.Reconcile(period, []billing.Payment{good, bad}, d("2025-03-01"))

	// THEN: Only the good payment counts and the bad one is reported
	assert.Equal(t, "100.00", r.PaidAmount.String())
	assert.Equal(t, billing.StatusUnderpaid, r.Status)
	require.Len(t, r.Mismatches, 1)
	assert.Equal(t, generic.PaymentID("pay-2"), r.Mismatches[0].PaymentID)
	assert.ErrorIs(t, r.Mismatches[0], generic.ErrPaymentPeriodMismatch)
}

func TestReconcile_OnlyCompletedPaymentsCount(t *testing.T) {
	var engine billing.ReconciliationEngine
	period := coveredPeriod("p1", "2025-01-01", "2025-01-31", "250")

	pending := payment("pay-1", "p1", "250", billing.MethodVirement)
	pending.Status = billing.PaymentPending
	failed := payment("pay-2", "p1", "250", billing.MethodTraite)
	failed.Status = billing.PaymentFailed

	r := engine.Reconcile(period, []billing.Payment{pending, failed}, d("2025-03-01"))

	assert.True(t, r.PaidAmount.IsZero())
	assert.Equal(t, billing.StatusUnderpaid, r.Status)
}

func TestReconcile_OtherPeriodPaymentsIgnored(t *testing.T) {
	var engine billing.ReconciliationEngine
	period := coveredPeriod("p1", "2025-01-01", "2025-01-31", "250")

	r := engine.Reconcile(period, []billing.Payment{payment("pay-1", "p2", "250", billing.MethodCash)}, d("2025-03-01"))

	assert.True(t, r.PaidAmount.IsZero())
	assert.Empty(t, r.Mismatches)
}

func TestReconcile_SplitsInsurerAndPatientMoney(t *testing.T) {
	var engine billing.ReconciliationEngine
	period := coveredPeriod("p1", "2025-01-01", "2025-01-31", "250")

	r := engine.Reconcile(period, []billing.Payment{
		payment("pay-1", "p1", "190", billing.MethodCNAM),
		payment("pay-2", "p1", "60", billing.MethodCash),
	}, d("2025-03-01"))

	assert.Equal(t, "190.00", r.CNAMPaid.String())
	assert.Equal(t, "60.00", r.PatientPaid.String())
	assert.Equal(t, billing.StatusSettled, r.Status)
}

func TestReconcileRental_Totals(t *testing.T) {
	// GIVEN: Jan settled, Feb underpaid, Mar still running
	var engine billing.ReconciliationEngine
	periods := []billing.RentalPeriod{
		coveredPeriod("mar", "2025-03-01", "2025-03-31", "250"),
		coveredPeriod("jan", "2025-01-01", "2025-01-31", "250"),
		coveredPeriod("feb", "2025-02-01", "2025-02-28", "250"),
	}
	payments := []billing.Payment{
		payment("pay-1", "jan", "250", billing.MethodCash),
		payment("pay-2", "feb", "100", billing.MethodCash),
	}

	r := engine.ReconcileRental("rental-1", periods, payments, d("2025-03-10"))

	// THEN: Periods come back in date order with totals and counts
	require.Len(t, r.Periods, 3)
	assert.Equal(t, generic.PeriodID("jan"), r.Periods[0].PeriodID)
	assert.Equal(t, generic.PeriodID("mar"), r.Periods[2].PeriodID)
	assert.Equal(t, "750.00", r.ExpectedAmount.String())
	assert.Equal(t, "350.00", r.PaidAmount.String())
	assert.Equal(t, "400.00", r.Outstanding.String())
	assert.Equal(t, 1, r.Counts[billing.StatusSettled])
	assert.Equal(t, 1, r.Counts[billing.StatusUnderpaid])
	assert.Equal(t, 1, r.Counts[billing.StatusPending])
	assert.True(t, r.HasUnderpaid())
}

func TestCheckPaymentScope(t *testing.T) {
	period := coveredPeriod("p1", "2025-01-01", "2025-01-31", "250")

	inside := payment("pay-1", "p1", "10", billing.MethodCash)
	inside.PeriodStartDate = datePtr("2025-01-10")
	assert.NoError(t, billing.CheckPaymentScope(period, inside))

	inverted := payment("pay-2", "p1", "10", billing.MethodCash)
	inverted.PeriodStartDate = datePtr("2025-01-20")
	inverted.PeriodEndDate = datePtr("2025-01-10")
	err := billing.CheckPaymentScope(period, inverted)
	assert.ErrorIs(t, err, generic.ErrPaymentPeriodMismatch)
	assert.Equal(t, "PaymentPeriodMismatch", generic.Code(err))
}
