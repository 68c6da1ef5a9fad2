package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/medrent/billing-engine/billing"
	"github.com/medrent/billing-engine/generic"
	"github.com/medrent/billing-engine/notify"
	"github.com/medrent/billing-engine/store/memory"
)

// failingRentals makes the active-rental listing fail.
type failingRentals struct {
	*memory.Store
}

func (failingRentals) ListActiveRentals(context.Context) ([]billing.Rental, error) {
	return nil, errors.New("replica lagging")
}

func TestSweepJob_ExtendsOpenRentalsBeforeSweeping(t *testing.T) {
	// GIVEN: An open-ended rental allocated in January, swept in March
	ctx := context.Background()
	store := memory.New()
	today := generic.MustParseDate("2025-01-20")
	allocator := billing.NewAllocator(billing.SplitMonthly)
	allocator.Today = func() generic.TimePoint { return today }
	svc := billing.NewService(store, allocator, zaptest.NewLogger(t))

	_, periods, err := svc.CreateRental(ctx, billing.Rental{
		ID:          "rental-1",
		PatientID:   "patient-1",
		DeviceID:    "device-1",
		StartDate:   generic.MustParseDate("2025-01-01"),
		MonthlyRate: generic.MustParseMoney("250"),
	})
	require.NoError(t, err)
	require.Equal(t, "2025-01-31", periods[len(periods)-1].EndDate.String())

	today = generic.MustParseDate("2025-03-05")
	sweeper := notify.NewSweeper(store, store, zaptest.NewLogger(t))
	sweeper.Today = func() generic.TimePoint { return today }
	job := NewSweepJob(svc, sweeper, zaptest.NewLogger(t))

	// WHEN: Running the job
	_, err = job.Run(ctx)

	// THEN: The rental now reaches the end of March
	require.NoError(t, err)
	_, extended, err := svc.GetRental(ctx, "rental-1")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-31", extended[len(extended)-1].EndDate.String())
}

func TestSweepJob_JoinsErrors(t *testing.T) {
	ctx := context.Background()
	store := failingRentals{memory.New()}
	svc := billing.NewService(store, nil, zaptest.NewLogger(t))
	job := NewSweepJob(svc, notify.NewSweeper(store, store, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	_, err := job.Run(ctx)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "extend open rentals")
	assert.Contains(t, err.Error(), "list active rentals")
}

func TestSweepScheduler(t *testing.T) {
	job := NewSweepJob(nil, notify.NewSweeper(memory.New(), memory.New(), nil), nil)

	_, err := NewSweepScheduler(job, "0 6 * * *", zaptest.NewLogger(t))
	assert.Error(t, err, "five-field specs lack the seconds field")

	sched, err := NewSweepScheduler(job, "0 0 6 * * *", zaptest.NewLogger(t))
	require.NoError(t, err)
	sched.Start()
	next := sched.Next()
	<-sched.Stop().Done()

	assert.Equal(t, 6, next.Hour())
	assert.Equal(t, time.UTC, next.Location())
	assert.True(t, next.After(time.Now()))
}
