/*
scheduler.go - Daily sweep job and its optional in-process scheduler

PURPOSE:
  SweepJob is the unit of work the cron endpoint runs: push open-ended
  rentals' periods up to the current horizon, then run the notification
  sweep. The same job can run in-process on a cron spec when no external
  scheduler calls the endpoint.

DESIGN:
  - The sweep is idempotent (lookup-before-create), so the endpoint and the
    in-process schedule may overlap safely.
  - Runs never overlap inside one process: a tick that finds the previous
    run still going is skipped (cron.SkipIfStillRunning).
  - Specs have a seconds field and are evaluated in UTC.

USAGE:
  job := api.NewSweepJob(svc, sweeper, logger)
  sched, err := api.NewSweepScheduler(job, "0 0 6 * * *", logger)
  sched.Start()
  // ... later
  <-sched.Stop().Done()

SEE ALSO:
  - handlers.go: RunNotificationSweep endpoint
  - notify/sweeper.go: The sweep itself
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/medrent/billing-engine/billing"
	"github.com/medrent/billing-engine/logging"
	"github.com/medrent/billing-engine/notify"
)

// =============================================================================
// SWEEP JOB
// =============================================================================

type SweepJob struct {
	Billing *billing.Service
	Sweeper *notify.Sweeper
	Logger  *zap.Logger
}

func NewSweepJob(svc *billing.Service, sweeper *notify.Sweeper, logger *zap.Logger) *SweepJob {
	return &SweepJob{Billing: svc, Sweeper: sweeper, Logger: logging.OrNop(logger)}
}

// Run extends open rentals, then sweeps. An extension failure does not stop
// the sweep; both errors are joined.
func (j *SweepJob) Run(ctx context.Context) (notify.Stats, error) {
	var extendErr error
	if j.Billing != nil {
		n, err := j.Billing.ExtendOpenRentals(ctx)
		if err != nil {
			extendErr = fmt.Errorf("extend open rentals: %w", err)
		}
		j.Logger.Debug("open rentals extended", zap.Int("rentals", n))
	}

	stats, err := j.Sweeper.Run(ctx)
	return stats, errors.Join(extendErr, err)
}

// =============================================================================
// SCHEDULER
// =============================================================================

// DefaultRunTimeout bounds one scheduled run.
const DefaultRunTimeout = 5 * time.Minute

type SweepScheduler struct {
	Job        *SweepJob
	Spec       string
	RunTimeout time.Duration

	cron   *cron.Cron
	logger *zap.Logger
}

// NewSweepScheduler registers job on spec (six fields, seconds first).
func NewSweepScheduler(job *SweepJob, spec string, logger *zap.Logger) (*SweepScheduler, error) {
	logger = logging.OrNop(logger)
	s := &SweepScheduler{
		Job:        job,
		Spec:       spec,
		RunTimeout: DefaultRunTimeout,
		logger:     logger,
	}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
	)
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, fmt.Errorf("invalid sweep spec %q: %w", spec, err)
	}
	return s, nil
}

func (s *SweepScheduler) Start() {
	s.cron.Start()
	s.logger.Info("sweep scheduler started", zap.String("spec", s.Spec))
}

// Stop prevents new runs; the returned context is done once a running
// sweep has finished.
func (s *SweepScheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.logger.Info("sweep scheduler stopped")
	return ctx
}

// Next reports the next scheduled run.
func (s *SweepScheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *SweepScheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.RunTimeout)
	defer cancel()

	stats, err := s.Job.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled sweep finished with errors", zap.Error(err), zap.Int("created", stats.Created))
		return
	}
	s.logger.Info("scheduled sweep finished", zap.Int("created", stats.Created), zap.Int("skipped", stats.Skipped))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Sugar().With(zap.Error(err)).Errorw(msg, keysAndValues...)
}
