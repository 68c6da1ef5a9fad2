package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medrent/billing-engine/billing"
	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/generic"
	"github.com/medrent/billing-engine/metrics"
)

const DefaultWindowDays = 30

// Stats summarizes one sweep.
type Stats struct {
	ExpiringRentals   int `json:"expiringRentals"`
	CNAMBondsToRenew  int `json:"cnamBondsToRenew"`
	DevicesUnreserved int `json:"devicesUnreserved"`
	OverdueRentals    int `json:"overdueRentals"`
	Created           int `json:"created"`
	Skipped           int `json:"skipped"`
	Failed            int `json:"failed"`
}

type Sweeper struct {
	Notifications NotificationStore
	Source        Source
	Engine        billing.ReconciliationEngine

	WindowDays int

	Today  func() generic.TimePoint
	Now    func() time.Time
	NewID  func() string
	Logger *zap.Logger
}

func NewSweeper(notifications NotificationStore, source Source, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		Notifications: notifications,
		Source:        source,
		WindowDays:    DefaultWindowDays,
		Today:         generic.Today,
		Now:           time.Now,
		NewID:         uuid.NewString,
		Logger:        logger,
	}
}

// Run performs one sweep. A failure on one entity is logged and counted and
// the sweep moves on. A phase whose listing fails is skipped and its error
// joined into the returned error; the other phases still run.
func (s *Sweeper) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	today := s.Today()
	var stats Stats

	errs := []error{
		s.sweepRentals(ctx, today, &stats),
		s.sweepBonds(ctx, today, &stats),
		s.sweepDiagnostics(ctx, today, &stats),
	}
	err := errors.Join(errs...)

	outcome := "success"
	if err != nil || stats.Failed > 0 {
		outcome = "partial"
	}
	metrics.SweepRuns.WithLabelValues(outcome).Inc()
	metrics.SweepDuration.Observe(time.Since(start).Seconds())

	s.Logger.Info("notification sweep finished",
		zap.Stringer("today", today),
		zap.Int("expiring_rentals", stats.ExpiringRentals),
		zap.Int("bonds_to_renew", stats.CNAMBondsToRenew),
		zap.Int("devices_unreserved", stats.DevicesUnreserved),
		zap.Int("overdue_rentals", stats.OverdueRentals),
		zap.Int("created", stats.Created),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Error(err))
	return stats, err
}

func (s *Sweeper) windowEnd(today generic.TimePoint) generic.TimePoint {
	days := s.WindowDays
	if days <= 0 {
		days = DefaultWindowDays
	}
	return today.AddDays(days)
}

// =============================================================================
// PHASES
// =============================================================================

func (s *Sweeper) sweepRentals(ctx context.Context, today generic.TimePoint, stats *Stats) error {
	rentals, err := s.Source.ListActiveRentals(ctx)
	if err != nil {
		return fmt.Errorf("list active rentals: %w", err)
	}
	due := generic.Period{Start: today, End: s.windowEnd(today)}

	for _, r := range rentals {
		if r.EndDate != nil && due.Contains(*r.EndDate) {
			stats.ExpiringRentals++
			s.notifyOnce(ctx, stats, EntityRental, Notification{
				Type:        TypeExpiration,
				Title:       "Rental ending soon",
				Message:     fmt.Sprintf("Rental %s ends on %s", r.ID, *r.EndDate),
				DueDate:     *r.EndDate,
				EntityID:    string(r.ID),
				EntityKind:  EntityRental,
				RecipientID: r.PatientID + r.CompanyID,
			})
		}

		if err := s.checkOverdue(ctx, today, r, stats); err != nil {
			stats.Failed++
			metrics.SweepEntities.WithLabelValues(string(EntityRental), metrics.ResultFailed).Inc()
			s.Logger.Error("overdue check failed", zap.String("rental_id", string(r.ID)), zap.Error(err))
		}
	}
	return nil
}

// checkOverdue raises an overdue notification while any period of the
// rental is UNDERPAID, and resolves it once none is.
func (s *Sweeper) checkOverdue(ctx context.Context, today generic.TimePoint, r billing.Rental, stats *Stats) error {
	periods, err := s.Source.ListPeriods(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("list periods: %w", err)
	}
	payments, err := s.Source.ListPayments(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("list payments: %w", err)
	}
	rec := s.Engine.ReconcileRental(r.ID, periods, payments, today)

	if !rec.HasUnderpaid() {
		if _, err := s.Notifications.ResolveOpenNotifications(ctx, string(r.ID), TypeOverdue); err != nil {
			return fmt.Errorf("resolve overdue: %w", err)
		}
		return nil
	}

	stats.OverdueRentals++
	s.notifyOnce(ctx, stats, EntityRental, Notification{
		Type:        TypeOverdue,
		Title:       "Rental payment overdue",
		Message:     fmt.Sprintf("Rental %s has %d underpaid period(s), %s outstanding", r.ID, rec.Counts[billing.StatusUnderpaid], rec.Outstanding),
		DueDate:     today,
		EntityID:    string(r.ID),
		EntityKind:  EntityRental,
		RecipientID: r.PatientID + r.CompanyID,
	})
	return nil
}

func (s *Sweeper) sweepBonds(ctx context.Context, today generic.TimePoint, stats *Stats) error {
	bonds, err := s.Source.ListBondsEndingBetween(ctx, today, s.windowEnd(today))
	if err != nil {
		return fmt.Errorf("list expiring bonds: %w", err)
	}
	for _, b := range bonds {
		if b.Status != cnam.StatusApprouve {
			continue
		}
		stats.CNAMBondsToRenew++
		s.notifyOnce(ctx, stats, EntityBond, Notification{
			Type:        TypeRenewal,
			Title:       "CNAM bond to renew",
			Message:     fmt.Sprintf("Bond %s (%s) ends on %s", b.BondNumber, b.BondType, b.EndDate),
			DueDate:     b.EndDate,
			EntityID:    string(b.ID),
			EntityKind:  EntityBond,
			RecipientID: b.PatientID,
		})
	}
	return nil
}

func (s *Sweeper) sweepDiagnostics(ctx context.Context, today generic.TimePoint, stats *Stats) error {
	diagnostics, err := s.Source.ListDueDiagnostics(ctx, today)
	if err != nil {
		return fmt.Errorf("list due diagnostics: %w", err)
	}
	for _, d := range diagnostics {
		if err := s.Source.ReleaseDiagnostic(ctx, d.ID, s.Now().UTC()); err != nil {
			stats.Failed++
			metrics.SweepEntities.WithLabelValues(string(EntityDiagnostic), metrics.ResultFailed).Inc()
			s.Logger.Error("device release failed",
				zap.String("diagnostic_id", d.ID), zap.String("device_id", string(d.DeviceID)), zap.Error(err))
			continue
		}
		stats.DevicesUnreserved++
		if d.TechnicianID == "" {
			continue
		}
		s.notifyOnce(ctx, stats, EntityDiagnostic, Notification{
			Type:        TypeFollowUp,
			Title:       "Diagnostic device released",
			Message:     fmt.Sprintf("Device %s is available again; follow-up was due %s", d.DeviceID, d.FollowUpDate),
			DueDate:     d.FollowUpDate,
			EntityID:    d.ID,
			EntityKind:  EntityDiagnostic,
			RecipientID: d.TechnicianID,
		})
	}
	return nil
}

// =============================================================================
// LOOKUP-BEFORE-CREATE
// =============================================================================

func (s *Sweeper) notifyOnce(ctx context.Context, stats *Stats, kind EntityKind, n Notification) {
	log := s.Logger.With(zap.String("entity_id", n.EntityID), zap.String("type", string(n.Type)))

	exists, err := s.Notifications.ExistsOpenNotification(ctx, n.EntityID, n.Type)
	if err != nil {
		stats.Failed++
		metrics.SweepEntities.WithLabelValues(string(kind), metrics.ResultFailed).Inc()
		log.Error("notification lookup failed", zap.Error(err))
		return
	}
	if exists {
		stats.Skipped++
		metrics.SweepEntities.WithLabelValues(string(kind), metrics.ResultSkipped).Inc()
		return
	}

	n.ID = generic.NotificationID(s.NewID())
	n.Status = StatusOpen
	n.CreatedAt = s.Now().UTC()
	n.Metadata = map[string]string{MetadataEntityID: n.EntityID, "entityKind": string(kind)}

	err = s.Notifications.CreateNotification(ctx, n)
	switch {
	case errors.Is(err, generic.ErrNotificationExists):
		stats.Skipped++
		metrics.SweepEntities.WithLabelValues(string(kind), metrics.ResultSkipped).Inc()
	case err != nil:
		stats.Failed++
		metrics.SweepEntities.WithLabelValues(string(kind), metrics.ResultFailed).Inc()
		log.Error("notification create failed", zap.Error(err))
	default:
		stats.Created++
		metrics.SweepEntities.WithLabelValues(string(kind), metrics.ResultCreated).Inc()
		log.Debug("notification created", zap.String("notification_id", string(n.ID)))
	}
}
