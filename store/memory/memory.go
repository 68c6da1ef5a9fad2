// Package memory provides an in-memory implementation of every store
// interface of the billing engine (for testing/dev).
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/medrent/billing-engine/billing"
	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/generic"
	"github.com/medrent/billing-engine/notify"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	data state
}

type state struct {
	rentals       map[generic.RentalID]billing.Rental
	bonds         map[generic.BondID]cnam.Bond
	tariffs       map[cnam.BondType]cnam.Tariff
	periods       map[generic.PeriodID]billing.RentalPeriod
	payments      map[generic.PaymentID]billing.Payment
	notifications map[generic.NotificationID]notify.Notification
	diagnostics   map[string]notify.Diagnostic
	devices       map[generic.DeviceID]notify.DeviceStatus
}

func newState() state {
	return state{
		rentals:       make(map[generic.RentalID]billing.Rental),
		bonds:         make(map[generic.BondID]cnam.Bond),
		tariffs:       make(map[cnam.BondType]cnam.Tariff),
		periods:       make(map[generic.PeriodID]billing.RentalPeriod),
		payments:      make(map[generic.PaymentID]billing.Payment),
		notifications: make(map[generic.NotificationID]notify.Notification),
		diagnostics:   make(map[string]notify.Diagnostic),
		devices:       make(map[generic.DeviceID]notify.DeviceStatus),
	}
}

func New() *Store {
	return &Store{data: newState()}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized against each other.
func (s *Store) WithTx(_ context.Context, fn func(billing.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (st state) clone() state {
	c := newState()
	for k, v := range st.rentals {
		c.rentals[k] = v
	}
	for k, v := range st.bonds {
		c.bonds[k] = v
	}
	for k, v := range st.tariffs {
		c.tariffs[k] = v
	}
	for k, v := range st.periods {
		c.periods[k] = v
	}
	for k, v := range st.payments {
		c.payments[k] = v
	}
	for k, v := range st.notifications {
		c.notifications[k] = v
	}
	for k, v := range st.diagnostics {
		c.diagnostics[k] = v
	}
	for k, v := range st.devices {
		c.devices[k] = v
	}
	return c
}

// =============================================================================
// RENTALS
// =============================================================================

func (s *Store) SaveRental(_ context.Context, r billing.Rental) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.rentals[r.ID] = r
	return nil
}

func (s *Store) GetRental(_ context.Context, id generic.RentalID) (billing.Rental, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data.rentals[id]
	if !ok {
		return billing.Rental{}, generic.ErrNotFound
	}
	return r, nil
}

func (s *Store) ListActiveRentals(_ context.Context) ([]billing.Rental, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []billing.Rental
	for _, r := range s.data.rentals {
		if r.Status == billing.RentalActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// BONDS
// =============================================================================

func (s *Store) InsertBond(_ context.Context, b cnam.Bond) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.bonds[b.ID]; ok {
		return fmt.Errorf("bond %s already exists", b.ID)
	}
	for _, existing := range s.data.bonds {
		if existing.BondNumber == b.BondNumber {
			return &generic.DuplicateBondNumberError{BondNumber: b.BondNumber}
		}
	}
	s.data.bonds[b.ID] = b
	return nil
}

func (s *Store) GetBond(_ context.Context, id generic.BondID) (cnam.Bond, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data.bonds[id]
	if !ok {
		return cnam.Bond{}, generic.ErrNotFound
	}
	return b, nil
}

func (s *Store) UpdateBondStatus(_ context.Context, id generic.BondID, status cnam.BondStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data.bonds[id]
	if !ok {
		return generic.ErrNotFound
	}
	b.Status = status
	s.data.bonds[id] = b
	return nil
}

// LatestBondNumber orders by suffix length then suffix, which is numeric
// order for digit suffixes.
func (s *Store) LatestBondNumber(_ context.Context, prefix string, category *cnam.Category) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := ""
	for _, b := range s.data.bonds {
		if !strings.HasPrefix(b.BondNumber, prefix) {
			continue
		}
		if category != nil && b.Category != *category {
			continue
		}
		if latest == "" || len(b.BondNumber) > len(latest) ||
			(len(b.BondNumber) == len(latest) && b.BondNumber > latest) {
			latest = b.BondNumber
		}
	}
	return latest, nil
}

func (s *Store) ListBondsEndingBetween(_ context.Context, from, to generic.TimePoint) ([]cnam.Bond, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	window := generic.Period{Start: from, End: to}
	var out []cnam.Bond
	for _, b := range s.data.bonds {
		if window.Contains(b.EndDate) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BondNumber < out[j].BondNumber })
	return out, nil
}

// =============================================================================
// TARIFFS
// =============================================================================

func (s *Store) UpsertTariff(_ context.Context, t cnam.Tariff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.tariffs[t.BondType] = t
	return nil
}

func (s *Store) GetTariff(_ context.Context, bondType cnam.BondType) (cnam.Tariff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.data.tariffs[bondType]
	if !ok {
		return cnam.Tariff{}, generic.ErrNotFound
	}
	return t, nil
}

func (s *Store) ListTariffs(_ context.Context) ([]cnam.Tariff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cnam.Tariff, 0, len(s.data.tariffs))
	for _, t := range s.data.tariffs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BondType < out[j].BondType })
	return out, nil
}

// =============================================================================
// PERIODS
// =============================================================================

func (s *Store) ListPeriods(_ context.Context, rentalID generic.RentalID) ([]billing.RentalPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []billing.RentalPeriod
	for _, p := range s.data.periods {
		if p.RentalID == rentalID {
			out = append(out, p)
		}
	}
	return billing.SortPeriods(out), nil
}

func (s *Store) GetPeriod(_ context.Context, id generic.PeriodID) (billing.RentalPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data.periods[id]
	if !ok {
		return billing.RentalPeriod{}, generic.ErrNotFound
	}
	return p, nil
}

func (s *Store) SavePeriod(_ context.Context, p billing.RentalPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.rentals[p.RentalID]; !ok {
		return fmt.Errorf("rental %s: %w", p.RentalID, generic.ErrNotFound)
	}
	s.data.periods[p.ID] = p
	return nil
}

func (s *Store) DeletePeriods(_ context.Context, ids []generic.PeriodID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doomed := make(map[generic.PeriodID]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
	}
	for _, pay := range s.data.payments {
		if doomed[pay.PeriodID] {
			return fmt.Errorf("%w: %s", generic.ErrPeriodLocked, pay.PeriodID)
		}
	}
	for id := range doomed {
		delete(s.data.periods, id)
	}
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *Store) SavePayment(_ context.Context, p billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.periods[p.PeriodID]; !ok {
		return fmt.Errorf("period %s: %w", p.PeriodID, generic.ErrNotFound)
	}
	s.data.payments[p.ID] = p
	return nil
}

func (s *Store) ListPayments(_ context.Context, rentalID generic.RentalID) ([]billing.Payment, error) {
	return s.listPayments(func(p billing.Payment) bool { return p.RentalID == rentalID }), nil
}

func (s *Store) ListPaymentsByPeriod(_ context.Context, periodID generic.PeriodID) ([]billing.Payment, error) {
	return s.listPayments(func(p billing.Payment) bool { return p.PeriodID == periodID }), nil
}

func (s *Store) listPayments(match func(billing.Payment) bool) []billing.Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []billing.Payment
	for _, p := range s.data.payments {
		if match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PaymentDate.Equal(out[j].PaymentDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].PaymentDate.Before(out[j].PaymentDate)
	})
	return out
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (s *Store) ExistsOpenNotification(_ context.Context, entityID string, t notify.Type) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openNotificationLocked(entityID, t), nil
}

func (s *Store) CreateNotification(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.Status == notify.StatusOpen && s.openNotificationLocked(n.EntityID, n.Type) {
		return fmt.Errorf("%w: %s %s", generic.ErrNotificationExists, n.Type, n.EntityID)
	}
	s.data.notifications[n.ID] = n
	return nil
}

func (s *Store) ResolveOpenNotifications(_ context.Context, entityID string, t notify.Type) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resolved := 0
	for id, n := range s.data.notifications {
		if n.EntityID == entityID && n.Type == t && n.Status == notify.StatusOpen {
			n.Status = notify.StatusResolved
			s.data.notifications[id] = n
			resolved++
		}
	}
	return resolved, nil
}

// ListNotifications returns every notification, oldest first.
func (s *Store) ListNotifications(_ context.Context) ([]notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]notify.Notification, 0, len(s.data.notifications))
	for _, n := range s.data.notifications {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) openNotificationLocked(entityID string, t notify.Type) bool {
	for _, n := range s.data.notifications {
		if n.EntityID == entityID && n.Type == t && n.Status == notify.StatusOpen {
			return true
		}
	}
	return false
}

// =============================================================================
// DEVICES & DIAGNOSTICS
// =============================================================================

func (s *Store) SaveDevice(_ context.Context, id generic.DeviceID, status notify.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.devices[id] = status
	return nil
}

func (s *Store) DeviceStatus(_ context.Context, id generic.DeviceID) (notify.DeviceStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.data.devices[id]
	if !ok {
		return "", generic.ErrNotFound
	}
	return st, nil
}

func (s *Store) SaveDiagnostic(_ context.Context, d notify.Diagnostic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.diagnostics[d.ID] = d
	return nil
}

func (s *Store) ListDueDiagnostics(_ context.Context, asOf generic.TimePoint) ([]notify.Diagnostic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Diagnostic
	for _, d := range s.data.diagnostics {
		if d.ReleasedAt == nil && d.FollowUpDate.Before(asOf) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ReleaseDiagnostic(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data.diagnostics[id]
	if !ok {
		return generic.ErrNotFound
	}
	d.ReleasedAt = &at
	s.data.diagnostics[id] = d
	s.data.devices[d.DeviceID] = notify.DeviceActive
	return nil
}
