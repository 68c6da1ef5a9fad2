/*
Package notify runs the renewal / expiration sweep.

PURPOSE:
  A periodic sweep (logically daily) looks for rentals and bonds nearing
  their end date, rentals with overdue periods, and diagnostic device
  reservations whose follow-up date has passed. It creates at most one
  open notification per entity and type, and releases the devices.

STATE MACHINE (per monitored entity):
  NOT_DUE -> DUE_SOON (end date within the window) -> NOTIFIED -> CLOSED

IDEMPOTENCE:
  Before creating, the sweep asks ExistsOpenNotification(entityId, type).
  Storage backs this with a uniqueness guard on open notifications, so a
  sweep can run any number of times a day and still produce one
  notification per entity and type.

SEE ALSO:
  - sweeper.go: The sweep itself
  - store/redisnotify: Cross-process guard in front of a NotificationStore
  - api/scheduler.go: Cron trigger
*/
package notify

import (
	"context"
	"time"

	"github.com/medrent/billing-engine/billing"
	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/generic"
)

// =============================================================================
// NOTIFICATION
// =============================================================================

type Type string

const (
	TypeRenewal    Type = "renewal"
	TypeExpiration Type = "expiration"
	TypeOverdue    Type = "overdue"
	TypeFollowUp   Type = "follow_up"
)

type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
)

type EntityKind string

const (
	EntityRental     EntityKind = "rental"
	EntityBond       EntityKind = "bond"
	EntityDiagnostic EntityKind = "diagnostic"
)

// MetadataEntityID is the metadata key holding the source entity's id.
const MetadataEntityID = "entityId"

type Notification struct {
	ID          generic.NotificationID
	Type        Type
	Title       string
	Message     string
	DueDate     generic.TimePoint
	Status      Status
	EntityID    string
	EntityKind  EntityKind
	RecipientID string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// NotificationStore is the lookup-before-create capability of the sweep.
type NotificationStore interface {
	ExistsOpenNotification(ctx context.Context, entityID string, t Type) (bool, error)

	// CreateNotification fails with generic.ErrNotificationExists when an
	// open notification of the same type exists for the entity.
	CreateNotification(ctx context.Context, n Notification) error

	// ResolveOpenNotifications closes the open notifications of a type for
	// an entity and returns how many were closed.
	ResolveOpenNotifications(ctx context.Context, entityID string, t Type) (int, error)
}

// =============================================================================
// DEVICE RESERVATIONS
// =============================================================================

type DeviceStatus string

const (
	DeviceActive   DeviceStatus = "ACTIVE"
	DeviceReserved DeviceStatus = "RESERVED"
	DeviceRented   DeviceStatus = "RENTED"
)

// Diagnostic is a device reservation for a patient diagnostic.
type Diagnostic struct {
	ID           string
	DeviceID     generic.DeviceID
	TechnicianID string
	FollowUpDate generic.TimePoint
	ReleasedAt   *time.Time
}

// Source is the read side of the sweep plus the device release write.
type Source interface {
	ListActiveRentals(ctx context.Context) ([]billing.Rental, error)
	ListPeriods(ctx context.Context, rentalID generic.RentalID) ([]billing.RentalPeriod, error)
	ListPayments(ctx context.Context, rentalID generic.RentalID) ([]billing.Payment, error)

	// ListBondsEndingBetween returns bonds whose EndDate is in [from, to].
	ListBondsEndingBetween(ctx context.Context, from, to generic.TimePoint) ([]cnam.Bond, error)

	// ListDueDiagnostics returns unreleased reservations whose follow-up
	// date is before asOf.
	ListDueDiagnostics(ctx context.Context, asOf generic.TimePoint) ([]Diagnostic, error)
	// ReleaseDiagnostic marks the reservation released and the device ACTIVE.
	ReleaseDiagnostic(ctx context.Context, id string, at time.Time) error
}

// =============================================================================
// DUE STATE
// =============================================================================

type DueState string

const (
	NotDue   DueState = "NOT_DUE"
	DueSoon  DueState = "DUE_SOON"
	Notified DueState = "NOTIFIED"
	Closed   DueState = "CLOSED"
)

// StateOf places an entity in the due-state machine.
func StateOf(endDate *generic.TimePoint, today generic.TimePoint, windowDays int, notified, closed bool) DueState {
	switch {
	case closed:
		return Closed
	case endDate == nil:
		return NotDue
	case endDate.Before(today):
		return Closed
	case endDate.After(today.AddDays(windowDays)):
		return NotDue
	case notified:
		return Notified
	default:
		return DueSoon
	}
}
