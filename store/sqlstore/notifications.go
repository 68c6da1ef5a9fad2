package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medrent/billing-engine/generic"
	"github.com/medrent/billing-engine/notify"
)

// =============================================================================
// NOTIFICATIONS
// =============================================================================

const notificationColumns = `id, type, title, message, due_date, status, entity_id,
	entity_kind, recipient_id, metadata_json, created_at`

func (s *Store) ExistsOpenNotification(ctx context.Context, entityID string, t notify.Type) (bool, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE entity_id = ? AND type = ? AND status = ?`,
		entityID, string(t), string(notify.StatusOpen),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up notification: %w", err)
	}
	return n > 0, nil
}

// CreateNotification inserts a notification. The partial unique index on
// open notifications turns a concurrent duplicate into
// generic.ErrNotificationExists.
func (s *Store) CreateNotification(ctx context.Context, n notify.Notification) error {
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode notification metadata: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(n.ID),
		string(n.Type),
		n.Title,
		n.Message,
		dateArg(n.DueDate),
		string(n.Status),
		n.EntityID,
		string(n.EntityKind),
		nullString(n.RecipientID),
		string(metadata),
		timeArg(n.CreatedAt),
	)
	if constraint, ok := s.dialect.uniqueViolation(err); ok && isOpenNotificationGuard(constraint) {
		return fmt.Errorf("%w: %s %s", generic.ErrNotificationExists, n.Type, n.EntityID)
	}
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// isOpenNotificationGuard matches the partial unique index by name
// (PostgreSQL) or by its column list (SQLite).
func isOpenNotificationGuard(constraint string) bool {
	return strings.Contains(constraint, "idx_notifications_open") ||
		strings.Contains(constraint, "notifications.entity_id")
}

func (s *Store) ResolveOpenNotifications(ctx context.Context, entityID string, t notify.Type) (int, error) {
	res, err := s.exec(ctx, `
		UPDATE notifications SET status = ?
		WHERE entity_id = ? AND type = ? AND status = ?`,
		string(notify.StatusResolved), entityID, string(t), string(notify.StatusOpen))
	if err != nil {
		return 0, fmt.Errorf("failed to resolve notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ListNotifications returns every notification, oldest first.
func (s *Store) ListNotifications(ctx context.Context) ([]notify.Notification, error) {
	rows, err := s.query(ctx, `SELECT `+notificationColumns+` FROM notifications ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []notify.Notification
	for rows.Next() {
		var (
			n                     notify.Notification
			id, typ, status, kind string
			recipient             sql.NullString
			metadata              sql.NullString
			due                   dateCol
			createdAt             timeCol
		)
		if err := rows.Scan(&id, &typ, &n.Title, &n.Message, &due, &status, &n.EntityID,
			&kind, &recipient, &metadata, &createdAt); err != nil {
			return nil, err
		}
		n.ID = generic.NotificationID(id)
		n.Type = notify.Type(typ)
		n.Status = notify.Status(status)
		n.EntityKind = notify.EntityKind(kind)
		n.RecipientID = recipient.String
		n.DueDate = due.Value
		n.CreatedAt = createdAt.Value
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &n.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode notification metadata: %w", err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// =============================================================================
// DEVICES & DIAGNOSTICS
// =============================================================================

func (s *Store) SaveDevice(ctx context.Context, id generic.DeviceID, status notify.DeviceStatus) error {
	_, err := s.exec(ctx, `
		INSERT INTO devices (id, status) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status`,
		string(id), string(status))
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

func (s *Store) DeviceStatus(ctx context.Context, id generic.DeviceID) (notify.DeviceStatus, error) {
	var status string
	err := s.queryRow(ctx, `SELECT status FROM devices WHERE id = ?`, string(id)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", generic.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read device: %w", err)
	}
	return notify.DeviceStatus(status), nil
}

func (s *Store) SaveDiagnostic(ctx context.Context, d notify.Diagnostic) error {
	_, err := s.exec(ctx, `
		INSERT INTO diagnostics (id, device_id, technician_id, follow_up_date, released_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			device_id = excluded.device_id,
			technician_id = excluded.technician_id,
			follow_up_date = excluded.follow_up_date,
			released_at = excluded.released_at`,
		d.ID, string(d.DeviceID), nullString(d.TechnicianID), dateArg(d.FollowUpDate), nullTimeArg(d.ReleasedAt))
	if err != nil {
		return fmt.Errorf("failed to save diagnostic: %w", err)
	}
	return nil
}

// ListDueDiagnostics returns unreleased reservations whose follow-up date is
// before asOf.
func (s *Store) ListDueDiagnostics(ctx context.Context, asOf generic.TimePoint) ([]notify.Diagnostic, error) {
	rows, err := s.query(ctx, `
		SELECT id, device_id, technician_id, follow_up_date
		FROM diagnostics
		WHERE released_at IS NULL AND follow_up_date < ?
		ORDER BY id`, dateArg(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to list diagnostics: %w", err)
	}
	defer rows.Close()

	var out []notify.Diagnostic
	for rows.Next() {
		var (
			d          notify.Diagnostic
			deviceID   string
			technician sql.NullString
			followUp   dateCol
		)
		if err := rows.Scan(&d.ID, &deviceID, &technician, &followUp); err != nil {
			return nil, err
		}
		d.DeviceID = generic.DeviceID(deviceID)
		d.TechnicianID = technician.String
		d.FollowUpDate = followUp.Value
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReleaseDiagnostic marks the reservation released and puts the device back
// to ACTIVE in one transaction.
func (s *Store) ReleaseDiagnostic(ctx context.Context, id string, at time.Time) error {
	return s.atomically(ctx, func(tx *Store) error {
		var deviceID string
		err := tx.queryRow(ctx, tx.forUpdate(`SELECT device_id FROM diagnostics WHERE id = ?`), id).Scan(&deviceID)
		if errors.Is(err, sql.ErrNoRows) {
			return generic.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read diagnostic: %w", err)
		}
		if _, err := tx.exec(ctx, `UPDATE diagnostics SET released_at = ? WHERE id = ?`, timeArg(at), id); err != nil {
			return fmt.Errorf("failed to release diagnostic: %w", err)
		}
		return tx.SaveDevice(ctx, generic.DeviceID(deviceID), notify.DeviceActive)
	})
}
