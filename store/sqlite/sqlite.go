/*
Package sqlite opens a SQLite database for the billing engine.

PURPOSE:
  Opens the database, applies the schema, and returns a sqlstore.Store with
  the SQLite dialect. All queries live in store/sqlstore; this package only
  knows how SQLite differs.

KEY TABLES:
  rentals:        Rental agreements, active bond pointer
  bonds:          CNAM bonds, bond_number UNIQUE
  tariffs:        Nomenclature, one row per bond type
  rental_periods: Billing periods, FK to rentals
  payments:       Payments, FK to rental_periods (paid periods cannot be deleted)
  notifications:  Sweep output, one OPEN row per (entity_id, type)
  devices:        Device availability
  diagnostics:    Diagnostic reservations with a follow-up date

INDEXES:
  - idx_periods_rental_start: ListPeriods (hot path of every recompute)
  - idx_bonds_end_date: Renewal sweep window scan
  - idx_notifications_open: Partial UNIQUE guard on open notifications

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and foreign keys on.
  The pool is limited to one connection: SQLite has a single writer, and
  ":memory:" databases are per connection.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is applied on New() with CREATE ... IF NOT EXISTS. PostgreSQL uses
  versioned migrations instead (store/postgres).

SEE ALSO:
  - store/sqlstore: Shared queries
  - store/postgres: PostgreSQL opener
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/medrent/billing-engine/store/sqlstore"
)

// Dialect is the SQLite flavour of sqlstore.
var Dialect = sqlstore.Dialect{
	Name:            "sqlite",
	Placeholder:     sqlstore.Question,
	UniqueViolation: uniqueViolation,
}

// New opens (creating if needed) the database at dbPath and applies the
// schema. Use ":memory:" for an in-memory database.
func New(dbPath string) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return sqlstore.New(db, Dialect), nil
}

// migrate creates the database schema.
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// uniqueViolation recognizes SQLITE_CONSTRAINT_UNIQUE / _PRIMARYKEY and
// returns the "table.column, ..." list from the message.
func uniqueViolation(err error) (string, bool) {
	var se sqlite3.Error
	if errors.As(err, &se) {
		if se.ExtendedCode != sqlite3.ErrConstraintUnique && se.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
			return "", false
		}
	} else if err == nil || !strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return "", false
	}
	msg := err.Error()
	if i := strings.Index(msg, "failed: "); i >= 0 {
		return msg[i+len("failed: "):], true
	}
	return msg, true
}

const schema = `
	-- Rentals
	CREATE TABLE IF NOT EXISTS rentals (
		id TEXT PRIMARY KEY,
		patient_id TEXT,
		company_id TEXT,
		device_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		monthly_rate TEXT NOT NULL,
		status TEXT NOT NULL,
		active_bond_id TEXT,
		CHECK ((patient_id IS NULL) <> (company_id IS NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_rentals_status
		ON rentals(status);

	-- CNAM bonds
	CREATE TABLE IF NOT EXISTS bonds (
		id TEXT PRIMARY KEY,
		bond_number TEXT NOT NULL UNIQUE,
		bond_type TEXT NOT NULL,
		category TEXT NOT NULL,
		amount TEXT NOT NULL,
		monthly_rate TEXT NOT NULL,
		status TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		rental_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bonds_end_date
		ON bonds(end_date);

	-- Nomenclature
	CREATE TABLE IF NOT EXISTS tariffs (
		bond_type TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		amount TEXT NOT NULL,
		monthly_rate TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT 1
	);

	-- Billing periods
	CREATE TABLE IF NOT EXISTS rental_periods (
		id TEXT PRIMARY KEY,
		rental_id TEXT NOT NULL REFERENCES rentals(id),
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		expected_amount TEXT NOT NULL,
		cnam_expected_amount TEXT,
		patient_expected_amount TEXT,
		is_gap_period BOOLEAN NOT NULL DEFAULT 0,
		gap_reason TEXT,
		cnam_bond_id TEXT,
		gap_resolved_at TEXT,
		gap_resolved_by TEXT,
		gap_resolution_note TEXT,
		CHECK (end_date >= start_date)
	);

	CREATE INDEX IF NOT EXISTS idx_periods_rental_start
		ON rental_periods(rental_id, start_date);

	-- Payments
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		rental_id TEXT NOT NULL REFERENCES rentals(id),
		period_id TEXT NOT NULL REFERENCES rental_periods(id),
		amount TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		period_start_date TEXT,
		period_end_date TEXT,
		method TEXT NOT NULL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_period
		ON payments(period_id);
	CREATE INDEX IF NOT EXISTS idx_payments_rental
		ON payments(rental_id);

	-- Notifications
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		due_date TEXT NOT NULL,
		status TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		recipient_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- At most one open notification per entity and type
	CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_open
		ON notifications(entity_id, type)
		WHERE status = 'OPEN';

	-- Devices and diagnostic reservations
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS diagnostics (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		technician_id TEXT,
		follow_up_date TEXT NOT NULL,
		released_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_diagnostics_due
		ON diagnostics(follow_up_date) WHERE released_at IS NULL;
`
