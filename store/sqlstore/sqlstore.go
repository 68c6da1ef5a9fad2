/*
Package sqlstore implements every storage interface of the billing engine on
database/sql.

PURPOSE:
  One implementation shared by SQLite and PostgreSQL. The few dialect
  differences (placeholder syntax, unique-violation detection, row locking)
  live in a Dialect supplied by the opener packages.

INTERFACES IMPLEMENTED:
  billing.TxStore:          Rentals, periods, payments, transactional recompute
  cnam.BondStore:           Bond insert with unique bond_number, latest number
  cnam.TariffStore:         Nomenclature upsert by bond type
  notify.NotificationStore: Lookup-before-create, partial unique index guard
  notify.Source:            Sweep reads and diagnostic release

COLUMN ENCODING:
  Dates are written as YYYY-MM-DD text and money as decimal text, so the
  same statements work whether the column is TEXT (SQLite) or DATE/NUMERIC
  (PostgreSQL). Timestamps are written as RFC3339 text. Scanners accept
  both the text and the native driver representation.

UNIQUENESS GUARDS:
  bonds.bond_number UNIQUE                       -> generic.ErrDuplicateBondNumber
  notifications(entity_id, type) WHERE OPEN      -> generic.ErrNotificationExists
  payments.period_id REFERENCES rental_periods   -> deletes of paid periods fail

USAGE:
  db, _ := sql.Open(...)
  store := sqlstore.New(db, sqlstore.Dialect{...})
  err := store.WithTx(ctx, func(tx billing.Store) error { ... })

SEE ALSO:
  - store/sqlite: SQLite opener and inline schema
  - store/postgres: PostgreSQL opener and versioned migrations
  - store/memory: Same contracts in memory
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/medrent/billing-engine/billing"
	"github.com/medrent/billing-engine/cnam"
	"github.com/medrent/billing-engine/notify"
)

// =============================================================================
// DIALECT
// =============================================================================

// Placeholder is the bind parameter syntax of a driver.
type Placeholder int

const (
	// Question binds parameters as ?, ?, ? (SQLite, MySQL).
	Question Placeholder = iota
	// Dollar binds parameters as $1, $2, $3 (PostgreSQL).
	Dollar
)

// Dialect captures what differs between SQL backends.
type Dialect struct {
	Name        string
	Placeholder Placeholder

	// UniqueViolation reports whether err is a unique constraint violation
	// and, when known, the violated constraint or column list.
	UniqueViolation func(err error) (constraint string, ok bool)

	// LockRows appends FOR UPDATE to reads that precede a write inside a
	// transaction. SQLite serializes writers and does not support it.
	LockRows bool
}

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if d.Placeholder != Dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) uniqueViolation(err error) (string, bool) {
	if err == nil || d.UniqueViolation == nil {
		return "", false
	}
	return d.UniqueViolation(err)
}

// =============================================================================
// STORE
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements the storage interfaces on a *sql.DB. A Store handed to a
// WithTx callback is bound to the open transaction.
type Store struct {
	db      *sql.DB
	q       querier
	dialect Dialect
	inTx    bool
}

var (
	_ billing.TxStore          = (*Store)(nil)
	_ cnam.BondStore           = (*Store)(nil)
	_ cnam.TariffStore         = (*Store)(nil)
	_ notify.NotificationStore = (*Store)(nil)
	_ notify.Source            = (*Store)(nil)
)

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, q: db, dialect: dialect}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithTx executes fn within a database transaction.
// If fn returns an error, the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	return s.atomically(ctx, func(tx *Store) error { return fn(tx) })
}

// atomically runs fn against a transaction-bound Store. Nested calls reuse
// the outer transaction.
func (s *Store) atomically(ctx context.Context, fn func(*Store) error) error {
	if s.inTx {
		return fn(s)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck

	if err := fn(&Store{db: s.db, q: sqlTx, dialect: s.dialect, inTx: true}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

// forUpdate appends a row lock when the dialect supports it and the store
// is inside a transaction.
func (s *Store) forUpdate(query string) string {
	if s.inTx && s.dialect.LockRows {
		return query + " FOR UPDATE"
	}
	return query
}

// inList returns "?, ?, ?" for n parameters.
func inList(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
