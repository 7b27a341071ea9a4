// Package sqlstore implements the transactional SQL capability (spec §6
// "Persistence (consumed)"): a thin database/sql wrapper over two
// registered drivers plus the identifier-validation helpers that back the
// §4.C13 SQL-injection invariant ("table/column/schema names come only
// from the IR — never from caller input"). Follows a Storage-interface-
// plus-backend-adapter shape, generalized from a single-purpose record
// store to a general tenant-scoped transactional capability.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/dolthub/driver"     // versioned-SQL backend option for the Schema Registry (C2)
	_ "github.com/go-sql-driver/mysql" // primary transactional driver

	"github.com/entityplatform/core/internal/resilience"
)

// DB wraps *sql.DB with the transaction helper every mutating component
// (C9/C10/C12/C13) uses to scope multi-row writes (spec §5 "DB
// transactions scope all multi-row writes").
type DB struct {
	*sql.DB
	breaker *resilience.Breaker
}

// Open opens a connection pool for driverName ("mysql" or "dolt") against
// dsn, with a circuit breaker per SPEC_FULL's AMBIENT STACK resilience
// section. WithTx runs through the breaker, so a stalled database trips it
// instead of queuing every transactional caller behind it; the
// QueryContext, QueryRowContext and ExecContext methods promoted from
// *sql.DB do not pass through the breaker.
func Open(driverName, dsn string) (*DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driverName, err)
	}
	return &DB{DB: db, breaker: resilience.New("sqlstore", resilience.Settings{})}, nil
}

// Queryer is the read surface a component needs; callers depend on this
// instead of *sql.DB/*sql.Tx directly so the same code works inside or
// outside a transaction.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Execer is the write surface a component needs, again transaction-agnostic.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Tx is the read+write surface inside a transaction.
type Tx interface {
	Queryer
	Execer
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error or panic — the boundary every outbox-coupled mutation
// (spec §4.C12 "Write path": "inside the same transaction as the business
// change") and cascade delete (§4.C13) runs through. fn receives the Tx
// interface rather than *sql.Tx directly so callers can depend on the same
// transaction-agnostic surface Queryer/Execer already give them, and so a
// test double never needs a live database connection to exercise the
// transactional code path.
func (db *DB) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	return resilience.DoVoid(db.breaker, ctx, func(ctx context.Context) error {
		return db.withTx(ctx, fn)
	})
}

func (db *DB) withTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, txErr := db.BeginTx(ctx, nil)
	if txErr != nil {
		return fmt.Errorf("sqlstore: begin tx: %w", txErr)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}

// identifierPattern matches the same `^[A-Za-z][A-Za-z0-9_]*$` rule spec
// §4.C4 step 3 enforces on field names at compile time; re-checking it
// here means a corrupted or hand-edited IR can never smuggle an
// injection-shaped identifier into a query string.
var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s is safe to interpolate as a bare SQL
// identifier (table or column name).
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// QuoteIdentifier backtick-quotes s after validating it, refusing to
// build a query fragment from any value that didn't come from the IR
// (spec §4.C13 "Validate table/column/schema names come only from the
// IR — never from caller input (SQL-injection invariant)").
func QuoteIdentifier(s string) (string, error) {
	if !ValidIdentifier(s) {
		return "", fmt.Errorf("sqlstore: refusing to use %q as a SQL identifier", s)
	}
	return "`" + s + "`", nil
}
