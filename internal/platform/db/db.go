// Package db provides the relational persistent store (spec §4.1, C1):
// connection management, schema bootstrap, and the entity models every
// repository in internal/repositories works against.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/yubico/u2fval/internal/platform/observability"
)

// DB wraps a *sql.DB for one of the two supported drivers. Postgres and
// SQLite use different placeholder syntax ($1 vs ?) and locking clauses, so
// the Driver field is consulted by query builders in internal/repositories.
type DB struct {
	*sql.DB
	Driver string
}

// Open opens (and pings) a relational store for the given driver/DSN pair.
// driver is "postgres" or "sqlite3".
func Open(driver, dsn string) (*DB, error) {
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}

	if driver == "postgres" {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	} else {
		// sqlite3 only tolerates one writer at a time.
		sqlDB.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}

	return &DB{DB: sqlDB, Driver: driver}, nil
}

// Health reports whether the store is reachable, timing the check and
// reporting the current connection-pool occupancy as a side effect so a
// periodic caller (cmd/u2fvald's health-check loop) keeps both gauges
// fresh without a dedicated poller.
func (db *DB) Health(ctx context.Context) error {
	start := time.Now()
	err := db.PingContext(ctx)
	observability.GetMetrics().DBQueryDuration.WithLabelValues("health").Observe(time.Since(start).Seconds())
	db.reportPoolStats()
	if err != nil {
		return fmt.Errorf("%s health check failed: %w", db.Driver, err)
	}
	return nil
}

// reportPoolStats publishes the underlying *sql.DB connection pool's
// occupancy (spec-silent, but every production deployment of this service
// needs pool exhaustion to show up in its dashboards).
func (db *DB) reportPoolStats() {
	stats := db.Stats()
	gauge := observability.GetMetrics().DBConnectionPool
	gauge.WithLabelValues(db.Driver, "in_use").Set(float64(stats.InUse))
	gauge.WithLabelValues(db.Driver, "idle").Set(float64(stats.Idle))
	gauge.WithLabelValues(db.Driver, "open").Set(float64(stats.OpenConnections))
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("failed to close %s connection: %w", db.Driver, err)
	}
	return nil
}

// Placeholder returns the positional placeholder for parameter index n
// (1-based) in the store's native syntax.
func (db *DB) Placeholder(n int) string {
	if db.Driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// ForUpdate returns the row-locking clause used to serialize sign_complete's
// read-modify-write of device.counter (spec §5). SQLite has no row-level
// locking, so the clause is empty there; Open caps the SQLite pool at one
// connection, which lets only one transaction run at a time.
func (db *DB) ForUpdate() string {
	if db.Driver == "postgres" {
		return "FOR UPDATE"
	}
	return ""
}

// TxOptions returns the sql.TxOptions that give sign_complete's counter
// check the isolation spec §5 requires for each driver.
func (db *DB) TxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelDefault}
}

// Rebind rewrites a query written with "?" placeholders into the target
// driver's native syntax. Repositories are written once against "?" and
// rebound per-store, the way database/sql libraries commonly bridge
// driver placeholder dialects.
func (db *DB) Rebind(query string) string {
	if db.Driver != "postgres" {
		return query
	}
	var b []byte
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b = append(b, fmt.Appendf(nil, "$%d", n)...)
			continue
		}
		b = append(b, query[i])
	}
	return string(b)
}

// Queryer is the subset of *sql.DB and *sql.Tx that repositories need.
// The multi-statement engine operations (register/sign start and complete,
// set-properties) run their repository calls against a single *sql.Tx
// obtained from DB.BeginTx, committed on success and rolled back on any
// error (spec §4.1, §7); read-only lookups and single-statement deletes run
// directly against the pool.
type Queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}
