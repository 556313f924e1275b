package db

import "fmt"

// postgresSchema and sqliteSchema create every table named in spec.md §3 and
// §6 ("Persisted state layout"), including the cascades required by the
// invariants in §3.4. u2fval owns its schema outright — like the original
// Python implementation's Base.metadata.create_all, there is no separate
// migration framework, only idempotent creation at startup.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		app_id TEXT NOT NULL,
		valid_facets TEXT[] NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		client_id BIGINT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		UNIQUE (client_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS certificates (
		id BIGSERIAL PRIMARY KEY,
		fingerprint TEXT NOT NULL UNIQUE,
		der BYTEA NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id BIGSERIAL PRIMARY KEY,
		handle TEXT NOT NULL UNIQUE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		bind_data BYTEA NOT NULL,
		certificate_id BIGINT NOT NULL REFERENCES certificates(id),
		compromised BOOLEAN NOT NULL DEFAULT false,
		counter BIGINT,
		transports SMALLINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		authenticated_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS device_properties (
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (device_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		transaction_id TEXT NOT NULL UNIQUE,
		data BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		app_id TEXT NOT NULL,
		valid_facets TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id INTEGER NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		UNIQUE (client_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS certificates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL UNIQUE,
		der BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		handle TEXT NOT NULL UNIQUE,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		bind_data BLOB NOT NULL,
		certificate_id INTEGER NOT NULL REFERENCES certificates(id),
		compromised BOOLEAN NOT NULL DEFAULT 0,
		counter INTEGER,
		transports INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		authenticated_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS device_properties (
		device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (device_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		transaction_id TEXT NOT NULL UNIQUE,
		data BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// Migrate creates every table the service needs if it does not already
// exist. Safe to call on every startup.
func (db *DB) Migrate() error {
	schema := postgresSchema
	if db.Driver != "postgres" {
		schema = sqliteSchema
	}
	if db.Driver == "sqlite3" {
		if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			return fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
