// Package repositories provides data access for the U2F relational model
// (spec §3, §4.1): clients, users, certificates, devices, properties, and
// transactions. Every method takes a db.Queryer so callers can run it
// either directly against the pool or inside the *sql.Tx an engine
// operation has already opened.
package repositories

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/yubico/u2fval/internal/platform/db"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("not found")

// ClientRepository manages the clients table.
type ClientRepository struct {
	db *db.DB
}

// NewClientRepository creates a new client repository.
func NewClientRepository(pgDB *db.DB) *ClientRepository {
	return &ClientRepository{db: pgDB}
}

// GetByName looks up a client by its unique external name.
func (r *ClientRepository) GetByName(q db.Queryer, name string) (*db.Client, error) {
	query := r.db.Rebind(`SELECT id, name, app_id, valid_facets, created_at FROM clients WHERE name = ?`)
	row := q.QueryRow(query, name)
	return scanClient(row, r.db.Driver)
}

// GetByID looks up a client by its surrogate ID.
func (r *ClientRepository) GetByID(q db.Queryer, id int64) (*db.Client, error) {
	query := r.db.Rebind(`SELECT id, name, app_id, valid_facets, created_at FROM clients WHERE id = ?`)
	row := q.QueryRow(query, id)
	return scanClient(row, r.db.Driver)
}

func scanClient(row *sql.Row, driver string) (*db.Client, error) {
	c := &db.Client{}
	if driver == "postgres" {
		var facets pq.StringArray
		if err := row.Scan(&c.ID, &c.Name, &c.AppID, &facets, &c.CreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		c.ValidFacets = []string(facets)
		return c, nil
	}
	var facetsCSV string
	if err := row.Scan(&c.ID, &c.Name, &c.AppID, &facetsCSV, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan client: %w", err)
	}
	c.ValidFacets = decodeFacets(facetsCSV)
	return c, nil
}

// Create inserts a new client. Used by the admin CLI, not the ceremony
// engine (clients are created externally per spec §3).
func (r *ClientRepository) Create(q db.Queryer, name, appID string, facets []string) (*db.Client, error) {
	if r.db.Driver == "postgres" {
		query := r.db.Rebind(`INSERT INTO clients (name, app_id, valid_facets) VALUES (?, ?, ?) RETURNING id, created_at`)
		c := &db.Client{Name: name, AppID: appID, ValidFacets: facets}
		if err := q.QueryRow(query, name, appID, pq.Array(facets)).Scan(&c.ID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to create client: %w", err)
		}
		return c, nil
	}
	query := r.db.Rebind(`INSERT INTO clients (name, app_id, valid_facets) VALUES (?, ?, ?)`)
	res, err := q.Exec(query, name, appID, encodeFacets(facets))
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read new client id: %w", err)
	}
	return r.GetByID(q, id)
}

// Delete removes a client; cascades to users, devices, properties, and
// transactions via the schema's foreign keys.
func (r *ClientRepository) Delete(q db.Queryer, id int64) error {
	query := r.db.Rebind(`DELETE FROM clients WHERE id = ?`)
	_, err := q.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	return nil
}

func encodeFacets(facets []string) string {
	out := ""
	for i, f := range facets {
		if i > 0 {
			out += "\n"
		}
		out += f
	}
	return out
}

func decodeFacets(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == '\n' {
			out = append(out, csv[start:i])
			start = i + 1
		}
	}
	return out
}
