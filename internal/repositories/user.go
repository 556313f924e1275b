package repositories

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/yubico/u2fval/internal/platform/db"
)

// UserRepository manages the users table.
type UserRepository struct {
	db *db.DB
}

// NewUserRepository creates a new user repository.
func NewUserRepository(pgDB *db.DB) *UserRepository {
	return &UserRepository{db: pgDB}
}

// GetByName looks up a user scoped to one client.
func (r *UserRepository) GetByName(q db.Queryer, clientID int64, name string) (*db.User, error) {
	query := r.db.Rebind(`SELECT id, client_id, name FROM users WHERE client_id = ? AND name = ?`)
	row := q.QueryRow(query, clientID, name)
	u := &db.User{}
	if err := row.Scan(&u.ID, &u.ClientID, &u.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

// GetOrCreate returns the existing user by name, or creates it — the
// ceremony for a brand-new user must succeed before that user exists
// formally (spec §4.2).
func (r *UserRepository) GetOrCreate(q db.Queryer, clientID int64, name string) (*db.User, error) {
	u, err := r.GetByName(q, clientID, name)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if r.db.Driver == "postgres" {
		query := r.db.Rebind(`INSERT INTO users (client_id, name) VALUES (?, ?) RETURNING id`)
		u := &db.User{ClientID: clientID, Name: name}
		if err := q.QueryRow(query, clientID, name).Scan(&u.ID); err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		return u, nil
	}
	query := r.db.Rebind(`INSERT INTO users (client_id, name) VALUES (?, ?)`)
	res, err := q.Exec(query, clientID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read new user id: %w", err)
	}
	return &db.User{ID: id, ClientID: clientID, Name: name}, nil
}

// Delete removes a user; cascades to its devices, properties, and
// transactions.
func (r *UserRepository) Delete(q db.Queryer, id int64) error {
	query := r.db.Rebind(`DELETE FROM users WHERE id = ?`)
	_, err := q.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}
