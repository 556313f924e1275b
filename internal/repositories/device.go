package repositories

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/yubico/u2fval/internal/platform/db"
)

// DeviceRepository manages the devices and device_properties tables.
type DeviceRepository struct {
	db *db.DB
}

// NewDeviceRepository creates a new device repository.
func NewDeviceRepository(pgDB *db.DB) *DeviceRepository {
	return &DeviceRepository{db: pgDB}
}

// NewHandle mints a fresh, externally-visible 128-bit random device handle.
func NewHandle() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate device handle: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Create inserts a newly-registered device.
func (r *DeviceRepository) Create(q db.Queryer, userID int64, bindData []byte, certificateID int64, transports uint8) (*db.Device, error) {
	handle, err := NewHandle()
	if err != nil {
		return nil, err
	}
	d := &db.Device{
		Handle:        handle,
		UserID:        userID,
		BindData:      bindData,
		CertificateID: certificateID,
		Transports:    transports,
	}

	if r.db.Driver == "postgres" {
		query := r.db.Rebind(`INSERT INTO devices (handle, user_id, bind_data, certificate_id, transports)
			VALUES (?, ?, ?, ?, ?) RETURNING id, created_at`)
		if err := q.QueryRow(query, handle, userID, bindData, certificateID, transports).Scan(&d.ID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to create device: %w", err)
		}
		return d, nil
	}

	query := r.db.Rebind(`INSERT INTO devices (handle, user_id, bind_data, certificate_id, transports)
		VALUES (?, ?, ?, ?, ?)`)
	res, err := q.Exec(query, handle, userID, bindData, certificateID, transports)
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read new device id: %w", err)
	}
	d.ID = id
	d.CreatedAt = time.Now()
	return d, nil
}

// GetByHandle fetches a device owned by userID. Returns ErrNotFound if the
// handle is unknown or owned by a different user — callers must not leak
// whether a handle exists for another user (spec §4.4.7).
func (r *DeviceRepository) GetByHandle(q db.Queryer, userID int64, handle string) (*db.Device, error) {
	query := r.db.Rebind(`SELECT id, handle, user_id, bind_data, certificate_id, compromised, counter, transports, created_at, authenticated_at
		FROM devices WHERE handle = ? AND user_id = ?`)
	row := q.QueryRow(query, handle, userID)
	return scanDevice(row)
}

// ListByUser returns every device belonging to a user.
func (r *DeviceRepository) ListByUser(q db.Queryer, userID int64) ([]*db.Device, error) {
	query := r.db.Rebind(`SELECT id, handle, user_id, bind_data, certificate_id, compromised, counter, transports, created_at, authenticated_at
		FROM devices WHERE user_id = ? ORDER BY created_at ASC`)
	rows, err := q.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var out []*db.Device
	for rows.Next() {
		d, err := scanDeviceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListByHandles returns exactly the named devices owned by userID, in the
// order requested. Returns ErrNotFound if any handle does not resolve.
func (r *DeviceRepository) ListByHandles(q db.Queryer, userID int64, handles []string) ([]*db.Device, error) {
	out := make([]*db.Device, 0, len(handles))
	for _, h := range handles {
		d, err := r.GetByHandle(q, userID, h)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row *sql.Row) (*db.Device, error) {
	d, err := scanDeviceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func scanDeviceRows(rows *sql.Rows) (*db.Device, error) {
	return scanDeviceRow(rows)
}

func scanDeviceRow(s rowScanner) (*db.Device, error) {
	d := &db.Device{}
	var counter sql.NullInt64
	var authenticatedAt sql.NullTime
	if err := s.Scan(&d.ID, &d.Handle, &d.UserID, &d.BindData, &d.CertificateID, &d.Compromised, &counter, &d.Transports, &d.CreatedAt, &authenticatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	if counter.Valid {
		c := uint32(counter.Int64)
		d.Counter = &c
	}
	if authenticatedAt.Valid {
		t := authenticatedAt.Time
		d.AuthenticatedAt = &t
	}
	return d, nil
}

// UpdateCounter persists a successful sign: advances the counter and
// authenticated_at timestamp. Callers must hold the row lock acquired by
// LockForSign within the same transaction (spec §5).
func (r *DeviceRepository) UpdateCounter(q db.Queryer, deviceID int64, counter uint32, authenticatedAt time.Time) error {
	query := r.db.Rebind(`UPDATE devices SET counter = ?, authenticated_at = ? WHERE id = ?`)
	_, err := q.Exec(query, counter, authenticatedAt, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update device counter: %w", err)
	}
	return nil
}

// LockForSign re-reads a device with a row lock held for the duration of the
// enclosing transaction, so two concurrent sign_completes against the same
// device cannot both observe the same prior counter (spec §5). On SQLite
// forUpdate is empty; the single-connection pool set up by db.Open runs one
// transaction at a time instead.
func (r *DeviceRepository) LockForSign(q db.Queryer, userID, deviceID int64, forUpdate string) (*db.Device, error) {
	query := r.db.Rebind(fmt.Sprintf(`SELECT id, handle, user_id, bind_data, certificate_id, compromised, counter, transports, created_at, authenticated_at
		FROM devices WHERE id = ? AND user_id = ? %s`, forUpdate))
	row := q.QueryRow(query, deviceID, userID)
	return scanDevice(row)
}

// SetCompromised latches a device's compromised flag.
func (r *DeviceRepository) SetCompromised(q db.Queryer, deviceID int64) error {
	query := r.db.Rebind(`UPDATE devices SET compromised = true WHERE id = ?`)
	if r.db.Driver != "postgres" {
		query = r.db.Rebind(`UPDATE devices SET compromised = 1 WHERE id = ?`)
	}
	_, err := q.Exec(query, deviceID)
	if err != nil {
		return fmt.Errorf("failed to latch compromised device: %w", err)
	}
	return nil
}

// Delete removes a device; cascades to its properties. Idempotent.
func (r *DeviceRepository) Delete(q db.Queryer, userID int64, handle string) error {
	query := r.db.Rebind(`DELETE FROM devices WHERE handle = ? AND user_id = ?`)
	_, err := q.Exec(query, handle, userID)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

// GetProperties loads a device's property bag as a map.
func (r *DeviceRepository) GetProperties(q db.Queryer, deviceID int64) (map[string]string, error) {
	query := r.db.Rebind(`SELECT key, value FROM device_properties WHERE device_id = ?`)
	rows, err := q.Query(query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query properties: %w", err)
	}
	defer rows.Close()

	props := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan property: %w", err)
		}
		props[k] = v
	}
	return props, rows.Err()
}

// MergeProperties applies a property-bag update with null-deletion
// semantics (spec §4.4.6): a nil value in updates deletes the key, any
// other value upserts it. Returns the resulting full property bag.
func (r *DeviceRepository) MergeProperties(q db.Queryer, deviceID int64, updates map[string]*string) (map[string]string, error) {
	for k, v := range updates {
		if v == nil {
			query := r.db.Rebind(`DELETE FROM device_properties WHERE device_id = ? AND key = ?`)
			if _, err := q.Exec(query, deviceID, k); err != nil {
				return nil, fmt.Errorf("failed to delete property %q: %w", k, err)
			}
			continue
		}
		if err := r.upsertProperty(q, deviceID, k, *v); err != nil {
			return nil, err
		}
	}
	return r.GetProperties(q, deviceID)
}

func (r *DeviceRepository) upsertProperty(q db.Queryer, deviceID int64, key, value string) error {
	if r.db.Driver == "postgres" {
		query := r.db.Rebind(`INSERT INTO device_properties (device_id, key, value) VALUES (?, ?, ?)
			ON CONFLICT (device_id, key) DO UPDATE SET value = EXCLUDED.value`)
		if _, err := q.Exec(query, deviceID, key, value); err != nil {
			return fmt.Errorf("failed to upsert property %q: %w", key, err)
		}
		return nil
	}
	query := r.db.Rebind(`INSERT INTO device_properties (device_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (device_id, key) DO UPDATE SET value = excluded.value`)
	if _, err := q.Exec(query, deviceID, key, value); err != nil {
		return fmt.Errorf("failed to upsert property %q: %w", key, err)
	}
	return nil
}
