package repositories

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/yubico/u2fval/internal/platform/db"
)

// CertificateRepository manages the certificates table. Certificates are
// shared across devices and deduplicated by fingerprint (spec §3, §4.1).
type CertificateRepository struct {
	db *db.DB
}

// NewCertificateRepository creates a new certificate repository.
func NewCertificateRepository(pgDB *db.DB) *CertificateRepository {
	return &CertificateRepository{db: pgDB}
}

// Fingerprint computes the externally-exposed, deduplication-key
// fingerprint of a DER-encoded certificate: hex(SHA-256(der)).
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// GetOrCreate returns the existing certificate row for this DER's
// fingerprint, inserting one if this is the first device to present it.
func (r *CertificateRepository) GetOrCreate(q db.Queryer, der []byte) (*db.Certificate, error) {
	fp := Fingerprint(der)

	query := r.db.Rebind(`SELECT id, fingerprint, der FROM certificates WHERE fingerprint = ?`)
	row := q.QueryRow(query, fp)
	cert := &db.Certificate{}
	err := row.Scan(&cert.ID, &cert.Fingerprint, &cert.DER)
	if err == nil {
		return cert, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to scan certificate: %w", err)
	}

	if r.db.Driver == "postgres" {
		insert := r.db.Rebind(`INSERT INTO certificates (fingerprint, der) VALUES (?, ?) RETURNING id`)
		c := &db.Certificate{Fingerprint: fp, DER: der}
		if err := q.QueryRow(insert, fp, der).Scan(&c.ID); err != nil {
			return nil, fmt.Errorf("failed to create certificate: %w", err)
		}
		return c, nil
	}
	insert := r.db.Rebind(`INSERT INTO certificates (fingerprint, der) VALUES (?, ?)`)
	res, err := q.Exec(insert, fp, der)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read new certificate id: %w", err)
	}
	return &db.Certificate{ID: id, Fingerprint: fp, DER: der}, nil
}

// GetByID loads a certificate by surrogate ID, used when returning a PEM
// encoding of a device's attestation certificate (spec §4.5).
func (r *CertificateRepository) GetByID(q db.Queryer, id int64) (*db.Certificate, error) {
	query := r.db.Rebind(`SELECT id, fingerprint, der FROM certificates WHERE id = ?`)
	row := q.QueryRow(query, id)
	cert := &db.Certificate{}
	if err := row.Scan(&cert.ID, &cert.Fingerprint, &cert.DER); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan certificate: %w", err)
	}
	return cert, nil
}
