package repositories

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/yubico/u2fval/internal/platform/db"
)

// TransactionRepository manages the transactions table — the relational
// backend of the transaction store (spec §4.2).
type TransactionRepository struct {
	db *db.DB
}

// NewTransactionRepository creates a new transaction repository.
func NewTransactionRepository(pgDB *db.DB) *TransactionRepository {
	return &TransactionRepository{db: pgDB}
}

// TransactionKey computes the unique, bounded-width key spec.md §9
// standardizes on: hex(SHA-256(challenge)), regardless of challenge length.
func TransactionKey(challenge []byte) string {
	sum := sha256.Sum256(challenge)
	return hex.EncodeToString(sum[:])
}

func (r *TransactionRepository) countAll(q db.Queryer, userID int64) (int, error) {
	query := r.db.Rebind(`SELECT COUNT(*) FROM transactions WHERE user_id = ?`)
	var n int
	if err := q.QueryRow(query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

// PurgeExpired deletes every transaction older than ttl, for any user.
func (r *TransactionRepository) PurgeExpired(q db.Queryer, ttl time.Duration) error {
	query := r.db.Rebind(`DELETE FROM transactions WHERE created_at <= ?`)
	cutoff := time.Now().Add(-ttl)
	if _, err := q.Exec(query, cutoff); err != nil {
		return fmt.Errorf("failed to purge expired transactions: %w", err)
	}
	return nil
}

// EvictOldest deletes a user's oldest live transactions until at most
// keep remain.
func (r *TransactionRepository) EvictOldest(q db.Queryer, userID int64, keep int) error {
	n, err := r.countAll(q, userID)
	if err != nil {
		return err
	}
	if n <= keep {
		return nil
	}
	toEvict := n - keep
	query := r.db.Rebind(`DELETE FROM transactions WHERE id IN (
		SELECT id FROM transactions WHERE user_id = ? ORDER BY created_at ASC LIMIT ?)`)
	if _, err := q.Exec(query, userID, toEvict); err != nil {
		return fmt.Errorf("failed to evict oldest transactions: %w", err)
	}
	return nil
}

// Store inserts a new transaction row.
func (r *TransactionRepository) Store(q db.Queryer, userID int64, challenge, data []byte) error {
	key := TransactionKey(challenge)
	query := r.db.Rebind(`INSERT INTO transactions (user_id, transaction_id, data) VALUES (?, ?, ?)`)
	if _, err := q.Exec(query, userID, key, data); err != nil {
		return fmt.Errorf("failed to store transaction: %w", err)
	}
	return nil
}

// Retrieve finds and deletes the transaction for this challenge atomically,
// returning ErrNotFound if absent or if it belongs to a different user
// (the cross-tenant anti-confusion check of spec §4.2).
func (r *TransactionRepository) Retrieve(q db.Queryer, userID int64, challenge []byte) ([]byte, error) {
	key := TransactionKey(challenge)
	query := r.db.Rebind(`SELECT id, user_id, data FROM transactions WHERE transaction_id = ?`)
	row := q.QueryRow(query, key)

	var id, owner int64
	var data []byte
	if err := row.Scan(&id, &owner, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if owner != userID {
		return nil, ErrNotFound
	}

	del := r.db.Rebind(`DELETE FROM transactions WHERE id = ?`)
	if _, err := q.Exec(del, id); err != nil {
		return nil, fmt.Errorf("failed to delete transaction: %w", err)
	}
	return data, nil
}
