package txstore

import (
	"context"
	"fmt"

	"github.com/yubico/u2fval/internal/platform/db"
	"github.com/yubico/u2fval/internal/repositories"
)

// RelationalStore is the transaction store backed by the same relational
// database as every other entity (spec §4.2's default backend). Unlike the
// register/sign completion operations, _start and _complete are separate
// HTTP requests, so each Store/Retrieve call runs in its own short
// transaction rather than sharing the engine's per-operation tx.
type RelationalStore struct {
	db     *db.DB
	repo   *repositories.TransactionRepository
	config Config
}

// NewRelationalStore builds a RelationalStore over the given repository.
func NewRelationalStore(pgDB *db.DB, repo *repositories.TransactionRepository, config Config) *RelationalStore {
	return &RelationalStore{db: pgDB, repo: repo, config: config}
}

// Store purges globally expired transactions, evicts the user's oldest
// transactions down to one below capacity, then inserts the new one, all
// within a single transaction.
func (s *RelationalStore) Store(ctx context.Context, userID int64, challenge, data []byte) error {
	tx, err := s.db.BeginTx(ctx, s.db.TxOptions())
	if err != nil {
		return fmt.Errorf("failed to begin transaction-store tx: %w", err)
	}
	defer tx.Rollback()

	if s.config.TTL > 0 {
		if err := s.repo.PurgeExpired(tx, s.config.TTL); err != nil {
			return err
		}
	}
	if s.config.MaxTransactions > 0 {
		if err := s.repo.EvictOldest(tx, userID, s.config.MaxTransactions-1); err != nil {
			return err
		}
	}
	if err := s.repo.Store(tx, userID, challenge, data); err != nil {
		return err
	}
	return tx.Commit()
}

// Retrieve finds and deletes the pending transaction, first purging any
// globally expired rows so a stale one can't be retrieved past its TTL.
func (s *RelationalStore) Retrieve(ctx context.Context, userID int64, challenge []byte) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, s.db.TxOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction-retrieve tx: %w", err)
	}
	defer tx.Rollback()

	if s.config.TTL > 0 {
		if err := s.repo.PurgeExpired(tx, s.config.TTL); err != nil {
			return nil, err
		}
	}
	data, err := s.repo.Retrieve(tx, userID, challenge)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction-retrieve tx: %w", err)
	}
	return data, nil
}
