package txstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/yubico/u2fval/internal/repositories"
)

// CacheStore is the Redis-backed transaction store, selected in place of
// RelationalStore when U2FVAL_USE_CACHE is set (spec §6) — finishing the
// Redis wiring the config layer already carries for an external cache
// tier. Per user it keeps a bounded list of live transaction ids alongside
// one TTL'd key per transaction body, so neither capacity nor expiry needs
// a scan.
type CacheStore struct {
	rdb    *redis.Client
	config Config
}

// NewCacheStore builds a CacheStore over an already-connected Redis client.
func NewCacheStore(rdb *redis.Client, config Config) *CacheStore {
	return &CacheStore{rdb: rdb, config: config}
}

func listKey(userID int64) string {
	return fmt.Sprintf("u2fval:tx:list:%d", userID)
}

func dataKey(userID int64, txID string) string {
	return fmt.Sprintf("u2fval:tx:data:%d:%s", userID, txID)
}

// Store writes the transaction body with a TTL and pushes its id onto the
// user's list, evicting the oldest entry first if already at capacity.
func (s *CacheStore) Store(ctx context.Context, userID int64, challenge, data []byte) error {
	id := repositories.TransactionKey(challenge)
	lKey := listKey(userID)

	if s.config.MaxTransactions > 0 {
		n, err := s.rdb.LLen(ctx, lKey).Result()
		if err != nil {
			return fmt.Errorf("failed to check transaction list length: %w", err)
		}
		for n >= int64(s.config.MaxTransactions) {
			oldest, err := s.rdb.RPop(ctx, lKey).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to evict oldest transaction: %w", err)
			}
			if err := s.rdb.Del(ctx, dataKey(userID, oldest)).Err(); err != nil {
				return fmt.Errorf("failed to delete evicted transaction body: %w", err)
			}
			n--
		}
	}

	if err := s.rdb.LPush(ctx, lKey, id).Err(); err != nil {
		return fmt.Errorf("failed to push transaction id: %w", err)
	}
	if s.config.TTL > 0 {
		s.rdb.Expire(ctx, lKey, s.config.TTL)
	}

	dKey := dataKey(userID, id)
	if err := s.rdb.Set(ctx, dKey, data, s.config.TTL).Err(); err != nil {
		return fmt.Errorf("failed to store transaction body: %w", err)
	}
	return nil
}

// Retrieve fetches and deletes the transaction body for this user and
// challenge. A different user's id is namespaced under a different list and
// data key, so cross-tenant lookups simply miss.
func (s *CacheStore) Retrieve(ctx context.Context, userID int64, challenge []byte) ([]byte, error) {
	id := repositories.TransactionKey(challenge)
	dKey := dataKey(userID, id)

	data, err := s.rdb.Get(ctx, dKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, repositories.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve transaction body: %w", err)
	}

	if err := s.rdb.Del(ctx, dKey).Err(); err != nil {
		return nil, fmt.Errorf("failed to delete retrieved transaction body: %w", err)
	}
	s.rdb.LRem(ctx, listKey(userID), 1, id)
	return data, nil
}
