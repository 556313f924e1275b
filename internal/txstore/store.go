// Package txstore implements the transaction store (spec §4.2, C2): the
// ephemeral bridge between a ceremony's _start and _complete calls, keyed by
// hex(SHA-256(challenge)) and scoped per-user with a TTL and a per-user
// capacity bound.
package txstore

import (
	"context"
	"time"
)

// Store is what the ceremony engine depends on. RelationalStore is the
// always-available implementation; CacheStore is used instead when
// U2FVAL_USE_CACHE is set (spec §6).
type Store interface {
	// Store saves data under the transaction derived from challenge,
	// evicting the user's oldest live transactions first if they are at
	// capacity (spec §4.2, §4.4.2/§4.4.4).
	Store(ctx context.Context, userID int64, challenge, data []byte) error

	// Retrieve finds and deletes the transaction for this challenge and
	// user, atomically. Returns ErrNotFound if absent, expired, or owned
	// by a different user.
	Retrieve(ctx context.Context, userID int64, challenge []byte) ([]byte, error)
}

// Config bounds every Store implementation identically (spec §6).
type Config struct {
	MaxTransactions int
	TTL             time.Duration
}
