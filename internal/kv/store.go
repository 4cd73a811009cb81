package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTxConflict reports that an optimistic read-modify-write kept
	// colliding with concurrent writers and gave up. Transient: the caller
	// may retry the whole operation.
	ErrTxConflict = errors.New("kv: transaction conflict retries exhausted")

	// ErrSkipUpdate can be returned by an UpdateFunc to commit nothing.
	// Update then returns nil with the key unchanged.
	ErrSkipUpdate = errors.New("kv: skip update")
)

// UpdateFunc computes the replacement value for a key inside an optimistic
// transaction. exists is false when the key is absent.
type UpdateFunc func(current string, exists bool) (next string, err error)

// Store is the narrow key-value surface the safety components depend on.
// All mutual exclusion across processes is delegated to the store: single-key
// conditional writes, server-side scripts, and optimistic transactions.
// Every method is a potential network round-trip.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes the value. ttl <= 0 means no expiration.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes only when the key is absent, reporting whether it wrote.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Eval runs a server-side script as one atomic unit. Never retried
	// internally: scripts are not assumed idempotent.
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)

	// ZAdd appends a member to a sorted set.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZCard returns the sorted set cardinality.
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRemRangeByRank removes members by rank range (inclusive).
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error

	// ZRevRange returns members from highest to lowest score.
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Update runs fn as one optimistic read-modify-write on key: the read,
	// fn, and the conditional write form a unit that is retried from the
	// top whenever another writer commits in between. Errors from fn abort
	// without retrying; ErrTxConflict surfaces after the retry budget.
	Update(ctx context.Context, key string, fn UpdateFunc) error
}
