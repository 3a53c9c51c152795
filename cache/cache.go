// Package cache provides the TTL-bounded key-value store that holds guild
// metadata between requests.
//
// Expiry is enforced by the store: a Get issued after an entry's TTL has
// elapsed reports ErrMiss even if the bytes are still physically present.
// Stores never fetch on a miss; filling is the caller's job.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or its entry has expired.
var ErrMiss = errors.New("cache: miss")

// Store is a TTL-bounded key-value store. Implementations are safe for
// concurrent use; concurrent writers to the same key race and the last
// write wins.
type Store interface {
	// Get returns the value stored under key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key for ttl. A ttl of zero or less stores the
	// value without expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Purger is implemented by stores that can remove expired entries in bulk.
type Purger interface {
	// PurgeExpired deletes up to limit expired entries and returns how many were removed.
	PurgeExpired(ctx context.Context, limit int) (int, error)
}

// expiresAt returns the expiry time for an entry written at now, or the zero
// time when ttl disables expiry.
func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// expired reports whether an entry with the given expiry is dead at now.
func expired(exp, now time.Time) bool {
	return !exp.IsZero() && !now.Before(exp)
}
