package treecache

import (
	"context"
	"time"
)

// Backend stores opaque cache values with a per-entry lifetime.
type Backend interface {
	// Get returns the value for key. ok is false on a miss or after expiry.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Toucher is implemented by backends that can extend an entry's lifetime in place.
type Toucher interface {
	Touch(ctx context.Context, key string, ttl time.Duration) error
}
