package kv

import (
	"context"
	"errors"
)

// TTL sentinels returned by Store.GetTTL, matching the Redis convention.
const (
	TTLNoExpiry int64 = -1
	TTLAbsent   int64 = -2
)

// ErrNotifyUnsupported is returned by Expirations when the backend cannot
// report passive expiry.
var ErrNotifyUnsupported = errors.New("adlock: expiry notifications not supported")

// Store is the expiring key-value contract consumed by the lock coordinator.
// Every method must be safe for concurrent use, and SetIfAbsentWithExpiry and
// DeleteIfValue must be atomic with respect to each other.
type Store interface {
	// SetIfAbsentWithExpiry stores value under key only if key does not exist.
	// A non-positive ttlSeconds stores the key without expiry.
	SetIfAbsentWithExpiry(ctx context.Context, key, value string, ttlSeconds int64) (bool, error)
	// Get returns the value stored under key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// GetTTL returns the remaining seconds for key, TTLNoExpiry or TTLAbsent.
	GetTTL(ctx context.Context, key string) (int64, error)
	// ExtendExpiry sets the expiry of an existing key to ttlSeconds.
	// It returns false if the key does not exist.
	ExtendExpiry(ctx context.Context, key string, ttlSeconds int64) (bool, error)
	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) error
	// DeleteIfValue removes key only while it still holds value.
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)
}

// ExpiryNotifier is implemented by stores able to report keys removed by
// passive expiry. The returned channel is closed when ctx is done.
type ExpiryNotifier interface {
	Expirations(ctx context.Context) (<-chan string, error)
}
