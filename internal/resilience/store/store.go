// Package store defines the atomic store port used for all cross-process
// coordination. Every counter, lease, and notification in the resilience
// layer goes through this interface; in-process state is never authoritative
// because the backend runs as multiple horizontally-scaled instances.
package store

//go:generate mockgen -source=store.go -destination=mocks/store.go -package=mocks AtomicStore

import (
	"context"
	"time"
)

// Subscription is a live pub/sub subscription. Payloads delivered after
// Close are dropped; delivery is best-effort and at-most-once per
// currently-connected subscriber.
type Subscription interface {
	// C returns the payload channel. It is closed when the subscription ends.
	C() <-chan string

	// Close terminates the subscription and releases its resources.
	Close() error
}

// AtomicStore is the narrow port over the shared key-value store. Every
// method must be a true single-round-trip atomic operation on the store,
// not a client-side read-modify-write; the quota and lock invariants depend
// on it.
//
// Implementations return sentinel.ErrNotFound for missing keys and wrap
// connectivity failures in sentinel.ErrUnavailable so callers can apply
// their fail-open or fail-closed policy.
type AtomicStore interface {
	// IncrBy atomically adds delta to the counter at key and returns the
	// resulting value. When the increment creates the key and ttl > 0, the
	// key's expiry is set to ttl; an existing expiry is never extended.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// DecrFloor atomically decrements the counter at key by one, never below
	// zero. A missing key is not created and reads as zero. Returns the
	// resulting value.
	DecrFloor(ctx context.Context, key string) (int64, error)

	// Get returns the raw value at key.
	Get(ctx context.Context, key string) (string, error)

	// SetNX sets key to value with the given ttl only if key does not exist.
	// Returns true if the value was set, false if the key was already present.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value equals value.
	// Returns true if the key was deleted.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// CompareAndExpire resets key's ttl only if its current value equals
	// value. Returns true if the expiry was updated.
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key unconditionally. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Publish delivers payload to all current subscribers of topic.
	Publish(ctx context.Context, topic, payload string) error

	// Subscribe opens a subscription to topic. The caller owns the
	// subscription's lifetime and must Close it.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}
