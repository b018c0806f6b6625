package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KanavDutta/ratefence/core"
)

var (
	// ErrUnavailable wraps every backend or transport failure, including timeouts
	ErrUnavailable = errors.New("storage unavailable")

	// ErrCorruptState marks stored data that cannot be decoded into a valid bucket.
	// Backends treat such data as absent and never return it to callers.
	ErrCorruptState = errors.New("corrupt bucket state")

	// ErrNilState is returned when Put or CompareAndSwap is given no state to write
	ErrNilState = errors.New("bucket state must not be nil")
)

// Store defines the interface for bucket state storage.
// All operations on a single key are linearizable; CompareAndSwap is the only
// way the limiter writes state.
type Store interface {
	// Get returns the state for key, or nil if it is absent or expired
	Get(ctx context.Context, key string) (*core.BucketState, error)

	// Put unconditionally writes state and refreshes the key's TTL
	Put(ctx context.Context, key string, state *core.BucketState, ttl time.Duration) error

	// CompareAndSwap writes next only if the stored value equals expected.
	// A nil expected means the key must be absent or expired.
	CompareAndSwap(ctx context.Context, key string, expected, next *core.BucketState, ttl time.Duration) (bool, error)

	// Close releases the backend connection
	Close() error
}

// KeyLocker is implemented by in-process stores that can serialize all
// operations on a key for the duration of a read-compute-swap cycle
type KeyLocker interface {
	LockKey(key string) (unlock func())
}

// Pinger is implemented by stores that can report their health
type Pinger interface {
	Ping(ctx context.Context) error
}

// expiry returns the absolute expiry for a write made at now.
// A non-positive ttl never expires.
func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// unavailable wraps a backend failure so callers can match ErrUnavailable
// while keeping the cause (e.g. context.DeadlineExceeded) in the chain
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
