package store

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/KanavDutta/ratefence/core"
)

const lockStripes = 256

// MemoryStore provides thread-safe in-memory storage for bucket states.
// Expired entries are dropped lazily on access and by the optional janitor.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	locks   [lockStripes]sync.Mutex
	now     func() time.Time
}

type memoryEntry struct {
	state     core.BucketState
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Ensure MemoryStore implements Store interface
var (
	_ Store     = (*MemoryStore)(nil)
	_ KeyLocker = (*MemoryStore)(nil)
	_ Pinger    = (*MemoryStore)(nil)
)

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for expiry
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves the bucket state for a given key
func (s *MemoryStore) Get(ctx context.Context, key string) (*core.BucketState, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("memory get", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lookup(key)
	if !ok {
		return nil, nil
	}
	state := entry.state
	return &state, nil
}

// Put stores the bucket state for a given key
func (s *MemoryStore) Put(ctx context.Context, key string, state *core.BucketState, ttl time.Duration) error {
	if state == nil {
		return ErrNilState
	}
	if err := ctx.Err(); err != nil {
		return unavailable("memory put", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{state: *state, expiresAt: expiry(s.now(), ttl)}
	return nil
}

// CompareAndSwap replaces the state for key if it still equals expected
func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expected, next *core.BucketState, ttl time.Duration) (bool, error) {
	if next == nil {
		return false, ErrNilState
	}
	if err := ctx.Err(); err != nil {
		return false, unavailable("memory compare-and-swap", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lookup(key)
	switch {
	case expected == nil && ok:
		return false, nil
	case expected != nil && (!ok || !entry.state.Equal(expected)):
		return false, nil
	}

	s.entries[key] = memoryEntry{state: *next, expiresAt: expiry(s.now(), ttl)}
	return true, nil
}

// lookup returns a live entry, deleting it if it has expired. Caller holds mu.
func (s *MemoryStore) lookup(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if entry.expired(s.now()) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

// LockKey serializes callers working on the same key within this process
func (s *MemoryStore) LockKey(key string) func() {
	mu := &s.locks[xxhash.Sum64String(key)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Sweep removes every expired entry and returns how many were dropped
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps expired entries every interval until ctx is cancelled
func (s *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of stored entries, including ones not yet swept
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear removes all bucket states
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]memoryEntry)
}

// Ping always succeeds for the in-memory store
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}
