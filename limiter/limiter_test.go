package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KanavDutta/ratefence/core"
	"github.com/KanavDutta/ratefence/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingRecorder keeps every observation for assertions
type recordingRecorder struct {
	mu            sync.Mutex
	outcomes      []Outcome
	retries       int
	storageErrors int
}

func (r *recordingRecorder) ObserveDecision(_ string, outcome Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingRecorder) ObserveRetries(_ string, retries int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries += retries
}

func (r *recordingRecorder) ObserveStorageError(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storageErrors++
}

// failingStore fails every call, optionally by blocking until the deadline
type failingStore struct {
	block bool
	calls atomic.Int32
}

func (s *failingStore) fail(ctx context.Context) error {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return errors.Join(store.ErrUnavailable, ctx.Err())
	}
	return store.ErrUnavailable
}

func (s *failingStore) Get(ctx context.Context, _ string) (*core.BucketState, error) {
	return nil, s.fail(ctx)
}

func (s *failingStore) Put(ctx context.Context, _ string, _ *core.BucketState, _ time.Duration) error {
	return s.fail(ctx)
}

func (s *failingStore) CompareAndSwap(ctx context.Context, _ string, _, _ *core.BucketState, _ time.Duration) (bool, error) {
	return false, s.fail(ctx)
}

func (s *failingStore) Close() error { return nil }

// conflictingStore loses every swap, as if another writer always got there first
type conflictingStore struct {
	store.Store
	swaps atomic.Int32
}

func (s *conflictingStore) CompareAndSwap(context.Context, string, *core.BucketState, *core.BucketState, time.Duration) (bool, error) {
	s.swaps.Add(1)
	return false, nil
}

func newLimiter(t *testing.T, strategy Strategy, st store.Store, capacity, rate float64, opts ...Option) *BucketLimiter {
	t.Helper()
	l, err := New(strategy, st, core.Config{Capacity: capacity, Rate: rate}, opts...)
	require.NoError(t, err)
	return l
}

func TestNew_InvalidConfiguration(t *testing.T) {
	st := store.NewMemoryStore()
	tests := []struct {
		name     string
		strategy Strategy
		store    store.Store
		cfg      core.Config
		opts     []Option
	}{
		{"zero capacity", TokenBucket, st, core.Config{Capacity: 0, Rate: 1}, nil},
		{"zero rate", LeakyBucket, st, core.Config{Capacity: 5, Rate: 0}, nil},
		{"unknown strategy", Strategy("sliding_window"), st, core.Config{Capacity: 5, Rate: 1}, nil},
		{"nil store", TokenBucket, nil, core.Config{Capacity: 5, Rate: 1}, nil},
		{"zero ttl", TokenBucket, st, core.Config{Capacity: 5, Rate: 1}, []Option{WithTTL(0)}},
		{"zero retries", TokenBucket, st, core.Config{Capacity: 5, Rate: 1}, []Option{WithMaxRetries(0)}},
		{"zero timeout", TokenBucket, st, core.Config{Capacity: 5, Rate: 1}, []Option{WithStorageTimeout(0)}},
		{"unknown policy", TokenBucket, st, core.Config{Capacity: 5, Rate: 1}, []Option{WithFailurePolicy("maybe")}},
		{"nil logger", TokenBucket, st, core.Config{Capacity: 5, Rate: 1}, []Option{WithLogger(nil)}},
		{"nil clock", TokenBucket, st, core.Config{Capacity: 5, Rate: 1}, []Option{WithClock(nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.strategy, tt.store, tt.cfg, tt.opts...)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestConsume_TokenBucketScenario(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, TokenBucket, store.NewMemoryStore(), 10, 1, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.Consume(ctx, "alice:/api/v1/limited", 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, int64(9-i), d.Remaining)
		assert.Equal(t, int64(10), d.Limit)
		assert.Equal(t, TokenBucket, d.Strategy)
	}

	d, err := l.Consume(ctx, "alice:/api/v1/limited", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Equal(t, time.Second, d.RetryAfter)
	assert.False(t, d.Degraded)

	clock.Advance(5 * time.Second)
	d, err = l.Consume(ctx, "alice:/api/v1/limited", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(4), d.Remaining)
}

func TestConsume_LeakyBucketScenario(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, LeakyBucket, store.NewMemoryStore(), 5, 1, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Consume(ctx, "bob:/x", 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := l.Consume(ctx, "bob:/x", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	clock.Advance(2 * time.Second)
	d, err = l.Consume(ctx, "bob:/x", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)
}

func TestConsume_InvalidCost(t *testing.T) {
	st := store.NewMemoryStore()
	l := newLimiter(t, TokenBucket, st, 10, 1)

	for _, cost := range []int64{0, -1} {
		_, err := l.Consume(context.Background(), "k", cost)
		assert.ErrorIs(t, err, ErrInvalidCost)
	}
	assert.Equal(t, 0, st.Len(), "invalid cost must not touch state")
}

func TestConsume_EmptyKey(t *testing.T) {
	l := newLimiter(t, TokenBucket, store.NewMemoryStore(), 10, 1)
	_, err := l.Consume(context.Background(), "", 1)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestConsume_KeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newLimiter(t, TokenBucket, store.NewMemoryStore(), 1, 1, WithClock(clock.Now))
	ctx := context.Background()

	d, err := l.Consume(ctx, "alice:/a", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Consume(ctx, "alice:/b", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "different endpoint has its own bucket")

	d, err = l.Consume(ctx, "bob:/a", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "different client has its own bucket")
}

func TestConsume_StrategiesDoNotShareState(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemoryStore()
	token := newLimiter(t, TokenBucket, st, 2, 1, WithClock(clock.Now))
	leaky := newLimiter(t, LeakyBucket, st, 2, 1, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := token.Consume(ctx, "k", 1)
		require.NoError(t, err)
	}

	d, err := leaky.Consume(ctx, "k", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)

	state, err := st.Get(ctx, "token_bucket:k")
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.Level)
}

func TestConsume_StateExpiresAfterInactivity(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemoryStore(store.WithMemoryClock(clock.Now))
	l := newLimiter(t, LeakyBucket, st, 3, 0.001, WithClock(clock.Now), WithTTL(time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Consume(ctx, "k", 1)
		require.NoError(t, err)
	}
	d, err := l.Consume(ctx, "k", 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	clock.Advance(61 * time.Second)
	d, err = l.Consume(ctx, "k", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), d.Remaining)
}

func TestConsume_FailClosedOnStorageTimeout(t *testing.T) {
	rec := &recordingRecorder{}
	st := &failingStore{block: true}
	l := newLimiter(t, TokenBucket, st, 10, 1,
		WithFailurePolicy(FailClosed),
		WithStorageTimeout(20*time.Millisecond),
		WithRecorder(rec),
	)

	start := time.Now()
	d, err := l.Consume(context.Background(), "k", 1)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Equal(t, time.Second, d.RetryAfter)
	assert.Equal(t, 1, rec.storageErrors)
	assert.Equal(t, []Outcome{OutcomeDegradedDenied}, rec.outcomes)
}

func TestConsume_FailOpenOnStorageError(t *testing.T) {
	rec := &recordingRecorder{}
	l := newLimiter(t, LeakyBucket, &failingStore{}, 10, 1, WithRecorder(rec))

	d, err := l.Consume(context.Background(), "k", 1)
	require.NoError(t, err)

	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, int64(10), d.Limit)
	assert.Equal(t, LeakyBucket, d.Strategy)
	assert.Equal(t, []Outcome{OutcomeDegradedAllowed}, rec.outcomes)
}

func TestConsume_ContentionDeniesAfterMaxRetries(t *testing.T) {
	rec := &recordingRecorder{}
	st := &conflictingStore{Store: store.NewMemoryStore()}
	l := newLimiter(t, TokenBucket, st, 10, 1, WithMaxRetries(3), WithRecorder(rec))

	d, err := l.Consume(context.Background(), "k", 1)
	require.NoError(t, err)

	assert.False(t, d.Allowed)
	assert.False(t, d.Degraded)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.Equal(t, int32(3), st.swaps.Load())
	assert.Equal(t, []Outcome{OutcomeContended}, rec.outcomes)
}

func countAdmitted(t *testing.T, l Limiter, workers int) int {
	t.Helper()
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Consume(context.Background(), "shared:/hot", 1)
			if assert.NoError(t, err) && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	return int(admitted.Load())
}

func TestConsume_ConcurrentMemory(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		workers  int
		capacity int
	}{
		{"token more workers than capacity", TokenBucket, 100, 25},
		{"token fewer workers than capacity", TokenBucket, 10, 25},
		{"leaky more workers than capacity", LeakyBucket, 100, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			l := newLimiter(t, tt.strategy, store.NewMemoryStore(), float64(tt.capacity), 1, WithClock(clock.Now))

			want := min(tt.workers, tt.capacity)
			assert.Equal(t, want, countAdmitted(t, l, tt.workers))
		})
	}
}

func TestConsume_ConcurrentSharedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(store.RedisConfig{Addr: mr.Addr()})
	defer st.Close()

	clock := newFakeClock()
	const workers, capacity = 30, 10

	// Two limiters over one store stand in for two processes
	a := newLimiter(t, TokenBucket, st, capacity, 1, WithClock(clock.Now), WithMaxRetries(2*workers), WithStorageTimeout(5*time.Second))
	b := newLimiter(t, TokenBucket, st, capacity, 1, WithClock(clock.Now), WithMaxRetries(2*workers), WithStorageTimeout(5*time.Second))

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		l := a
		if i%2 == 1 {
			l = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Consume(context.Background(), "shared:/hot", 1)
			if assert.NoError(t, err) && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(capacity), admitted.Load())
}

func TestConsume_SharedStoreForeignEncoding(t *testing.T) {
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(store.RedisConfig{Addr: mr.Addr()})
	defer st.Close()

	clock := newFakeClock()
	rec := &recordingRecorder{}
	l := newLimiter(t, TokenBucket, st, 10, 1, WithClock(clock.Now), WithRecorder(rec))

	// Written by another client: same state, different bytes
	require.NoError(t, mr.Set("ratefence:token_bucket:alice:/x",
		fmt.Sprintf(`{"level": 5, "last_update_ns": %d, "capacity": 10, "rate": 1}`, clock.Now().UnixNano())))

	for i := 0; i < 3; i++ {
		d, err := l.Consume(context.Background(), "alice:/x", 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(4-i), d.Remaining)
	}
	assert.Equal(t, []Outcome{OutcomeAllowed, OutcomeAllowed, OutcomeAllowed}, rec.outcomes)
	assert.Zero(t, rec.retries)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("leaky_bucket")
	require.NoError(t, err)
	assert.Equal(t, LeakyBucket, s)

	_, err = ParseStrategy("fixed_window")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestParseFailurePolicy(t *testing.T) {
	tests := map[string]FailurePolicy{
		"fail-open":   FailOpen,
		"open":        FailOpen,
		"FAIL-CLOSED": FailClosed,
		"closed":      FailClosed,
	}
	for in, want := range tests {
		got, err := ParseFailurePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseFailurePolicy("sometimes")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
