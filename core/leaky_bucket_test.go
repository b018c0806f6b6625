package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLeakyBucket(t *testing.T, capacity, rate float64) *LeakyBucket {
	t.Helper()
	lb, err := NewLeakyBucket(Config{Capacity: capacity, Rate: rate})
	require.NoError(t, err)
	return lb
}

func TestNewLeakyBucket_InvalidConfig(t *testing.T) {
	_, err := NewLeakyBucket(Config{Capacity: 5, Rate: 0})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewLeakyBucket(Config{Capacity: 0, Rate: 1})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestLeakyBucket_FillsThenDrains(t *testing.T) {
	lb := newLeakyBucket(t, 5, 1)
	now := time.Unix(1_700_000_000, 0)

	var state *BucketState
	var result Result
	for i := 0; i < 5; i++ {
		state, result = lb.Check(state, 1, now)
		require.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, int64(4-i), result.Remaining)
	}

	state, result = lb.Check(state, 1, now)
	assert.False(t, result.Allowed)
	assert.Equal(t, int64(0), result.Remaining)
	assert.Equal(t, time.Second, result.RetryAfter)
	assert.Equal(t, now.Add(5*time.Second), result.ResetAt)

	// Two seconds drain two units
	state, result = lb.Check(state, 1, now.Add(2*time.Second))
	assert.True(t, result.Allowed)
	assert.Equal(t, int64(1), result.Remaining)
	assert.Equal(t, 4.0, state.Level)
}

func TestLeakyBucket_FreshBucketStartsEmpty(t *testing.T) {
	lb := newLeakyBucket(t, 3, 1)
	now := time.Unix(1_700_000_000, 0)

	state, result := lb.Check(nil, 1, now)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1.0, state.Level)
	assert.Equal(t, now, state.LastUpdate)
	assert.Equal(t, now.Add(time.Second), result.ResetAt)
}

func TestLeakyBucket_DrainNeverGoesNegative(t *testing.T) {
	lb := newLeakyBucket(t, 3, 1)
	now := time.Unix(1_700_000_000, 0)

	state := &BucketState{Level: 2, LastUpdate: now, Capacity: 3, Rate: 1}
	next, result := lb.Check(state, 1, now.Add(time.Hour))

	assert.True(t, result.Allowed)
	assert.Equal(t, 1.0, next.Level)
}

func TestLeakyBucket_DenialDoesNotConsume(t *testing.T) {
	lb := newLeakyBucket(t, 4, 2)
	now := time.Unix(1_700_000_000, 0)

	state := &BucketState{Level: 4, LastUpdate: now, Capacity: 4, Rate: 2}
	next, result := lb.Check(state, 3, now)

	assert.False(t, result.Allowed)
	assert.Equal(t, 4.0, next.Level)
	assert.Equal(t, 1500*time.Millisecond, result.RetryAfter)
}

func TestLeakyBucket_ResetAtNonIncreasingWhileDenied(t *testing.T) {
	lb := newLeakyBucket(t, 5, 0.5)
	now := time.Unix(1_700_000_000, 0)

	state, _ := lb.Check(nil, 5, now)
	var previous time.Time
	for i := 1; i <= 4; i++ {
		var result Result
		state, result = lb.Check(state, 5, now.Add(time.Duration(i)*time.Second))
		require.False(t, result.Allowed)
		if !previous.IsZero() {
			assert.False(t, result.ResetAt.After(previous.Add(time.Microsecond)))
		}
		previous = result.ResetAt
	}
}

func TestAlgorithms_NeverExceedCapacity(t *testing.T) {
	algorithms := []Algorithm{
		newTokenBucket(t, 7, 3),
		newLeakyBucket(t, 7, 3),
	}
	now := time.Unix(1_700_000_000, 0)

	for _, algo := range algorithms {
		t.Run(algo.Name(), func(t *testing.T) {
			var state *BucketState
			for i := 0; i < 200; i++ {
				at := now.Add(time.Duration(i*137) * time.Millisecond)
				state, _ = algo.Check(state, float64(1+i%3), at)
				require.GreaterOrEqual(t, state.Level, 0.0)
				require.LessOrEqual(t, state.Level, 7.0)
			}
		})
	}
}

func TestBucketState_Validate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name    string
		state   BucketState
		wantErr bool
	}{
		{"valid", BucketState{Level: 1, LastUpdate: now, Capacity: 5, Rate: 1}, false},
		{"negative level", BucketState{Level: -1, LastUpdate: now, Capacity: 5, Rate: 1}, true},
		{"zero capacity", BucketState{Level: 0, LastUpdate: now, Capacity: 0, Rate: 1}, true},
		{"zero rate", BucketState{Level: 0, LastUpdate: now, Capacity: 5, Rate: 0}, true},
		{"missing timestamp", BucketState{Level: 0, Capacity: 5, Rate: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.state.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
