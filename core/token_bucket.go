package core

import (
	"math"
	"time"
)

// TokenBucket implements the token bucket rate limiting algorithm.
// Tokens refill continuously at Rate up to Capacity and each request spends cost tokens.
type TokenBucket struct {
	config Config
}

var _ Algorithm = (*TokenBucket)(nil)

// NewTokenBucket creates a new token bucket with the given configuration
func NewTokenBucket(config Config) (*TokenBucket, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &TokenBucket{config: config}, nil
}

// Name returns the strategy tag of the algorithm
func (tb *TokenBucket) Name() string { return "token_bucket" }

// Config returns the policy the bucket was built with
func (tb *TokenBucket) Config() Config { return tb.config }

// Check determines if a request should be allowed based on the current bucket state.
// It returns the updated state and check result.
func (tb *TokenBucket) Check(state *BucketState, cost float64, now time.Time) (*BucketState, Result) {
	capacity, rate := tb.config.Capacity, tb.config.Rate

	// Fresh buckets start full
	level, last := capacity, now
	if state != nil {
		level, last = math.Min(state.Level, capacity), state.LastUpdate
	}

	// Refill tokens (capped at capacity)
	level = math.Min(capacity, level+elapsedSeconds(last, now)*rate)

	allowed := level >= cost
	if allowed {
		level -= cost
	}

	next := &BucketState{
		Level:      level,
		LastUpdate: laterOf(last, now),
		Capacity:   capacity,
		Rate:       rate,
	}

	result := Result{
		Allowed:   allowed,
		Limit:     int64(capacity),
		Remaining: floorInt(level),
		ResetAt:   now.Add(durationOf((capacity - level) / rate)),
	}
	if !allowed {
		if cost > capacity {
			// Never admissible; report the time until the bucket is full
			result.RetryAfter = durationOf((capacity - level) / rate)
		} else {
			result.RetryAfter = durationOf((cost - level) / rate)
		}
	}

	return next, result
}
