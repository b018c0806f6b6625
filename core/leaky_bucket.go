package core

import (
	"math"
	"time"
)

// LeakyBucket implements the leaky bucket (as a meter) algorithm.
// Each request pours cost units in, the bucket drains at Rate, and a request
// that would overflow Capacity is rejected.
type LeakyBucket struct {
	config Config
}

var _ Algorithm = (*LeakyBucket)(nil)

// NewLeakyBucket creates a new leaky bucket with the given configuration
func NewLeakyBucket(config Config) (*LeakyBucket, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &LeakyBucket{config: config}, nil
}

// Name returns the strategy tag of the algorithm
func (lb *LeakyBucket) Name() string { return "leaky_bucket" }

// Config returns the policy the bucket was built with
func (lb *LeakyBucket) Config() Config { return lb.config }

// Check drains the bucket for the elapsed time and tries to pour cost into it
func (lb *LeakyBucket) Check(state *BucketState, cost float64, now time.Time) (*BucketState, Result) {
	capacity, rate := lb.config.Capacity, lb.config.Rate

	// Fresh buckets start empty
	level, last := 0.0, now
	if state != nil {
		level, last = math.Min(state.Level, capacity), state.LastUpdate
	}

	level = math.Max(0, level-elapsedSeconds(last, now)*rate)

	allowed := level+cost <= capacity
	if allowed {
		level += cost
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
		Remaining: floorInt(capacity - level),
		ResetAt:   now.Add(durationOf(level / rate)),
	}
	if !allowed {
		if cost > capacity {
			result.RetryAfter = durationOf(level / rate)
		} else {
			result.RetryAfter = durationOf((level + cost - capacity) / rate)
		}
	}

	return next, result
}
