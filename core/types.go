package core

import (
	"fmt"
	"math"
	"time"
)

// Config defines the rate limiting policy for one bucket
type Config struct {
	Capacity float64 // Maximum level (burst size)
	Rate     float64 // Units refilled or drained per second
}

// Validate checks that capacity and rate are usable
func (c Config) Validate() error {
	if !finite(c.Capacity) || c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %v", ErrInvalidConfiguration, c.Capacity)
	}
	if !finite(c.Rate) || c.Rate <= 0 {
		return fmt.Errorf("%w: rate must be positive, got %v", ErrInvalidConfiguration, c.Rate)
	}
	return nil
}

// BucketState represents the persisted state of a bucket.
// Level is tokens held for a token bucket and water level for a leaky bucket.
type BucketState struct {
	Level      float64   // Current level, 0 <= Level <= Capacity
	LastUpdate time.Time // Last time the level was recomputed
	Capacity   float64   // Capacity the state was written with
	Rate       float64   // Rate the state was written with
}

// Equal reports whether two states hold the same values
func (s *BucketState) Equal(other *BucketState) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Level == other.Level &&
		s.LastUpdate.Equal(other.LastUpdate) &&
		s.Capacity == other.Capacity &&
		s.Rate == other.Rate
}

// Validate reports whether the state could have been produced by an algorithm
func (s *BucketState) Validate() error {
	switch {
	case !finite(s.Level) || s.Level < 0:
		return fmt.Errorf("invalid level %v", s.Level)
	case !finite(s.Capacity) || s.Capacity <= 0:
		return fmt.Errorf("invalid capacity %v", s.Capacity)
	case !finite(s.Rate) || s.Rate <= 0:
		return fmt.Errorf("invalid rate %v", s.Rate)
	case s.LastUpdate.IsZero():
		return fmt.Errorf("missing last update")
	}
	return nil
}

// Result contains the outcome of a single check
type Result struct {
	Allowed    bool          // Whether the request is admitted
	Limit      int64         // Configured capacity
	Remaining  int64         // Units still available after this request
	ResetAt    time.Time     // When the bucket fully recovers
	RetryAfter time.Duration // Wait until a request of the same cost fits (0 if allowed)
}

// Algorithm is a pure bucket transition.
// A nil state means the key has never been seen. The input state is never mutated.
type Algorithm interface {
	Name() string
	Config() Config
	Check(state *BucketState, cost float64, now time.Time) (*BucketState, Result)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// elapsedSeconds returns the time since last, treating a clock that moved
// backwards as no time passing
func elapsedSeconds(last, now time.Time) float64 {
	if !now.After(last) {
		return 0
	}
	return now.Sub(last).Seconds()
}

// laterOf keeps LastUpdate monotonic
func laterOf(last, now time.Time) time.Time {
	if now.After(last) {
		return now
	}
	return last
}

// durationOf converts seconds to a duration, rounding up to the next nanosecond
func durationOf(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(seconds * float64(time.Second)))
}

func floorInt(f float64) int64 {
	if f <= 0 {
		return 0
	}
	return int64(math.Floor(f))
}
