package ratefence

import (
	"github.com/KanavDutta/ratefence/config"
	"github.com/KanavDutta/ratefence/core"
	"github.com/KanavDutta/ratefence/limiter"
	"github.com/KanavDutta/ratefence/middleware"
	"github.com/KanavDutta/ratefence/store"
)

// Re-export main types for convenience
type (
	Config        = config.Config
	Decision      = limiter.Decision
	Limiter       = limiter.Limiter
	Strategy      = limiter.Strategy
	FailurePolicy = limiter.FailurePolicy
	RateLimiter   = middleware.RateLimiter
	KeyFunc       = middleware.KeyFunc
	Store         = store.Store
)

const (
	TokenBucket = limiter.TokenBucket
	LeakyBucket = limiter.LeakyBucket
	FailOpen    = limiter.FailOpen
	FailClosed  = limiter.FailClosed
)

var (
	ErrInvalidConfiguration = limiter.ErrInvalidConfiguration
	ErrInvalidCost          = limiter.ErrInvalidCost
	ErrStorageUnavailable   = limiter.ErrStorageUnavailable
	ErrCorruptState         = limiter.ErrCorruptState
)

// NewLimiter creates an in-process limiter backed by a fresh memory store
func NewLimiter(strategy Strategy, capacity int64, rate float64, opts ...limiter.Option) (*limiter.BucketLimiter, error) {
	return limiter.New(strategy, store.NewMemoryStore(), core.Config{Capacity: float64(capacity), Rate: rate}, opts...)
}

// NewRateLimiter builds HTTP middleware from cfg on top of st
func NewRateLimiter(cfg *Config, st Store, opts ...middleware.Option) (*RateLimiter, error) {
	policies, err := limiter.FromConfig(cfg, st)
	if err != nil {
		return nil, err
	}
	return middleware.FromConfig(cfg, policies, opts...)
}
