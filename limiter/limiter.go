package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/KanavDutta/ratefence/core"
	"github.com/KanavDutta/ratefence/store"
)

const (
	DefaultTTL            = 60 * time.Second
	DefaultStorageTimeout = 500 * time.Millisecond
	DefaultMaxRetries     = 16
)

// Strategy names a rate limiting algorithm
type Strategy string

const (
	TokenBucket Strategy = "token_bucket"
	LeakyBucket Strategy = "leaky_bucket"
)

// ParseStrategy accepts exactly the known strategy tags
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case TokenBucket, LeakyBucket:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfiguration, s)
}

// FailurePolicy decides admission when storage cannot be reached
type FailurePolicy string

const (
	FailOpen   FailurePolicy = "fail-open"
	FailClosed FailurePolicy = "fail-closed"
)

// ParseFailurePolicy accepts fail-open/open and fail-closed/closed
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail-open", "open":
		return FailOpen, nil
	case "fail-closed", "closed":
		return FailClosed, nil
	}
	return "", fmt.Errorf("%w: unknown failure policy %q", ErrInvalidConfiguration, s)
}

// Decision contains the result of a rate limit check.
type Decision struct {
	// Allowed indicates whether the request should be admitted
	Allowed bool

	// Limit is the configured capacity
	Limit int64

	// Remaining is how many unit-cost requests would still be admitted right now
	Remaining int64

	// ResetAt is when the bucket fully recovers
	ResetAt time.Time

	// RetryAfter is how long to wait before a request of the same cost fits.
	// This is 0 if Allowed is true.
	RetryAfter time.Duration

	// Strategy is the algorithm that produced the decision
	Strategy Strategy

	// Degraded is set when storage failed and the failure policy decided
	Degraded bool
}

// Limiter decides whether a request identified by key may spend cost units.
type Limiter interface {
	Consume(ctx context.Context, key string, cost int64) (*Decision, error)
}

// BucketLimiter runs a bucket algorithm against a Store with optimistic
// concurrency: read, compute, compare-and-swap, retry on conflict.
type BucketLimiter struct {
	strategy   Strategy
	algo       core.Algorithm
	store      store.Store
	ttl        time.Duration
	policy     FailurePolicy
	timeout    time.Duration
	maxRetries int
	logger     *slog.Logger
	tracer     trace.Tracer
	recorder   Recorder
	now        func() time.Time

	// storage failures are logged at most once per interval
	warnSometimes rate.Sometimes
}

var _ Limiter = (*BucketLimiter)(nil)

// New creates a limiter for the given strategy and bucket policy.
func New(strategy Strategy, st store.Store, cfg core.Config, opts ...Option) (*BucketLimiter, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store cannot be nil", ErrInvalidConfiguration)
	}

	var (
		algo core.Algorithm
		err  error
	)
	switch strategy {
	case TokenBucket:
		algo, err = core.NewTokenBucket(cfg)
	case LeakyBucket:
		algo, err = core.NewLeakyBucket(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfiguration, strategy)
	}
	if err != nil {
		return nil, err
	}

	l := &BucketLimiter{
		strategy:      strategy,
		algo:          algo,
		store:         st,
		ttl:           DefaultTTL,
		policy:        FailOpen,
		timeout:       DefaultStorageTimeout,
		maxRetries:    DefaultMaxRetries,
		logger:        slog.Default(),
		tracer:        otel.Tracer("github.com/KanavDutta/ratefence/limiter"),
		recorder:      noopRecorder{},
		now:           time.Now,
		warnSometimes: rate.Sometimes{Interval: 10 * time.Second},
	}

	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// NewTokenBucket creates a token bucket limiter
func NewTokenBucket(st store.Store, cfg core.Config, opts ...Option) (*BucketLimiter, error) {
	return New(TokenBucket, st, cfg, opts...)
}

// NewLeakyBucket creates a leaky bucket limiter
func NewLeakyBucket(st store.Store, cfg core.Config, opts ...Option) (*BucketLimiter, error) {
	return New(LeakyBucket, st, cfg, opts...)
}

// Strategy returns the algorithm this limiter runs
func (l *BucketLimiter) Strategy() Strategy { return l.strategy }

// Config returns the bucket policy
func (l *BucketLimiter) Config() core.Config { return l.algo.Config() }

// Consume checks and, when admitted, spends cost units from key's bucket.
// Storage failures never surface as errors; the failure policy decides instead.
func (l *BucketLimiter) Consume(ctx context.Context, key string, cost int64) (*Decision, error) {
	if cost <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCost, cost)
	}
	if key == "" {
		return nil, ErrInvalidKey
	}

	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "ratefence.Consume", trace.WithAttributes(
		attribute.String("ratefence.strategy", string(l.strategy)),
		attribute.Int64("ratefence.cost", cost),
	))
	defer span.End()

	// Buckets are namespaced by strategy so the two algorithms never share state
	storeKey := string(l.strategy) + ":" + key

	if locker, ok := l.store.(store.KeyLocker); ok {
		unlock := locker.LockKey(storeKey)
		defer unlock()
	}

	var last core.Result
	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		current, err := l.get(ctx, storeKey)
		if err != nil {
			return l.degrade(span, key, err, start), nil
		}

		next, result := l.algo.Check(current, float64(cost), l.now())

		swapped, err := l.compareAndSwap(ctx, storeKey, current, next)
		if err != nil {
			return l.degrade(span, key, err, start), nil
		}
		last = result

		if swapped {
			if attempt > 1 {
				l.recorder.ObserveRetries(string(l.strategy), attempt-1)
			}
			outcome := OutcomeDenied
			if result.Allowed {
				outcome = OutcomeAllowed
			}
			l.recorder.ObserveDecision(string(l.strategy), outcome, time.Since(start))
			span.SetAttributes(
				attribute.Bool("ratefence.allowed", result.Allowed),
				attribute.Int("ratefence.attempts", attempt),
			)
			return l.decision(result), nil
		}
	}

	// Out of attempts: deny rather than risk over-admitting
	l.recorder.ObserveRetries(string(l.strategy), l.maxRetries)
	l.recorder.ObserveDecision(string(l.strategy), OutcomeContended, time.Since(start))
	l.logger.Debug("rate limit contention, denying", "strategy", l.strategy, "key", key, "attempts", l.maxRetries)
	span.SetAttributes(
		attribute.Bool("ratefence.allowed", false),
		attribute.Int("ratefence.attempts", l.maxRetries),
	)

	decision := l.decision(last)
	if decision.Allowed {
		decision.Allowed = false
		decision.RetryAfter = time.Duration(float64(cost) / l.algo.Config().Rate * float64(time.Second))
	}
	return decision, nil
}

func (l *BucketLimiter) get(ctx context.Context, key string) (*core.BucketState, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.store.Get(ctx, key)
}

func (l *BucketLimiter) compareAndSwap(ctx context.Context, key string, expected, next *core.BucketState) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.store.CompareAndSwap(ctx, key, expected, next, l.ttl)
}

func (l *BucketLimiter) decision(result core.Result) *Decision {
	return &Decision{
		Allowed:    result.Allowed,
		Limit:      result.Limit,
		Remaining:  result.Remaining,
		ResetAt:    result.ResetAt,
		RetryAfter: result.RetryAfter,
		Strategy:   l.strategy,
	}
}

// degrade applies the failure policy after a storage error
func (l *BucketLimiter) degrade(span trace.Span, key string, err error, start time.Time) *Decision {
	strategy := string(l.strategy)
	l.recorder.ObserveStorageError(strategy)
	l.warnSometimes.Do(func() {
		l.logger.Warn("rate limit storage unavailable, applying failure policy",
			"strategy", strategy, "key", key, "policy", l.policy, "error", err)
	})
	span.RecordError(err)
	span.SetStatus(codes.Error, "storage unavailable")

	limit := int64(l.algo.Config().Capacity)
	now := l.now()

	if l.policy == FailOpen {
		l.recorder.ObserveDecision(strategy, OutcomeDegradedAllowed, time.Since(start))
		span.SetAttributes(attribute.Bool("ratefence.allowed", true))
		return &Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   now,
			Strategy:  l.strategy,
			Degraded:  true,
		}
	}

	l.recorder.ObserveDecision(strategy, OutcomeDegradedDenied, time.Since(start))
	span.SetAttributes(attribute.Bool("ratefence.allowed", false))
	return &Decision{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    now.Add(time.Second),
		RetryAfter: time.Second,
		Strategy:   l.strategy,
		Degraded:   true,
	}
}
