package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/KanavDutta/ratefence/config"
	"github.com/KanavDutta/ratefence/limiter"
)

const (
	DefaultKeyHeader      = "X-API-Key"
	DefaultStrategyHeader = "X-Rate-Limit-Strategy"
)

// RequestRecorder defines the interface for recording per-client outcomes
type RequestRecorder interface {
	RecordRequest(clientID string, allowed bool)
}

// RateLimiter provides HTTP middleware for rate limiting
type RateLimiter struct {
	policies       *limiter.PolicySet
	keyFunc        KeyFunc
	keyHeader      string
	trustProxy     bool
	strategyHeader string
	bypass         map[string]struct{}
	recorder       RequestRecorder
	logger         *slog.Logger
	now            func() time.Time
}

// Result is the outcome of evaluating one request
type Result struct {
	// Skipped is set for bypassed paths and disabled routes
	Skipped  bool
	ClientID string
	Key      string
	Decision *limiter.Decision

	// RetryAfterSeconds is the Retry-After header value for a denial
	RetryAfterSeconds int64
}

// ErrorResponse is the JSON body written for denied or failed requests
type ErrorResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// Option is a functional option for configuring a RateLimiter.
type Option func(*RateLimiter) error

// WithKeyFunc replaces client identification entirely.
func WithKeyFunc(f KeyFunc) Option {
	return func(rl *RateLimiter) error {
		if f == nil {
			return fmt.Errorf("%w: key func cannot be nil", limiter.ErrInvalidConfiguration)
		}
		rl.keyFunc = f
		return nil
	}
}

// WithKeyHeader sets the header carrying the client's API key.
func WithKeyHeader(name string) Option {
	return func(rl *RateLimiter) error {
		if name == "" {
			return fmt.Errorf("%w: key header cannot be empty", limiter.ErrInvalidConfiguration)
		}
		rl.keyHeader = name
		return nil
	}
}

// WithTrustProxy makes the fallback client address come from X-Forwarded-For.
func WithTrustProxy(trust bool) Option {
	return func(rl *RateLimiter) error {
		rl.trustProxy = trust
		return nil
	}
}

// WithStrategyHeader sets the header a request uses to pick its algorithm.
func WithStrategyHeader(name string) Option {
	return func(rl *RateLimiter) error {
		if name == "" {
			return fmt.Errorf("%w: strategy header cannot be empty", limiter.ErrInvalidConfiguration)
		}
		rl.strategyHeader = name
		return nil
	}
}

// WithBypassPaths replaces the paths that are never rate limited.
func WithBypassPaths(paths ...string) Option {
	return func(rl *RateLimiter) error {
		rl.bypass = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			rl.bypass[limiter.NormalizeRoute(p)] = struct{}{}
		}
		return nil
	}
}

// WithRecorder records every evaluated request.
func WithRecorder(recorder RequestRecorder) Option {
	return func(rl *RateLimiter) error {
		rl.recorder = recorder
		return nil
	}
}

// WithLogger sets the logger used for limiter errors.
func WithLogger(logger *slog.Logger) Option {
	return func(rl *RateLimiter) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", limiter.ErrInvalidConfiguration)
		}
		rl.logger = logger
		return nil
	}
}

// WithClock overrides time.Now used for Retry-After, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) error {
		if now == nil {
			return fmt.Errorf("%w: clock cannot be nil", limiter.ErrInvalidConfiguration)
		}
		rl.now = now
		return nil
	}
}

// New creates a new rate limiting middleware
func New(policies *limiter.PolicySet, opts ...Option) (*RateLimiter, error) {
	if policies == nil {
		return nil, fmt.Errorf("%w: policies cannot be nil", limiter.ErrInvalidConfiguration)
	}

	rl := &RateLimiter{
		policies:       policies,
		keyHeader:      DefaultKeyHeader,
		strategyHeader: DefaultStrategyHeader,
		logger:         slog.Default(),
		now:            time.Now,
	}
	if err := WithBypassPaths(config.DefaultBypassPaths...)(rl); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(rl); err != nil {
			return nil, err
		}
	}

	if rl.keyFunc == nil {
		rl.keyFunc = ExtractAPIKeyOrIP(rl.keyHeader, rl.trustProxy)
	}
	return rl, nil
}

// FromConfig creates the middleware with the headers, bypass list and proxy
// trust taken from cfg. Extra options are applied last.
func FromConfig(cfg *config.Config, policies *limiter.PolicySet, opts ...Option) (*RateLimiter, error) {
	all := []Option{
		WithKeyHeader(cfg.KeyHeader),
		WithStrategyHeader(cfg.StrategyHeader),
		WithTrustProxy(cfg.TrustProxy),
		WithBypassPaths(cfg.BypassPaths...),
	}
	if cfg.KeyExtractor != "" {
		keyFunc, err := ParseKeyFunc(cfg.KeyExtractor)
		if err != nil {
			return nil, err
		}
		all = append(all, WithKeyFunc(keyFunc))
	}
	return New(policies, append(all, opts...)...)
}

// Evaluate decides a request without writing a response
func (rl *RateLimiter) Evaluate(r *http.Request) (*Result, error) {
	route := limiter.NormalizeRoute(r.URL.Path)
	if _, ok := rl.bypass[route]; ok {
		return &Result{Skipped: true}, nil
	}

	registry, enabled := rl.policies.Lookup(route)
	if !enabled {
		return &Result{Skipped: true}, nil
	}

	clientID, err := rl.keyFunc(r)
	if err != nil {
		return nil, err
	}
	key := clientID + ":" + route

	decision, err := registry.Consume(r.Context(), r.Header.Get(rl.strategyHeader), key, 1)
	if err != nil {
		return nil, err
	}

	if rl.recorder != nil {
		rl.recorder.RecordRequest(clientID, decision.Allowed)
	}

	result := &Result{ClientID: clientID, Key: key, Decision: decision}
	if !decision.Allowed {
		result.RetryAfterSeconds = RetryAfterSeconds(decision, rl.now())
	}
	return result, nil
}

// Middleware wraps an http.Handler with rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := rl.Evaluate(r)
		if err != nil {
			rl.logger.Error("rate limit evaluation failed", "path", r.URL.Path, "error", err)
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{
				Error:   "rate_limit_error",
				Message: "Rate limit could not be evaluated",
			})
			return
		}
		if result.Skipped {
			next.ServeHTTP(w, r)
			return
		}

		WriteHeaders(w.Header(), result.Decision)

		if !result.Decision.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
			writeJSON(w, http.StatusTooManyRequests, DeniedBody(result.Decision))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// WriteHeaders sets the X-RateLimit-* headers for a decision
func WriteHeaders(h http.Header, d *limiter.Decision) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	h.Set("X-RateLimit-Strategy", string(d.Strategy))
}

// RetryAfterSeconds is the time left until the bucket resets, rounded up to
// whole seconds and at least 1. The finer per-request wait goes in the body.
func RetryAfterSeconds(d *limiter.Decision, now time.Time) int64 {
	secs := int64(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// DeniedBody is the 429 response body
func DeniedBody(d *limiter.Decision) ErrorResponse {
	return ErrorResponse{
		Error:        "rate_limit_exceeded",
		Message:      "Rate limit exceeded",
		RetryAfterMs: d.RetryAfter.Milliseconds(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
