package limiter

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Option is a functional option for configuring a BucketLimiter.
type Option func(*BucketLimiter) error

// WithTTL sets the inactivity window after which an untouched bucket is forgotten.
func WithTTL(ttl time.Duration) Option {
	return func(l *BucketLimiter) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: ttl must be positive", ErrInvalidConfiguration)
		}
		l.ttl = ttl
		return nil
	}
}

// WithFailurePolicy decides how decisions are made while storage is unavailable.
func WithFailurePolicy(policy FailurePolicy) Option {
	return func(l *BucketLimiter) error {
		if policy != FailOpen && policy != FailClosed {
			return fmt.Errorf("%w: unknown failure policy %q", ErrInvalidConfiguration, policy)
		}
		l.policy = policy
		return nil
	}
}

// WithStorageTimeout bounds each individual storage call.
func WithStorageTimeout(timeout time.Duration) Option {
	return func(l *BucketLimiter) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: storage timeout must be positive", ErrInvalidConfiguration)
		}
		l.timeout = timeout
		return nil
	}
}

// WithMaxRetries bounds the compare-and-swap attempts made by one Consume call.
func WithMaxRetries(n int) Option {
	return func(l *BucketLimiter) error {
		if n <= 0 {
			return fmt.Errorf("%w: max retries must be positive", ErrInvalidConfiguration)
		}
		l.maxRetries = n
		return nil
	}
}

// WithLogger sets the logger used for storage warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *BucketLimiter) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfiguration)
		}
		l.logger = logger
		return nil
	}
}

// WithTracer sets the tracer used to span Consume calls.
func WithTracer(tracer trace.Tracer) Option {
	return func(l *BucketLimiter) error {
		if tracer == nil {
			return fmt.Errorf("%w: tracer cannot be nil", ErrInvalidConfiguration)
		}
		l.tracer = tracer
		return nil
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(l *BucketLimiter) error {
		if recorder == nil {
			return fmt.Errorf("%w: recorder cannot be nil", ErrInvalidConfiguration)
		}
		l.recorder = recorder
		return nil
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *BucketLimiter) error {
		if now == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfiguration)
		}
		l.now = now
		return nil
	}
}
