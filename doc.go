// Package ratefence provides per-client, per-endpoint rate limiting for Go services.
//
// Two algorithms are available. The token bucket allows bursts up to its
// capacity and refills at a steady rate. The leaky bucket fills with every
// admitted request and drains at a steady rate, smoothing traffic.
//
// # Quick Start
//
//	l, err := ratefence.NewLimiter(ratefence.TokenBucket, 100, 10.0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	decision, err := l.Consume(ctx, "user-123", 1)
//	if !decision.Allowed {
//	    fmt.Printf("Rate limited. Retry after %v\n", decision.RetryAfter)
//	}
//
// # HTTP Middleware
//
//	cfg, _ := config.Load("ratefence.yaml")
//	st, _ := store.Open(ctx, cfg, nil)
//	rl, _ := ratefence.NewRateLimiter(cfg, st)
//
//	http.Handle("/api/", rl.Middleware(yourHandler))
//
// The middleware sets these headers:
//   - X-RateLimit-Limit: bucket capacity
//   - X-RateLimit-Remaining: unit-cost requests still admitted
//   - X-RateLimit-Reset: Unix time of full recovery
//   - X-RateLimit-Strategy: the algorithm that decided
//   - Retry-After: seconds to wait (on 429 only)
//
// A request picks its algorithm with the X-Rate-Limit-Strategy header;
// unknown values fall back to the configured default.
//
// # Storage
//
// Bucket state lives behind store.Store. The memory store serves a single
// process. The Redis and SQL stores share limits across instances; every
// update goes through an atomic compare-and-swap, so concurrent requests for
// the same key never over-admit.
//
// When storage is unreachable the failure policy decides: fail-open admits,
// fail-closed denies. Either way the decision is marked Degraded.
package ratefence
