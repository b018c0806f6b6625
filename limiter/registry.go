package limiter

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/KanavDutta/ratefence/core"
	"github.com/KanavDutta/ratefence/store"
)

// Registry selects a limiter by strategy tag, falling back to a default.
type Registry struct {
	defaultStrategy Strategy
	limiters        map[Strategy]Limiter
}

// NewRegistry creates a registry; the default strategy must be registered.
func NewRegistry(defaultStrategy Strategy, limiters map[Strategy]Limiter) (*Registry, error) {
	if _, ok := limiters[defaultStrategy]; !ok {
		return nil, fmt.Errorf("%w: default strategy %q is not registered", ErrInvalidConfiguration, defaultStrategy)
	}
	copied := make(map[Strategy]Limiter, len(limiters))
	for s, l := range limiters {
		copied[s] = l
	}
	return &Registry{defaultStrategy: defaultStrategy, limiters: copied}, nil
}

// NewBucketRegistry builds token and leaky bucket limiters sharing one store and policy.
func NewBucketRegistry(st store.Store, cfg core.Config, defaultStrategy Strategy, opts ...Option) (*Registry, error) {
	limiters := make(map[Strategy]Limiter, 2)
	for _, s := range []Strategy{TokenBucket, LeakyBucket} {
		l, err := New(s, st, cfg, opts...)
		if err != nil {
			return nil, err
		}
		limiters[s] = l
	}
	return NewRegistry(defaultStrategy, limiters)
}

// Select returns the limiter for tag. Unknown or empty tags get the default.
func (r *Registry) Select(tag string) (Strategy, Limiter) {
	if s, err := ParseStrategy(tag); err == nil {
		if l, ok := r.limiters[s]; ok {
			return s, l
		}
	}
	return r.defaultStrategy, r.limiters[r.defaultStrategy]
}

// Consume runs the selected limiter
func (r *Registry) Consume(ctx context.Context, tag, key string, cost int64) (*Decision, error) {
	_, l := r.Select(tag)
	return l.Consume(ctx, key, cost)
}

// Default returns the fallback strategy
func (r *Registry) Default() Strategy { return r.defaultStrategy }

// Strategies lists the registered strategies in a stable order
func (r *Registry) Strategies() []Strategy {
	out := make([]Strategy, 0, len(r.limiters))
	for s := range r.limiters {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PolicySet maps routes to registries. Routes without an entry use the defaults.
type PolicySet struct {
	defaults *Registry
	routes   map[string]*Registry
	disabled map[string]bool
}

// NewPolicySet creates a policy set around the default registry
func NewPolicySet(defaults *Registry) *PolicySet {
	return &PolicySet{
		defaults: defaults,
		routes:   make(map[string]*Registry),
		disabled: make(map[string]bool),
	}
}

// NormalizeRoute drops trailing slashes so /a and /a/ share a policy and a bucket
func NormalizeRoute(route string) string {
	if len(route) > 1 {
		route = strings.TrimRight(route, "/")
	}
	if route == "" {
		return "/"
	}
	return route
}

// SetRoute gives a route its own registry
func (p *PolicySet) SetRoute(route string, reg *Registry) {
	route = NormalizeRoute(route)
	p.routes[route] = reg
	delete(p.disabled, route)
}

// DisableRoute exempts a route from rate limiting
func (p *PolicySet) DisableRoute(route string) {
	route = NormalizeRoute(route)
	p.disabled[route] = true
	delete(p.routes, route)
}

// Lookup returns the registry for route and whether the route is limited at all
func (p *PolicySet) Lookup(route string) (*Registry, bool) {
	route = NormalizeRoute(route)
	if p.disabled[route] {
		return nil, false
	}
	if reg, ok := p.routes[route]; ok {
		return reg, true
	}
	return p.defaults, true
}

// Defaults returns the registry used by routes without their own policy
func (p *PolicySet) Defaults() *Registry { return p.defaults }
