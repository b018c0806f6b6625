package limiter

import (
	"fmt"

	"github.com/KanavDutta/ratefence/config"
	"github.com/KanavDutta/ratefence/core"
	"github.com/KanavDutta/ratefence/store"
)

// FromConfig builds the default registry and one registry per enabled route.
// Options are applied after the ones derived from cfg.
func FromConfig(cfg *config.Config, st store.Store, opts ...Option) (*PolicySet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy, err := ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return nil, err
	}
	defaultStrategy, err := ParseStrategy(cfg.DefaultStrategy)
	if err != nil {
		return nil, err
	}

	all := append([]Option{
		WithTTL(cfg.InactivityWindow()),
		WithFailurePolicy(policy),
		WithStorageTimeout(cfg.StorageTimeout),
		WithMaxRetries(cfg.MaxRetries),
	}, opts...)

	defaults, err := NewBucketRegistry(st, core.Config{Capacity: float64(cfg.Capacity), Rate: cfg.Rate}, defaultStrategy, all...)
	if err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}

	set := NewPolicySet(defaults)
	for route, rp := range cfg.Routes {
		if !rp.IsEnabled() {
			set.DisableRoute(route)
			continue
		}
		reg, err := NewBucketRegistry(st, cfg.Policy(route), defaultStrategy, all...)
		if err != nil {
			return nil, fmt.Errorf("policy for route %s: %w", route, err)
		}
		set.SetRoute(route, reg)
	}

	return set, nil
}
