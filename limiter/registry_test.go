package limiter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KanavDutta/ratefence/config"
	"github.com/KanavDutta/ratefence/core"
	"github.com/KanavDutta/ratefence/store"
)

func TestRegistry_Select(t *testing.T) {
	reg, err := NewBucketRegistry(store.NewMemoryStore(), core.Config{Capacity: 5, Rate: 1}, TokenBucket)
	require.NoError(t, err)

	tests := []struct {
		tag  string
		want Strategy
	}{
		{"token_bucket", TokenBucket},
		{"leaky_bucket", LeakyBucket},
		{"", TokenBucket},
		{"sliding_window", TokenBucket},
		{"LEAKY_BUCKET", TokenBucket},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, l := reg.Select(tt.tag)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, l.(*BucketLimiter).Strategy())
		})
	}

	assert.Equal(t, []Strategy{LeakyBucket, TokenBucket}, reg.Strategies())
	assert.Equal(t, TokenBucket, reg.Default())
}

func TestRegistry_Consume(t *testing.T) {
	reg, err := NewBucketRegistry(store.NewMemoryStore(), core.Config{Capacity: 5, Rate: 1}, LeakyBucket)
	require.NoError(t, err)

	d, err := reg.Consume(context.Background(), "unknown", "k", 2)
	require.NoError(t, err)
	assert.Equal(t, LeakyBucket, d.Strategy)
	assert.Equal(t, int64(3), d.Remaining)

	_, err = reg.Consume(context.Background(), "", "k", 0)
	assert.ErrorIs(t, err, ErrInvalidCost)
}

func TestNewRegistry_DefaultMustExist(t *testing.T) {
	l, err := NewTokenBucket(store.NewMemoryStore(), core.Config{Capacity: 5, Rate: 1})
	require.NoError(t, err)

	_, err = NewRegistry(LeakyBucket, map[Strategy]Limiter{TokenBucket: l})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestPolicySet_Lookup(t *testing.T) {
	st := store.NewMemoryStore()
	defaults, err := NewBucketRegistry(st, core.Config{Capacity: 100, Rate: 1}, TokenBucket)
	require.NoError(t, err)
	custom, err := NewBucketRegistry(st, core.Config{Capacity: 10, Rate: 0.5}, TokenBucket)
	require.NoError(t, err)

	set := NewPolicySet(defaults)
	set.SetRoute("/custom", custom)
	set.DisableRoute("/free")

	reg, enabled := set.Lookup("/custom")
	assert.True(t, enabled)
	assert.Same(t, custom, reg)

	reg, enabled = set.Lookup("/anything")
	assert.True(t, enabled)
	assert.Same(t, defaults, reg)

	_, enabled = set.Lookup("/free")
	assert.False(t, enabled)

	// Re-enabling a route replaces the exemption
	set.SetRoute("/free", custom)
	_, enabled = set.Lookup("/free")
	assert.True(t, enabled)
}

func TestPolicySet_TrailingSlash(t *testing.T) {
	st := store.NewMemoryStore()
	defaults, err := NewBucketRegistry(st, core.Config{Capacity: 100, Rate: 1}, TokenBucket)
	require.NoError(t, err)
	custom, err := NewBucketRegistry(st, core.Config{Capacity: 2, Rate: 1}, TokenBucket)
	require.NoError(t, err)

	set := NewPolicySet(defaults)
	set.SetRoute("/api/login/", custom)
	set.DisableRoute("/internal//")

	for _, route := range []string{"/api/login", "/api/login/"} {
		reg, enabled := set.Lookup(route)
		assert.True(t, enabled, route)
		assert.Same(t, custom, reg, route)
	}
	for _, route := range []string{"/internal", "/internal/"} {
		_, enabled := set.Lookup(route)
		assert.False(t, enabled, route)
	}
}

func TestNormalizeRoute(t *testing.T) {
	tests := map[string]string{
		"":        "/",
		"/":       "/",
		"//":      "/",
		"/a":      "/a",
		"/a/":     "/a",
		"/a/b///": "/a/b",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeRoute(in), in)
	}
}

func TestFromConfig(t *testing.T) {
	disabled := false
	cfg := config.Default()
	cfg.DefaultStrategy = "leaky_bucket"
	cfg.FailurePolicy = "fail-closed"
	require.NoError(t, cfg.SetRoute("/api/v1/custom-limit", config.RoutePolicy{Capacity: 10, Rate: 0.5}))
	require.NoError(t, cfg.SetRoute("/api/v1/unlimited", config.RoutePolicy{Enabled: &disabled}))

	set, err := FromConfig(cfg, store.NewMemoryStore())
	require.NoError(t, err)

	reg, enabled := set.Lookup("/api/v1/custom-limit")
	require.True(t, enabled)
	strategy, l := reg.Select("")
	assert.Equal(t, LeakyBucket, strategy)
	bl := l.(*BucketLimiter)
	assert.Equal(t, core.Config{Capacity: 10, Rate: 0.5}, bl.Config())
	assert.Equal(t, FailClosed, bl.policy)
	assert.Equal(t, cfg.InactivityWindow(), bl.ttl)

	_, enabled = set.Lookup("/api/v1/unlimited")
	assert.False(t, enabled)

	_, l = set.Defaults().Select("token_bucket")
	assert.Equal(t, core.Config{Capacity: 100, Rate: 1}, l.(*BucketLimiter).Config())
}

func TestFromConfig_Invalid(t *testing.T) {
	cfg := config.Default()
	cfg.Rate = 0

	_, err := FromConfig(cfg, store.NewMemoryStore())
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
