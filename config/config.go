package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/KanavDutta/ratefence/core"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

// Config holds the rate limiting configuration.
// It supports global defaults and per-route policy overrides.
type Config struct {
	// Capacity is the maximum bucket level (burst size)
	Capacity int64 `yaml:"capacity"`

	// Rate is the number of units refilled (token bucket) or drained (leaky bucket) per second
	Rate float64 `yaml:"rate"`

	// InactivityWindowSeconds is how long an untouched bucket lives in storage
	InactivityWindowSeconds int `yaml:"inactivity_window_seconds"`

	// StorageBackend is one of memory, redis (alias: shared) or sql
	StorageBackend string `yaml:"storage_backend"`

	// FailurePolicy decides what happens when storage is unreachable: fail-open or fail-closed
	FailurePolicy string `yaml:"failure_policy"`

	// StorageTimeout bounds every single storage call
	StorageTimeout time.Duration `yaml:"storage_timeout"`

	// MaxRetries bounds compare-and-swap attempts per decision
	MaxRetries int `yaml:"max_retries"`

	// DefaultStrategy is used when a request names no strategy or an unknown one
	DefaultStrategy string `yaml:"default_strategy"`

	Redis RedisConfig `yaml:"redis"`
	SQL   SQLConfig   `yaml:"sql"`

	// Routes maps request paths to their own policies
	// Example: "/api/v1/custom-limit" -> {capacity: 10, rate: 0.5}
	Routes map[string]RoutePolicy `yaml:"routes,omitempty"`

	// BypassPaths are never rate limited
	BypassPaths []string `yaml:"bypass_paths"`

	// KeyHeader identifies the client; the peer address is used when it is missing
	KeyHeader string `yaml:"key_header"`

	// KeyExtractor overrides KeyHeader with an extractor chain such as
	// "bearer|ip-proxy". See middleware.ParseKeyFunc.
	KeyExtractor string `yaml:"key_extractor,omitempty"`

	// StrategyHeader lets a request choose its algorithm
	StrategyHeader string `yaml:"strategy_header"`

	// TrustProxy makes the peer address come from X-Forwarded-For
	TrustProxy bool `yaml:"trust_proxy"`

	LogLevel string `yaml:"log_level"`
}

// RedisConfig describes the shared Redis backend
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// SQLConfig describes the SQL backend
type SQLConfig struct {
	// Driver is one of sqlite, postgres or mysql
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RoutePolicy overrides the global policy for one path.
// Zero capacity or rate inherit the global values.
type RoutePolicy struct {
	Capacity int64   `yaml:"capacity"`
	Rate     float64 `yaml:"rate"`

	// Enabled defaults to true; set false to exempt the route entirely
	Enabled *bool `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the route is rate limited
func (p RoutePolicy) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// DefaultBypassPaths are served without rate limiting
var DefaultBypassPaths = []string{"/health", "/docs", "/redoc", "/openapi.json", "/metrics"}

// Default creates a new Config with sensible defaults.
func Default() *Config {
	return &Config{
		Capacity:                100,
		Rate:                    1.0,
		InactivityWindowSeconds: 60,
		StorageBackend:          BackendMemory,
		FailurePolicy:           "fail-open",
		StorageTimeout:          500 * time.Millisecond,
		MaxRetries:              16,
		DefaultStrategy:         "token_bucket",
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		SQL: SQLConfig{
			Driver: "sqlite",
			DSN:    "file:ratefence.db",
		},
		Routes:         make(map[string]RoutePolicy),
		BypassPaths:    append([]string(nil), DefaultBypassPaths...),
		KeyHeader:      "X-API-Key",
		StrategyHeader: "X-Rate-Limit-Strategy",
		LogLevel:       "info",
	}
}

// Load reads an optional YAML file over the defaults, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %v", core.ErrInvalidConfiguration, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse YAML: %v", core.ErrInvalidConfiguration, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if cfg.Routes == nil {
		cfg.Routes = make(map[string]RoutePolicy)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the process environment.
// Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", name, err))
				return
			}
			*dst = n
		}
	}

	if v, ok := lookup("RATEFENCE_CAPACITY"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATEFENCE_CAPACITY: %v", err))
		} else {
			c.Capacity = n
		}
	}
	if v, ok := lookup("RATEFENCE_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATEFENCE_RATE: %v", err))
		} else {
			c.Rate = f
		}
	}
	if v, ok := lookup("RATEFENCE_STORAGE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATEFENCE_STORAGE_TIMEOUT: %v", err))
		} else {
			c.StorageTimeout = d
		}
	}

	integer("RATEFENCE_INACTIVITY_WINDOW_SECONDS", &c.InactivityWindowSeconds)
	str("RATEFENCE_STORAGE_BACKEND", &c.StorageBackend)
	str("RATEFENCE_FAILURE_POLICY", &c.FailurePolicy)
	str("RATEFENCE_DEFAULT_STRATEGY", &c.DefaultStrategy)
	str("REDIS_HOST", &c.Redis.Host)
	integer("REDIS_PORT", &c.Redis.Port)
	integer("REDIS_DB", &c.Redis.DB)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("RATEFENCE_SQL_DRIVER", &c.SQL.Driver)
	str("RATEFENCE_SQL_DSN", &c.SQL.DSN)
	str("RATEFENCE_KEY_EXTRACTOR", &c.KeyExtractor)
	str("LOG_LEVEL", &c.LogLevel)

	if len(errs) > 0 {
		return fmt.Errorf("%w: environment: %v", core.ErrInvalidConfiguration, errors.Join(errs...))
	}
	return nil
}

// Backend returns the canonical storage backend name
func (c *Config) Backend() string {
	switch strings.ToLower(strings.TrimSpace(c.StorageBackend)) {
	case "", BackendMemory:
		return BackendMemory
	case "shared", BackendRedis:
		return BackendRedis
	case BackendSQL:
		return BackendSQL
	default:
		return c.StorageBackend
	}
}

// InactivityWindow is the TTL applied to every bucket write
func (c *Config) InactivityWindow() time.Duration {
	return time.Duration(c.InactivityWindowSeconds) * time.Second
}

// Policy returns the bucket policy for a route, falling back to the globals
func (c *Config) Policy(route string) core.Config {
	policy := core.Config{Capacity: float64(c.Capacity), Rate: c.Rate}
	if rp, ok := c.Routes[route]; ok {
		if rp.Capacity > 0 {
			policy.Capacity = float64(rp.Capacity)
		}
		if rp.Rate > 0 {
			policy.Rate = rp.Rate
		}
	}
	return policy
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := (core.Config{Capacity: float64(c.Capacity), Rate: c.Rate}).Validate(); err != nil {
		return fmt.Errorf("invalid defaults: %w", err)
	}
	if c.InactivityWindowSeconds <= 0 {
		return fmt.Errorf("%w: inactivity_window_seconds must be positive", core.ErrInvalidConfiguration)
	}
	if c.StorageTimeout <= 0 {
		return fmt.Errorf("%w: storage_timeout must be positive", core.ErrInvalidConfiguration)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("%w: max_retries must be positive", core.ErrInvalidConfiguration)
	}

	switch c.Backend() {
	case BackendMemory, BackendRedis:
	case BackendSQL:
		switch c.SQL.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			return fmt.Errorf("%w: unknown sql driver %q", core.ErrInvalidConfiguration, c.SQL.Driver)
		}
		if c.SQL.DSN == "" {
			return fmt.Errorf("%w: sql dsn is required", core.ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", core.ErrInvalidConfiguration, c.StorageBackend)
	}

	switch strings.ToLower(c.FailurePolicy) {
	case "fail-open", "open", "fail-closed", "closed":
	default:
		return fmt.Errorf("%w: unknown failure policy %q", core.ErrInvalidConfiguration, c.FailurePolicy)
	}

	switch c.DefaultStrategy {
	case "token_bucket", "leaky_bucket":
	default:
		return fmt.Errorf("%w: unknown strategy %q", core.ErrInvalidConfiguration, c.DefaultStrategy)
	}

	for route, rp := range c.Routes {
		if rp.Capacity < 0 || rp.Rate < 0 {
			return fmt.Errorf("%w: invalid policy for route %s", core.ErrInvalidConfiguration, route)
		}
		if err := c.Policy(route).Validate(); err != nil {
			return fmt.Errorf("invalid policy for route %s: %w", route, err)
		}
	}

	return nil
}

// SetRoute sets a rate limit policy for a specific route.
func (c *Config) SetRoute(route string, policy RoutePolicy) error {
	if policy.Capacity < 0 || policy.Rate < 0 {
		return fmt.Errorf("%w: invalid policy for route %s", core.ErrInvalidConfiguration, route)
	}
	if c.Routes == nil {
		c.Routes = make(map[string]RoutePolicy)
	}
	c.Routes[route] = policy
	return nil
}
