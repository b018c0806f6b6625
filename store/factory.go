package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/KanavDutta/ratefence/config"
)

// sqlDrivers maps configured driver names to database/sql driver names.
// The binary must import the matching driver package.
var sqlDrivers = map[string]string{
	"sqlite":   "sqlite3",
	"postgres": "postgres",
	"mysql":    "mysql",
}

// Open creates the store selected by cfg and verifies it is reachable
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend() {
	case config.BackendMemory:
		return NewMemoryStore(), nil

	case config.BackendRedis:
		s := NewRedisStore(RedisConfig{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Logger:   logger,
		})
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr(), err)
		}
		return s, nil

	case config.BackendSQL:
		driver, ok := sqlDrivers[cfg.SQL.Driver]
		if !ok {
			return nil, fmt.Errorf("unsupported sql driver %q", cfg.SQL.Driver)
		}
		db, err := sql.Open(driver, cfg.SQL.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", cfg.SQL.Driver, err)
		}
		if cfg.SQL.Driver == "sqlite" {
			// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY
			db.SetMaxOpenConns(1)
		}
		s, err := NewSQLStore(ctx, db, cfg.SQL.Driver, WithSQLLogger(logger))
		if err != nil {
			db.Close()
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
