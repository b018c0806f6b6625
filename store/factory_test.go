package store

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KanavDutta/ratefence/config"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		s, err := Open(ctx, config.Default(), nil)
		require.NoError(t, err)
		assert.IsType(t, &MemoryStore{}, s)
	})

	t.Run("shared redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		host, port, err := net.SplitHostPort(mr.Addr())
		require.NoError(t, err)

		cfg := config.Default()
		cfg.StorageBackend = "shared"
		cfg.Redis.Host = host
		cfg.Redis.Port, _ = strconv.Atoi(port)

		s, err := Open(ctx, cfg, nil)
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &RedisStore{}, s)
	})

	t.Run("unreachable redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		host, port, _ := net.SplitHostPort(mr.Addr())
		mr.Close()

		cfg := config.Default()
		cfg.StorageBackend = config.BackendRedis
		cfg.Redis.Host = host
		cfg.Redis.Port, _ = strconv.Atoi(port)

		_, err := Open(ctx, cfg, nil)
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := config.Default()
		cfg.StorageBackend = config.BackendSQL
		cfg.SQL.DSN = "file:factory_test?mode=memory&cache=shared"

		s, err := Open(ctx, cfg, nil)
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &SQLStore{}, s)
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := config.Default()
		cfg.StorageBackend = "etcd"

		_, err := Open(ctx, cfg, nil)
		assert.Error(t, err)
	})
}
