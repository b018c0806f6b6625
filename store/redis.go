package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KanavDutta/ratefence/core"
)

// DefaultRedisPrefix namespaces every key written by RedisStore
const DefaultRedisPrefix = "ratefence:"

// casScript swaps the value only when the stored bytes equal ARGV[1].
// An empty ARGV[1] requires the key to be absent.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
  if current then
    return 0
  end
elseif current ~= ARGV[1] then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// deleteIfScript removes a key only while it still holds ARGV[1]
var deleteIfScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// canonicalizeScript rewrites ARGV[1] as ARGV[2] while the key still holds
// ARGV[1], keeping the remaining TTL
var canonicalizeScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// RedisStore provides Redis-backed storage for bucket states shared across processes
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// Ensure RedisStore implements Store interface
var (
	_ Store  = (*RedisStore)(nil)
	_ Pinger = (*RedisStore)(nil)
)

// RedisConfig for creating a Redis store
type RedisConfig struct {
	Addr     string       // Redis address (e.g., "localhost:6379")
	Password string       // Redis password (empty for no auth)
	DB       int          // Redis database number
	Prefix   string       // Key prefix (default: "ratefence:")
	Logger   *slog.Logger // Optional: defaults to slog.Default()
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(config RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisStoreFromClient(client, config.Prefix, config.Logger)
}

// NewRedisStoreFromClient wraps an existing client (single node, cluster or sentinel)
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

// Get retrieves the bucket state for a given key
func (s *RedisStore) Get(ctx context.Context, key string) (*core.BucketState, error) {
	redisKey := s.key(key)

	val, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("redis get", err)
	}

	state, err := decodeState(val)
	if err != nil {
		// Corrupt data is dropped so the next swap can reinitialize the bucket
		s.logger.Warn("discarding corrupt bucket state", "key", key, "error", err)
		if delErr := deleteIfScript.Run(ctx, s.client, []string{redisKey}, val).Err(); delErr != nil {
			s.logger.Warn("failed to delete corrupt bucket state", "key", key, "error", delErr)
		}
		return nil, nil
	}

	// CompareAndSwap matches on exact bytes, so a value that decodes but was
	// encoded differently (spacing, extra fields, another writer) is rewritten
	// in canonical form first
	canonical, err := encodeState(state)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(canonical, val) {
		if err := canonicalizeScript.Run(ctx, s.client, []string{redisKey}, val, canonical).Err(); err != nil {
			return nil, unavailable("redis canonicalize", err)
		}
	}

	return state, nil
}

// Put stores the bucket state for a given key
func (s *RedisStore) Put(ctx context.Context, key string, state *core.BucketState, ttl time.Duration) error {
	if state == nil {
		return ErrNilState
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return unavailable("redis set", err)
	}
	return nil
}

// CompareAndSwap runs the swap server-side so no other client can interleave
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected, next *core.BucketState, ttl time.Duration) (bool, error) {
	if next == nil {
		return false, ErrNilState
	}
	expectedData, err := encodeState(expected)
	if err != nil {
		return false, err
	}
	nextData, err := encodeState(next)
	if err != nil {
		return false, err
	}

	swapped, err := casScript.Run(ctx, s.client,
		[]string{s.key(key)},
		expectedData, nextData, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, unavailable("redis compare-and-swap", err)
	}
	return swapped == 1, nil
}

// Clear removes all keys under this store's prefix
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return unavailable("redis del", err)
		}
	}
	if err := iter.Err(); err != nil {
		return unavailable("redis scan", err)
	}
	return nil
}

// Ping checks if Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("redis ping", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
