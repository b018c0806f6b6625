package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/KanavDutta/ratefence/core"
)

const createBucketTableSQL = `
CREATE TABLE IF NOT EXISTS ratefence_buckets (
    bucket_key VARCHAR(255) NOT NULL PRIMARY KEY,
    bucket_level DOUBLE PRECISION NOT NULL,
    last_update_ns BIGINT NOT NULL,
    bucket_capacity DOUBLE PRECISION NOT NULL,
    fill_rate DOUBLE PRECISION NOT NULL,
    expires_at_ns BIGINT NOT NULL
)`

const selectBucketSQL = `SELECT bucket_level, last_update_ns, bucket_capacity, fill_rate, expires_at_ns
FROM ratefence_buckets WHERE bucket_key = ?`

const swapBucketSQL = `UPDATE ratefence_buckets
SET bucket_level = ?, last_update_ns = ?, bucket_capacity = ?, fill_rate = ?, expires_at_ns = ?
WHERE bucket_key = ? AND bucket_level = ? AND last_update_ns = ? AND bucket_capacity = ? AND fill_rate = ? AND expires_at_ns > ?`

const deleteExpiredSQL = `DELETE FROM ratefence_buckets WHERE bucket_key = ? AND expires_at_ns <= ?`

const deleteCorruptSQL = `DELETE FROM ratefence_buckets WHERE bucket_key = ? AND last_update_ns = ?`

// SQLStore is a SQL-based implementation of Store.
// It supports Postgres, MySQL, and SQLite. MySQL DSNs must set
// clientFoundRows=true so unchanged rows still count as swapped.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
	logger  *slog.Logger
}

var (
	_ Store  = (*SQLStore)(nil)
	_ Pinger = (*SQLStore)(nil)
)

// SQLOption configures a SQLStore
type SQLOption func(*SQLStore)

// WithSQLClock overrides the clock used for expiry
func WithSQLClock(now func() time.Time) SQLOption {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSQLLogger sets the logger used for corrupt row warnings
func WithSQLLogger(logger *slog.Logger) SQLOption {
	return func(s *SQLStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSQLStore creates a new SQL-based store and ensures its table exists.
// Supported dialects: "postgres", "mysql", "sqlite".
func NewSQLStore(ctx context.Context, db *sql.DB, dialect string, opts ...SQLOption) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
		// Valid dialects
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(ctx, createBucketTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create ratefence_buckets table: %w", err)
	}

	return s, nil
}

// rebind rewrites ? placeholders as $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) insertIfAbsentSQL() string {
	const cols = `(bucket_key, bucket_level, last_update_ns, bucket_capacity, fill_rate, expires_at_ns) VALUES (?, ?, ?, ?, ?, ?)`
	if s.dialect == "mysql" {
		return `INSERT IGNORE INTO ratefence_buckets ` + cols
	}
	return s.rebind(`INSERT INTO ratefence_buckets ` + cols + ` ON CONFLICT (bucket_key) DO NOTHING`)
}

func (s *SQLStore) upsertSQL() string {
	const insert = `INSERT INTO ratefence_buckets (bucket_key, bucket_level, last_update_ns, bucket_capacity, fill_rate, expires_at_ns) VALUES (?, ?, ?, ?, ?, ?)`
	if s.dialect == "mysql" {
		return insert + ` ON DUPLICATE KEY UPDATE bucket_level = VALUES(bucket_level), last_update_ns = VALUES(last_update_ns),
bucket_capacity = VALUES(bucket_capacity), fill_rate = VALUES(fill_rate), expires_at_ns = VALUES(expires_at_ns)`
	}
	return s.rebind(insert + ` ON CONFLICT (bucket_key) DO UPDATE SET bucket_level = excluded.bucket_level,
last_update_ns = excluded.last_update_ns, bucket_capacity = excluded.bucket_capacity,
fill_rate = excluded.fill_rate, expires_at_ns = excluded.expires_at_ns`)
}

// expiresAtNs stores "never" as the largest timestamp so range checks stay simple
func expiresAtNs(now time.Time, ttl time.Duration) int64 {
	at := expiry(now, ttl)
	if at.IsZero() {
		return math.MaxInt64
	}
	return at.UnixNano()
}

// Get retrieves the bucket state for a given key
func (s *SQLStore) Get(ctx context.Context, key string) (*core.BucketState, error) {
	var w wireState
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, s.rebind(selectBucketSQL), key).
		Scan(&w.Level, &w.LastUpdateNs, &w.Capacity, &w.Rate, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("sql select", err)
	}

	if expiresAt <= s.now().UnixNano() {
		return nil, nil
	}

	state, err := fromWire(w)
	if err != nil {
		s.logger.Warn("discarding corrupt bucket state", "key", key, "error", err)
		if _, delErr := s.db.ExecContext(ctx, s.rebind(deleteCorruptSQL), key, w.LastUpdateNs); delErr != nil {
			s.logger.Warn("failed to delete corrupt bucket state", "key", key, "error", delErr)
		}
		return nil, nil
	}
	return state, nil
}

// Put stores the bucket state for a given key
func (s *SQLStore) Put(ctx context.Context, key string, state *core.BucketState, ttl time.Duration) error {
	if state == nil {
		return ErrNilState
	}
	_, err := s.db.ExecContext(ctx, s.upsertSQL(),
		key, state.Level, state.LastUpdate.UnixNano(), state.Capacity, state.Rate,
		expiresAtNs(s.now(), ttl))
	if err != nil {
		return unavailable("sql upsert", err)
	}
	return nil
}

// CompareAndSwap uses a conditional UPDATE, or an insert-if-absent when no
// state is expected
func (s *SQLStore) CompareAndSwap(ctx context.Context, key string, expected, next *core.BucketState, ttl time.Duration) (bool, error) {
	if next == nil {
		return false, ErrNilState
	}
	now := s.now()
	expiresAt := expiresAtNs(now, ttl)

	var (
		result sql.Result
		err    error
	)
	if expected == nil {
		// An expired row counts as absent
		if _, err := s.db.ExecContext(ctx, s.rebind(deleteExpiredSQL), key, now.UnixNano()); err != nil {
			return false, unavailable("sql delete expired", err)
		}
		result, err = s.db.ExecContext(ctx, s.insertIfAbsentSQL(),
			key, next.Level, next.LastUpdate.UnixNano(), next.Capacity, next.Rate, expiresAt)
	} else {
		result, err = s.db.ExecContext(ctx, s.rebind(swapBucketSQL),
			next.Level, next.LastUpdate.UnixNano(), next.Capacity, next.Rate, expiresAt,
			key, expected.Level, expected.LastUpdate.UnixNano(), expected.Capacity, expected.Rate, now.UnixNano())
	}
	if err != nil {
		return false, unavailable("sql compare-and-swap", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, unavailable("sql rows affected", err)
	}
	return rows == 1, nil
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("sql ping", err)
	}
	return nil
}

// Close closes the underlying database
func (s *SQLStore) Close() error {
	return s.db.Close()
}
