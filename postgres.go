package shield

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresSchema creates the counter table used by PostgresStore.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS rate_limit_counters (
	key        TEXT PRIMARY KEY,
	count      BIGINT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rate_limit_counters_expires_at_idx ON rate_limit_counters (expires_at);
`

// PgxConn is the subset of pgxpool.Pool and pgx.Conn used by PostgresStore.
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore implements CounterStore on a PostgreSQL table.
// Expired rows read as misses and are removed by Purge.
type PostgresStore struct {
	db PgxConn
}

// NewPostgresStore creates a store on db. The pool is owned by the caller.
func NewPostgresStore(db PgxConn) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the counter table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("%w: ensure schema: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Increment inserts the bucket at 1 or adds one to a live row. A row whose
// expiry has passed restarts at 1 with a fresh expiry.
func (s *PostgresStore) Increment(ctx context.Context, key string, ttl time.Duration) error {
	query := `
		INSERT INTO rate_limit_counters (key, count, expires_at)
		VALUES ($1, 1, NOW() + make_interval(secs => $2::double precision))
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN rate_limit_counters.expires_at > NOW()
				THEN rate_limit_counters.count + 1 ELSE 1 END,
			expires_at = CASE WHEN rate_limit_counters.expires_at > NOW()
				THEN rate_limit_counters.expires_at ELSE EXCLUDED.expires_at END
	`
	if _, err := s.db.Exec(ctx, query, key, ttl.Seconds()); err != nil {
		return fmt.Errorf("%w: increment %s: %w", ErrStoreUnavailable, key, err)
	}
	return nil
}

// GetMulti returns hits for live rows and misses for every other key.
func (s *PostgresStore) GetMulti(ctx context.Context, keys []string) ([]Result, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT key, count FROM rate_limit_counters WHERE key = ANY($1) AND expires_at > NOW()`,
		keys)
	if err != nil {
		return nil, fmt.Errorf("%w: get multi: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	found := make(map[string]int64, len(keys))
	for rows.Next() {
		var (
			key   string
			count int64
		)
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrStoreUnavailable, err)
		}
		found[key] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: get multi: %w", ErrStoreUnavailable, err)
	}

	results := make([]Result, 0, len(keys))
	for _, key := range keys {
		count, ok := found[key]
		results = append(results, Result{Key: key, Hit: ok, Value: count})
	}
	return results, nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM rate_limit_counters WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("%w: purge: %w", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}
