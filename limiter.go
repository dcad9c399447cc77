// Package shield implements a fixed-granularity sliding-window rate limiter.
// Requests are counted in per-minute buckets held by a CounterStore and the
// last Period buckets are summed to approximate a rolling window.
package shield

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultKeyPrefix is the first segment of every bucket key.
const DefaultKeyPrefix = "RateLimit"

const minuteLayout = "200601021504"

// Result is a single entry returned by CounterStore.GetMulti.
// Value is meaningful only when Hit is true.
type Result struct {
	Key   string
	Hit   bool
	Value int64
}

// CounterStore holds the per-minute counters.
// Implementations must make Increment atomic under concurrent use.
type CounterStore interface {
	// Increment adds one to the counter at key, creating it with value 1 and
	// the given ttl when absent. The expiry of an existing counter is kept.
	Increment(ctx context.Context, key string, ttl time.Duration) error
	// GetMulti reads all keys in one batch. Results may come back in any order.
	GetMulti(ctx context.Context, keys []string) ([]Result, error)
}

// RateLimiter decides whether an identifier set has used up its allowance of
// Limit requests within the last Period minutes.
// It keeps no mutable state and is safe for concurrent use.
// The zero value has no store and is not usable; create one with New.
type RateLimiter struct {
	store  CounterStore
	limit  int
	period int
	now    func() time.Time
	prefix string
	logger *slog.Logger
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithClock sets the time source used by the calls without an explicit time.
func WithClock(now func() time.Time) Option {
	return func(l *RateLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(l *RateLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithKeyPrefix replaces DefaultKeyPrefix in bucket keys.
func WithKeyPrefix(prefix string) Option {
	return func(l *RateLimiter) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// New creates a limiter allowing limit requests per period minutes.
// It performs no I/O.
func New(store CounterStore, limit, period int, opts ...Option) (*RateLimiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfiguration)
	}
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfiguration, limit)
	}
	if period < 1 {
		return nil, fmt.Errorf("%w: period must be positive, got %d", ErrInvalidConfiguration, period)
	}

	l := &RateLimiter{
		store:  store,
		limit:  limit,
		period: period,
		now:    time.Now,
		prefix: DefaultKeyPrefix,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Limit returns the number of requests allowed in the period.
func (l *RateLimiter) Limit() int { return l.limit }

// Period returns the window length in minutes.
func (l *RateLimiter) Period() int { return l.period }

// Increment records one request for ids in the current minute.
func (l *RateLimiter) Increment(ctx context.Context, ids Identifiers) error {
	return l.IncrementAt(ctx, ids, l.now())
}

// IncrementAt records one request for ids in the minute containing t.
// Store errors are returned unchanged.
func (l *RateLimiter) IncrementAt(ctx context.Context, ids Identifiers, t time.Time) error {
	key, err := l.CacheKey(ids, t)
	if err != nil {
		return err
	}
	return l.store.Increment(ctx, key, l.ttl())
}

// Exceeded reports whether ids reached the limit in the window ending now.
func (l *RateLimiter) Exceeded(ctx context.Context, ids Identifiers) (bool, error) {
	return l.ExceededAt(ctx, ids, l.now())
}

// ExceededAt reports whether the window total ending at t is at or above the
// limit.
func (l *RateLimiter) ExceededAt(ctx context.Context, ids Identifiers, t time.Time) (bool, error) {
	total, err := l.TotalAt(ctx, ids, t)
	if err != nil {
		return false, err
	}
	return l.reached(total), nil
}

// Total returns the request count for ids in the window ending now.
func (l *RateLimiter) Total(ctx context.Context, ids Identifiers) (int64, error) {
	return l.TotalAt(ctx, ids, l.now())
}

// TotalAt sums the Period buckets ending at the minute containing t.
// Missing buckets count as zero.
func (l *RateLimiter) TotalAt(ctx context.Context, ids Identifiers, t time.Time) (int64, error) {
	digest, err := Digest(ids)
	if err != nil {
		return 0, err
	}
	keys := l.windowKeys(digest, t)

	results, err := l.store.GetMulti(ctx, keys)
	if err != nil {
		return 0, err
	}

	// Match by key; stores may reorder or repeat entries.
	pending := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		pending[k] = struct{}{}
	}

	var total int64
	for _, res := range results {
		if !res.Hit {
			continue
		}
		if _, ok := pending[res.Key]; !ok {
			continue
		}
		delete(pending, res.Key)
		total += res.Value
	}

	l.logger.DebugContext(ctx, "rate limit window total",
		slog.String("digest", digest),
		slog.Int("period", l.period),
		slog.Int64("total", total),
		slog.Int("limit", l.limit))

	return total, nil
}

// Remaining returns how many requests are left after total, never below zero.
func (l *RateLimiter) Remaining(total int64) int64 {
	return max(0, int64(l.limit)-total)
}

// CacheKey returns the bucket key for ids in the minute containing t:
// <prefix>:<YYYYMMDDHHmm in UTC>:<sha1 of canonical ids>.
func (l *RateLimiter) CacheKey(ids Identifiers, t time.Time) (string, error) {
	digest, err := Digest(ids)
	if err != nil {
		return "", err
	}
	return l.bucketKey(digest, t), nil
}

// WindowKeys returns the Period bucket keys checked by TotalAt, newest first.
func (l *RateLimiter) WindowKeys(ids Identifiers, t time.Time) ([]string, error) {
	digest, err := Digest(ids)
	if err != nil {
		return nil, err
	}
	return l.windowKeys(digest, t), nil
}

func (l *RateLimiter) windowKeys(digest string, t time.Time) []string {
	keys := make([]string, 0, l.period)
	for interval := range l.period {
		keys = append(keys, l.bucketKey(digest, t.Add(-time.Duration(interval)*time.Minute)))
	}
	return keys
}

func (l *RateLimiter) bucketKey(digest string, t time.Time) string {
	return l.prefix + ":" + t.UTC().Format(minuteLayout) + ":" + digest
}

// ttl keeps a bucket alive one minute past the last window that reads it.
func (l *RateLimiter) ttl() time.Duration {
	return time.Duration(l.period+1) * time.Minute
}

func (l *RateLimiter) reached(total int64) bool {
	return total >= int64(l.limit)
}
