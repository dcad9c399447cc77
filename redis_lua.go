package shield

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementLua adds one to a bucket and sets its expiry only when the INCR
// created it, so later increments never extend or reset the TTL.
const incrementLua = `
local key = KEYS[1]
local ttl = tonumber(ARGV[1])

local value = redis.call('INCR', key)
if value == 1 then
    redis.call('PEXPIRE', key, ttl)
end
return value
`

// RedisStore implements CounterStore on Redis.
type RedisStore struct {
	client redis.UniversalClient
	script *redis.Script
}

// NewRedisStore creates a Redis-backed counter store. The client is owned by
// the caller.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		script: redis.NewScript(incrementLua),
	}
}

// Increment runs INCR and, on creation, PEXPIRE atomically inside one script.
func (r *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.script.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("%w: increment %s: %w", ErrStoreUnavailable, key, err)
	}
	return nil
}

// GetMulti reads all keys with one pipeline of GETs. A cluster client splits
// the pipeline by slot, so window keys may live on different nodes.
// Absent keys are misses.
func (r *RedisStore) GetMulti(ctx context.Context, keys []string) ([]Result, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(keys))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.Get(ctx, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: get multi: %w", ErrStoreUnavailable, err)
	}
	return collectCounters(keys, cmds)
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// collectCounters turns one GET reply per key into Results. redis.Nil is a
// miss; any other reply error or a non-integer value fails the whole read.
func collectCounters(keys []string, cmds []*redis.StringCmd) ([]Result, error) {
	results := make([]Result, 0, len(keys))
	for i, cmd := range cmds {
		value, err := cmd.Int64()
		switch {
		case errors.Is(err, redis.Nil):
			results = append(results, Result{Key: keys[i]})
		case err != nil:
			return nil, fmt.Errorf("%w: key %s: %w", ErrStoreUnavailable, keys[i], err)
		default:
			results = append(results, Result{Key: keys[i], Hit: true, Value: value})
		}
	}
	return results, nil
}
