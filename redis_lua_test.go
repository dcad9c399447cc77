package shield_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shield "github.com/tanmaij/minute-shield"
)

// TestRedisStore validates the Lua increment and MGET reads against a real Redis.
func TestRedisStore(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	t.Cleanup(func() { _ = rdb.Close() })

	// Skip the test if Redis is not available locally.
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: localhost:6379 not reachable")
	}

	store := shield.NewRedisStore(rdb)
	require.NoError(t, store.Ping(ctx))

	prefix := "shield-test:" + time.Now().Format("150405.000000") + ":"
	cleanup := func(keys ...string) {
		t.Cleanup(func() { rdb.Del(ctx, keys...) })
	}

	t.Run("Increment creates the counter with ttl", func(t *testing.T) {
		key := prefix + "create"
		cleanup(key)

		require.NoError(t, store.Increment(ctx, key, 2*time.Minute))

		value, err := rdb.Get(ctx, key).Int64()
		require.NoError(t, err)
		assert.Equal(t, int64(1), value)

		ttl, err := rdb.PTTL(ctx, key).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Minute)
		assert.LessOrEqual(t, ttl, 2*time.Minute)
	})

	t.Run("Increment keeps the original ttl", func(t *testing.T) {
		key := prefix + "keep"
		cleanup(key)

		require.NoError(t, store.Increment(ctx, key, time.Minute))
		require.NoError(t, rdb.PExpire(ctx, key, 30*time.Second).Err())
		require.NoError(t, store.Increment(ctx, key, time.Minute))

		ttl, err := rdb.PTTL(ctx, key).Result()
		require.NoError(t, err)
		assert.LessOrEqual(t, ttl, 30*time.Second)

		value, err := rdb.Get(ctx, key).Int64()
		require.NoError(t, err)
		assert.Equal(t, int64(2), value)
	})

	t.Run("GetMulti reports hits and misses by key", func(t *testing.T) {
		hit := prefix + "hit"
		miss := prefix + "miss"
		cleanup(hit, miss)

		for range 3 {
			require.NoError(t, store.Increment(ctx, hit, time.Minute))
		}

		results, err := store.GetMulti(ctx, []string{miss, hit})
		require.NoError(t, err)
		assert.Equal(t, []shield.Result{
			{Key: miss},
			{Key: hit, Hit: true, Value: 3},
		}, results)
	})

	t.Run("GetMulti rejects non-integer values", func(t *testing.T) {
		key := prefix + "garbage"
		cleanup(key)
		require.NoError(t, rdb.Set(ctx, key, "not-a-number", time.Minute).Err())

		_, err := store.GetMulti(ctx, []string{key})
		assert.ErrorIs(t, err, shield.ErrStoreUnavailable)
	})

	t.Run("Limiter end to end", func(t *testing.T) {
		ids := shield.Fields{"ip": "192.0.2.1", "run": prefix}
		l, err := shield.New(store, 2, 3)
		require.NoError(t, err)

		keys, err := l.WindowKeys(ids, time.Now())
		require.NoError(t, err)
		cleanup(keys...)

		exceeded, err := l.Exceeded(ctx, ids)
		require.NoError(t, err)
		assert.False(t, exceeded)

		require.NoError(t, l.Increment(ctx, ids))
		require.NoError(t, l.Increment(ctx, ids))

		exceeded, err = l.Exceeded(ctx, ids)
		require.NoError(t, err)
		assert.True(t, exceeded)
	})
}

func TestRedisStore_Unavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	store := shield.NewRedisStore(rdb)
	ctx := context.Background()

	assert.ErrorIs(t, store.Increment(ctx, "k", time.Minute), shield.ErrStoreUnavailable)
	_, err := store.GetMulti(ctx, []string{"k"})
	assert.ErrorIs(t, err, shield.ErrStoreUnavailable)
	assert.ErrorIs(t, store.Ping(ctx), shield.ErrStoreUnavailable)

	results, err := store.GetMulti(ctx, nil)
	assert.NoError(t, err)
	assert.Empty(t, results)
}
