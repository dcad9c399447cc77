package shield

import (
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectCounters(t *testing.T) {
	t.Parallel()

	keys := []string{
		"RateLimit:201302271538:d",
		"RateLimit:201302271537:d",
		"RateLimit:201302271536:d",
	}

	t.Run("hits and misses keep their keys", func(t *testing.T) {
		results, err := collectCounters(keys, []*redis.StringCmd{
			redis.NewStringResult("4", nil),
			redis.NewStringResult("", redis.Nil),
			redis.NewStringResult("7", nil),
		})
		require.NoError(t, err)
		assert.Equal(t, []Result{
			{Key: keys[0], Hit: true, Value: 4},
			{Key: keys[1]},
			{Key: keys[2], Hit: true, Value: 7},
		}, results)
	})

	t.Run("all misses", func(t *testing.T) {
		results, err := collectCounters(keys, []*redis.StringCmd{
			redis.NewStringResult("", redis.Nil),
			redis.NewStringResult("", redis.Nil),
			redis.NewStringResult("", redis.Nil),
		})
		require.NoError(t, err)
		assert.Equal(t, []Result{{Key: keys[0]}, {Key: keys[1]}, {Key: keys[2]}}, results)
	})

	t.Run("reply error fails the read", func(t *testing.T) {
		_, err := collectCounters(keys, []*redis.StringCmd{
			redis.NewStringResult("1", nil),
			redis.NewStringResult("", errors.New("MOVED 1234 10.0.0.2:6379")),
			redis.NewStringResult("", redis.Nil),
		})
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})

	t.Run("non-integer value fails the read", func(t *testing.T) {
		_, err := collectCounters(keys[:1], []*redis.StringCmd{
			redis.NewStringResult("not-a-number", nil),
		})
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})
}
