package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/linkguard/internal/kv"
	"github.com/koopa0/system-design/linkguard/internal/testutils"
)

// TestRedis_Integration 以真實 Redis 驗證 Lua 腳本語意與記憶體實作一致
func TestRedis_Integration(t *testing.T) {
	client := testutils.StartRedis(t)
	store := kv.NewRedis(client)
	ctx := context.Background()

	t.Run("get missing returns ErrNil", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, kv.ErrNil)

		_, err = store.TTL(ctx, "nope")
		assert.ErrorIs(t, err, kv.ErrNil)
	})

	t.Run("incr sets ttl once", func(t *testing.T) {
		v, err := store.IncrBy(ctx, "attempts:x", 1, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		v, err = store.IncrBy(ctx, "attempts:x", 1, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)

		ttl, err := store.TTL(ctx, "attempts:x")
		require.NoError(t, err)
		assert.LessOrEqual(t, ttl, time.Minute)
		assert.Greater(t, ttl, 50*time.Second)
	})

	t.Run("windows deny without consuming", func(t *testing.T) {
		windows := []kv.Window{
			{Key: "rl:1:m", Limit: 2, TTL: time.Minute},
			{Key: "rl:1:h", Limit: 10, TTL: time.Hour},
		}
		for i := 0; i < 2; i++ {
			res, err := store.IncrWithinLimits(ctx, windows)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
		}

		res, err := store.IncrWithinLimits(ctx, windows)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, 0, res.Exceeded)
		assert.Equal(t, []int64{2, 2}, res.Counts)
		assert.Greater(t, res.TTLs[0], time.Duration(0))
	})

	t.Run("delete by pattern", func(t *testing.T) {
		for i := 0; i < 1200; i++ {
			require.NoError(t, client.Set(ctx, "verified:code:"+time.Duration(i).String(), "1", 0).Err())
		}
		require.NoError(t, store.Set(ctx, "verified:other:1", "1", 0))

		n, err := store.DelPattern(ctx, "verified:code:*")
		require.NoError(t, err)
		assert.Equal(t, int64(1200), n)

		ok, err := store.Exists(ctx, "verified:other:1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("sets and ranking", func(t *testing.T) {
		require.NoError(t, store.SAdd(ctx, "wl", "1.2.3.4", "10.0.0.0/8"))
		members, err := store.SMembers(ctx, "wl")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"1.2.3.4", "10.0.0.0/8"}, members)

		for _, m := range []string{"a", "a", "a", "b", "b", "c"} {
			require.NoError(t, store.ZIncrTrim(ctx, "top", m, 2, time.Hour))
		}
		top, err := store.ZTop(ctx, "top", 5)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, "a", top[0].Member)
		assert.Equal(t, "b", top[1].Member)
	})

	t.Run("unreachable server reports unavailable", func(t *testing.T) {
		broken := kv.NewRedis(redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 50 * time.Millisecond,
			MaxRetries:  -1,
		}))
		_, err := broken.Get(ctx, "a")
		assert.ErrorIs(t, err, kv.ErrUnavailable)
	})
}
