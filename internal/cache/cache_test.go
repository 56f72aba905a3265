package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, "test:"), mr
}

func TestRedisCache_GetSetDelete(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.True(t, mr.Exists("test:k"), "key should be namespaced")

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisCache_SetNXAndExpiry(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "warn:agent-1:2025-10-21", []byte("1"), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.SetNX(ctx, "warn:agent-1:2025-10-21", []byte("1"), time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	mr.FastForward(2 * time.Hour)

	ok, err = c.SetNX(ctx, "warn:agent-1:2025-10-21", []byte("1"), time.Hour)
	require.NoError(t, err)
	require.True(t, ok, "expired key should be claimable again")
}

func TestInMemoryCache_SetNXAndExpiry(t *testing.T) {
	c := NewInMemoryCache()
	now := time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", []byte("a"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = c.SetNX(ctx, "k", []byte("b"), time.Minute)
	require.False(t, ok)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got)

	now = now.Add(2 * time.Minute)
	_, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	ok, _ = c.SetNX(ctx, "k", []byte("c"), 0)
	require.True(t, ok)
	now = now.Add(24 * time.Hour)
	_, err = c.Get(ctx, "k")
	require.NoError(t, err, "zero ttl never expires")
}

func TestJSONHelpers(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	type decision struct {
		Approved    bool   `json:"approved"`
		DeclineCode string `json:"decline_code"`
	}
	require.NoError(t, SetJSON(ctx, c, "d", decision{Approved: false, DeclineCode: "spending_controls"}, time.Minute))

	var got decision
	require.NoError(t, GetJSON(ctx, c, "d", &got))
	require.Equal(t, "spending_controls", got.DeclineCode)
}
