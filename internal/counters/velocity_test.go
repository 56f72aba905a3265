package counters

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 10, 21, 10, 0, 30, 0, time.UTC)

func TestInMemoryVelocity_Rate(t *testing.T) {
	v := NewInMemory(time.Hour)
	ctx := context.Background()

	require.NoError(t, v.Add(ctx, "tx-1", "a", 1000, base.Add(-4*time.Minute)))
	require.NoError(t, v.Add(ctx, "tx-2", "a", 2000, base.Add(-time.Minute)))
	require.NoError(t, v.Add(ctx, "tx-3", "a", 2000, base))
	require.NoError(t, v.Add(ctx, "tx-4", "a", 9999, base.Add(-10*time.Minute)))
	require.NoError(t, v.Add(ctx, "tx-5", "b", 5000, base))

	rate, err := v.Rate(ctx, "a", 5*time.Minute, base)
	require.NoError(t, err)
	require.Equal(t, int64(1000), rate) // (1000+2000+2000)/5

	rate, err = v.Rate(ctx, "a", time.Minute, base)
	require.NoError(t, err)
	require.Equal(t, int64(2000), rate)

	rate, err = v.Rate(ctx, "nobody", 5*time.Minute, base)
	require.NoError(t, err)
	require.Zero(t, rate)
}

func TestInMemoryVelocity_PrunesOldBuckets(t *testing.T) {
	v := NewInMemory(10 * time.Minute)
	ctx := context.Background()

	require.NoError(t, v.Add(ctx, "tx-6", "a", 100, base.Add(-time.Hour)))
	require.NoError(t, v.Add(ctx, "tx-7", "a", 100, base))
	require.Len(t, v.buckets["a"], 1)
}

func TestRedisVelocity_RateAndExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	v := NewRedis(client)
	v.Retention = 10 * time.Minute
	ctx := context.Background()

	require.NoError(t, v.Add(ctx, "tx-8", "a", 3000, base.Add(-2*time.Minute)))
	require.NoError(t, v.Add(ctx, "tx-9", "a", 1500, base))
	require.NoError(t, v.Add(ctx, "tx-10", "a", 500, base))

	rate, err := v.Rate(ctx, "a", 5*time.Minute, base)
	require.NoError(t, err)
	require.Equal(t, int64(1000), rate) // 5000/5

	key := v.bucketKey("a", minuteOf(base))
	got, err := mr.Get(key)
	require.NoError(t, err)
	require.Equal(t, "2000", got)
	require.Greater(t, mr.TTL(key), time.Duration(0))

	mr.FastForward(11 * time.Minute)
	require.False(t, mr.Exists(key))
}

func TestRedisVelocity_FallsBackWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	v := NewRedis(client)
	mr.Close()

	ctx := context.Background()
	require.NoError(t, v.Add(ctx, "tx-11", "a", 600, base))

	rate, err := v.Rate(ctx, "a", time.Minute, base)
	require.NoError(t, err)
	require.Equal(t, int64(600), rate)
}

func TestRedisVelocity_NoFallbackReturnsError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	v := NewRedis(client)
	v.Fallback = nil
	mr.Close()

	require.Error(t, v.Add(context.Background(), "tx-12", "a", 1, base))
	_, err := v.Rate(context.Background(), "a", time.Minute, base)
	require.Error(t, err)
}

func TestInMemoryVelocity_CountsEachCorrelationOnce(t *testing.T) {
	v := NewInMemory(time.Hour)
	ctx := context.Background()

	require.NoError(t, v.Add(ctx, "tx-1", "a", 700, base))
	require.NoError(t, v.Add(ctx, "tx-1", "a", 700, base))
	require.NoError(t, v.Add(ctx, "tx-2", "a", 300, base))

	rate, err := v.Rate(ctx, "a", time.Minute, base)
	require.NoError(t, err)
	require.Equal(t, int64(1000), rate)
}

func TestRedisVelocity_CountsEachCorrelationOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	v := NewRedis(client)
	ctx := context.Background()

	require.NoError(t, v.Add(ctx, "tx-1", "a", 700, base))
	require.NoError(t, v.Add(ctx, "tx-1", "a", 700, base.Add(time.Second)))
	require.NoError(t, v.Add(ctx, "tx-2", "a", 300, base))

	rate, err := v.Rate(ctx, "a", time.Minute, base)
	require.NoError(t, err)
	require.Equal(t, int64(1000), rate)
	require.True(t, mr.Exists(v.guardKey("a", "tx-1")))
}
