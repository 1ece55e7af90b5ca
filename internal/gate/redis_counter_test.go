package gate

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisCounterExpirySetOnce(t *testing.T) {
	t.Parallel()

	mr, client := newMiniredis(t)
	now := time.Date(2026, 3, 2, 10, 15, 30, 0, time.UTC)
	mr.SetTime(now)
	counter := NewRedisCounter(client)
	ctx := context.Background()

	n, err := counter.Incr(ctx, "ratelimit:t1:minute:1", now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 30*time.Second, mr.TTL("ratelimit:t1:minute:1"))

	n, err = counter.Incr(ctx, "ratelimit:t1:minute:1", now.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 30*time.Second, mr.TTL("ratelimit:t1:minute:1"), "expiry must not be refreshed")

	got, err := counter.Get(ctx, "ratelimit:t1:minute:1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	got, err = counter.Get(ctx, "ratelimit:t1:minute:missing")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestRedisCounterDeletePrefix(t *testing.T) {
	t.Parallel()

	mr, client := newMiniredis(t)
	counter := NewRedisCounter(client)
	ctx := context.Background()
	expire := time.Now().Add(time.Hour)

	for _, key := range []string{"ratelimit:t1:minute:1", "ratelimit:t1:hour:1", "ratelimit:t2:hour:1"} {
		_, err := counter.Incr(ctx, key, expire)
		require.NoError(t, err)
	}
	require.NoError(t, counter.DeletePrefix(ctx, "ratelimit:t1:"))

	assert.False(t, mr.Exists("ratelimit:t1:minute:1"))
	assert.False(t, mr.Exists("ratelimit:t1:hour:1"))
	assert.True(t, mr.Exists("ratelimit:t2:hour:1"))
}

func TestRedisCounterDeletePrefixIsLiteral(t *testing.T) {
	t.Parallel()

	mr, client := newMiniredis(t)
	counter := NewRedisCounter(client)
	ctx := context.Background()
	expire := time.Now().Add(time.Hour)

	keys := []string{"ratelimit:t*:minute:1", "ratelimit:tx:minute:1", "ratelimit:t?:hour:1", "ratelimit:t[1]:hour:1"}
	for _, key := range keys {
		_, err := counter.Incr(ctx, key, expire)
		require.NoError(t, err)
	}
	require.NoError(t, counter.DeletePrefix(ctx, "ratelimit:t*:"))

	assert.False(t, mr.Exists("ratelimit:t*:minute:1"))
	for _, key := range keys[1:] {
		assert.True(t, mr.Exists(key), key)
	}

	require.NoError(t, counter.DeletePrefix(ctx, "ratelimit:t[1]:"))
	assert.False(t, mr.Exists("ratelimit:t[1]:hour:1"))
	assert.True(t, mr.Exists("ratelimit:tx:minute:1"))
}

func TestGateWithRedisCounter(t *testing.T) {
	t.Parallel()

	_, client := newMiniredis(t)
	fixed := time.Now()
	g := New(NewRedisCounter(client), DefaultConfig(), WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.True(t, g.Admit(ctx, "tenant-r", capture.PlanFree).Allowed)
	}
	d := g.Admit(ctx, "tenant-r", capture.PlanFree)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMinute, d.Reason)
}

func TestGateRedisUnavailableFailsOpen(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()
	g := New(NewRedisCounter(client), DefaultConfig())

	d := g.Admit(context.Background(), "tenant-r", capture.PlanFree)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonDegraded, d.Reason)
}
