package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsBurstThenPaces(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	l := New(Config{Jobs: 2, Window: 200 * time.Millisecond, Observe: func(d time.Duration) {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
	}})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	require.Less(t, time.Since(start), 50*time.Millisecond, "burst equals the job budget")

	start = time.Now()
	require.NoError(t, l.Wait(ctx))
	require.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, waits, 1)
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{Jobs: 1, Window: time.Hour})
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit wait")
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
}
