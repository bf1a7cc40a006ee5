package taoapi

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterSpacing(t *testing.T) {
	// 1200 requests per minute = 50ms interval
	limiter := NewRateLimiter(1200, clockwork.NewRealClock())
	require.Equal(t, 50*time.Millisecond, limiter.Interval())

	const calls = 4
	start := time.Now()
	for i := 0; i < calls; i++ {
		require.NoError(t, limiter.Wait(context.Background()))
	}
	elapsed := time.Since(start)

	// Jitter only adds, never subtracts
	assert.GreaterOrEqual(t, elapsed, time.Duration(calls-1)*limiter.Interval())
}

func TestRateLimiterFirstCallImmediate(t *testing.T) {
	limiter := NewRateLimiter(1, clockwork.NewRealClock())

	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRateLimiterCanceledContext(t *testing.T) {
	limiter := NewRateLimiter(1, clockwork.NewRealClock())
	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := limiter.Wait(ctx)
	require.Error(t, err)
}
