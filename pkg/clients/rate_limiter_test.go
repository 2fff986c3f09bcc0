package clients

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowConsumesBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	stats := rl.Stats()
	assert.Equal(t, int64(2), stats.AllowedRequests)
	assert.Equal(t, int64(1), stats.BlockedRequests)
}

func TestRateLimiter_WaitPacesRequests(t *testing.T) {
	// 20 req/s with burst 1: five sequential waits need at least ~200ms
	rl := NewRateLimiter(20, 1)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, rl.Wait(context.Background()))
	}
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Equal(t, int64(5), rl.Stats().AllowedRequests)
}

func TestRateLimiter_WaitHonoursCancellation(t *testing.T) {
	rl := NewRateLimiter(0.1, 1)
	require.NoError(t, rl.Wait(context.Background())) // drain the bucket

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, int64(1), rl.Stats().BlockedRequests)
}

func TestRateLimiter_MinimumBurst(t *testing.T) {
	rl := NewRateLimiter(1, 0)
	assert.Equal(t, 1, rl.Stats().Burst)
}
