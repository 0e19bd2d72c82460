package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleLimiterEnforcesDelay(t *testing.T) {
	limiter := NewSimpleLimiter(50*time.Millisecond, 50*time.Millisecond)

	require.NoError(t, limiter.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestSimpleLimiterHonorsCancellation(t *testing.T) {
	limiter := NewSimpleLimiter(time.Minute, time.Minute)
	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAdaptiveLimiterBacksOffOnErrors(t *testing.T) {
	limiter := NewAdaptiveLimiter(10*time.Second, 20*time.Second)

	for i := 0; i < 3; i++ {
		limiter.RecordError()
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Equal(t, 15*time.Second, limiter.minDelay)
	assert.Equal(t, 30*time.Second, limiter.maxDelay)
}

func TestAdaptiveLimiterErrorCountResetsOnSuccess(t *testing.T) {
	limiter := NewAdaptiveLimiter(10*time.Second, 20*time.Second)

	limiter.RecordError()
	limiter.RecordError()
	limiter.RecordSuccess()
	limiter.RecordError()
	limiter.RecordError()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Equal(t, 10*time.Second, limiter.minDelay, "interleaved successes must prevent backoff")
}
