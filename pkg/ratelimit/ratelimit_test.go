package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketpipe/pkg/clock"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestLimiterWindow(t *testing.T) {
	clk := clock.NewManual(epoch)
	limiter := New(5, time.Second, WithClock(clk))

	for i := 0; i < 5; i++ {
		clk.Advance(20 * time.Millisecond)
		require.True(t, limiter.Allow(), "call %d should be admitted", i+1)
	}
	require.False(t, limiter.Allow(), "6th call inside the window must be denied")
	require.Equal(t, 5, limiter.Count())

	// 1s after the first admission the oldest timestamp leaves the window.
	clk.Set(epoch.Add(20*time.Millisecond + time.Second + time.Millisecond))
	require.True(t, limiter.Allow())
}

func TestLimiterTimeUntilReset(t *testing.T) {
	clk := clock.NewManual(epoch)
	limiter := New(1, time.Second, WithClock(clk))

	require.Zero(t, limiter.TimeUntilReset())

	require.True(t, limiter.Allow())
	clk.Advance(400 * time.Millisecond)
	require.Equal(t, 600*time.Millisecond, limiter.TimeUntilReset())

	clk.Advance(700 * time.Millisecond)
	require.Zero(t, limiter.TimeUntilReset())
	require.Zero(t, limiter.Count())
}

func TestLimiterDenialDoesNotConsume(t *testing.T) {
	clk := clock.NewManual(epoch)
	limiter := New(2, time.Second, WithClock(clk))

	require.True(t, limiter.Allow())
	require.True(t, limiter.Allow())
	require.False(t, limiter.Allow())
	require.Equal(t, 2, limiter.Count(), "denied calls must not occupy the window")
}

func TestLimiterDefaults(t *testing.T) {
	limiter := New(0, 0)
	require.Equal(t, defaultMaxRequests, limiter.Limit())
	require.True(t, limiter.Allow())
}
