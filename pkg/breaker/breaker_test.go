package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketpipe/pkg/clock"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

var errUpstream = errors.New("upstream blew up")

func failingOp(context.Context) (string, error) { return "", errUpstream }
func workingOp(context.Context) (string, error) { return "ok", nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clk := clock.NewManual(epoch)
	b := New(Config{FailureThreshold: 3, ResetTimeout: time.Minute}, WithClock(clk))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := Do(b, ctx, "coingecko", failingOp, nil)
		require.ErrorIs(t, err, errUpstream)
	}
	require.Equal(t, "open", b.Status("coingecko").State)

	// While open, the operation must never be invoked.
	invoked := false
	_, err := Do(b, ctx, "coingecko", func(context.Context) (string, error) {
		invoked = true
		return "", nil
	}, nil)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, "coingecko", openErr.Service)
	require.False(t, invoked)
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	clk := clock.NewManual(epoch)
	b := New(Config{FailureThreshold: 3, ResetTimeout: time.Minute}, WithClock(clk))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = Do(b, ctx, "svc", failingOp, nil)
	}
	require.Equal(t, "open", b.Status("svc").State)

	// After the reset timeout exactly one trial call is admitted.
	clk.Advance(time.Minute + time.Second)
	require.NoError(t, b.Allow("svc"))
	var openErr *OpenError
	require.ErrorAs(t, b.Allow("svc"), &openErr)

	// Trial success closes the circuit and resets counters.
	b.ReportSuccess("svc")
	status := b.Status("svc")
	require.Equal(t, "closed", status.State)
	require.Zero(t, status.ConsecutiveFailures)
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	clk := clock.NewManual(epoch)
	b := New(Config{FailureThreshold: 3, ResetTimeout: time.Minute}, WithClock(clk))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = Do(b, ctx, "svc", failingOp, nil)
	}
	clk.Advance(2 * time.Minute)

	_, err := Do(b, ctx, "svc", failingOp, nil)
	require.ErrorIs(t, err, errUpstream)
	require.Equal(t, "open", b.Status("svc").State)

	// Re-opened: rejected again until another reset timeout passes.
	var openErr *OpenError
	require.ErrorAs(t, b.Allow("svc"), &openErr)
}

func TestBreakerFallbackWhenOpen(t *testing.T) {
	clk := clock.NewManual(epoch)
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Minute}, WithClock(clk))
	ctx := context.Background()

	_, _ = Do(b, ctx, "svc", failingOp, nil)

	invoked := false
	result, err := Do(b, ctx, "svc",
		func(context.Context) (string, error) {
			invoked = true
			return "", nil
		},
		func(context.Context) (string, error) { return "from-fallback", nil },
	)
	require.NoError(t, err)
	require.Equal(t, "from-fallback", result)
	require.False(t, invoked, "open circuit must not attempt the operation")
}

func TestBreakerServicesAreIsolated(t *testing.T) {
	clk := clock.NewManual(epoch)
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Minute}, WithClock(clk))
	ctx := context.Background()

	_, _ = Do(b, ctx, "flaky", failingOp, nil)
	require.Equal(t, "open", b.Status("flaky").State)

	result, err := Do(b, ctx, "healthy", workingOp, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, "closed", b.Status("healthy").State)
	require.ElementsMatch(t, []string{"flaky", "healthy"}, b.Services())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	clk := clock.NewManual(epoch)
	b := New(Config{FailureThreshold: 3, ResetTimeout: time.Minute}, WithClock(clk))
	ctx := context.Background()

	_, _ = Do(b, ctx, "svc", failingOp, nil)
	_, _ = Do(b, ctx, "svc", failingOp, nil)
	_, _ = Do(b, ctx, "svc", workingOp, nil)
	_, _ = Do(b, ctx, "svc", failingOp, nil)
	_, _ = Do(b, ctx, "svc", failingOp, nil)

	require.Equal(t, "closed", b.Status("svc").State, "streak interrupted by a success must not trip")
}

func TestDefaults(t *testing.T) {
	b := New(Config{})
	require.Equal(t, defaultFailureThreshold, b.cfg.FailureThreshold)
	require.Equal(t, defaultResetTimeout, b.cfg.ResetTimeout)
}
