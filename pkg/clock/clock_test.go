package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	clk := NewManual(epoch)

	var fired []string
	clk.Schedule(300*time.Millisecond, func() { fired = append(fired, "debounce") })
	clk.Schedule(100*time.Millisecond, func() { fired = append(fired, "early") })

	clk.Advance(50 * time.Millisecond)
	require.Empty(t, fired)

	clk.Advance(300 * time.Millisecond)
	require.Equal(t, []string{"early", "debounce"}, fired)
	require.Equal(t, epoch.Add(350*time.Millisecond), clk.Now())
	require.Zero(t, clk.PendingTimers())
}

func TestManualStopCancelsTimer(t *testing.T) {
	clk := NewManual(epoch)

	fired := false
	handle := clk.Schedule(time.Second, func() { fired = true })
	require.True(t, handle.Stop())
	require.False(t, handle.Stop())

	clk.Advance(2 * time.Second)
	require.False(t, fired)
}

func TestManualCallbackMaySchedule(t *testing.T) {
	clk := NewManual(epoch)

	var fired []int
	clk.Schedule(time.Second, func() {
		fired = append(fired, 1)
		clk.Schedule(time.Second, func() { fired = append(fired, 2) })
	})

	clk.Advance(3 * time.Second)
	require.Equal(t, []int{1, 2}, fired)
}

func TestManualAfter(t *testing.T) {
	clk := NewManual(epoch)
	ch := clk.After(500 * time.Millisecond)

	select {
	case <-ch:
		t.Fatal("channel fired before advance")
	default:
	}

	clk.Advance(500 * time.Millisecond)
	select {
	case at := <-ch:
		require.Equal(t, epoch.Add(500*time.Millisecond), at)
	default:
		t.Fatal("channel did not fire")
	}
}

func TestManualZeroDelayRunsInline(t *testing.T) {
	clk := NewManual(epoch)
	ran := false
	clk.Schedule(0, func() { ran = true })
	require.True(t, ran)
}

func TestSystemSchedule(t *testing.T) {
	clk := NewSystem()
	done := make(chan struct{})
	clk.Schedule(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("system timer never fired")
	}
}
