// Package clock abstracts time so debounce timers, retry backoff and TTL
// checks can be driven by a simulated clock in tests instead of wall-clock
// sleeps.
package clock

import "time"

// Clock supplies the current time and timer channels.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that delivers the time after d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the callback. It reports whether the callback was
	// prevented from running.
	Stop() bool
}

// Scheduler runs callbacks after a delay. Callbacks fire on their own
// goroutine under the system implementation and inline under the manual one.
type Scheduler interface {
	Clock
	// Schedule arranges for fn to run once d has elapsed.
	Schedule(d time.Duration, fn func()) Timer
}

// System implements Scheduler on the real clock.
type System struct{}

// NewSystem returns the wall-clock scheduler. The value is stateless and can
// be shared freely.
func NewSystem() *System {
	return &System{}
}

func (*System) Now() time.Time {
	return time.Now()
}

func (*System) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (*System) Schedule(d time.Duration, fn func()) Timer {
	return systemTimer{timer: time.AfterFunc(d, fn)}
}

type systemTimer struct {
	timer *time.Timer
}

func (t systemTimer) Stop() bool {
	return t.timer.Stop()
}
