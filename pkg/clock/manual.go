package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler controlled entirely by the test. Time only moves when
// Advance or Set is called; due callbacks and After channels fire during that
// call, in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers map[int]*manualTimer
}

type manualTimer struct {
	id       int
	deadline time.Time
	fn       func()
	ch       chan time.Time
}

// NewManual returns a manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{
		now:    start,
		timers: make(map[int]*manualTimer),
	}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.addTimer(&manualTimer{deadline: m.now.Add(d), ch: ch})
	return ch
}

func (m *Manual) Schedule(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	if d <= 0 {
		m.mu.Unlock()
		fn()
		return manualHandle{}
	}
	t := &manualTimer{deadline: m.now.Add(d), fn: fn}
	m.addTimer(t)
	m.mu.Unlock()
	return manualHandle{clock: m, id: t.id}
}

// Advance moves the clock forward by d, firing every timer whose deadline is
// reached. Callbacks run on the caller's goroutine without the lock held, so
// they may schedule further timers.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.Set(target)
}

// Set jumps the clock to the given instant. Moving backwards only changes the
// reported time; timers keep their deadlines.
func (m *Manual) Set(target time.Time) {
	for {
		m.mu.Lock()
		if target.Before(m.now) {
			m.now = target
			m.mu.Unlock()
			return
		}
		due := m.dueTimers(target)
		if len(due) == 0 {
			m.now = target
			m.mu.Unlock()
			return
		}
		// Step to the earliest deadline before firing so callbacks observe a
		// consistent Now.
		first := due[0]
		m.now = first.deadline
		delete(m.timers, first.id)
		m.mu.Unlock()

		if first.ch != nil {
			first.ch <- first.deadline
		}
		if first.fn != nil {
			first.fn()
		}
	}
}

// dueTimers returns timers due at or before target, earliest first.
// Caller holds the lock.
func (m *Manual) dueTimers(target time.Time) []*manualTimer {
	var due []*manualTimer
	for _, t := range m.timers {
		if !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due
}

func (m *Manual) addTimer(t *manualTimer) {
	m.nextID++
	t.id = m.nextID
	m.timers[t.id] = t
}

// PendingTimers reports how many timers are armed, useful for asserting that
// cancellation actually removed a debounce timer.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

type manualHandle struct {
	clock *Manual
	id    int
}

func (h manualHandle) Stop() bool {
	if h.clock == nil {
		return false
	}
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	if _, ok := h.clock.timers[h.id]; !ok {
		return false
	}
	delete(h.clock.timers, h.id)
	return true
}
