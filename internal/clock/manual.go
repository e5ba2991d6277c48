package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	m       *Manual
	at      time.Time
	ch      chan time.Time
	fn      func()
	stopped bool
	fired   bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires when the manual clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.timers = append(m.timers, &manualTimer{m: m, at: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the manual clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// AfterFunc schedules fn to run when the manual clock advances by d. The
// function runs on the goroutine calling Advance.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	timer := &manualTimer{m: m, at: m.now.Add(d), fn: fn}
	if d <= 0 {
		timer.fired = true
		m.mu.Unlock()
		fn()
		return timer
	}
	m.timers = append(m.timers, timer)
	m.mu.Unlock()
	return timer
}

// Stop cancels a pending timer and reports whether it was prevented from
// firing.
func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d and fires any due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	if len(m.timers) == 0 {
		m.mu.Unlock()
		return now
	}
	var due []*manualTimer
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.stopped {
			continue
		}
		if timer.at.After(now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.fired = true
		due = append(due, timer)
	}
	m.timers = remaining
	m.mu.Unlock()
	for _, timer := range due {
		if timer.ch != nil {
			timer.ch <- now
		}
		if timer.fn != nil {
			timer.fn()
		}
	}
	return now
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, timer := range m.timers {
		if !timer.stopped {
			n++
		}
	}
	return n
}
