// mainloop.go: the narrow event-loop/timer surface the runtime is built on
//
// The runtime consumes exactly three capabilities from its event loop:
// "schedule a one-shot callback after a delay (with tolerance)", "cancel a
// scheduled callback", and a monotonic clock. Everything else (trigger
// re-evaluation, delay/await, cooperative yielding) is layered on this.
//
// The loop is strictly single-threaded: all callbacks run on the goroutine
// that called Run. Post is safe to call from other goroutines (that is how
// external I/O feeds events in) but the posted callback still runs on the
// loop goroutine, so runtime state never needs locking.
package p44script

import (
	"sort"
	"sync"
	"time"
)

// Ticket identifies a scheduled callback. Zero is never a valid ticket.
type Ticket uint64

type mlTimer struct {
	ticket    Ticket
	due       time.Time
	tolerance time.Duration // may fire early by up to this much
	cb        func()
}

// MainLoop is a minimal single-threaded run loop with one-shot timers.
type MainLoop struct {
	mu      sync.Mutex
	timers  []*mlTimer // kept sorted by due time
	posted  []func()
	nextTkt Ticket
	wake    chan struct{}
	stopped bool
	started time.Time
}

// NewMainLoop returns a loop ready to schedule on; Run starts dispatching.
func NewMainLoop() *MainLoop {
	return &MainLoop{
		wake:    make(chan struct{}, 1),
		started: time.Now(),
	}
}

// Now returns microseconds of monotonic loop time.
func (m *MainLoop) Now() int64 {
	return time.Since(m.started).Microseconds()
}

// ExecuteOnce schedules cb to run on the loop after delay.
func (m *MainLoop) ExecuteOnce(cb func(), delay time.Duration) Ticket {
	return m.ExecuteOnceWithTolerance(cb, delay, 0)
}

// ExecuteOnceWithTolerance schedules cb; the loop may fire it up to tolerance
// early to coalesce wakeups.
func (m *MainLoop) ExecuteOnceWithTolerance(cb func(), delay time.Duration, tolerance time.Duration) Ticket {
	m.mu.Lock()
	m.nextTkt++
	t := &mlTimer{ticket: m.nextTkt, due: time.Now().Add(delay), tolerance: tolerance, cb: cb}
	m.timers = append(m.timers, t)
	sort.Slice(m.timers, func(i, j int) bool { return m.timers[i].due.Before(m.timers[j].due) })
	m.mu.Unlock()
	m.kick()
	return t.ticket
}

// CancelExecution removes a scheduled callback; returns false when it already
// fired or never existed.
func (m *MainLoop) CancelExecution(ticket Ticket) bool {
	if ticket == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.timers {
		if t.ticket == ticket {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Post queues cb to run on the next loop cycle.
func (m *MainLoop) Post(cb func()) {
	m.mu.Lock()
	m.posted = append(m.posted, cb)
	m.mu.Unlock()
	m.kick()
}

func (m *MainLoop) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Stop makes Run return after the current callback.
func (m *MainLoop) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.kick()
}

// Run dispatches posted callbacks and due timers until Stop is called.
func (m *MainLoop) Run() {
	for {
		m.mu.Lock()
		if m.stopped {
			m.stopped = false
			m.mu.Unlock()
			return
		}
		// drain posted callbacks
		posted := m.posted
		m.posted = nil
		// collect due timers (tolerance lets a timer ride an earlier wakeup)
		now := time.Now()
		var due []*mlTimer
		for len(m.timers) > 0 && !m.timers[0].due.Add(-m.timers[0].tolerance).After(now) {
			due = append(due, m.timers[0])
			m.timers = m.timers[1:]
		}
		var wait time.Duration = -1
		if len(m.timers) > 0 {
			wait = time.Until(m.timers[0].due)
		}
		m.mu.Unlock()

		for _, cb := range posted {
			cb()
		}
		for _, t := range due {
			t.cb()
		}
		if len(posted) > 0 || len(due) > 0 {
			continue // state changed, re-check before sleeping
		}
		if wait < 0 {
			<-m.wake // idle: wait for a post/schedule/stop
		} else {
			select {
			case <-m.wake:
			case <-time.After(wait):
			}
		}
	}
}

// RunFor dispatches for (at least) d, then returns. Test convenience.
func (m *MainLoop) RunFor(d time.Duration) {
	m.ExecuteOnce(m.Stop, d)
	m.Run()
}
