package clock

import (
	"sync"
	"time"
)

// Manual is a Clock whose time only moves when Advance is called. Scheduled
// callbacks fire synchronously inside Advance, in due-time order, with Now
// reporting the due time of the callback being run.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers map[int]*manualTimer
}

type manualTimer struct {
	id    int
	every time.Duration
	next  time.Time
	fn    func()
}

// NewManual returns a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, timers: make(map[int]*manualTimer)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) ScheduleRepeating(interval time.Duration, fn func()) CancelFunc {
	if interval <= 0 {
		interval = time.Millisecond
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.timers[id] = &manualTimer{id: id, every: interval, next: m.now.Add(interval), fn: fn}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.timers, id)
		m.mu.Unlock()
	}
}

// Advance moves the clock forward by d, firing every callback that falls due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.mu.Lock()
		var due *manualTimer
		for _, t := range m.timers {
			if t.next.After(target) {
				continue
			}
			if due == nil || t.next.Before(due.next) || (t.next.Equal(due.next) && t.id < due.id) {
				due = t
			}
		}
		if due == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = due.next
		due.next = due.next.Add(due.every)
		fn := due.fn
		m.mu.Unlock()
		fn()
	}
}

// Pending returns the number of active schedules.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
