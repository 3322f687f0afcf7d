// Package clock abstracts time and repeating schedules so that capture and
// playback can run against the wall clock in production and a manually
// advanced clock in tests.
package clock

import (
	"sync"
	"time"
)

// CancelFunc stops a repeating schedule. It is safe to call more than once
// and from inside the scheduled callback.
type CancelFunc func()

// Clock supplies the current time and repeating callbacks.
type Clock interface {
	Now() time.Time
	// ScheduleRepeating calls fn every interval until the returned CancelFunc
	// is called. Calls to fn for a single schedule never overlap.
	ScheduleRepeating(interval time.Duration, fn func()) CancelFunc
}

// Real is the wall clock backed by time.Ticker.
type Real struct{}

// New returns the wall clock.
func New() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

// ScheduleRepeating runs fn on a dedicated goroutine. Cancelling does not wait
// for an in-flight fn to return; callers guard their own state.
func (Real) ScheduleRepeating(interval time.Duration, fn func()) CancelFunc {
	if interval <= 0 {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	stop := make(chan struct{})
	go func() {
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				select {
				case <-stop:
					return
				default:
				}
				fn()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
