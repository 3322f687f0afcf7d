package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestManualFiresInOrder(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewManual(start)
	var got []string
	m.ScheduleRepeating(30*time.Millisecond, func() { got = append(got, "b") })
	m.ScheduleRepeating(20*time.Millisecond, func() { got = append(got, "a") })

	m.Advance(60 * time.Millisecond)
	// ties at 60ms fire in scheduling order
	want := []string{"a", "b", "a", "b", "a"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if !m.Now().Equal(start.Add(60 * time.Millisecond)) {
		t.Fatalf("now=%v", m.Now())
	}
}

func TestManualCancelFromCallback(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	n := 0
	var cancel CancelFunc
	cancel = m.ScheduleRepeating(time.Millisecond, func() {
		n++
		if n == 3 {
			cancel()
		}
	})
	m.Advance(10 * time.Millisecond)
	if n != 3 {
		t.Fatalf("n=%d want 3", n)
	}
	if m.Pending() != 0 {
		t.Fatalf("pending=%d", m.Pending())
	}
	cancel()
}

func TestManualNowDuringCallback(t *testing.T) {
	start := time.Unix(100, 0)
	m := NewManual(start)
	var seen []time.Duration
	m.ScheduleRepeating(5*time.Millisecond, func() { seen = append(seen, m.Now().Sub(start)) })
	m.Advance(12 * time.Millisecond)
	if len(seen) != 2 || seen[0] != 5*time.Millisecond || seen[1] != 10*time.Millisecond {
		t.Fatalf("seen=%v", seen)
	}
}

func TestRealScheduleAndCancel(t *testing.T) {
	var n atomic.Int32
	cancel := New().ScheduleRepeating(time.Millisecond, func() { n.Add(1) })
	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	cancel()
	if n.Load() < 3 {
		t.Fatalf("ticks=%d", n.Load())
	}
}
