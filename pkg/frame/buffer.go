package frame

import (
	"sync"

	"github.com/wilhg/rewind/pkg/errmodel"
)

// DefaultMaxFrames is ten minutes at 60 Hz.
const DefaultMaxFrames = 36000

// Buffer is a bounded ring of frames ordered by Seq. When full, Append evicts
// the oldest frame. It is safe for concurrent use.
type Buffer struct {
	mu      sync.RWMutex
	ring    []Frame
	head    int // index of the oldest frame
	n       int
	hasLast bool
	lastSeq uint64
	bytes   int64
	evicted uint64
}

// NewBuffer creates a buffer holding at most maxFrames frames.
// maxFrames <= 0 selects DefaultMaxFrames.
func NewBuffer(maxFrames int) *Buffer {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	return &Buffer{ring: make([]Frame, maxFrames)}
}

// Append adds f after the newest frame, evicting the oldest when full.
// Frames must arrive with strictly increasing Seq.
func (b *Buffer) Append(f Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hasLast && f.Seq <= b.lastSeq {
		return errmodel.Validation("out_of_order", "frame sequence not increasing", map[string]any{"seq": f.Seq, "last": b.lastSeq})
	}
	if b.n == len(b.ring) {
		old := b.ring[b.head]
		b.bytes -= int64(old.StoredSize())
		b.ring[b.head] = Frame{}
		b.head = (b.head + 1) % len(b.ring)
		b.n--
		b.evicted++
	}
	b.ring[(b.head+b.n)%len(b.ring)] = f
	b.n++
	b.bytes += int64(f.StoredSize())
	b.lastSeq = f.Seq
	b.hasLast = true
	return nil
}

// Len returns the number of retained frames.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.n
}

// Cap returns maxFrames.
func (b *Buffer) Cap() int { return len(b.ring) }

// At returns the i-th oldest retained frame.
func (b *Buffer) At(i int) (Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i < 0 || i >= b.n {
		return Frame{}, false
	}
	return b.ring[(b.head+i)%len(b.ring)], true
}

// Frames returns the retained frames oldest first. The returned slice is a
// copy; payload bytes are shared and must be treated as read-only.
func (b *Buffer) Frames() []Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Frame, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	return out
}

// Clear drops all frames and resets the sequence check and counters.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.ring)
	b.head, b.n = 0, 0
	b.hasLast, b.lastSeq = false, 0
	b.bytes, b.evicted = 0, 0
}

// Evicted returns how many frames were dropped for capacity since the last Clear.
func (b *Buffer) Evicted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evicted
}

// BytesUsed returns the stored payload bytes of the retained frames.
func (b *Buffer) BytesUsed() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bytes
}
