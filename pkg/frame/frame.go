// Package frame defines the captured unit of a recording and the bounded
// ring buffer that holds frames while a session is being recorded.
//
// A recording is an ordered sequence of frames. Each frame carries the
// encoded snapshot of the host state at one tick of the capture scheduler,
// the host events observed since the previous tick, and the bookkeeping
// needed to decompress the payload later.
//
// Example usage:
//
//	buf := frame.NewBuffer(36000)
//	_ = buf.Append(frame.Frame{Seq: 0, TimestampMs: 0, Payload: []byte(`{"n":1}`)})
//	for _, f := range buf.Frames() {
//		// read-only hand-off to playback
//	}
package frame

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a host event observed between two capture ticks, such as a
// user interaction or a framework state change.
//
// Events are:
//   - Immutable once recorded
//   - Serializable to JSON for persistence and export
//   - Timestamped relative to the start of the recording
type Event struct {
	// ID uniquely identifies the event. NewEvent assigns a UUID.
	ID string `json:"id"`

	// Type categorizes the event, for example "click", "keydown" or "state-change".
	Type string `json:"type"`

	// TimestampMs is the offset from recording start in milliseconds.
	TimestampMs float64 `json:"timestamp_ms"`

	// Target optionally names the element or component the event concerns.
	Target string `json:"target,omitempty"`

	// Detail carries the event-specific data as raw JSON.
	Detail json.RawMessage `json:"detail,omitempty"`
}

// NewEvent builds an Event with a fresh ID. Detail is JSON encoded; an
// unencodable detail is dropped rather than failing the capture.
func NewEvent(typ string, tsMs float64, target string, detail any) Event {
	ev := Event{ID: uuid.NewString(), Type: typ, TimestampMs: tsMs, Target: target}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			ev.Detail = b
		}
	}
	return ev
}

// Frame is one captured, time-stamped snapshot.
//
// Frames are immutable once committed to a Buffer. Payload holds the encoded
// snapshot state; when Compressed is set it holds the codec output and Codec
// names the codec needed to restore it.
type Frame struct {
	// Seq is the monotonically increasing sequence number assigned at capture.
	// It is never reused or renumbered, even after the buffer evicts frames.
	Seq uint64 `json:"seq"`

	// TimestampMs is the offset from recording start in milliseconds.
	TimestampMs float64 `json:"timestamp_ms"`

	// Payload is the encoded snapshot state.
	Payload []byte `json:"payload"`

	// Compressed reports whether Payload is codec output.
	Compressed bool `json:"compressed"`

	// Codec names the codec used when Compressed is true.
	Codec string `json:"codec,omitempty"`

	// OriginalSize is the uncompressed payload length in bytes.
	OriginalSize int `json:"original_size,omitempty"`

	// CompressedSize is the stored payload length in bytes when Compressed is true.
	CompressedSize int `json:"compressed_size,omitempty"`

	// Events are the host events observed since the previous frame.
	Events []Event `json:"events,omitempty"`
}

// StoredSize returns the number of payload bytes this frame occupies.
func (f Frame) StoredSize() int {
	if f.Compressed {
		return f.CompressedSize
	}
	return len(f.Payload)
}

// Elapsed returns TimestampMs as a duration.
func (f Frame) Elapsed() time.Duration {
	return time.Duration(f.TimestampMs * float64(time.Millisecond))
}

// NearestIndex returns the index of the frame whose timestamp is closest to
// targetMs. Ties resolve to the lower index. It returns -1 for an empty slice.
func NearestIndex(frames []Frame, targetMs float64) int {
	best := -1
	bestDiff := 0.0
	for i, f := range frames {
		d := f.TimestampMs - targetMs
		if d < 0 {
			d = -d
		}
		if best < 0 || d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return best
}
