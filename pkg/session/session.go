// Package session holds the descriptive record of a recording: its identity,
// timing, environment and the event and error logs accumulated while it ran.
package session

import (
	"time"

	"github.com/wilhg/rewind/pkg/frame"
)

// Viewport describes the host's visible area when recording started.
type Viewport struct {
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	DevicePixelRatio float64 `json:"device_pixel_ratio,omitempty"`
}

// ErrorEntry is one entry of the session error log.
type ErrorEntry struct {
	TimestampMs float64 `json:"timestamp_ms"`
	Code        string  `json:"code,omitempty"`
	Message     string  `json:"message"`
}

// Session is the metadata of one recording. Once persisted it is immutable.
type Session struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time,omitzero"`
	FrameCount  int               `json:"frame_count"`
	FrameRate   float64           `json:"frame_rate,omitempty"`
	Viewport    Viewport          `json:"viewport"`
	Environment map[string]string `json:"environment,omitempty"`
	Events      []frame.Event     `json:"events,omitempty"`
	Errors      []ErrorEntry      `json:"errors,omitempty"`
}

// Ended reports whether the session has been finalized.
func (s Session) Ended() bool { return !s.EndTime.IsZero() }

// Duration returns EndTime-StartTime, or zero for an unfinished session.
func (s Session) Duration() time.Duration {
	if !s.Ended() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}
