package session

import (
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
)

// Manager accumulates metadata for the recording in progress. After Finalize
// the record is frozen and further mutations are ignored.
type Manager struct {
	mu        sync.Mutex
	s         Session
	finalized bool
}

// NewManager starts a metadata record. An empty name gets a generated one.
func NewManager(name string, start time.Time, vp Viewport, env map[string]string) *Manager {
	if name == "" {
		name = "Recording " + start.UTC().Format(time.RFC3339)
	}
	s := Session{Name: name, StartTime: start, Viewport: vp}
	if len(env) > 0 {
		s.Environment = make(map[string]string, len(env))
		for k, v := range env {
			s.Environment[k] = v
		}
	}
	return &Manager{s: s}
}

// SetFrameRate records the capture rate actually used.
func (m *Manager) SetFrameRate(hz float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.finalized {
		m.s.FrameRate = hz
	}
}

// RecordEvents appends host events to the event log.
func (m *Manager) RecordEvents(evs ...frame.Event) {
	if len(evs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	m.s.Events = append(m.s.Events, evs...)
}

// RecordError appends err to the error log.
func (m *Manager) RecordError(tsMs float64, err error) {
	if err == nil {
		return
	}
	ce := errmodel.From(err)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	m.s.Errors = append(m.s.Errors, ErrorEntry{TimestampMs: tsMs, Code: ce.Code, Message: err.Error()})
}

// Finalize sets the end time and frame count and freezes the record. Calling
// it again returns the first result unchanged.
func (m *Manager) Finalize(end time.Time, frameCount int) Session {
	m.mu.Lock()
	if !m.finalized {
		m.s.EndTime = end
		m.s.FrameCount = frameCount
		m.finalized = true
	}
	m.mu.Unlock()
	return m.Snapshot()
}

// Finalized reports whether Finalize has been called.
func (m *Manager) Finalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}

// Snapshot returns a deep copy of the current record.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.s
	out.Events, out.Errors, out.Environment = nil, nil, nil
	deep := copier.Option{DeepCopy: true}
	if len(m.s.Events) > 0 {
		_ = copier.CopyWithOption(&out.Events, &m.s.Events, deep)
	}
	if len(m.s.Errors) > 0 {
		_ = copier.CopyWithOption(&out.Errors, &m.s.Errors, deep)
	}
	if len(m.s.Environment) > 0 {
		_ = copier.CopyWithOption(&out.Environment, &m.s.Environment, deep)
	}
	return out
}
