// Package memstore is a process-local store.Backend. Sessions are lost when
// the process exits.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
	"github.com/wilhg/rewind/pkg/session"
)

type entry struct {
	meta   session.Session
	frames []frame.Frame
}

// Store keeps sessions in a map keyed by id.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]entry
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{sessions: make(map[string]entry)}
}

// Save stores a copy of s and frames, ordered by Seq. Without an explicit id the session is
// keyed by its start time in unix milliseconds.
func (s *Store) Save(ctx context.Context, meta session.Session, frames []frame.Frame) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := meta.ID
	if id != "" {
		if _, exists := s.sessions[id]; exists {
			return "", errmodel.StorageTransaction("save", errmodel.Validation("duplicate_id", "session already stored", map[string]any{"id": id}))
		}
	} else {
		base := strconv.FormatInt(meta.StartTime.UnixMilli(), 10)
		id = base
		for n := 1; ; n++ {
			if _, exists := s.sessions[id]; !exists {
				break
			}
			id = base + "-" + strconv.Itoa(n)
		}
	}
	meta.ID = id
	s.sessions[id] = entry{meta: meta, frames: cloneFrames(frames)}
	return id, nil
}

// Load returns the session and a copy of its frames.
func (s *Store) Load(ctx context.Context, id string) (session.Session, []frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return session.Session{}, nil, errmodel.NotFound("session", id)
	}
	return e.meta, cloneFrames(e.frames), nil
}

// List returns every session ordered by start time.
func (s *Store) List(ctx context.Context) ([]session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]session.Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.meta)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return errmodel.NotFound("session", id)
	}
	delete(s.sessions, id)
	return nil
}

// Close drops all sessions.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]entry)
	return nil
}

func cloneFrames(in []frame.Frame) []frame.Frame {
	if len(in) == 0 {
		return nil
	}
	out := make([]frame.Frame, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
