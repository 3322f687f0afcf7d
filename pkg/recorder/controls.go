package recorder

import (
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/playback"
)

// StartPlayback plays the loaded session, or the live buffer when none is
// loaded, from frame index from. It fails with ModeConflict while recording.
func (r *Recorder) StartPlayback(from int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked("start_playback"); err != nil {
		return err
	}
	if err := r.trackLocked("start_playback"); err != nil {
		return err
	}
	if err := r.player.Start(from); err != nil {
		return err
	}
	r.log.Debug().Int("from", from).Str("session_id", r.loadedID).Msg("playback started")
	return nil
}

// PausePlayback suspends playback at the cursor.
func (r *Recorder) PausePlayback() error { return r.player.Pause() }

// ResumePlayback continues playback from the cursor.
func (r *Recorder) ResumePlayback() error { return r.player.Resume() }

// StopPlayback returns playback to Idle with the cursor at zero.
func (r *Recorder) StopPlayback() { r.player.Stop() }

// SeekFrame moves the playback cursor to index i.
func (r *Recorder) SeekFrame(i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.trackLocked("seek"); err != nil {
		return err
	}
	return r.player.SeekIndex(i)
}

// SeekTime moves the playback cursor to the frame nearest ms.
func (r *Recorder) SeekTime(ms float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.trackLocked("seek"); err != nil {
		return err
	}
	return r.player.SeekTime(ms)
}

// SetSpeed sets the playback speed multiplier and returns the clamped value.
func (r *Recorder) SetSpeed(x float64) float64 { return r.player.SetSpeed(x) }

// SetLoop toggles loop playback.
func (r *Recorder) SetLoop(on bool) { r.player.SetLoop(on) }

// AddBreakpoint pauses playback before frame i.
func (r *Recorder) AddBreakpoint(i int) { r.player.AddBreakpoint(i) }

// RemoveBreakpoint clears the breakpoint at frame i.
func (r *Recorder) RemoveBreakpoint(i int) { r.player.RemoveBreakpoint(i) }

// Breakpoints lists breakpoint indexes in ascending order.
func (r *Recorder) Breakpoints() []int { return r.player.Breakpoints() }

// PlaybackState returns the controller state.
func (r *Recorder) PlaybackState() playback.State { return r.player.State() }

// trackLocked rejects playback operations while recording and, when no
// session is loaded and the controller is idle, loads the live buffer.
func (r *Recorder) trackLocked(op string) error {
	if r.recording {
		return errmodel.ModeConflict("cannot "+op+" while recording", map[string]any{"op": op})
	}
	if r.loadedID != "" || r.player.State() != playback.Idle {
		return nil
	}
	if err := r.player.Load(r.buffer.Frames()); err != nil {
		return err
	}
	if r.last.FrameRate > 0 {
		r.player.SetFrameRate(r.last.FrameRate)
	}
	return nil
}
