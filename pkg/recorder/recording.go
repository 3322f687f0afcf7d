package recorder

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/rewind/pkg/capture"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
	"github.com/wilhg/rewind/pkg/playback"
	"github.com/wilhg/rewind/pkg/session"
)

// StartRecording clears the buffer and starts capturing into a new session.
// It fails with ModeConflict while playback is active and is a no-op while
// already recording.
func (r *Recorder) StartRecording(ctx context.Context, name string) error {
	_, span := r.tracer.Start(ctx, "Recorder.StartRecording", trace.WithAttributes(
		attribute.String("session.name", name),
	))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked("start_recording"); err != nil {
		return recordErr(span, err)
	}
	if st := r.player.State(); st != playback.Idle {
		return recordErr(span, errmodel.ModeConflict("cannot record while playback is active", map[string]any{"playback_state": st.String()}))
	}
	if r.recording {
		return nil
	}

	rateHz := r.cfg.FrameRateHz
	if r.cfg.AdaptiveRate && session.LowCapability(r.env, r.cfg.LowEndCPUThreshold) {
		rateHz = min(rateHz, LowEndFrameRate)
		r.log.Info().Float64("rate_hz", rateHz).Msg("low capability host, reducing frame rate")
	}

	// The live buffer becomes the playback track again.
	if r.loadedID != "" {
		_ = r.player.Load(nil)
		r.loadedID, r.loaded = "", session.Session{}
	}
	r.buffer.Clear()
	r.pipeline.Reset()
	r.pending, r.frames = nil, nil
	r.accepting.Store(true)

	m := session.NewManager(name, r.clk.Now(), r.viewport, r.env)
	m.SetFrameRate(rateHz)
	r.manager.Store(m)
	r.scheduler = capture.New(r.src, r.pipeline, r.clk,
		capture.WithLogger(r.log.With().Str("component", "capture").Logger()),
		capture.WithErrorHandler(m.RecordError),
		capture.WithEventHandler(func(evs []frame.Event) { m.RecordEvents(evs...) }),
		capture.WithPollInterval(r.cfg.PollInterval),
	)
	if err := r.scheduler.Start(rateHz); err != nil {
		r.accepting.Store(false)
		r.manager.Store(nil)
		return recordErr(span, err)
	}
	r.recording = true
	r.log.Info().Str("name", m.Snapshot().Name).Float64("rate_hz", rateHz).Msg("recording started")
	return nil
}

// StopRecording stops capture, finalizes the session and saves it. When the
// save fails the finalized session stays in memory and SaveRecording retries
// it.
func (r *Recorder) StopRecording(ctx context.Context) (string, error) {
	ctx, span := r.tracer.Start(ctx, "Recorder.StopRecording")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return "", recordErr(span, errmodel.Validation("not_recording", "no recording in progress", nil))
	}
	captured := r.scheduler.Stop()
	r.recording = false

	flushCtx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
	if err := r.pipeline.Flush(flushCtx); err != nil {
		r.log.Warn().Err(err).Int("dropped", r.pipeline.Discard()).Msg("compression pipeline did not drain")
	}
	cancel()
	r.accepting.Store(false)

	frames := r.buffer.Frames()
	m := r.manager.Load()
	meta := m.Finalize(r.clk.Now(), len(frames))
	r.manager.Store(nil)
	r.last = meta
	r.pending, r.frames = &meta, frames
	r.log.Info().
		Uint64("captured", captured).
		Int("frames", meta.FrameCount).
		Dur("duration", meta.Duration()).
		Msg("recording stopped")
	id, err := r.saveLocked(ctx)
	span.SetAttributes(attribute.String("session.id", id), attribute.Int("session.frames", meta.FrameCount))
	return id, recordErr(span, err)
}

// SaveRecording retries saving the last finalized recording after a failed
// StopRecording.
func (r *Recorder) SaveRecording(ctx context.Context) (string, error) {
	ctx, span := r.tracer.Start(ctx, "Recorder.SaveRecording")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return "", recordErr(span, errmodel.Validation("nothing_to_save", "no unsaved recording", nil))
	}
	id, err := r.saveLocked(ctx)
	span.SetAttributes(attribute.String("session.id", id))
	return id, recordErr(span, err)
}

func (r *Recorder) saveLocked(ctx context.Context) (string, error) {
	start := time.Now()
	id, err := r.backend.Save(ctx, *r.pending, r.frames)
	if err != nil {
		r.log.Error().Err(err).Msg("saving recording failed, kept in memory")
		return "", err
	}
	r.pending, r.frames = nil, nil
	r.last.ID = id
	r.log.Info().Str("session_id", id).Dur("took", time.Since(start)).Msg("recording saved")
	return id, nil
}

// Recording reports whether capture is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}
