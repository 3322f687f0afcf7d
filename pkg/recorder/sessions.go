package recorder

import (
	"context"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/export"
	"github.com/wilhg/rewind/pkg/session"
)

// ListSessions returns the metadata of every stored session.
func (r *Recorder) ListSessions(ctx context.Context) ([]session.Session, error) {
	ctx, span := r.tracer.Start(ctx, "Recorder.ListSessions")
	defer span.End()
	out, err := r.backend.List(ctx)
	span.SetAttributes(attribute.Int("session.count", len(out)))
	return out, recordErr(span, err)
}

// LoadSession stops playback and loads session id as the playback track.
func (r *Recorder) LoadSession(ctx context.Context, id string) (session.Session, error) {
	ctx, span := r.tracer.Start(ctx, "Recorder.LoadSession", trace.WithAttributes(
		attribute.String("session.id", id),
	))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked("load_session"); err != nil {
		return session.Session{}, recordErr(span, err)
	}
	if r.recording {
		return session.Session{}, recordErr(span, errmodel.ModeConflict("cannot load a session while recording", map[string]any{"session_id": id}))
	}
	meta, frames, err := r.backend.Load(ctx, id)
	if err != nil {
		return session.Session{}, recordErr(span, err)
	}
	r.player.Stop()
	if err := r.player.Load(frames); err != nil {
		return session.Session{}, recordErr(span, err)
	}
	r.player.SetFrameRate(meta.FrameRate)
	r.loadedID, r.loaded = id, meta
	span.SetAttributes(attribute.Int("session.frames", len(frames)))
	r.log.Info().Str("session_id", id).Int("frames", len(frames)).Msg("session loaded")
	return meta, nil
}

// DeleteSession removes session id from the backend. A loaded session is
// unloaded first.
func (r *Recorder) DeleteSession(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "Recorder.DeleteSession", trace.WithAttributes(
		attribute.String("session.id", id),
	))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.backend.Delete(ctx, id); err != nil {
		return recordErr(span, err)
	}
	if r.loadedID == id {
		r.player.Stop()
		_ = r.player.Load(nil)
		r.loadedID, r.loaded = "", session.Session{}
	}
	if r.last.ID == id {
		r.last.ID = ""
	}
	return nil
}

// ExportSession writes session id as an export document. An empty id
// exports the live buffer with the most recent finalized metadata.
func (r *Recorder) ExportSession(ctx context.Context, id string, w io.Writer) error {
	ctx, span := r.tracer.Start(ctx, "Recorder.ExportSession", trace.WithAttributes(
		attribute.String("session.id", id),
	))
	defer span.End()

	var doc export.Document
	if id == "" {
		r.mu.Lock()
		if r.recording || r.last.StartTime.IsZero() {
			r.mu.Unlock()
			return recordErr(span, errmodel.Validation("nothing_to_export", "no finished recording in memory", nil))
		}
		doc = export.Document{Metadata: r.last, Frames: r.buffer.Frames()}
		r.mu.Unlock()
	} else {
		meta, frames, err := r.backend.Load(ctx, id)
		if err != nil {
			return recordErr(span, err)
		}
		doc = export.Document{Metadata: meta, Frames: frames}
	}
	return recordErr(span, export.Write(w, doc))
}

// ImportSession validates an export document from rd and stores it as a new
// session, returning the new id.
func (r *Recorder) ImportSession(ctx context.Context, rd io.Reader) (string, error) {
	ctx, span := r.tracer.Start(ctx, "Recorder.ImportSession")
	defer span.End()

	doc, err := export.Read(rd)
	if err != nil {
		return "", recordErr(span, err)
	}
	doc.Metadata.ID = ""
	doc.Metadata.FrameCount = len(doc.Frames)
	id, err := r.backend.Save(ctx, doc.Metadata, doc.Frames)
	if err != nil {
		return "", recordErr(span, err)
	}
	span.SetAttributes(attribute.String("session.id", id))
	r.log.Info().Str("session_id", id).Int("frames", len(doc.Frames)).Msg("session imported")
	return id, nil
}
