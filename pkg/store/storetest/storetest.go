// Package storetest holds the behavioural checks every store.Backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
	"github.com/wilhg/rewind/pkg/session"
	"github.com/wilhg/rewind/pkg/store"
)

// SampleSession returns a finalized session and its frames. Times are in UTC
// with millisecond precision so they survive every backend unchanged.
func SampleSession(name string, start time.Time, n int) (session.Session, []frame.Frame) {
	start = start.UTC().Truncate(time.Millisecond)
	frames := make([]frame.Frame, n)
	for i := range frames {
		payload := []byte(fmt.Sprintf(`{"tick":%d}`, i))
		frames[i] = frame.Frame{
			Seq:          uint64(i),
			TimestampMs:  float64(i) * 16.5,
			Payload:      payload,
			OriginalSize: len(payload),
		}
		if i%2 == 1 {
			frames[i].Compressed = true
			frames[i].Codec = "s2"
			frames[i].CompressedSize = len(payload)
			frames[i].OriginalSize = len(payload) * 3
		}
		if i == 0 {
			frames[i].Events = []frame.Event{{ID: "ev-0", Type: "click", TimestampMs: 1.5, Target: "canvas", Detail: json.RawMessage(`{"x":1}`)}}
		}
	}
	s := session.Session{
		Name:        name,
		StartTime:   start,
		EndTime:     start.Add(time.Duration(n) * 16 * time.Millisecond),
		FrameCount:  n,
		FrameRate:   60,
		Viewport:    session.Viewport{Width: 1280, Height: 720, DevicePixelRatio: 2},
		Environment: map[string]string{"os": "linux"},
		Events:      []frame.Event{{ID: "ev-0", Type: "click", TimestampMs: 1.5}},
		Errors:      []session.ErrorEntry{{TimestampMs: 3, Code: errmodel.CodeSnapshotSource, Message: "skipped"}},
	}
	return s, frames
}

// Run exercises the Backend contract against a fresh backend from open.
func Run(t *testing.T, open func(t *testing.T) store.Backend) {
	t.Run("SaveLoadRoundTrip", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		want, frames := SampleSession("round-trip", time.Now(), 5)
		id, err := b.Save(ctx, want, frames)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, gotFrames, err := b.Load(ctx, id)
		require.NoError(t, err)
		AssertSessionEqual(t, want, got)
		assert.Equal(t, id, got.ID)
		require.Len(t, gotFrames, len(frames))
		for i := range frames {
			AssertFrameEqual(t, frames[i], gotFrames[i])
		}
	})

	t.Run("EmptyRecording", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		s, _ := SampleSession("empty", time.Now(), 0)
		id, err := b.Save(ctx, s, nil)
		require.NoError(t, err)
		_, frames, err := b.Load(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, frames)
	})

	t.Run("LoadOrdersFramesBySeq", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		s, frames := SampleSession("shuffled", time.Now(), 6)
		shuffled := []frame.Frame{frames[4], frames[1], frames[5], frames[0], frames[3], frames[2]}
		id, err := b.Save(ctx, s, shuffled)
		require.NoError(t, err)

		_, got, err := b.Load(ctx, id)
		require.NoError(t, err)
		require.Len(t, got, len(frames))
		for i := range frames {
			AssertFrameEqual(t, frames[i], got[i])
		}
	})

	t.Run("ListContainsSaved", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)
		s1, f1 := SampleSession("first", base, 1)
		s2, f2 := SampleSession("second", base.Add(time.Minute), 2)
		id1, err := b.Save(ctx, s1, f1)
		require.NoError(t, err)
		id2, err := b.Save(ctx, s2, f2)
		require.NoError(t, err)

		list, err := b.List(ctx)
		require.NoError(t, err)
		ids := map[string]session.Session{}
		for _, s := range list {
			ids[s.ID] = s
		}
		require.Contains(t, ids, id1)
		require.Contains(t, ids, id2)
		assert.Equal(t, "second", ids[id2].Name)
		assert.Equal(t, 2, ids[id2].FrameCount)
	})

	t.Run("DeleteThenLoadNotFound", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		s, frames := SampleSession("doomed", time.Now(), 3)
		id, err := b.Save(ctx, s, frames)
		require.NoError(t, err)
		require.NoError(t, b.Delete(ctx, id))

		_, _, err = b.Load(ctx, id)
		require.Error(t, err)
		assert.True(t, errmodel.Is(err, errmodel.CodeNotFound), "got %v", err)
		assert.True(t, errmodel.Is(b.Delete(ctx, id), errmodel.CodeNotFound))
	})

	t.Run("LoadUnknownNotFound", func(t *testing.T) {
		b := open(t)
		_, _, err := b.Load(context.Background(), "does-not-exist")
		require.Error(t, err)
		assert.True(t, errmodel.Is(err, errmodel.CodeNotFound), "got %v", err)
	})

	t.Run("DuplicateIDRejected", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		s, frames := SampleSession("dup", time.Now(), 1)
		id, err := b.Save(ctx, s, frames)
		require.NoError(t, err)
		s.ID = id
		_, err = b.Save(ctx, s, frames)
		require.Error(t, err)
		_, got, err := b.Load(ctx, id)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

// AssertSessionEqual compares the persisted fields of two sessions.
func AssertSessionEqual(t *testing.T, want, got session.Session) {
	t.Helper()
	assert.Equal(t, want.Name, got.Name)
	assert.True(t, want.StartTime.Equal(got.StartTime), "start %v != %v", want.StartTime, got.StartTime)
	assert.True(t, want.EndTime.Equal(got.EndTime), "end %v != %v", want.EndTime, got.EndTime)
	assert.Equal(t, want.FrameCount, got.FrameCount)
	assert.Equal(t, want.FrameRate, got.FrameRate)
	assert.Equal(t, want.Viewport, got.Viewport)
	assert.Equal(t, want.Environment, got.Environment)
	require.Len(t, got.Events, len(want.Events))
	for i := range want.Events {
		assert.Equal(t, want.Events[i].ID, got.Events[i].ID)
		assert.Equal(t, want.Events[i].Type, got.Events[i].Type)
	}
	assert.Equal(t, want.Errors, got.Errors)
}

// AssertFrameEqual compares two frames field by field.
func AssertFrameEqual(t *testing.T, want, got frame.Frame) {
	t.Helper()
	assert.Equal(t, want.Seq, got.Seq)
	assert.InDelta(t, want.TimestampMs, got.TimestampMs, 1e-9)
	assert.Equal(t, want.Payload, got.Payload)
	assert.Equal(t, want.Compressed, got.Compressed)
	assert.Equal(t, want.Codec, got.Codec)
	assert.Equal(t, want.OriginalSize, got.OriginalSize)
	assert.Equal(t, want.CompressedSize, got.CompressedSize)
	require.Len(t, got.Events, len(want.Events))
	for i := range want.Events {
		assert.Equal(t, want.Events[i].ID, got.Events[i].ID)
		assert.JSONEq(t, string(orNull(want.Events[i].Detail)), string(orNull(got.Events[i].Detail)))
	}
}

func orNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
