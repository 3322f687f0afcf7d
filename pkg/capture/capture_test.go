package capture

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/rewind/pkg/clock"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
)

type sinkRecorder struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (s *sinkRecorder) Submit(f frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func counterSource() Source {
	n := 0
	return SourceFunc(func(ctx context.Context) (Snapshot, error) {
		n++
		return Snapshot{State: map[string]int{"n": n}}, nil
	})
}

func TestCaptureAt60HzFor500ms(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var sink sinkRecorder
	s := New(counterSource(), &sink, clk)
	require.NoError(t, s.Start(60))

	clk.Advance(500 * time.Millisecond)
	captured := s.Stop()

	n := len(sink.frames)
	assert.GreaterOrEqual(t, n, 28)
	assert.LessOrEqual(t, n, 32)
	assert.Equal(t, uint64(n), captured)
	for i, f := range sink.frames {
		assert.Equal(t, uint64(i), f.Seq)
		if i > 0 {
			assert.Greater(t, f.TimestampMs, sink.frames[i-1].TimestampMs)
		}
	}
	var state map[string]int
	require.NoError(t, json.Unmarshal(sink.frames[0].Payload, &state))
	assert.Equal(t, 1, state["n"])
}

func TestSourceErrorSkipsTick(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var sink sinkRecorder
	calls := 0
	src := SourceFunc(func(ctx context.Context) (Snapshot, error) {
		calls++
		switch calls {
		case 2:
			return Snapshot{}, errors.New("host busy")
		case 3:
			panic("renderer gone")
		}
		return Snapshot{State: []byte(`{}`)}, nil
	})
	var reported []error
	s := New(src, &sink, clk,
		WithPollInterval(time.Millisecond),
		WithErrorHandler(func(ts float64, err error) { reported = append(reported, err) }),
	)
	require.NoError(t, s.Start(100))
	clk.Advance(50 * time.Millisecond)
	s.Stop()

	require.Len(t, reported, 2)
	for _, err := range reported {
		assert.True(t, errmodel.Is(err, errmodel.CodeSnapshotSource))
	}
	assert.Equal(t, uint64(2), s.Failed())
	require.Len(t, sink.frames, calls-2)
	for i, f := range sink.frames {
		assert.Equal(t, uint64(i), f.Seq, "skipped ticks must not consume sequence numbers")
	}
}

func TestStopPreventsFurtherFrames(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var sink sinkRecorder
	s := New(counterSource(), &sink, clk)
	require.NoError(t, s.Start(60))
	require.NoError(t, s.Start(60))
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(100 * time.Millisecond)
	s.Stop()
	before := len(sink.frames)
	clk.Advance(time.Second)
	assert.Equal(t, before, len(sink.frames))
	assert.False(t, s.Running())
	assert.Zero(t, clk.Pending())
}

func TestEventsForwarded(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var sink sinkRecorder
	var got []frame.Event
	src := SourceFunc(func(ctx context.Context) (Snapshot, error) {
		return Snapshot{State: json.RawMessage(`1`), Events: []frame.Event{{ID: "x", Type: "click"}}}, nil
	})
	s := New(src, &sink, clk, WithEventHandler(func(evs []frame.Event) { got = append(got, evs...) }))
	require.NoError(t, s.Start(10))
	clk.Advance(250 * time.Millisecond)
	s.Stop()

	require.Len(t, sink.frames, 2)
	assert.Len(t, got, 2)
	assert.Equal(t, "click", sink.frames[0].Events[0].Type)
	assert.Equal(t, []byte(`1`), sink.frames[0].Payload)
}

func TestStartRejectsBadRate(t *testing.T) {
	s := New(counterSource(), SinkFunc(func(frame.Frame) {}), clock.NewManual(time.Now()))
	require.Error(t, s.Start(0))
	assert.False(t, s.Running())
}

func TestRestartResetsSequence(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var sink sinkRecorder
	s := New(counterSource(), &sink, clk)
	require.NoError(t, s.Start(10))
	clk.Advance(300 * time.Millisecond)
	s.Stop()
	sink.frames = nil
	require.NoError(t, s.Start(10))
	clk.Advance(150 * time.Millisecond)
	s.Stop()
	require.NotEmpty(t, sink.frames)
	assert.Equal(t, uint64(0), sink.frames[0].Seq)
}
