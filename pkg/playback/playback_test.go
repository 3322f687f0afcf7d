package playback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/rewind/pkg/clock"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
)

type seen struct {
	idx []int
	err error
}

func (s *seen) OnFrame(ctx context.Context, d Dispatch) error {
	s.idx = append(s.idx, d.Index)
	return s.err
}

func track(n int, stepMs float64) []frame.Frame {
	out := make([]frame.Frame, n)
	for i := range out {
		out[i] = frame.Frame{Seq: uint64(i), TimestampMs: float64(i) * stepMs, Payload: []byte{byte(i)}}
	}
	return out
}

// newController replays at 10 frames per second, so one frame every 100ms
// of manual time at speed 1.
func newController(t *testing.T, frames []frame.Frame, opts ...Option) (*Controller, *seen, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(0, 0))
	var s seen
	opts = append([]Option{WithFrameRate(10), WithPollInterval(time.Millisecond)}, opts...)
	c := New(&s, clk, opts...)
	require.NoError(t, c.Load(frames))
	return c, &s, clk
}

func TestSeekTimeSelectsNearestFrame(t *testing.T) {
	c, s, _ := newController(t, track(5, 100))
	require.NoError(t, c.SeekTime(250))
	assert.Equal(t, 2, c.Cursor())
	assert.Equal(t, []int{2}, s.idx)
	assert.Equal(t, Idle, c.State())
}

func TestSeekIndexClamps(t *testing.T) {
	c, s, _ := newController(t, track(5, 100))
	require.NoError(t, c.SeekIndex(99))
	assert.Equal(t, 4, c.Cursor())
	require.NoError(t, c.SeekIndex(-3))
	assert.Equal(t, []int{4, 0}, s.idx)
}

func TestSeekWhilePlayingDoesNotDispatchImmediately(t *testing.T) {
	c, s, clk := newController(t, track(10, 100))
	require.NoError(t, c.Start(0))
	require.NoError(t, c.SeekIndex(7))
	assert.Empty(t, s.idx)
	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, []int{7}, s.idx)
}

func TestSpeedClamping(t *testing.T) {
	c, _, _ := newController(t, track(1, 0))
	assert.Equal(t, 0.1, c.SetSpeed(0.01))
	assert.Equal(t, 10.0, c.SetSpeed(50))
	assert.Equal(t, 2.0, c.SetSpeed(2))
	assert.Equal(t, 2.0, c.Speed())
}

func TestSpeedChangesDispatchRate(t *testing.T) {
	c, s, clk := newController(t, track(50, 100))
	c.SetSpeed(2)
	require.NoError(t, c.Start(0))
	clk.Advance(500 * time.Millisecond)
	assert.Len(t, s.idx, 10)
}

func TestBreakpointHaltsAtFrame(t *testing.T) {
	c, s, clk := newController(t, track(10, 100))
	c.AddBreakpoint(5)
	require.NoError(t, c.Start(0))
	clk.Advance(time.Second)

	assert.Equal(t, Paused, c.State())
	assert.Equal(t, 5, c.Cursor())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, s.idx)

	require.NoError(t, c.Resume())
	clk.Advance(200 * time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, s.idx)
	assert.Equal(t, []int{5}, c.Breakpoints())
	c.RemoveBreakpoint(5)
	assert.Empty(t, c.Breakpoints())
}

func TestLoopWraps(t *testing.T) {
	c, s, clk := newController(t, track(3, 100))
	c.SetLoop(true)
	require.NoError(t, c.Start(0))
	clk.Advance(700 * time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, s.idx)
	assert.Equal(t, Playing, c.State())
}

func TestEndOfTrackGoesIdle(t *testing.T) {
	c, s, clk := newController(t, track(3, 100))
	require.NoError(t, c.Start(0))
	clk.Advance(500 * time.Millisecond)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, []int{0, 1, 2}, s.idx)
	assert.Zero(t, clk.Pending())
}

func TestConsumerErrorDoesNotStopPlayback(t *testing.T) {
	c, s, clk := newController(t, track(5, 100))
	s.err = errors.New("renderer rejected frame")
	require.NoError(t, c.Start(0))
	clk.Advance(300 * time.Millisecond)
	assert.Equal(t, []int{0, 1, 2}, s.idx)
	assert.Equal(t, uint64(3), c.DispatchErrors())
	assert.Equal(t, Playing, c.State())
}

func TestDecoderFailureCountsAsDispatchError(t *testing.T) {
	c, s, clk := newController(t, track(3, 100), WithDecoder(func(f frame.Frame) (frame.Frame, error) {
		if f.Seq == 1 {
			return f, errors.New("corrupt")
		}
		f.Payload = append([]byte("dec:"), f.Payload...)
		return f, nil
	}))
	require.NoError(t, c.Start(0))
	clk.Advance(300 * time.Millisecond)
	assert.Equal(t, []int{0, 2}, s.idx)
	assert.Equal(t, uint64(1), c.DispatchErrors())
	assert.Equal(t, uint64(3), c.Dispatched())
}

func TestTransportStateErrors(t *testing.T) {
	c, _, _ := newController(t, track(3, 100))
	assert.True(t, errmodel.Is(c.Pause(), errmodel.CodeInvalidState))
	assert.True(t, errmodel.Is(c.Resume(), errmodel.CodeInvalidState))
	require.NoError(t, c.Start(1))
	assert.True(t, errmodel.Is(c.Load(nil), errmodel.CodeInvalidState))
	assert.True(t, errmodel.Is(c.Start(0), errmodel.CodeInvalidState))
	require.NoError(t, c.Pause())
	assert.Equal(t, Paused, c.State())
	assert.Equal(t, 1, c.Cursor())
}

func TestStopHaltsDispatch(t *testing.T) {
	c, s, clk := newController(t, track(10, 100))
	require.NoError(t, c.Start(0))
	clk.Advance(200 * time.Millisecond)
	c.Stop()
	clk.Advance(time.Second)
	assert.Equal(t, []int{0, 1}, s.idx)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 0, c.Cursor())
}

func TestStartOnEmptyTrack(t *testing.T) {
	c, _, _ := newController(t, nil)
	require.Error(t, c.Start(0))
	require.Error(t, c.SeekTime(10))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "seeking", Seeking.String())
	assert.Equal(t, "unknown", State(42).String())
}
