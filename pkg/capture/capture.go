// Package capture drives snapshot collection at a fixed target rate with
// drift correction, turning host snapshots into sequenced frames.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/wilhg/rewind/pkg/clock"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
)

// DefaultFrameRate is the target capture rate in Hz.
const DefaultFrameRate = 60

// Snapshot is what a Source returns for one tick. State that is already
// []byte or json.RawMessage is stored verbatim; anything else is JSON encoded.
type Snapshot struct {
	State  any
	Events []frame.Event
}

// Source supplies host snapshots on demand.
type Source interface {
	CaptureSnapshot(ctx context.Context) (Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Snapshot, error)

func (f SourceFunc) CaptureSnapshot(ctx context.Context) (Snapshot, error) { return f(ctx) }

// Sink receives captured frames in capture order.
type Sink interface {
	Submit(f frame.Frame)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f frame.Frame)

func (f SinkFunc) Submit(fr frame.Frame) { f(fr) }

// Scheduler polls the clock and captures a frame whenever a full frame
// interval has elapsed, carrying the remainder over to the next interval.
type Scheduler struct {
	src   Source
	sink  Sink
	clk   clock.Clock
	log   zerolog.Logger
	warn  *rate.Limiter
	poll  time.Duration
	limit time.Duration

	onError  func(tsMs float64, err error)
	onEvents func([]frame.Event)

	mu       sync.Mutex
	running  bool
	cancel   clock.CancelFunc
	interval time.Duration
	start    time.Time
	last     time.Time
	seq      uint64
	captured uint64
	failed   uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Scheduler) { s.log = l } }

// WithErrorHandler receives every skipped tick's SnapshotSourceError.
func WithErrorHandler(fn func(tsMs float64, err error)) Option {
	return func(s *Scheduler) { s.onError = fn }
}

// WithEventHandler receives the events of every captured frame.
func WithEventHandler(fn func([]frame.Event)) Option {
	return func(s *Scheduler) { s.onEvents = fn }
}

// WithPollInterval fixes how often the clock is polled. By default it is a
// quarter of the frame interval, at least one millisecond.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.poll = d }
}

// WithSnapshotTimeout bounds each CaptureSnapshot call through its context.
func WithSnapshotTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.limit = d }
}

// New builds a stopped scheduler.
func New(src Source, sink Sink, clk clock.Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		src:  src,
		sink: sink,
		clk:  clk,
		log:  log.Logger.With().Str("component", "capture").Logger(),
		warn: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins capturing at rateHz. It is a no-op while already running.
// Sequence numbers restart at zero.
func (s *Scheduler) Start(rateHz float64) error {
	if rateHz <= 0 {
		return errmodel.Validation("bad_frame_rate", "frame rate must be positive", map[string]any{"rate": rateHz})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.interval = time.Duration(float64(time.Second) / rateHz)
	poll := s.poll
	if poll <= 0 {
		poll = max(s.interval/4, time.Millisecond)
	}
	s.start = s.clk.Now()
	s.last = s.start
	s.seq, s.captured, s.failed = 0, 0, 0
	s.running = true
	s.cancel = s.clk.ScheduleRepeating(poll, s.tick)
	s.log.Debug().Float64("rate_hz", rateHz).Dur("poll", poll).Msg("capture started")
	return nil
}

// Stop halts capture and returns the number of frames captured. Once Stop
// returns no tick will submit another frame.
func (s *Scheduler) Stop() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return s.captured
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.log.Debug().Uint64("captured", s.captured).Uint64("failed", s.failed).Msg("capture stopped")
	return s.captured
}

// Running reports whether capture is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Captured returns the frames captured since the last Start.
func (s *Scheduler) Captured() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captured
}

// Failed returns the ticks skipped because of source errors since the last Start.
func (s *Scheduler) Failed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// StartedAt returns the time of the last Start.
func (s *Scheduler) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	now := s.clk.Now()
	delta := now.Sub(s.last)
	if delta < s.interval {
		return
	}
	s.last = now.Add(-(delta % s.interval))
	tsMs := float64(now.Sub(s.start)) / float64(time.Millisecond)

	f, events, err := s.captureLocked(tsMs)
	if err != nil {
		s.failed++
		ce := errmodel.SnapshotSource(err)
		if s.warn.Allow() {
			s.log.Warn().Err(err).Float64("ts_ms", tsMs).Msg("snapshot skipped")
		}
		if s.onError != nil {
			s.onError(tsMs, ce)
		}
		return
	}
	if s.onEvents != nil && len(events) > 0 {
		s.onEvents(events)
	}
	s.captured++
	s.sink.Submit(f)
}

func (s *Scheduler) captureLocked(tsMs float64) (f frame.Frame, events []frame.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("snapshot source panic: %v", r)
		}
	}()
	ctx := context.Background()
	if s.limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.limit)
		defer cancel()
	}
	snap, err := s.src.CaptureSnapshot(ctx)
	if err != nil {
		return frame.Frame{}, nil, err
	}
	payload, err := encodeState(snap.State)
	if err != nil {
		return frame.Frame{}, nil, fmt.Errorf("encode snapshot: %w", err)
	}
	f = frame.Frame{
		Seq:          s.seq,
		TimestampMs:  tsMs,
		Payload:      payload,
		OriginalSize: len(payload),
		Events:       snap.Events,
	}
	s.seq++
	return f, snap.Events, nil
}

func encodeState(state any) ([]byte, error) {
	switch v := state.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
