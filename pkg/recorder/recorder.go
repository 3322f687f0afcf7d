// Package recorder is the control surface of the time-travel engine. A
// Recorder owns the frame buffer, the compression pipeline, the capture
// scheduler and the playback controller, and keeps recording and playback
// mutually exclusive.
//
// Consumers and snapshot sources must not call back into the Recorder: both
// run while internal locks are held.
package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/rewind/pkg/capture"
	"github.com/wilhg/rewind/pkg/clock"
	"github.com/wilhg/rewind/pkg/compress"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
	"github.com/wilhg/rewind/pkg/playback"
	"github.com/wilhg/rewind/pkg/session"
	"github.com/wilhg/rewind/pkg/store"
)

// LowEndFrameRate is the capture rate used on low capability hosts when
// adaptive rate is on.
const LowEndFrameRate = 30

// Config tunes a Recorder.
type Config struct {
	MaxFrames          int
	FrameRateHz        float64
	Compression        bool
	Codec              string
	CompressionWorkers int
	QueueSize          int
	AdaptiveRate       bool
	LowEndCPUThreshold int
	MinSpeed           float64
	MaxSpeed           float64
	Loop               bool
	StorageTimeout     time.Duration
	// PollInterval overrides how often capture and playback poll the clock.
	PollInterval time.Duration
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		MaxFrames:          frame.DefaultMaxFrames,
		FrameRateHz:        capture.DefaultFrameRate,
		Compression:        true,
		Codec:              compress.Zstd,
		QueueSize:          1024,
		LowEndCPUThreshold: 2,
		MinSpeed:           playback.DefaultMinSpeed,
		MaxSpeed:           playback.DefaultMaxSpeed,
		StorageTimeout:     10 * time.Second,
	}
}

// Stats is a point-in-time view of the recorder.
type Stats struct {
	IsRecording      bool    `json:"is_recording"`
	IsPlaying        bool    `json:"is_playing"`
	CurrentFrame     int     `json:"current_frame"`
	TotalFrames      int     `json:"total_frames"`
	DurationMs       float64 `json:"duration_ms"`
	CompressionRatio float64 `json:"compression_ratio"`
	StorageBytesUsed int64   `json:"storage_bytes_used"`
	FramesCaptured   uint64  `json:"frames_captured"`
	FramesEvicted    uint64  `json:"frames_evicted"`
	DispatchErrors   uint64  `json:"dispatch_errors"`
	PlaybackState    string  `json:"playback_state"`
	Speed            float64 `json:"speed"`
}

// Option configures a Recorder at construction time.
type Option func(*Recorder)

// WithConfig replaces DefaultConfig. Zero fields keep their defaults.
func WithConfig(cfg Config) Option { return func(r *Recorder) { r.cfg = merge(r.cfg, cfg) } }

// WithClock sets the time source. Tests use clock.Manual.
func WithClock(c clock.Clock) Option { return func(r *Recorder) { r.clk = c } }

// WithLogger sets the recorder logger; child components derive from it.
func WithLogger(l zerolog.Logger) Option { return func(r *Recorder) { r.log = l } }

// WithCodecs sets the codec registry used to compress and restore frames.
func WithCodecs(reg *compress.Registry) Option { return func(r *Recorder) { r.codecs = reg } }

// WithViewport records vp in every new session.
func WithViewport(vp session.Viewport) Option { return func(r *Recorder) { r.viewport = vp } }

// WithEnvironment records env in every new session instead of detecting it.
func WithEnvironment(env map[string]string) Option { return func(r *Recorder) { r.env = env } }

// Recorder coordinates capture, storage and playback.
type Recorder struct {
	cfg      Config
	clk      clock.Clock
	log      zerolog.Logger
	codecs   *compress.Registry
	viewport session.Viewport
	env      map[string]string
	tracer   trace.Tracer

	src      capture.Source
	backend  store.Backend
	buffer   *frame.Buffer
	pipeline *compress.Pipeline
	player   *playback.Controller

	mu        sync.Mutex
	closed    bool
	recording bool
	scheduler *capture.Scheduler
	// manager and accepting are read by pipeline workers without mu.
	manager   atomic.Pointer[session.Manager]
	accepting atomic.Bool
	pending   *session.Session // finalized but not yet saved
	frames    []frame.Frame    // frames of pending
	last      session.Session  // most recent finalized recording
	loadedID  string
	loaded    session.Session
}

// New wires a Recorder around src, consumer and backend. Backend calls are
// bounded by Config.StorageTimeout.
func New(src capture.Source, consumer playback.Consumer, backend store.Backend, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		cfg:    DefaultConfig(),
		clk:    clock.New(),
		log:    log.Logger.With().Str("component", "recorder").Logger(),
		tracer: otel.Tracer("recorder"),
		src:    src,
	}
	for _, opt := range opts {
		opt(r)
	}
	if src == nil || consumer == nil || backend == nil {
		return nil, errmodel.Validation("missing_dependency", "source, consumer and backend are required", nil)
	}
	if r.codecs == nil {
		r.codecs = compress.DefaultRegistry()
	}
	codecName := r.cfg.Codec
	if !r.cfg.Compression {
		codecName = compress.None
	}
	codec, ok := r.codecs.Resolve(codecName)
	if !ok {
		return nil, errmodel.Validation("unknown_codec", "codec is not registered", map[string]any{"codec": codecName})
	}
	if r.env == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		r.env = session.DetectEnvironment(ctx)
		cancel()
	}

	r.backend = store.WithTimeout(backend, r.cfg.StorageTimeout)
	r.buffer = frame.NewBuffer(r.cfg.MaxFrames)
	r.pipeline = compress.NewPipeline(codec, r.commit,
		compress.WithWorkers(r.cfg.CompressionWorkers),
		compress.WithQueueSize(r.cfg.QueueSize),
		compress.WithLogger(r.log.With().Str("component", "compress").Logger()),
		compress.WithFailureHandler(r.compressionFailed),
	)
	r.player = playback.New(consumer, r.clk,
		playback.WithLogger(r.log.With().Str("component", "playback").Logger()),
		playback.WithDecoder(compress.Decoder(r.codecs)),
		playback.WithSpeedRange(r.cfg.MinSpeed, r.cfg.MaxSpeed),
		playback.WithFrameRate(r.cfg.FrameRateHz),
		playback.WithPollInterval(r.cfg.PollInterval),
	)
	r.player.SetLoop(r.cfg.Loop)
	return r, nil
}

func merge(base, over Config) Config {
	if over.MaxFrames > 0 {
		base.MaxFrames = over.MaxFrames
	}
	if over.FrameRateHz > 0 {
		base.FrameRateHz = over.FrameRateHz
	}
	base.Compression = over.Compression
	if over.Codec != "" {
		base.Codec = over.Codec
	}
	if over.CompressionWorkers > 0 {
		base.CompressionWorkers = over.CompressionWorkers
	}
	if over.QueueSize > 0 {
		base.QueueSize = over.QueueSize
	}
	base.AdaptiveRate = over.AdaptiveRate
	if over.LowEndCPUThreshold > 0 {
		base.LowEndCPUThreshold = over.LowEndCPUThreshold
	}
	if over.MinSpeed > 0 {
		base.MinSpeed = over.MinSpeed
	}
	if over.MaxSpeed > 0 {
		base.MaxSpeed = over.MaxSpeed
	}
	base.Loop = over.Loop
	if over.StorageTimeout > 0 {
		base.StorageTimeout = over.StorageTimeout
	}
	if over.PollInterval > 0 {
		base.PollInterval = over.PollInterval
	}
	return base
}

func (r *Recorder) commit(f frame.Frame) {
	if !r.accepting.Load() {
		r.log.Debug().Uint64("seq", f.Seq).Msg("frame arrived after stop, dropped")
		return
	}
	if err := r.buffer.Append(f); err != nil {
		r.log.Error().Err(err).Uint64("seq", f.Seq).Msg("frame dropped")
	}
}

func (r *Recorder) compressionFailed(seq uint64, err error) {
	if m := r.manager.Load(); m != nil {
		m.RecordError(float64(r.clk.Now().Sub(m.Snapshot().StartTime))/float64(time.Millisecond), errmodel.CompressionFailure(seq, err))
	}
}

// Stats returns the current counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{
		IsRecording:      r.recording,
		IsPlaying:        r.player.State() == playback.Playing,
		CurrentFrame:     r.player.Cursor(),
		CompressionRatio: r.pipeline.Ratio(),
		StorageBytesUsed: r.buffer.BytesUsed(),
		FramesEvicted:    r.buffer.Evicted(),
		DispatchErrors:   r.player.DispatchErrors(),
		PlaybackState:    r.player.State().String(),
		Speed:            r.player.Speed(),
	}
	if r.scheduler != nil {
		st.FramesCaptured = r.scheduler.Captured()
	}
	switch {
	case r.recording:
		st.TotalFrames = r.buffer.Len()
		st.DurationMs = float64(r.clk.Now().Sub(r.scheduler.StartedAt())) / float64(time.Millisecond)
	case r.loadedID != "":
		st.TotalFrames = r.player.Len()
		st.DurationMs = float64(r.loaded.Duration()) / float64(time.Millisecond)
	default:
		st.TotalFrames = r.buffer.Len()
		if n := r.buffer.Len(); n > 1 {
			first, _ := r.buffer.At(0)
			last, _ := r.buffer.At(n - 1)
			st.DurationMs = last.TimestampMs - first.TimestampMs
		}
	}
	return st
}

// Close stops capture and playback, drains the pipeline and closes the
// backend. The Recorder is unusable afterwards.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.recording {
		r.scheduler.Stop()
		r.recording = false
	}
	r.player.Stop()
	if err := r.pipeline.Flush(ctx); err != nil {
		r.log.Warn().Err(err).Msg("pipeline flush interrupted")
	}
	if err := r.pipeline.Close(); err != nil {
		r.log.Warn().Err(err).Msg("pipeline close")
	}
	return r.backend.Close()
}

func (r *Recorder) checkOpenLocked(op string) error {
	if r.closed {
		return errmodel.InvalidState(op, "closed")
	}
	return nil
}

func recordErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
	}
	return err
}
