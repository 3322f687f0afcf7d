// Package playback replays an ordered frame sequence into a consumer with
// transport controls, seeking, speed, looping and breakpoints.
package playback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/wilhg/rewind/pkg/clock"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
)

// Speed bounds and default frame rate.
const (
	DefaultMinSpeed  = 0.1
	DefaultMaxSpeed  = 10.0
	DefaultFrameRate = 60.0
)

// State is the controller's transport state.
type State int

const (
	Idle State = iota
	Playing
	Paused
	Seeking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Seeking:
		return "seeking"
	default:
		return "unknown"
	}
}

// Dispatch is one frame handed to a Consumer.
type Dispatch struct {
	Frame frame.Frame
	Index int
	Total int
}

// Consumer applies replayed frames to the host. OnFrame runs with the
// controller locked and must not call back into the Controller.
type Consumer interface {
	OnFrame(ctx context.Context, d Dispatch) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, d Dispatch) error

func (f ConsumerFunc) OnFrame(ctx context.Context, d Dispatch) error { return f(ctx, d) }

// Controller is the playback state machine.
type Controller struct {
	consumer Consumer
	clk      clock.Clock
	decode   func(frame.Frame) (frame.Frame, error)
	log      zerolog.Logger
	warn     *rate.Limiter
	minSpeed float64
	maxSpeed float64
	rateHz   float64
	poll     time.Duration

	mu          sync.Mutex
	frames      []frame.Frame
	state       State
	cursor      int
	speed       float64
	loop        bool
	breakpoints map[int]struct{}
	armed       int // breakpoint index allowed through once, -1 when none
	cancel      clock.CancelFunc
	last        time.Time
	dispatched  uint64
	errors      uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Controller) { c.log = l } }

// WithDecoder sets how compressed frames are restored before dispatch.
func WithDecoder(fn func(frame.Frame) (frame.Frame, error)) Option {
	return func(c *Controller) { c.decode = fn }
}

// WithSpeedRange overrides the speed clamp.
func WithSpeedRange(min, max float64) Option {
	return func(c *Controller) {
		if min > 0 && max >= min {
			c.minSpeed, c.maxSpeed = min, max
		}
	}
}

// WithFrameRate sets the base replay rate at speed 1.
func WithFrameRate(hz float64) Option {
	return func(c *Controller) {
		if hz > 0 {
			c.rateHz = hz
		}
	}
}

// WithPollInterval fixes how often the clock is polled while playing.
func WithPollInterval(d time.Duration) Option { return func(c *Controller) { c.poll = d } }

// New builds an idle controller with no frames loaded.
func New(consumer Consumer, clk clock.Clock, opts ...Option) *Controller {
	c := &Controller{
		consumer:    consumer,
		clk:         clk,
		log:         log.Logger.With().Str("component", "playback").Logger(),
		warn:        rate.NewLimiter(rate.Every(time.Second), 1),
		minSpeed:    DefaultMinSpeed,
		maxSpeed:    DefaultMaxSpeed,
		rateHz:      DefaultFrameRate,
		speed:       1,
		breakpoints: map[int]struct{}{},
		armed:       -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load replaces the frame sequence. The controller must be idle.
func (c *Controller) Load(frames []frame.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return errmodel.InvalidState("load", c.state.String())
	}
	c.frames = frames
	c.cursor = 0
	c.armed = -1
	return nil
}

// Start begins playing from index from, clamped into range.
func (c *Controller) Start(from int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return errmodel.Validation("empty_track", "no frames to play", nil)
	}
	if c.state == Playing {
		return errmodel.InvalidState("start", c.state.String())
	}
	c.cursor = c.clampIndex(from)
	c.armed = c.cursor
	c.playLocked()
	return nil
}

// Pause suspends playback, keeping the cursor.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Playing {
		return errmodel.InvalidState("pause", c.state.String())
	}
	c.haltLocked(Paused)
	return nil
}

// Resume continues from the cursor. A breakpoint at the cursor is passed.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Paused {
		return errmodel.InvalidState("resume", c.state.String())
	}
	c.armed = c.cursor
	c.playLocked()
	return nil
}

// Stop returns to Idle with the cursor at zero. No frame is dispatched after
// Stop returns.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haltLocked(Idle)
	c.cursor = 0
	c.armed = -1
}

// SeekIndex moves the cursor to i, clamped into range. When not playing the
// frame is dispatched immediately.
func (c *Controller) SeekIndex(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return errmodel.Validation("empty_track", "no frames to seek", nil)
	}
	c.seekLocked(c.clampIndex(i))
	return nil
}

// SeekTime moves the cursor to the frame nearest targetMs.
func (c *Controller) SeekTime(targetMs float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return errmodel.Validation("empty_track", "no frames to seek", nil)
	}
	c.seekLocked(frame.NearestIndex(c.frames, targetMs))
	return nil
}

func (c *Controller) seekLocked(i int) {
	prev := c.state
	c.state = Seeking
	c.cursor = i
	c.armed = i
	if prev != Playing {
		c.dispatchLocked(i)
	}
	c.state = prev
}

// SetSpeed clamps x into the speed range, applies it from the next tick and
// returns the applied value.
func (c *Controller) SetSpeed(x float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case x != x || x < c.minSpeed: // NaN or too slow
		x = c.minSpeed
	case x > c.maxSpeed:
		x = c.maxSpeed
	}
	c.speed = x
	return x
}

// SetFrameRate changes the replay rate at speed 1. Non-positive values are ignored.
func (c *Controller) SetFrameRate(hz float64) {
	if hz <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateHz = hz
}

// SetLoop toggles wrapping to the first frame at the end.
func (c *Controller) SetLoop(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loop = on
}

// AddBreakpoint pauses playback before frame i is dispatched.
func (c *Controller) AddBreakpoint(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakpoints[i] = struct{}{}
}

// RemoveBreakpoint clears the breakpoint at i.
func (c *Controller) RemoveBreakpoint(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.breakpoints, i)
}

// Breakpoints returns the breakpoint indexes in ascending order.
func (c *Controller) Breakpoints() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.breakpoints))
	for i := range c.breakpoints {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Cursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *Controller) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

func (c *Controller) Loop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loop
}

// Dispatched returns the number of frames handed to the consumer.
func (c *Controller) Dispatched() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatched
}

// DispatchErrors returns the number of frames the consumer failed to apply.
func (c *Controller) DispatchErrors() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

func (c *Controller) playLocked() {
	c.state = Playing
	c.last = c.clk.Now()
	if c.cancel != nil {
		c.cancel()
	}
	poll := c.poll
	if poll <= 0 {
		poll = max(time.Duration(float64(time.Second)/(c.rateHz*c.maxSpeed)), time.Millisecond)
	}
	c.cancel = c.clk.ScheduleRepeating(poll, c.tick)
}

func (c *Controller) haltLocked(next State) {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = next
}

func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Playing {
		return
	}
	interval := time.Duration(float64(time.Second) / (c.rateHz * c.speed))
	now := c.clk.Now()
	delta := now.Sub(c.last)
	if delta < interval {
		return
	}
	c.last = now.Add(-(delta % interval))

	if c.cursor >= len(c.frames) {
		if !c.loop {
			c.haltLocked(Idle)
			c.cursor = 0
			return
		}
		c.cursor = 0
	}
	if _, hit := c.breakpoints[c.cursor]; hit && c.armed != c.cursor {
		c.haltLocked(Paused)
		c.log.Debug().Int("frame", c.cursor).Msg("breakpoint hit")
		return
	}
	c.armed = -1
	c.dispatchLocked(c.cursor)
	c.cursor++
}

func (c *Controller) dispatchLocked(i int) {
	f := c.frames[i]
	var err error
	if c.decode != nil {
		f, err = c.decode(f)
	}
	if err == nil {
		err = c.consumer.OnFrame(context.Background(), Dispatch{Frame: f, Index: i, Total: len(c.frames)})
	}
	c.dispatched++
	if err != nil {
		c.errors++
		ce := errmodel.ConsumerDispatch(i, err)
		if c.warn.Allow() {
			c.log.Warn().Err(ce).Int("frame", i).Msg("frame dispatch failed")
		}
	}
}

func (c *Controller) clampIndex(i int) int {
	if i < 0 {
		return 0
	}
	if i >= len(c.frames) {
		return len(c.frames) - 1
	}
	return i
}
