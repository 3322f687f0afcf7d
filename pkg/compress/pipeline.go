package compress

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/frame"
)

// Pipeline compresses frames on a worker pool and hands them to a commit
// callback strictly in submission order. Results are correlated by Seq, so
// workers finishing out of order never reorder or misattribute frames.
type Pipeline struct {
	codec     Codec
	commit    func(frame.Frame)
	log       zerolog.Logger
	onFailure func(seq uint64, err error)
	warn      *rate.Limiter
	workers   int

	jobs chan job
	g    errgroup.Group

	mu       sync.Mutex
	closed   bool
	gen      uint64
	order    []uint64
	done     map[uint64]frame.Frame
	waiters  []chan struct{}
	original int64
	stored   int64
	failures uint64
	overflow uint64
}

// job tags a frame with the generation it was submitted in. Results from an
// earlier generation are ignored.
type job struct {
	f   frame.Frame
	gen uint64
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithWorkers sets the number of compression workers. n <= 0 keeps the default.
func WithWorkers(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueSize bounds the number of frames waiting for a worker. When the
// queue is full, Submit commits the frame uncompressed instead of blocking.
func WithQueueSize(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.jobs = make(chan job, n)
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l zerolog.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = l }
}

// WithFailureHandler registers fn to be called from a worker goroutine for
// every frame whose compression failed.
func WithFailureHandler(fn func(seq uint64, err error)) PipelineOption {
	return func(p *Pipeline) { p.onFailure = fn }
}

// NewPipeline starts the workers. commit is called from worker goroutines,
// one frame at a time, in the order frames were submitted.
func NewPipeline(codec Codec, commit func(frame.Frame), opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		codec:   codec,
		commit:  commit,
		log:     log.Logger.With().Str("component", "compress").Logger(),
		warn:    rate.NewLimiter(rate.Every(time.Second), 1),
		workers: min(runtime.GOMAXPROCS(0), 4),
		done:    make(map[uint64]frame.Frame),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.jobs == nil {
		p.jobs = make(chan job, 1024)
	}
	for i := 0; i < p.workers; i++ {
		p.g.Go(p.work)
	}
	return p
}

// Submit queues f for compression without blocking.
func (p *Pipeline) Submit(f frame.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, f.Seq)
	if !p.closed {
		select {
		case p.jobs <- job{f: f, gen: p.gen}:
			return
		default:
		}
	}
	p.overflow++
	f.OriginalSize = len(f.Payload)
	p.completeLocked(f)
}

func (p *Pipeline) work() error {
	for j := range p.jobs {
		f := j.f
		out, err := Compress(p.codec, f)
		if err != nil {
			ce := errmodel.CompressionFailure(f.Seq, err)
			if p.warn.Allow() {
				p.log.Warn().Err(ce).Uint64("seq", f.Seq).Msg("storing frame uncompressed")
			}
			if p.onFailure != nil {
				p.onFailure(f.Seq, ce)
			}
			out = f
			out.OriginalSize = len(f.Payload)
		}
		p.mu.Lock()
		if j.gen != p.gen {
			p.mu.Unlock()
			continue
		}
		if err != nil {
			p.failures++
		}
		p.completeLocked(out)
		p.mu.Unlock()
	}
	return nil
}

// completeLocked records a finished frame and commits every frame that is
// now at the head of the submission order.
func (p *Pipeline) completeLocked(f frame.Frame) {
	p.done[f.Seq] = f
	for len(p.order) > 0 {
		next, ok := p.done[p.order[0]]
		if !ok {
			break
		}
		delete(p.done, p.order[0])
		p.order = p.order[1:]
		p.original += int64(next.OriginalSize)
		p.stored += int64(next.StoredSize())
		if p.commit != nil {
			p.commit(next)
		}
	}
	if len(p.order) == 0 {
		for _, w := range p.waiters {
			close(w)
		}
		p.waiters = nil
	}
}

// Flush waits until every submitted frame has been committed.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	if len(p.order) == 0 {
		p.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discard drops every frame that has been submitted but not yet committed and
// releases pending Flush calls. Workers still compressing a dropped frame
// finish it without committing. It returns the number of frames dropped.
func (p *Pipeline) Discard() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.order)
	p.gen++
	p.order = nil
	clear(p.done)
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	return n
}

// Close stops accepting work, lets queued frames finish and stops the workers.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	return p.g.Wait()
}

// Ratio returns original bytes over stored bytes for committed frames, or 1
// when nothing was committed.
func (p *Pipeline) Ratio() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stored == 0 {
		return 1
	}
	return float64(p.original) / float64(p.stored)
}

// Failures returns the number of frames stored uncompressed after a codec error.
func (p *Pipeline) Failures() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Overflows returns the number of frames committed uncompressed because the queue was full.
func (p *Pipeline) Overflows() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overflow
}

// Reset clears the ratio and failure counters.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.original, p.stored = 0, 0
	p.failures, p.overflow = 0, 0
}

// Codec returns the codec frames are compressed with.
func (p *Pipeline) Codec() Codec { return p.codec }
