// Package playback renders decoded speech to the speaker without gaps.
//
// A [Context] is the playback clock: it mixes every started source into
// fixed-size quanta, writes each quantum to the speaker [Sink] and hands the
// same quantum to registered taps (the recording bus). A [Scheduler] sits on
// top of any [Timeline] and places inbound chunks back to back on it.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tutorcall/pkg/audio"
)

// Compile-time interface assertion.
var _ Timeline = (*Context)(nil)

const (
	// DefaultQuantum is the render granularity of a [Context].
	DefaultQuantum = 20 * time.Millisecond

	// maxCatchUp bounds the number of quanta rendered per tick when the render
	// goroutine falls behind wall-clock time.
	maxCatchUp = 10
)

// Source is a handle to audio started on a [Timeline].
type Source interface {
	// Stop silences the source immediately. The onEnded callback passed to
	// [Timeline.Start] is not invoked for stopped sources. Stop is idempotent.
	Stop()
}

// Timeline is the minimal playback surface the [Scheduler] needs.
type Timeline interface {
	// CurrentTime reports the playback clock.
	CurrentTime() time.Duration

	// Start plays buf beginning at the absolute clock position at. A position in
	// the past starts immediately. onEnded runs once after the last sample has
	// been rendered; it may be nil.
	Start(buf *audio.Buffer, at time.Duration, onEnded func()) Source
}

// Sink receives rendered mono samples, e.g. a speaker stream.
type Sink interface {
	Write(samples []float32) error
	Close() error
}

// Option configures a [Context] during construction.
type Option func(*Context)

// WithSampleRate sets the rendering rate. Sources at other rates are resampled
// when started. Defaults to [audio.PlaybackRate].
func WithSampleRate(rate int) Option {
	return func(c *Context) {
		if rate > 0 {
			c.rate = rate
		}
	}
}

// WithQuantum sets the render granularity. Defaults to [DefaultQuantum].
func WithQuantum(d time.Duration) Option {
	return func(c *Context) {
		if d > 0 {
			c.quantum = d
		}
	}
}

// Context is an explicitly owned playback context backed by a render loop.
//
// CurrentTime advances only as quanta are rendered, so the clock always
// matches what the sink has been given. Call [Context.Run] to render in real
// time, or [Context.Render] to advance manually.
//
// All exported methods are safe for concurrent use.
type Context struct {
	rate    int
	quantum time.Duration
	sink    Sink

	mu      sync.Mutex
	frames  int64 // total frames rendered so far
	sources []*source
	taps    map[uint64]func([]float32)
	nextTap uint64
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	runWG     sync.WaitGroup
	warnSink  sync.Once
}

// NewContext creates a [Context] writing to sink. A nil sink discards the
// rendered audio; taps still receive it.
func NewContext(sink Sink, opts ...Option) *Context {
	c := &Context{
		rate:    audio.PlaybackRate,
		quantum: DefaultQuantum,
		sink:    sink,
		taps:    make(map[uint64]func([]float32)),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SampleRate returns the rendering rate.
func (c *Context) SampleRate() int { return c.rate }

// QuantumFrames returns the number of frames produced by one [Context.Render].
func (c *Context) QuantumFrames() int {
	n := int(int64(c.quantum) * int64(c.rate) / int64(time.Second))
	return max(n, 1)
}

// CurrentTime implements [Timeline].
func (c *Context) CurrentTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framesToDuration(c.frames)
}

// Start implements [Timeline]. Multi-channel buffers are downmixed and
// resampled to the context rate.
func (c *Context) Start(buf *audio.Buffer, at time.Duration, onEnded func()) Source {
	samples := buf.Mono()
	if buf.SampleRate != c.rate {
		samples = audio.NewResampler(buf.SampleRate, c.rate).Process(samples)
	}
	s := &source{
		ctx:     c,
		data:    samples,
		start:   c.durationToFrames(at),
		onEnded: onEnded,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.stopped = true
		return s
	}
	c.sources = append(c.sources, s)
	c.mu.Unlock()
	return s
}

// AddTap registers fn to receive every rendered quantum, silence included.
// fn is called from the render goroutine and must not retain the slice. The
// returned function unregisters the tap.
func (c *Context) AddTap(fn func(samples []float32)) (remove func()) {
	c.mu.Lock()
	id := c.nextTap
	c.nextTap++
	c.taps[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.taps, id)
		c.mu.Unlock()
	}
}

// Active returns the number of sources that are started and not yet finished.
func (c *Context) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sources)
}

// Render mixes one quantum and delivers it to the sink and taps. It returns
// false once the context is closed.
func (c *Context) Render() bool {
	n := c.QuantumFrames()
	mix := make([]float32, n)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	base := c.frames
	var ended []*source
	kept := c.sources[:0]
	for _, s := range c.sources {
		off := max(int(s.start-base), 0)
		if off < n {
			for i := off; i < n && s.pos < len(s.data); i++ {
				mix[i] += s.data[s.pos]
				s.pos++
			}
			if s.pos >= len(s.data) {
				s.stopped = true
				ended = append(ended, s)
				continue
			}
		}
		kept = append(kept, s)
	}
	clear(c.sources[len(kept):])
	c.sources = kept
	c.frames += int64(n)
	taps := make([]func([]float32), 0, len(c.taps))
	for _, fn := range c.taps {
		taps = append(taps, fn)
	}
	c.mu.Unlock()

	if c.sink != nil {
		if err := c.sink.Write(mix); err != nil {
			c.warnSink.Do(func() {
				slog.Warn("playback: sink write failed", "err", err)
			})
		}
	}
	for _, fn := range taps {
		fn(mix)
	}
	for _, s := range ended {
		if s.onEnded != nil {
			s.onEnded()
		}
	}
	return true
}

// Run renders in real time until ctx is cancelled or the context is closed.
// When the loop falls behind it renders up to a bounded number of extra quanta
// per tick to catch up with wall-clock time.
func (c *Context) Run(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.runWG.Add(1)
	c.mu.Unlock()
	defer c.runWG.Done()

	ticker := time.NewTicker(c.quantum)
	defer ticker.Stop()

	began := time.Now()
	var rendered int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
		}
		due := int64(time.Since(began) / c.quantum)
		for i := 0; rendered < due && i < maxCatchUp; i++ {
			if !c.Render() {
				return
			}
			rendered++
		}
		// Drop what could not be caught up so the clock does not burst later.
		if rendered < due {
			rendered = due
		}
	}
}

// Close stops the render loop, discards all sources and closes the sink.
// It is safe to call multiple times.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for _, s := range c.sources {
			s.stopped = true
		}
		c.sources = nil
		c.taps = make(map[uint64]func([]float32))
		c.mu.Unlock()

		close(c.done)
		c.runWG.Wait()
		if c.sink != nil {
			err = c.sink.Close()
		}
	})
	return err
}

func (c *Context) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames * int64(time.Second) / int64(c.rate))
}

func (c *Context) durationToFrames(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return (int64(d)*int64(c.rate) + int64(time.Second)/2) / int64(time.Second)
}

// source is one buffer started on a [Context].
type source struct {
	ctx     *Context
	data    []float32
	start   int64 // absolute start frame
	pos     int   // next sample to render
	onEnded func()
	stopped bool // guarded by ctx.mu
}

func (s *source) Stop() {
	c := s.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for i, other := range c.sources {
		if other == s {
			c.sources = append(c.sources[:i], c.sources[i+1:]...)
			break
		}
	}
}
