// Package capture turns a live microphone signal into outbound wire frames.
//
// A [Pipeline] receives device blocks through [Pipeline.Push], resamples them
// to the transport rate, cuts them into fixed-size frames and measures their
// loudness. Frames are forwarded to a [Sender] only while the gate is open;
// before the transport is ready, and whenever the send queue is full, frames
// are dropped and counted. Push never blocks the device goroutine.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/tutorcall/pkg/audio"
)

const (
	// DefaultFrameSize is the number of samples per outbound frame.
	DefaultFrameSize = 4096

	// DefaultQueueDepth is the number of frames buffered between Push and the
	// sender goroutine.
	DefaultQueueDepth = 4
)

// ErrStopped is returned by [Pipeline.Open] after [Pipeline.Stop].
var ErrStopped = errors.New("capture: pipeline stopped")

// DropReason says why a frame was not transmitted.
type DropReason string

const (
	// DropGated means the gate was closed (transport not ready).
	DropGated DropReason = "gated"

	// DropQueueFull means the sender fell behind the device clock.
	DropQueueFull DropReason = "queue_full"

	// DropEncode means the frame could not be encoded (non-finite samples).
	DropEncode DropReason = "encode"

	// DropSend means the transport rejected the frame.
	DropSend DropReason = "send"
)

// Sender transmits encoded frames. It is satisfied by an s2s session handle.
type Sender interface {
	SendAudio(blob audio.Blob) error
}

// Frame is one fixed-size block of resampled microphone audio.
type Frame struct {
	Samples    []float32
	SampleRate int
	Loudness   float64
	Seq        uint64
}

// Config configures a [Pipeline]. Zero values select the defaults.
type Config struct {
	// InputRate is the rate of the samples passed to Push.
	InputRate int

	// TargetRate is the outbound rate. Defaults to [audio.CaptureRate].
	TargetRate int

	// FrameSize is the number of samples per frame. Defaults to [DefaultFrameSize].
	FrameSize int

	// LoudnessGain scales the frame RMS before clamping. Defaults to
	// [audio.DefaultLoudnessGain].
	LoudnessGain float64

	// QueueDepth bounds the send queue. Defaults to [DefaultQueueDepth].
	QueueDepth int

	// OnFrame observes every produced frame, transmitted or not.
	OnFrame func(Frame)

	// OnLoudness receives the loudness of every produced frame.
	OnLoudness func(float64)

	// OnRaw receives every device block before resampling. Use it to tap the
	// raw microphone into a recording.
	OnRaw func(samples []float32, rate int)

	// OnDrop is called for every frame that was not transmitted.
	OnDrop func(DropReason)

	// OnError receives the first send error after each [Pipeline.Open].
	OnError func(error)
}

// Stats are cumulative frame counters.
type Stats struct {
	Produced uint64
	Sent     uint64
	Gated    uint64
	Dropped  uint64
}

// Pipeline is the capture pipeline. All exported methods are safe for
// concurrent use.
type Pipeline struct {
	cfg Config

	mu        sync.Mutex
	resampler *audio.Resampler
	acc       []float32
	seq       uint64
	queue     chan Frame
	stop      chan struct{}
	stopped   bool
	wg        sync.WaitGroup

	loudness atomic.Uint64 // math.Float64bits
	produced atomic.Uint64
	sent     atomic.Uint64
	gated    atomic.Uint64
	dropped  atomic.Uint64
}

// New returns a Pipeline with a closed gate.
func New(cfg Config) (*Pipeline, error) {
	if cfg.InputRate <= 0 {
		return nil, errors.New("capture: input rate must be positive")
	}
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = audio.CaptureRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.LoudnessGain <= 0 {
		cfg.LoudnessGain = audio.DefaultLoudnessGain
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return &Pipeline{
		cfg:       cfg,
		resampler: audio.NewResampler(cfg.InputRate, cfg.TargetRate),
		acc:       make([]float32, 0, cfg.FrameSize*2),
	}, nil
}

// Push accepts one device block. It is meant to be called from the device
// callback and never blocks on the transport.
func (p *Pipeline) Push(samples []float32) {
	if len(samples) == 0 {
		return
	}
	if p.cfg.OnRaw != nil {
		p.cfg.OnRaw(samples, p.cfg.InputRate)
	}

	p.mu.Lock()
	p.acc = append(p.acc, p.resampler.Process(samples)...)
	var frames []Frame
	for len(p.acc) >= p.cfg.FrameSize {
		f := Frame{
			Samples:    make([]float32, p.cfg.FrameSize),
			SampleRate: p.cfg.TargetRate,
			Seq:        p.seq,
		}
		copy(f.Samples, p.acc)
		p.seq++
		p.acc = append(p.acc[:0], p.acc[p.cfg.FrameSize:]...)
		f.Loudness = audio.Loudness(f.Samples, p.cfg.LoudnessGain)
		frames = append(frames, f)
	}
	queue := p.queue
	p.mu.Unlock()

	for _, f := range frames {
		p.produced.Add(1)
		p.loudness.Store(math.Float64bits(f.Loudness))
		if p.cfg.OnLoudness != nil {
			p.cfg.OnLoudness(f.Loudness)
		}
		if p.cfg.OnFrame != nil {
			p.cfg.OnFrame(f)
		}
		p.offer(queue, f)
	}
}

func (p *Pipeline) offer(queue chan Frame, f Frame) {
	if queue == nil {
		p.gated.Add(1)
		p.drop(DropGated)
		return
	}
	select {
	case queue <- f:
	default:
		p.dropped.Add(1)
		p.drop(DropQueueFull)
	}
}

func (p *Pipeline) drop(r DropReason) {
	if p.cfg.OnDrop != nil {
		p.cfg.OnDrop(r)
	}
}

// Open opens the gate and starts forwarding frames to s. Opening an already
// open pipeline is a no-op. Open after [Pipeline.Stop] returns [ErrStopped].
func (p *Pipeline) Open(s Sender) error {
	if s == nil {
		return errors.New("capture: nil sender")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.queue != nil {
		return nil
	}
	p.queue = make(chan Frame, p.cfg.QueueDepth)
	p.stop = make(chan struct{})
	p.wg.Add(1)
	go p.sendLoop(s, p.queue, p.stop)
	return nil
}

// IsOpen reports whether the gate is open.
func (p *Pipeline) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue != nil
}

// Stop closes the gate for good without waiting for the sender goroutine,
// which may still be inside SendAudio. Frames still queued are discarded.
// Stop is idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.queue == nil {
		return
	}
	close(p.stop)
	p.queue, p.stop = nil, nil
}

// Wait blocks until the sender goroutine has exited. Release the sender first
// if a SendAudio call can stall.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Close is Stop followed by Wait.
func (p *Pipeline) Close() {
	p.Stop()
	p.Wait()
}

// Reset clears the loudness, the resampler state and any partial frame.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.resampler.Reset()
	p.acc = p.acc[:0]
	p.mu.Unlock()
	p.loudness.Store(0)
}

// Loudness returns the loudness of the most recent frame.
func (p *Pipeline) Loudness() float64 {
	return math.Float64frombits(p.loudness.Load())
}

// Stats returns a snapshot of the frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Produced: p.produced.Load(),
		Sent:     p.sent.Load(),
		Gated:    p.gated.Load(),
		Dropped:  p.dropped.Load(),
	}
}

func (p *Pipeline) sendLoop(s Sender, queue <-chan Frame, stop <-chan struct{}) {
	defer p.wg.Done()
	var reported bool
	report := func(err error) {
		if reported {
			return
		}
		reported = true
		slog.Warn("capture: send failed", "err", err)
		if p.cfg.OnError != nil {
			p.cfg.OnError(err)
		}
	}
	for {
		select {
		case <-stop:
			return
		case f := <-queue:
			blob, err := audio.EncodeOutboundBlob(f.Samples, f.SampleRate)
			if err != nil {
				p.dropped.Add(1)
				p.drop(DropEncode)
				slog.Debug("capture: frame not encodable", "seq", f.Seq, "err", err)
				continue
			}
			if err := s.SendAudio(blob); err != nil {
				p.dropped.Add(1)
				p.drop(DropSend)
				report(fmt.Errorf("capture: send frame %d: %w", f.Seq, err))
				continue
			}
			p.sent.Add(1)
		}
	}
}
