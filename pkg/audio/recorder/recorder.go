// Package recorder mixes both directions of a call into a single recording.
//
// The [Mixer] owns one mono bus at the playback rate. The playback tap
// ([Mixer.WriteAI]) drives the bus clock: for every block that reached the
// speaker it pulls the same number of microphone samples from a FIFO and sums
// them. The microphone ([Mixer.WriteMic]) only fills the FIFO; when no
// playback is rendering, a bounded backlog is mixed against silence so the
// recording never stalls.
package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/tutorcall/pkg/artifact"
	"github.com/MrWong99/tutorcall/pkg/audio"
)

// DefaultMaxMicBacklog is the amount of microphone audio held while waiting
// for the playback clock.
const DefaultMaxMicBacklog = time.Second

// ErrStopped is returned by [Mixer.Start] after the mixer has been stopped.
var ErrStopped = errors.New("recorder: already stopped")

type state int

const (
	stateIdle state = iota
	stateRecording
	stateStopped
)

// Option configures a [Mixer].
type Option func(*Mixer)

// WithSampleRate sets the bus rate. Defaults to [audio.PlaybackRate].
func WithSampleRate(rate int) Option {
	return func(m *Mixer) {
		if rate > 0 {
			m.rate = rate
		}
	}
}

// WithMaxMicBacklog bounds the microphone FIFO. Defaults to
// [DefaultMaxMicBacklog].
func WithMaxMicBacklog(d time.Duration) Option {
	return func(m *Mixer) {
		if d > 0 {
			m.backlog = d
		}
	}
}

// Mixer is the recording mixer. A Mixer records exactly once: Start, any
// number of writes, then Stop.
//
// All exported methods are safe for concurrent use.
type Mixer struct {
	store   artifact.Store
	rate    int
	backlog time.Duration

	mu         sync.Mutex
	state      state
	mic        []float32
	resamplers map[int]*audio.Resampler
	segments   [][]byte
	frames     int64

	art *artifact.Artifact

	stopMu sync.Mutex // serialises Stop
}

// New creates a Mixer that finalises into store. A nil store keeps the
// recording in a private [artifact.MemoryStore].
func New(store artifact.Store, opts ...Option) *Mixer {
	if store == nil {
		store = artifact.NewMemoryStore()
	}
	m := &Mixer{
		store:      store,
		rate:       audio.PlaybackRate,
		backlog:    DefaultMaxMicBacklog,
		resamplers: make(map[int]*audio.Resampler),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SampleRate returns the bus rate.
func (m *Mixer) SampleRate() int { return m.rate }

// Start begins recording. Starting twice is a no-op.
func (m *Mixer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case stateStopped:
		return ErrStopped
	case stateIdle:
		m.state = stateRecording
	}
	return nil
}

// Recording reports whether the mixer is between Start and Stop.
func (m *Mixer) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateRecording
}

// WriteAI appends one block of rendered playback, mixed with the same amount
// of queued microphone audio. Samples must be at the bus rate.
func (m *Mixer) WriteAI(samples []float32) {
	if len(samples) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateRecording {
		return
	}
	out := make([]float32, len(samples))
	n := min(len(samples), len(m.mic))
	for i, s := range samples {
		if i < n {
			s += m.mic[i]
		}
		out[i] = clamp(s)
	}
	m.mic = append(m.mic[:0], m.mic[n:]...)
	m.appendLocked(out)
}

// WriteMic queues raw microphone samples captured at rate.
func (m *Mixer) WriteMic(samples []float32, rate int) {
	if len(samples) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateRecording {
		return
	}
	r, ok := m.resamplers[rate]
	if !ok {
		r = audio.NewResampler(rate, m.rate)
		m.resamplers[rate] = r
	}
	m.mic = append(m.mic, r.Process(samples)...)

	limit := int(int64(m.backlog) * int64(m.rate) / int64(time.Second))
	if excess := len(m.mic) - limit; excess > 0 {
		m.flushMicLocked(excess)
	}
}

// flushMicLocked mixes the oldest n queued microphone samples against silence.
func (m *Mixer) flushMicLocked(n int) {
	out := make([]float32, n)
	for i := range out {
		out[i] = clamp(m.mic[i])
	}
	m.mic = append(m.mic[:0], m.mic[n:]...)
	m.appendLocked(out)
}

func (m *Mixer) appendLocked(mixed []float32) {
	m.segments = append(m.segments, audio.Float32ToPCM16(mixed))
	m.frames += int64(len(mixed))
}

// Duration returns the length of audio recorded so far.
func (m *Mixer) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durationLocked()
}

func (m *Mixer) durationLocked() time.Duration {
	return time.Duration(m.frames * int64(time.Second) / int64(m.rate))
}

// Stop finalises the recording: queued microphone audio is flushed, the
// segments are concatenated in order into a WAV file and stored. The first
// call returns the new artifact. Later calls return the same artifact and a
// nil error. Stopping a mixer that never started stores an empty recording.
func (m *Mixer) Stop(ctx context.Context) (*artifact.Artifact, error) {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()

	m.mu.Lock()
	if m.state == stateStopped {
		art := m.art
		m.mu.Unlock()
		return art, nil
	}
	m.state = stateStopped
	if len(m.mic) > 0 {
		m.flushMicLocked(len(m.mic))
	}
	segments := m.segments
	m.segments = nil
	duration := m.durationLocked()
	m.mu.Unlock()

	size := 0
	for _, s := range segments {
		size += len(s)
	}
	pcm := make([]byte, 0, size)
	for _, s := range segments {
		pcm = append(pcm, s...)
	}
	var wav bytes.Buffer
	wav.Grow(44 + len(pcm))
	if err := audio.EncodeWAV(&wav, pcm, m.rate, 1); err != nil {
		return nil, fmt.Errorf("recorder: encode: %w", err)
	}

	a, err := m.store.Put(ctx, artifact.Artifact{
		MIMEType: audio.WAVMIMEType,
		Duration: duration,
	}, wav.Bytes())
	if err != nil {
		return nil, fmt.Errorf("recorder: store: %w", err)
	}
	m.mu.Lock()
	m.art = &a
	m.mu.Unlock()
	return &a, nil
}

// Artifact returns the stored recording, or nil before a successful Stop.
func (m *Mixer) Artifact() *artifact.Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.art
}

func clamp(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	case s != s: // NaN
		return 0
	}
	return s
}
