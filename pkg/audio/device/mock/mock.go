// Package mock provides in-memory implementations of the device interfaces
// for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tutorcall/pkg/audio"
	"github.com/MrWong99/tutorcall/pkg/audio/device"
)

// Compile-time interface assertions.
var (
	_ device.Input  = (*Input)(nil)
	_ device.Output = (*Output)(nil)
)

// Input is a controllable microphone. Tests feed audio with [Input.Push].
type Input struct {
	// Rate is the reported sample rate. Zero means [audio.CaptureRate].
	Rate int

	// OpenErr, when non-nil, is returned by OpenInput.
	OpenErr error

	// BindContext closes the stream when the OpenInput ctx ends, like a
	// backend that ties its process to that context.
	BindContext bool

	mu     sync.Mutex
	cb     func([]float32)
	cur    *inputStream
	opens  int
	closes int
}

// OpenInput implements [device.Input].
func (m *Input) OpenInput(ctx context.Context, cb func([]float32)) (device.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	m.opens++
	m.cb = cb
	s := &inputStream{m: m, errc: make(chan error, 1)}
	m.cur = s
	if m.BindContext {
		context.AfterFunc(ctx, func() { _ = s.Close() })
	}
	return s, nil
}

// Fail reports err on the open stream, as a backend does when the device is
// lost. It is a no-op when no stream is open.
func (m *Input) Fail(err error) {
	m.mu.Lock()
	s := m.cur
	m.mu.Unlock()
	if s != nil {
		s.fail(err)
	}
}

// Push delivers samples to the open stream's callback. It is a no-op when no
// stream is open.
func (m *Input) Push(samples []float32) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

// Opens returns how many times OpenInput succeeded.
func (m *Input) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Closes returns how many streams were closed.
func (m *Input) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// IsOpen reports whether a stream is currently open.
func (m *Input) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cb != nil
}

func (m *Input) rate() int {
	if m.Rate > 0 {
		return m.Rate
	}
	return audio.CaptureRate
}

type inputStream struct {
	m    *Input
	errc chan error
	once sync.Once
}

func (s *inputStream) SampleRate() int { return s.m.rate() }

func (s *inputStream) Err() <-chan error { return s.errc }

func (s *inputStream) fail(err error) {
	select {
	case s.errc <- err:
	default:
	}
}

func (s *inputStream) Close() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		if s.m.cur == s {
			s.m.cb = nil
			s.m.cur = nil
		}
		s.m.closes++
		s.m.mu.Unlock()
	})
	return nil
}

// Output records everything written to it.
type Output struct {
	// OpenErr, when non-nil, is returned by OpenOutput.
	OpenErr error

	// BindContext makes the stream reject writes once the OpenOutput ctx
	// ends.
	BindContext bool

	mu      sync.Mutex
	samples []float32
	rate    int
	cur     *outputStream
	opens   int
	closes  int
}

// OpenOutput implements [device.Output].
func (m *Output) OpenOutput(ctx context.Context, rate int) (device.OutputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	m.opens++
	m.rate = rate
	s := &outputStream{m: m, errc: make(chan error, 1)}
	if m.BindContext {
		s.bound = ctx
	}
	m.cur = s
	return s, nil
}

// Fail reports err on the open stream. It is a no-op when no stream is open.
func (m *Output) Fail(err error) {
	m.mu.Lock()
	s := m.cur
	m.mu.Unlock()
	if s != nil {
		select {
		case s.errc <- err:
		default:
		}
	}
}

// Samples returns a copy of all samples written so far.
func (m *Output) Samples() []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float32(nil), m.samples...)
}

// Closes returns how many streams were closed.
func (m *Output) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

type outputStream struct {
	m     *Output
	errc  chan error
	bound context.Context
	once  sync.Once
}

func (s *outputStream) Err() <-chan error { return s.errc }

func (s *outputStream) SampleRate() int {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.rate
}

func (s *outputStream) Write(samples []float32) error {
	if s.bound != nil && s.bound.Err() != nil {
		return s.bound.Err()
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.samples = append(s.m.samples, samples...)
	return nil
}

func (s *outputStream) Close() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		if s.m.cur == s {
			s.m.cur = nil
		}
		s.m.closes++
		s.m.mu.Unlock()
	})
	return nil
}
