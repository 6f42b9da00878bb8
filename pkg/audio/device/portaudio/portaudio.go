//go:build portaudio

// Package portaudio implements [device.Input] and [device.Output] on the
// native PortAudio library. Build with -tags portaudio; it requires cgo and
// the PortAudio development headers.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/tutorcall/pkg/audio"
	"github.com/MrWong99/tutorcall/pkg/audio/device"
)

// Compile-time interface assertions.
var (
	_ device.Input  = (*Device)(nil)
	_ device.Output = (*Device)(nil)
)

// DefaultFramesPerBuffer is the block size used for both directions.
const DefaultFramesPerBuffer = 1024

// Device opens the host's default input and output devices. PortAudio is
// initialised lazily on first use and terminated by [Device.Close].
type Device struct {
	rate   int
	frames int

	mu     sync.Mutex
	inited bool
	opened int
}

// New creates a PortAudio device. captureRate is the rate the microphone is
// opened at; zero selects [audio.CaptureRate].
func New(captureRate, framesPerBuffer int) *Device {
	if captureRate <= 0 {
		captureRate = audio.CaptureRate
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	return &Device{rate: captureRate, frames: framesPerBuffer}
}

func (d *Device) acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inited {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: %w: initialize: %v", device.ErrUnavailable, err)
		}
		d.inited = true
	}
	d.opened++
	return nil
}

func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened--
}

// Close terminates PortAudio once no streams remain open.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inited || d.opened > 0 {
		return nil
	}
	d.inited = false
	return portaudio.Terminate()
}

// OpenInput implements [device.Input].
func (d *Device) OpenInput(ctx context.Context, cb func([]float32)) (device.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.acquire(); err != nil {
		return nil, err
	}
	buf := make([]float32, d.frames)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(d.rate), len(buf), buf)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("portaudio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		d.release()
		return nil, fmt.Errorf("portaudio: start input: %w", err)
	}

	s := &inputStream{
		dev:    d,
		stream: stream,
		rate:   d.rate,
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		errc:   make(chan error, 1),
	}
	go s.readLoop(buf, cb)
	return s, nil
}

// readLoop blocks in stream.Read, which returns once per buffer at the
// device's pace.
func (s *inputStream) readLoop(buf []float32, cb func([]float32)) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			select {
			case <-s.stop:
			default:
				slog.Warn("portaudio: capture read failed", "err", err)
				s.errc <- fmt.Errorf("portaudio: %w: read: %v", device.ErrLost, err)
			}
			return
		}
		cb(buf)
	}
}

type inputStream struct {
	dev    *Device
	stream *portaudio.Stream
	rate   int
	stop   chan struct{}
	done   chan struct{}
	errc   chan error
	once   sync.Once
}

func (s *inputStream) SampleRate() int { return s.rate }

func (s *inputStream) Err() <-chan error { return s.errc }

func (s *inputStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.stream.Stop()
		<-s.done
		if cerr := s.stream.Close(); err == nil {
			err = cerr
		}
		s.dev.release()
	})
	return err
}

// OpenOutput implements [device.Output].
func (d *Device) OpenOutput(_ context.Context, rate int) (device.OutputStream, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}
	buf := make([]float32, d.frames)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), len(buf), buf)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		d.release()
		return nil, fmt.Errorf("portaudio: start output: %w", err)
	}
	return &outputStream{dev: d, stream: stream, buf: buf, rate: rate, errc: make(chan error, 1)}, nil
}

type outputStream struct {
	dev  *Device
	rate int
	errc chan error

	mu      sync.Mutex
	stream  *portaudio.Stream
	buf     []float32
	pending []float32
	closed  bool
}

func (s *outputStream) SampleRate() int { return s.rate }

func (s *outputStream) Err() <-chan error { return s.errc }

// Write buffers samples and writes every complete block to the device.
func (s *outputStream) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("portaudio: output closed")
	}
	s.pending = append(s.pending, samples...)
	for len(s.pending) >= len(s.buf) {
		copy(s.buf, s.pending[:len(s.buf)])
		s.pending = s.pending[len(s.buf):]
		if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			err = fmt.Errorf("portaudio: %w: write: %v", device.ErrLost, err)
			select {
			case s.errc <- err:
			default:
			}
			return err
		}
	}
	return nil
}

func (s *outputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	s.dev.release()
	return err
}
