// Package device defines the boundary between the audio engine and the host's
// sound hardware. Backends live in sub-packages: ffmpeg (external ffmpeg and
// ffplay processes), portaudio (native, built with the "portaudio" tag) and
// mock (tests).
package device

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when a backend cannot reach its hardware, e.g.
// the helper binary is missing or no default device exists.
var ErrUnavailable = errors.New("device: unavailable")

// ErrLost is wrapped by errors reported on Err when an open stream stops
// working, e.g. the device was unplugged or its helper process exited.
var ErrLost = errors.New("device: lost")

// InputStream is an open microphone.
type InputStream interface {
	// SampleRate reports the rate of the samples passed to the callback.
	SampleRate() int

	// Err receives at most one error if the stream fails while open. Nothing
	// is sent after Close.
	Err() <-chan error

	// Close releases the microphone. After Close returns the callback is not
	// invoked again. Close is idempotent.
	Close() error
}

// Input opens microphones.
type Input interface {
	// OpenInput starts capturing mono audio. cb receives consecutive blocks of
	// samples in [-1, 1] on a goroutine owned by the stream, paced by the
	// device clock. cb must not block for long and must not retain the slice.
	// ctx bounds opening only; the stream lives until Close.
	OpenInput(ctx context.Context, cb func(samples []float32)) (InputStream, error)
}

// OutputStream is an open speaker.
type OutputStream interface {
	SampleRate() int

	// Write queues mono samples for playback.
	Write(samples []float32) error

	// Err receives at most one error if the stream fails while open.
	Err() <-chan error

	// Close releases the speaker. Close is idempotent.
	Close() error
}

// Output opens speakers.
type Output interface {
	// OpenOutput opens a mono speaker stream at rate. ctx bounds opening
	// only; the stream lives until Close.
	OpenOutput(ctx context.Context, rate int) (OutputStream, error)
}
