// Package audio holds the sample-level building blocks of the tutorcall audio
// engine: decoded buffers, the 16-bit PCM wire codec, sample-rate conversion,
// loudness measurement and WAV encoding.
//
// Everything in this package is pure and allocation-explicit. Stateful
// components (capture, playback, recording) live in the sub-packages and
// build on these helpers.
package audio

import (
	"fmt"
	"mime"
	"strconv"
	"time"
)

// Well-known sample rates used by the Gemini Live audio protocol.
const (
	// CaptureRate is the outbound microphone rate expected by the remote service.
	CaptureRate = 16000

	// PlaybackRate is the rate of synthesised speech returned by the remote service.
	PlaybackRate = 24000
)

// Buffer is a decoded, playable block of floating-point audio. Channels holds
// one slice per channel; all channel slices have the same length.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// NewBuffer allocates a silent buffer with the given layout.
func NewBuffer(sampleRate, channels, length int) *Buffer {
	b := &Buffer{SampleRate: sampleRate, Channels: make([][]float32, channels)}
	for i := range b.Channels {
		b.Channels[i] = make([]float32, length)
	}
	return b
}

// NumChannels returns the number of channels in the buffer.
func (b *Buffer) NumChannels() int { return len(b.Channels) }

// Length returns the number of sample frames per channel.
func (b *Buffer) Length() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback duration of the buffer at its sample rate.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Length()) * int64(time.Second) / int64(b.SampleRate))
}

// Mono returns a single-channel view of the buffer. A mono buffer returns its
// only channel without copying; multi-channel buffers are averaged.
func (b *Buffer) Mono() []float32 {
	switch len(b.Channels) {
	case 0:
		return nil
	case 1:
		return b.Channels[0]
	}
	n := b.Length()
	out := make([]float32, n)
	scale := 1 / float32(len(b.Channels))
	for _, ch := range b.Channels {
		for i, s := range ch {
			out[i] += s * scale
		}
	}
	return out
}

// Blob is an encoded audio payload as exchanged with the remote service.
type Blob struct {
	// Data is little-endian 16-bit PCM.
	Data []byte

	// MIMEType describes Data, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// PCMMIMEType returns the MIME type for raw 16-bit PCM at rate.
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// ParsePCMRate extracts the rate parameter from a PCM MIME type such as
// "audio/pcm;rate=24000". It reports false when the type is not PCM or carries
// no usable rate.
func ParsePCMRate(mimeType string) (int, bool) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil || (mediaType != "audio/pcm" && mediaType != "audio/l16") {
		return 0, false
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}
