package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrNonFinite is returned by [EncodeOutbound] when a sample is NaN or ±Inf.
var ErrNonFinite = errors.New("audio: non-finite sample")

// ErrMisalignedFrame is returned by [DecodeInbound] when the payload length is
// not a whole number of sample frames.
var ErrMisalignedFrame = errors.New("audio: payload is not a multiple of the frame size")

// DecodeError describes a malformed inbound payload. It wraps the underlying
// cause so callers can match it with [errors.Is].
type DecodeError struct {
	Len      int
	Channels int
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %d bytes (%d ch): %v", e.Len, e.Channels, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeOutbound converts floating-point samples to little-endian 16-bit PCM.
// Samples are clamped to [-1, 1]; negative values scale by 32768 and positive
// values by 32767 so that both extremes are representable. A NaN or infinite
// sample yields [ErrNonFinite] and no output.
func EncodeOutbound(samples []float32) ([]byte, error) {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		f := float64(s)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w at index %d", ErrNonFinite, i)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out, nil
}

// EncodeOutboundBlob encodes samples captured at rate into a wire [Blob].
func EncodeOutboundBlob(samples []float32, rate int) (Blob, error) {
	pcm, err := EncodeOutbound(samples)
	if err != nil {
		return Blob{}, err
	}
	return Blob{Data: pcm, MIMEType: PCMMIMEType(rate)}, nil
}

// DecodeInbound reconstructs a playable [Buffer] from interleaved 16-bit PCM.
// The buffer holds len(wire)/(2*channels) frames at sampleRate. Each sample is
// de-quantised as int16/32768, so the result lies in [-1, 1).
func DecodeInbound(wire []byte, sampleRate, channels int) (*Buffer, error) {
	if channels <= 0 {
		return nil, &DecodeError{Len: len(wire), Channels: channels, Err: errors.New("channel count must be positive")}
	}
	if sampleRate <= 0 {
		return nil, &DecodeError{Len: len(wire), Channels: channels, Err: errors.New("sample rate must be positive")}
	}
	frameSize := 2 * channels
	if len(wire)%frameSize != 0 {
		return nil, &DecodeError{Len: len(wire), Channels: channels, Err: ErrMisalignedFrame}
	}

	frames := len(wire) / frameSize
	buf := NewBuffer(sampleRate, channels, frames)
	for i := range frames {
		for ch := range channels {
			off := (i*channels + ch) * 2
			v := int16(binary.LittleEndian.Uint16(wire[off:]))
			buf.Channels[ch][i] = float32(v) / 32768
		}
	}
	return buf, nil
}

// EncodeBase64 returns the base64 wire form of a PCM payload.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 parses the base64 wire form of a PCM payload.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return b, nil
}

func quantize(s float32) int16 {
	switch {
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}
