package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// PCM16ToFloat32 converts little-endian int16 PCM to floating-point samples in
// [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// Float32ToPCM16 converts floating-point samples to little-endian int16 PCM.
// Unlike [EncodeOutbound] it never fails: non-finite samples become silence.
// Use it for locally produced audio (speaker output, recordings) where a bad
// sample must not abort the stream.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if f := float64(s); math.IsNaN(f) || math.IsInf(f, 0) {
			s = 0
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

// Resampler converts a continuous mono stream from one sample rate to another
// using linear interpolation. Unlike a block-wise resampler it carries the
// fractional read position and the last input sample across calls, so block
// boundaries produce no discontinuities.
//
// A Resampler belongs to a single stream and is not safe for concurrent use.
type Resampler struct {
	src, dst int
	step     float64
	pos      float64
	prev     float32
	primed   bool
	warned   sync.Once
}

// NewResampler returns a Resampler from srcRate to dstRate. Non-positive rates
// produce a pass-through resampler.
func NewResampler(srcRate, dstRate int) *Resampler {
	r := &Resampler{src: srcRate, dst: dstRate}
	if srcRate > 0 && dstRate > 0 {
		r.step = float64(srcRate) / float64(dstRate)
	}
	return r
}

// Rates returns the source and destination sample rates.
func (r *Resampler) Rates() (src, dst int) { return r.src, r.dst }

// Process resamples the next block of the stream. When the rates match, or are
// invalid, the input slice is returned unchanged.
func (r *Resampler) Process(in []float32) []float32 {
	if r.step == 0 || r.src == r.dst {
		if r.src != r.dst {
			r.warned.Do(func() {
				slog.Warn("audio resampler: invalid rates, passing through",
					"from", formatString(r.src, 1),
					"to", formatString(r.dst, 1),
				)
			})
		}
		return in
	}
	n := len(in)
	if n == 0 {
		return nil
	}
	if !r.primed {
		r.prev = in[0]
		r.primed = true
	}

	at := func(i int) float32 {
		if i < 0 {
			return r.prev
		}
		return in[i]
	}

	out := make([]float32, 0, int(float64(n)/r.step)+2)
	t := r.pos
	for ; t < float64(n-1); t += r.step {
		i := int(math.Floor(t))
		frac := float32(t - float64(i))
		s0, s1 := at(i), at(i+1)
		out = append(out, s0+(s1-s0)*frac)
	}
	r.pos = t - float64(n)
	r.prev = in[n-1]
	return out
}

// Reset discards the carried stream state.
func (r *Resampler) Reset() {
	r.pos = 0
	r.prev = 0
	r.primed = false
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
