package audio

import "math"

// DefaultLoudnessGain is the multiplier applied to the RMS of a frame before
// clamping. It is an empirical value tuned so that normal speech fills most of
// the [0, 1] range; it is not a physical constant and can be overridden.
const DefaultLoudnessGain = 5.0

// RMS returns the root-mean-square amplitude of samples. An empty slice yields 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Loudness maps a frame to a bounded volume scalar: min(rms*gain, 1).
// Non-positive gains fall back to [DefaultLoudnessGain].
func Loudness(samples []float32, gain float64) float64 {
	if gain <= 0 {
		gain = DefaultLoudnessGain
	}
	v := RMS(samples) * gain
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(v, 1)
}
