package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/tutorcall/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestEncodeOutbound_Quantization(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"full positive", 1, 32767},
		{"full negative", -1, -32768},
		{"half positive", 0.5, 16383},
		{"half negative", -0.5, -16384},
		{"clamp above", 1.7, 32767},
		{"clamp below", -3, -32768},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pcm, err := audio.EncodeOutbound([]float32{tt.in})
			if err != nil {
				t.Fatalf("EncodeOutbound: %v", err)
			}
			got := bytesToSamples(pcm)
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("EncodeOutbound(%v) = %v, want [%d]", tt.in, got, tt.want)
			}
		})
	}
}

func TestEncodeOutbound_RejectsNonFinite(t *testing.T) {
	t.Parallel()
	for _, v := range []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))} {
		pcm, err := audio.EncodeOutbound([]float32{0, 0.1, v})
		if !errors.Is(err, audio.ErrNonFinite) {
			t.Errorf("EncodeOutbound(%v): err = %v, want ErrNonFinite", v, err)
		}
		if pcm != nil {
			t.Errorf("EncodeOutbound(%v): expected no output on error", v)
		}
	}
}

func TestEncodeOutbound_Deterministic(t *testing.T) {
	t.Parallel()
	in := []float32{0.25, -0.75, 0.001, -0.999}
	a, _ := audio.EncodeOutbound(in)
	b, _ := audio.EncodeOutbound(in)
	if string(a) != string(b) {
		t.Error("EncodeOutbound is not deterministic")
	}
}

func TestEncodeOutboundBlob_MIMEType(t *testing.T) {
	t.Parallel()
	blob, err := audio.EncodeOutboundBlob(make([]float32, 8), audio.CaptureRate)
	if err != nil {
		t.Fatalf("EncodeOutboundBlob: %v", err)
	}
	if blob.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", blob.MIMEType)
	}
	if len(blob.Data) != 16 {
		t.Errorf("len(Data) = %d, want 16", len(blob.Data))
	}
}

func TestSilentFrameRoundTrip(t *testing.T) {
	t.Parallel()
	frame := make([]float32, 4096)
	pcm, err := audio.EncodeOutbound(frame)
	if err != nil {
		t.Fatalf("EncodeOutbound: %v", err)
	}
	buf, err := audio.DecodeInbound(pcm, audio.CaptureRate, 1)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if buf.Length() != len(frame) {
		t.Fatalf("Length = %d, want %d", buf.Length(), len(frame))
	}
	for i, s := range buf.Channels[0] {
		if s != 0 {
			t.Fatalf("sample %d = %v, want 0", i, s)
		}
	}
}

func TestRoundTrip_WithinQuantization(t *testing.T) {
	t.Parallel()
	in := make([]float32, 512)
	for i := range in {
		in[i] = float32(math.Sin(float64(i) * 0.05))
	}
	pcm, _ := audio.EncodeOutbound(in)
	buf, err := audio.DecodeInbound(pcm, audio.PlaybackRate, 1)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	const tolerance = 1.0 / 16384
	for i, s := range buf.Channels[0] {
		if d := math.Abs(float64(s - in[i])); d > tolerance {
			t.Fatalf("sample %d: got %v, want %v (diff %v)", i, s, in[i], d)
		}
	}
}

func TestDecodeInbound_SizesByChannelCount(t *testing.T) {
	t.Parallel()
	// Two stereo frames: L=16384,R=-16384 and L=0,R=32767.
	wire := samplesToBytes([]int16{16384, -16384, 0, 32767})
	buf, err := audio.DecodeInbound(wire, audio.PlaybackRate, 2)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if buf.NumChannels() != 2 || buf.Length() != 2 {
		t.Fatalf("layout = %dch x %d, want 2ch x 2", buf.NumChannels(), buf.Length())
	}
	if buf.Channels[0][0] != 0.5 || buf.Channels[1][0] != -0.5 {
		t.Errorf("frame 0 = (%v, %v), want (0.5, -0.5)", buf.Channels[0][0], buf.Channels[1][0])
	}
	if buf.SampleRate != audio.PlaybackRate {
		t.Errorf("SampleRate = %d", buf.SampleRate)
	}
}

func TestDecodeInbound_Duration(t *testing.T) {
	t.Parallel()
	// 12000 mono samples at 24 kHz is exactly half a second.
	buf, err := audio.DecodeInbound(make([]byte, 24000), audio.PlaybackRate, 1)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if got := buf.Duration().Seconds(); got != 0.5 {
		t.Errorf("Duration = %vs, want 0.5s", got)
	}
}

func TestDecodeInbound_Misaligned(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		n        int
		channels int
	}{
		{"odd mono", 3, 1},
		{"stereo partial frame", 6, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.DecodeInbound(make([]byte, tt.n), audio.PlaybackRate, tt.channels)
			if !errors.Is(err, audio.ErrMisalignedFrame) {
				t.Fatalf("err = %v, want ErrMisalignedFrame", err)
			}
			var de *audio.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err %T is not a *DecodeError", err)
			}
		})
	}
}

func TestDecodeInbound_InvalidLayout(t *testing.T) {
	t.Parallel()
	if _, err := audio.DecodeInbound(make([]byte, 4), 0, 1); err == nil {
		t.Error("expected error for zero sample rate")
	}
	if _, err := audio.DecodeInbound(make([]byte, 4), audio.PlaybackRate, 0); err == nil {
		t.Error("expected error for zero channels")
	}
}

func TestBase64RoundTrip(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, -2, 300, -32768})
	got, err := audio.DecodeBase64(audio.EncodeBase64(pcm))
	if err != nil {
		t.Fatalf("DecodeBase64: %v", err)
	}
	if string(got) != string(pcm) {
		t.Error("base64 round trip mismatch")
	}
	if _, err := audio.DecodeBase64("!!not base64!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestParsePCMRate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{"audio/pcm;rate=24000", 24000, true},
		{"audio/pcm; rate=16000", 16000, true},
		{"audio/L16;rate=8000", 8000, true},
		{"audio/pcm", 0, false},
		{"audio/wav", 0, false},
		{"audio/pcm;rate=abc", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := audio.ParsePCMRate(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParsePCMRate(%q) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
