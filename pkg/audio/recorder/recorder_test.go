package recorder_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/tutorcall/pkg/artifact"
	"github.com/MrWong99/tutorcall/pkg/audio"
	"github.com/MrWong99/tutorcall/pkg/audio/recorder"
)

func fill(v float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// readRecording returns the PCM samples of a stored WAV artifact.
func readRecording(t *testing.T, s artifact.Store, a *artifact.Artifact) []int16 {
	t.Helper()
	_, rc, err := s.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(raw) < 44 || string(raw[:4]) != "RIFF" {
		t.Fatalf("not a WAV file (%d bytes)", len(raw))
	}
	pcm := raw[44:]
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func TestMixer_IgnoresWritesOutsideRecording(t *testing.T) {
	t.Parallel()
	m := recorder.New(nil)
	m.WriteAI(fill(0.5, 100))
	m.WriteMic(fill(0.5, 100), audio.PlaybackRate)
	if m.Duration() != 0 {
		t.Errorf("Duration = %v before Start", m.Duration())
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.Recording() {
		t.Fatal("Recording = false after Start")
	}
	if _, err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	m.WriteAI(fill(0.5, 100))
	if m.Duration() != 0 {
		t.Errorf("Duration = %v after Stop", m.Duration())
	}
	if err := m.Start(); !errors.Is(err, recorder.ErrStopped) {
		t.Errorf("Start after Stop: err = %v, want ErrStopped", err)
	}
}

func TestMixer_SumsBothDirections(t *testing.T) {
	t.Parallel()
	store := artifact.NewMemoryStore()
	m := recorder.New(store)
	_ = m.Start()

	m.WriteMic(fill(0.25, 100), audio.PlaybackRate)
	m.WriteAI(fill(0.25, 200))

	a, err := m.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	samples := readRecording(t, store, a)
	if len(samples) != 200 {
		t.Fatalf("got %d samples, want 200", len(samples))
	}
	if samples[0] != 16383 { // 0.5 quantised
		t.Errorf("mixed sample = %d, want 16383", samples[0])
	}
	if samples[150] != 8191 { // AI only: 0.25
		t.Errorf("AI-only sample = %d, want 8191", samples[150])
	}
}

func TestMixer_ClampsSum(t *testing.T) {
	t.Parallel()
	store := artifact.NewMemoryStore()
	m := recorder.New(store)
	_ = m.Start()
	m.WriteMic(fill(0.8, 10), audio.PlaybackRate)
	m.WriteAI(fill(0.8, 10))
	a, _ := m.Stop(context.Background())
	for i, s := range readRecording(t, store, a) {
		if s != 32767 {
			t.Fatalf("sample %d = %d, want clamp at 32767", i, s)
		}
	}
}

func TestMixer_MicOnlyStaysContinuous(t *testing.T) {
	t.Parallel()
	m := recorder.New(nil, recorder.WithMaxMicBacklog(100*time.Millisecond))
	_ = m.Start()
	// Two seconds of mic at 16 kHz with no playback tap at all.
	for range 20 {
		m.WriteMic(fill(0.1, 1600), audio.CaptureRate)
	}
	// Everything beyond the 100 ms backlog has been committed already.
	if d := m.Duration(); d < 1850*time.Millisecond || d > 1950*time.Millisecond {
		t.Errorf("Duration = %v, want ~1.9s", d)
	}
	a, err := m.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Duration < 1990*time.Millisecond || a.Duration > 2*time.Second {
		t.Errorf("artifact duration = %v, want ~2s", a.Duration)
	}
}

func TestMixer_StopIdempotent(t *testing.T) {
	t.Parallel()
	m := recorder.New(nil)
	_ = m.Start()
	m.WriteAI(fill(0.1, audio.PlaybackRate/2))

	first, err := m.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if first.MIMEType != audio.WAVMIMEType || first.Duration != 500*time.Millisecond {
		t.Errorf("artifact = %+v", first)
	}
	if first.Size != 44+int64(audio.PlaybackRate) {
		t.Errorf("Size = %d", first.Size)
	}
	second, err := m.Stop(context.Background())
	if err != nil || second == nil || second.ID != first.ID {
		t.Errorf("second Stop = %+v, %v; want same artifact", second, err)
	}
	if m.Artifact().ID != first.ID {
		t.Error("Artifact() differs from Stop result")
	}
	if m.Recording() {
		t.Error("Recording = true after Stop")
	}
}

func TestMixer_ConcurrentStop(t *testing.T) {
	t.Parallel()
	store := artifact.NewMemoryStore()
	m := recorder.New(store)
	_ = m.Start()
	m.WriteAI(fill(0.1, 480))

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Go(func() {
			a, err := m.Stop(context.Background())
			if err == nil && a != nil {
				ids[i] = a.ID
			}
		})
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] || id == "" {
			t.Fatalf("concurrent Stop produced ids %v", ids)
		}
	}
	if store.Len() != 1 {
		t.Errorf("store holds %d artifacts, want 1", store.Len())
	}
}

type failingStore struct{ artifact.Store }

func (failingStore) Put(context.Context, artifact.Artifact, []byte) (artifact.Artifact, error) {
	return artifact.Artifact{}, errors.New("disk full")
}

func TestMixer_StoreFailure(t *testing.T) {
	t.Parallel()
	m := recorder.New(failingStore{})
	_ = m.Start()
	if _, err := m.Stop(context.Background()); err == nil {
		t.Fatal("expected store error")
	}
	if a, err := m.Stop(context.Background()); a != nil || err != nil {
		t.Errorf("second Stop = %v, %v; want nil, nil", a, err)
	}
}
