package playback_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/tutorcall/pkg/audio"
	"github.com/MrWong99/tutorcall/pkg/audio/playback"
)

// recordSink collects everything written to it.
type recordSink struct {
	mu      sync.Mutex
	samples []float32
	closes  int
	err     error
}

func (r *recordSink) Write(s []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s...)
	return r.err
}

func (r *recordSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

func (r *recordSink) get() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float32(nil), r.samples...)
}

func constant(v float32, frames int) *audio.Buffer {
	b := audio.NewBuffer(audio.PlaybackRate, 1, frames)
	for i := range b.Channels[0] {
		b.Channels[0][i] = v
	}
	return b
}

func TestContext_ClockAdvancesPerQuantum(t *testing.T) {
	t.Parallel()
	c := playback.NewContext(nil)
	if c.QuantumFrames() != 480 {
		t.Fatalf("QuantumFrames = %d, want 480", c.QuantumFrames())
	}
	for range 10 {
		c.Render()
	}
	if got := c.CurrentTime(); got != 200*time.Millisecond {
		t.Errorf("CurrentTime = %v, want 200ms", got)
	}
}

func TestContext_SourcePlacement(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	c := playback.NewContext(sink)

	// Start 100 frames of 0.5 at frame 500, which straddles the first
	// quantum boundary (480).
	at := time.Duration(500) * time.Second / audio.PlaybackRate
	c.Start(constant(0.5, 100), at, nil)
	for range 3 {
		c.Render()
	}

	out := sink.get()
	if len(out) != 3*480 {
		t.Fatalf("rendered %d samples, want %d", len(out), 3*480)
	}
	for i, s := range out {
		want := float32(0)
		if i >= 500 && i < 600 {
			want = 0.5
		}
		if s != want {
			t.Fatalf("sample %d = %v, want %v", i, s, want)
		}
	}
}

func TestContext_TapMatchesSink(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	c := playback.NewContext(sink)
	var tapped []float32
	remove := c.AddTap(func(s []float32) { tapped = append(tapped, s...) })

	c.Start(constant(0.25, 700), 0, nil)
	c.Render()
	c.Render()
	remove()
	c.Render()

	out := sink.get()
	if len(tapped) != 960 {
		t.Fatalf("tap got %d samples, want 960", len(tapped))
	}
	for i := range tapped {
		if tapped[i] != out[i] {
			t.Fatalf("tap and sink differ at %d", i)
		}
	}
}

func TestContext_OnEndedAndStop(t *testing.T) {
	t.Parallel()
	c := playback.NewContext(nil)
	var ended atomic.Int32
	c.Start(constant(0.1, 480), 0, func() { ended.Add(1) })
	stopped := c.Start(constant(0.1, 4800), 0, func() { ended.Add(100) })

	c.Render()
	if ended.Load() != 1 {
		t.Errorf("ended = %d after first quantum, want 1", ended.Load())
	}
	stopped.Stop()
	stopped.Stop()
	for range 20 {
		c.Render()
	}
	if ended.Load() != 1 {
		t.Errorf("stopped source invoked onEnded (ended=%d)", ended.Load())
	}
	if c.Active() != 0 {
		t.Errorf("Active = %d, want 0", c.Active())
	}
}

func TestContext_SumsOverlappingSources(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	c := playback.NewContext(sink)
	c.Start(constant(0.25, 480), 0, nil)
	c.Start(constant(0.5, 480), 0, nil)
	c.Render()
	if got := sink.get()[10]; got != 0.75 {
		t.Errorf("mixed sample = %v, want 0.75", got)
	}
}

func TestContext_ResamplesForeignRate(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	c := playback.NewContext(sink)
	buf := audio.NewBuffer(audio.CaptureRate, 1, 1600) // 100 ms at 16 kHz
	for i := range buf.Channels[0] {
		buf.Channels[0][i] = 0.5
	}
	var ended atomic.Bool
	c.Start(buf, 0, func() { ended.Store(true) })
	for range 5 {
		c.Render()
	}
	if !ended.Load() {
		t.Error("resampled source did not finish within 100 ms")
	}
}

func TestContext_CloseIdempotent(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	c := playback.NewContext(sink)
	c.Start(constant(0.1, 48000), 0, nil)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sink.closes != 1 {
		t.Errorf("sink closed %d times, want 1", sink.closes)
	}
	if c.Render() {
		t.Error("Render returned true after Close")
	}
	if c.Active() != 0 {
		t.Errorf("Active = %d after Close", c.Active())
	}
	// Start on a closed context yields an inert source.
	c.Start(constant(0.1, 10), 0, nil).Stop()
}

func TestContext_SinkErrorDoesNotStopRendering(t *testing.T) {
	t.Parallel()
	sink := &recordSink{err: errors.New("device gone")}
	c := playback.NewContext(sink)
	var taps atomic.Int32
	c.AddTap(func([]float32) { taps.Add(1) })
	c.Render()
	c.Render()
	if taps.Load() != 2 {
		t.Errorf("taps = %d, want 2", taps.Load())
	}
}

func TestContext_RunRendersInRealTime(t *testing.T) {
	t.Parallel()
	c := playback.NewContext(nil, playback.WithQuantum(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for c.CurrentTime() < 50*time.Millisecond {
		select {
		case <-deadline:
			t.Fatal("render loop did not advance")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSchedulerOnContext_GaplessOutput(t *testing.T) {
	t.Parallel()
	c := playback.NewContext(nil)
	var out []float32
	c.AddTap(func(s []float32) { out = append(out, s...) })
	s := playback.NewScheduler(c)

	s.Schedule(constant(0.25, 1000))
	s.Schedule(constant(0.25, 1000))
	for range 5 {
		c.Render()
	}
	for i := range 2000 {
		if out[i] != 0.25 {
			t.Fatalf("gap at sample %d (%v)", i, out[i])
		}
	}
	for i := 2000; i < len(out); i++ {
		if out[i] != 0 {
			t.Fatalf("sample %d = %v after both chunks ended", i, out[i])
		}
	}
	if s.Active() != 0 {
		t.Errorf("scheduler Active = %d, want 0", s.Active())
	}
}

func TestSchedulerOnContext_EndToEndTiming(t *testing.T) {
	t.Parallel()
	c := playback.NewContext(nil)
	s := playback.NewScheduler(c)

	if got := s.Schedule(constant(0, 12000)); got != 0 {
		t.Errorf("start = %v, want 0", got)
	}
	for range 10 {
		c.Render()
	}
	if got := s.Schedule(constant(0, 7200)); got != 500*time.Millisecond {
		t.Errorf("start = %v, want 500ms", got)
	}
	if got := s.Cursor(); got != 800*time.Millisecond {
		t.Errorf("cursor = %v, want 800ms", got)
	}

	for range 5 {
		c.Render()
	}
	s.Interrupt()
	if c.Active() != 0 || s.Active() != 0 {
		t.Errorf("active after interrupt: context=%d scheduler=%d", c.Active(), s.Active())
	}
	if got := s.Cursor(); got != 300*time.Millisecond {
		t.Errorf("cursor after interrupt = %v, want 300ms", got)
	}
}
