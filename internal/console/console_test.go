package console

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/tutorcall/internal/call"
	"github.com/MrWong99/tutorcall/internal/tutor"
)

func TestPulse_Step(t *testing.T) {
	t.Parallel()
	var p Pulse
	if got := p.Step(true, 1); math.Abs(got-0.1) > 1e-9 {
		t.Errorf("first step = %f, want 0.1", got)
	}
	if got := p.Step(true, 1); math.Abs(got-0.19) > 1e-9 {
		t.Errorf("second step = %f, want 0.19", got)
	}
	for range 200 {
		p.Step(false, 1)
	}
	if math.Abs(p.Level()-idleLevel) > 1e-6 {
		t.Errorf("idle level = %f, want %f", p.Level(), idleLevel)
	}
}

func TestPulse_ClampsVolume(t *testing.T) {
	t.Parallel()
	var p Pulse
	for range 500 {
		p.Step(true, 7)
	}
	if p.Level() > 1 {
		t.Errorf("level = %f, want <= 1", p.Level())
	}
}

func TestTimer_Observe(t *testing.T) {
	t.Parallel()
	var tm Timer
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if got := tm.Observe(true, t0); got != 0 {
		t.Errorf("start = %s, want 0", got)
	}
	if got := tm.Observe(true, t0.Add(75*time.Second)); got != 75*time.Second {
		t.Errorf("elapsed = %s, want 75s", got)
	}
	if got := tm.Observe(false, t0.Add(80*time.Second)); got != 0 {
		t.Errorf("after stop = %s, want 0", got)
	}
	if got := tm.Observe(true, t0.Add(90*time.Second)); got != 0 {
		t.Errorf("restart = %s, want 0", got)
	}
}

func TestFormatElapsed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{59*time.Second + 900*time.Millisecond, "00:59"},
		{61 * time.Second, "01:01"},
		{61 * time.Minute, "61:00"},
		{-time.Second, "00:00"},
	}
	for _, tc := range tests {
		if got := FormatElapsed(tc.d); got != tc.want {
			t.Errorf("FormatElapsed(%s) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	c := New(&buf)
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	c.now = func() time.Time { return now }

	lang := tutor.Language{Code: "fr", Name: "French", Flag: "🇫🇷"}
	persona := tutor.Persona{ID: "Kore", Name: "Sarah"}
	st := call.Status{State: call.Connected, Volume: 0.8, Recording: true, Language: &lang, Persona: &persona}

	if err := c.Render(st); err != nil {
		t.Fatalf("Render: %v", err)
	}
	now = t0.Add(65 * time.Second)
	buf.Reset()
	if err := c.Render(st); err != nil {
		t.Fatalf("Render: %v", err)
	}
	line := buf.String()
	for _, want := range []string{"\r", "connected", "01:05", "French", "with Sarah", "rec"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q does not contain %q", line, want)
		}
	}

	buf.Reset()
	if err := c.Render(call.Status{State: call.Disconnected}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if line := buf.String(); !strings.Contains(line, "00:00") || strings.Contains(line, "French") {
		t.Errorf("idle line = %q", line)
	}
}

func TestRun_StopsOnClose(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	c := New(&buf)
	updates := make(chan call.Status, 1)
	updates <- call.Status{State: call.Connecting}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), updates, 5*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	close(updates)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after updates closed")
	}
	if !strings.Contains(buf.String(), "connecting") {
		t.Errorf("output %q does not show connecting", buf.String())
	}
}
