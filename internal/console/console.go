// Package console renders the call status as a single refreshing terminal
// line: state, selection, elapsed time and a smoothed loudness bar.
package console

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MrWong99/tutorcall/internal/call"
)

const (
	// smoothing is the fraction of the distance to the target covered per frame.
	smoothing = 0.1

	// idleLevel is the resting pulse level when no session is active.
	idleLevel = 0.05

	// DefaultFrameInterval is the redraw period used by [Console.Run].
	DefaultFrameInterval = 50 * time.Millisecond

	barWidth = 20
)

// Pulse smooths the loudness level toward its target one frame at a time.
type Pulse struct {
	level float64
}

// Step advances one frame and returns the new level. The target is volume
// while active and the idle level otherwise.
func (p *Pulse) Step(active bool, volume float64) float64 {
	target := idleLevel
	if active {
		target = min(max(volume, 0), 1)
	}
	p.level += (target - p.level) * smoothing
	return p.level
}

// Level returns the current level.
func (p *Pulse) Level() float64 { return p.level }

// Timer measures how long the call has been active. It resets whenever the
// call becomes inactive.
type Timer struct {
	started time.Time
}

// Observe records the activity at now and returns the elapsed time.
func (t *Timer) Observe(active bool, now time.Time) time.Duration {
	if !active {
		t.started = time.Time{}
		return 0
	}
	if t.started.IsZero() {
		t.started = now
	}
	return now.Sub(t.started)
}

// FormatElapsed formats d as mm:ss. Minutes keep counting past 59.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

// Console draws status frames to a terminal.
type Console struct {
	w     io.Writer
	now   func() time.Time
	pulse Pulse
	timer Timer
	last  int
}

// New returns a console writing to w.
func New(w io.Writer) *Console {
	return &Console{w: w, now: time.Now}
}

// Render advances the pulse and timer by one frame for st and redraws the
// line.
func (c *Console) Render(st call.Status) error {
	active := st.State == call.Connected
	level := c.pulse.Step(active, st.Volume)
	elapsed := c.timer.Observe(active, c.now())

	var b strings.Builder
	fmt.Fprintf(&b, "[%-12s] %s  %s", st.State, FormatElapsed(elapsed), bar(level))
	if st.Language != nil {
		b.WriteString("  ")
		if st.Language.Flag != "" {
			b.WriteString(st.Language.Flag + " ")
		}
		b.WriteString(st.Language.Name)
	}
	if st.Persona != nil {
		b.WriteString(" with " + st.Persona.Name)
	}
	if st.Recording {
		b.WriteString("  ● rec")
	}
	if st.Error != "" {
		b.WriteString("  " + st.Error)
	}

	line := b.String()
	// Pad over leftovers of a longer previous line.
	pad := max(c.last-len(line), 0)
	c.last = len(line)
	_, err := fmt.Fprintf(c.w, "\r%s%s", line, strings.Repeat(" ", pad))
	return err
}

// Run redraws the latest status every interval until ctx is cancelled or
// updates is closed. It ends the line before returning.
func (c *Console) Run(ctx context.Context, updates <-chan call.Status, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer fmt.Fprintln(c.w)

	var st call.Status
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-updates:
			if !ok {
				return nil
			}
			st = next
		case <-ticker.C:
			if err := c.Render(st); err != nil {
				return fmt.Errorf("console: render: %w", err)
			}
		}
	}
}

func bar(level float64) string {
	n := int(level*barWidth + 0.5)
	n = min(max(n, 0), barWidth)
	return strings.Repeat("█", n) + strings.Repeat("░", barWidth-n)
}
