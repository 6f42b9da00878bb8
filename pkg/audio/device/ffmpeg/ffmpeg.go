// Package ffmpeg implements [device.Input] and [device.Output] by piping raw
// 16-bit PCM through external ffmpeg (capture) and ffplay (playback)
// processes. It needs no cgo, only the binaries on PATH.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/tutorcall/pkg/audio"
	"github.com/MrWong99/tutorcall/pkg/audio/device"
)

// Compile-time interface assertions.
var (
	_ device.Input  = (*Input)(nil)
	_ device.Output = (*Output)(nil)
)

// defaultBlockSamples is the number of samples delivered per callback (64 ms
// at 16 kHz).
const defaultBlockSamples = 1024

// Option configures an [Input] or [Output].
type Option func(*options)

type options struct {
	binary     string
	format     string
	device     string
	sampleRate int
	block      int
}

// WithBinary overrides the executable (default "ffmpeg" for input, "ffplay"
// for output).
func WithBinary(path string) Option { return func(o *options) { o.binary = path } }

// WithFormat overrides the ffmpeg input format (e.g. "pulse", "alsa",
// "avfoundation", "dshow"). The default is chosen from runtime.GOOS.
func WithFormat(f string) Option { return func(o *options) { o.format = f } }

// WithDevice overrides the capture device name (default "default" on Linux,
// ":0" on macOS).
func WithDevice(name string) Option { return func(o *options) { o.device = name } }

// WithSampleRate sets the rate ffmpeg resamples the microphone to. Defaults to
// [audio.CaptureRate].
func WithSampleRate(rate int) Option {
	return func(o *options) {
		if rate > 0 {
			o.sampleRate = rate
		}
	}
}

// WithBlockSamples sets how many samples are delivered per callback.
func WithBlockSamples(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.block = n
		}
	}
}

// ── Input ────────────────────────────────────────────────────────────────────

// Input captures the default microphone through ffmpeg.
type Input struct {
	opts options
}

// NewInput creates an ffmpeg-backed [device.Input].
func NewInput(opts ...Option) *Input {
	o := options{binary: "ffmpeg", sampleRate: audio.CaptureRate, block: defaultBlockSamples}
	for _, fn := range opts {
		fn(&o)
	}
	return &Input{opts: o}
}

// OpenInput implements [device.Input]. The ffmpeg process runs until Close;
// if it exits on its own the failure is reported on the stream's Err.
func (in *Input) OpenInput(ctx context.Context, cb func([]float32)) (device.InputStream, error) {
	if _, err := exec.LookPath(in.opts.binary); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s not found in PATH", device.ErrUnavailable, in.opts.binary)
	}
	args, err := captureArgs(runtime.GOOS, in.opts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(in.opts.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start capture: %w", err)
	}

	s := &inputStream{cmd: cmd, rate: in.opts.sampleRate, done: make(chan struct{}), errc: make(chan error, 1)}
	go func() {
		defer close(s.done)
		readErr := readBlocks(stdout, in.opts.block, cb, s.isClosed)
		waitErr := cmd.Wait()
		if s.isClosed() {
			return
		}
		cause := errors.Join(readErr, waitErr)
		if cause == nil {
			cause = io.EOF
		}
		s.errc <- fmt.Errorf("ffmpeg: %w: capture ended: %v", device.ErrLost, cause)
	}()
	slog.Debug("ffmpeg: capture started", "args", args)
	return s, nil
}

// captureArgs builds the ffmpeg command line that writes mono s16le to stdout.
func captureArgs(goos string, o options) ([]string, error) {
	format, dev := o.format, o.device
	if format == "" {
		switch goos {
		case "darwin":
			format = "avfoundation"
		case "linux":
			format = "pulse"
		default:
			return nil, fmt.Errorf("ffmpeg: %w: no default capture format for %s", device.ErrUnavailable, goos)
		}
	}
	if dev == "" {
		dev = "default"
		if format == "avfoundation" {
			dev = ":0"
		}
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", format, "-i", dev,
		"-ac", "1", "-ar", strconv.Itoa(o.sampleRate),
		"-f", "s16le", "-",
	}, nil
}

// readBlocks reads fixed-size PCM blocks from r and passes them to cb until r
// is exhausted. Errors after stopped reports true are not reported.
func readBlocks(r io.Reader, block int, cb func([]float32), stopped func() bool) error {
	buf := make([]byte, block*2)
	for {
		n, err := io.ReadFull(r, buf)
		if n >= 2 && !stopped() {
			cb(audio.PCM16ToFloat32(buf[:n&^1]))
		}
		if err != nil {
			if stopped() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
	}
}

type inputStream struct {
	cmd  *exec.Cmd
	rate int
	done chan struct{}
	errc chan error

	mu     sync.Mutex
	closed bool
}

func (s *inputStream) SampleRate() int { return s.rate }

func (s *inputStream) Err() <-chan error { return s.errc }

func (s *inputStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.done
	return nil
}

// ── Output ───────────────────────────────────────────────────────────────────

// Output plays audio through ffplay.
type Output struct {
	opts options
}

// NewOutput creates an ffplay-backed [device.Output].
func NewOutput(opts ...Option) *Output {
	o := options{binary: "ffplay"}
	for _, fn := range opts {
		fn(&o)
	}
	return &Output{opts: o}
}

// OpenOutput implements [device.Output]. ffplay runs until Close; if it exits
// on its own the failure is reported on the stream's Err.
func (out *Output) OpenOutput(ctx context.Context, rate int) (device.OutputStream, error) {
	if _, err := exec.LookPath(out.opts.binary); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s not found in PATH", device.ErrUnavailable, out.opts.binary)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(out.opts.binary, playbackArgs(rate)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start ffplay: %w", err)
	}
	s := &outputStream{cmd: cmd, stdin: stdin, rate: rate, done: make(chan struct{}), errc: make(chan error, 1)}
	go func() {
		defer close(s.done)
		err := cmd.Wait()
		if s.closed.Load() {
			return
		}
		if err == nil {
			err = errors.New("ffplay exited")
		}
		s.errc <- fmt.Errorf("ffmpeg: %w: playback ended: %v", device.ErrLost, err)
	}()
	return s, nil
}

func playbackArgs(rate int) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(rate),
		"-ac", "1",
		"-i", "pipe:0",
	}
}

type outputStream struct {
	rate  int
	cmd   *exec.Cmd
	done  chan struct{}
	errc  chan error
	closeOnce sync.Once

	closed atomic.Bool

	mu    sync.Mutex // serialises writes
	stdin io.WriteCloser
}

func (s *outputStream) SampleRate() int { return s.rate }

func (s *outputStream) Err() <-chan error { return s.errc }

func (s *outputStream) Write(samples []float32) error {
	if s.closed.Load() {
		return errors.New("ffmpeg: output closed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.stdin.Write(audio.Float32ToPCM16(samples)); err != nil {
		return fmt.Errorf("ffmpeg: write ffplay: %w", err)
	}
	return nil
}

// Close kills ffplay first so that a Write blocked on a full pipe returns.
func (s *outputStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		s.mu.Lock()
		_ = s.stdin.Close()
		s.mu.Unlock()
		<-s.done
	})
	return nil
}
