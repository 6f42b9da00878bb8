// Package call runs one spoken practice session at a time.
//
// The [Controller] owns every live resource of a session: the speaker and its
// playback clock, the recording mixer, the microphone, the capture pipeline
// and the remote transport. [Controller.Connect] acquires them in a fixed
// order and releases everything already acquired if any step fails.
// [Controller.Disconnect] is total: it is safe in any state, at any time, and
// any number of times.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/tutorcall/internal/observe"
	"github.com/MrWong99/tutorcall/internal/tutor"
	"github.com/MrWong99/tutorcall/pkg/artifact"
	"github.com/MrWong99/tutorcall/pkg/audio"
	"github.com/MrWong99/tutorcall/pkg/audio/capture"
	"github.com/MrWong99/tutorcall/pkg/audio/device"
	"github.com/MrWong99/tutorcall/pkg/audio/playback"
	"github.com/MrWong99/tutorcall/pkg/audio/recorder"
	"github.com/MrWong99/tutorcall/pkg/provider/s2s"
)

// stopTimeout bounds finalising the recording during teardown.
const stopTimeout = 10 * time.Second

// Deps are the collaborators of a [Controller].
type Deps struct {
	// Provider opens transport sessions. Required.
	Provider s2s.Provider

	// ProviderName labels metrics and logs. Defaults to "s2s".
	ProviderName string

	// Input opens the microphone. Required.
	Input device.Input

	// Output opens the speaker. Nil renders playback without a device; the
	// recording still receives it.
	Output device.Output

	// Store receives finalized recordings. Nil keeps them in memory.
	Store artifact.Store

	// Metrics records instruments. Nil selects [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Options tune a [Controller]. Zero values select the defaults.
type Options struct {
	// Model overrides the transport's default model.
	Model string

	// CaptureRate is the outbound frame rate. Defaults to 16000.
	CaptureRate int

	// FrameSize is the number of samples per outbound frame. Defaults to 4096.
	FrameSize int

	// PlaybackRate is the speaker and recording bus rate. Defaults to 24000.
	PlaybackRate int

	// Quantum is the playback render granularity. Defaults to 20ms.
	Quantum time.Duration

	// LoudnessGain scales the frame RMS for the volume output. Defaults to 5.
	LoudnessGain float64

	// MicBacklog bounds unmixed microphone audio in the recorder. Defaults
	// to one second.
	MicBacklog time.Duration

	// SetupTimeout bounds the wait for the transport to acknowledge the setup.
	// Defaults to 10s.
	SetupTimeout time.Duration

	// Transcripts requests text transcripts from the transport.
	Transcripts bool
}

func (o Options) withDefaults() Options {
	if o.CaptureRate <= 0 {
		o.CaptureRate = audio.CaptureRate
	}
	if o.FrameSize <= 0 {
		o.FrameSize = capture.DefaultFrameSize
	}
	if o.PlaybackRate <= 0 {
		o.PlaybackRate = audio.PlaybackRate
	}
	if o.Quantum <= 0 {
		o.Quantum = playback.DefaultQuantum
	}
	if o.LoudnessGain <= 0 {
		o.LoudnessGain = audio.DefaultLoudnessGain
	}
	if o.MicBacklog <= 0 {
		o.MicBacklog = recorder.DefaultMaxMicBacklog
	}
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = 10 * time.Second
	}
	return o
}

// Controller is the session state machine. All exported methods are safe for
// concurrent use.
type Controller struct {
	deps Deps
	opts Options

	mu      sync.Mutex
	state   State
	errMsg  string
	art     *artifact.Artifact
	sess    *session // nil when no session holds resources
	subs    map[uint64]chan Status
	nextSub uint64
}

// New validates deps and returns an idle Controller.
func New(deps Deps, opts Options) (*Controller, error) {
	var errs []error
	if deps.Provider == nil {
		errs = append(errs, errors.New("provider is required"))
	}
	if deps.Input == nil {
		errs = append(errs, errors.New("input device is required"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("call: new controller: %w", errors.Join(errs...))
	}
	if deps.ProviderName == "" {
		deps.ProviderName = "s2s"
	}
	if deps.Store == nil {
		deps.Store = artifact.NewMemoryStore()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Controller{
		deps: deps,
		opts: opts.withDefaults(),
		subs: make(map[uint64]chan Status),
	}, nil
}

// ── Connect ───────────────────────────────────────────────────────────────────

// Connect starts a session for lang spoken by persona. It returns once audio
// flows in both directions, or with an error after every resource acquired so
// far has been released and the state is [Error].
//
// Connect while a session is connecting or connected returns
// [ErrSessionActive]. A [Controller.Disconnect] during Connect makes it return
// [ErrAborted].
func (c *Controller) Connect(ctx context.Context, lang tutor.Language, persona tutor.Persona) (err error) {
	ctx, span := observe.StartSpan(ctx, "call.Connect")
	defer span.End()

	// Step 1: claim the controller.
	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return ErrSessionActive
	}
	sess := newSession()
	c.sess = sess
	c.state = Connecting
	c.errMsg = ""
	c.art = nil
	c.mu.Unlock()
	c.publish()

	began := time.Now()
	defer func() {
		if err != nil {
			if sess.ctx.Err() != nil && !errors.Is(err, ErrAborted) {
				err = fmt.Errorf("%w: %w", ErrAborted, err)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.deps.Metrics.RecordConnect(ctx, outcome(err))
			c.fail(sess, err)
		}
	}()

	// Setup work stops as soon as either the caller gives up or Disconnect
	// cancels the session.
	setupCtx, cancelSetup := context.WithCancel(ctx)
	defer cancelSetup()
	stop := context.AfterFunc(sess.ctx, cancelSetup)
	defer stop()

	// Step 2: session configuration.
	cfg, err := tutor.NewSessionConfig(lang, persona)
	if err != nil {
		return err
	}
	c.mu.Lock()
	sess.cfg = cfg
	c.mu.Unlock()
	span.SetAttributes(
		attribute.String("session.id", cfg.ID),
		attribute.String("session.language", cfg.Language.Code),
		attribute.String("session.persona", cfg.Persona.ID),
	)
	log := observe.Logger(ctx).With("session_id", cfg.ID)

	// Step 3: playback clock and recording. Devices live as long as the
	// session, not the request that started it.
	if err := c.openPlayback(sess.ctx, sess); err != nil {
		return err
	}

	// Step 4: microphone.
	if err := c.openMic(sess.ctx, sess); err != nil {
		return err
	}

	// Step 5: capture pipeline, gate closed.
	if err := c.openCapture(sess); err != nil {
		return err
	}

	// Step 6: transport.
	if err := c.openTransport(setupCtx, sess); err != nil {
		return err
	}
	c.deps.Metrics.SetupDuration.Record(ctx, time.Since(began).Seconds())

	// Step 7: go live.
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return ErrAborted
	}
	c.state = Connected
	sess.startedAt = time.Now()
	c.deps.Metrics.ActiveSessions.Add(ctx, 1)
	sess.connected.Store(true)
	c.mu.Unlock()

	if err := sess.pipe.Open(sess.handle); err != nil {
		return err
	}
	c.deps.Metrics.RecordConnect(ctx, "ok")
	go c.eventLoop(sess, log)
	if sess.mic != nil {
		go c.watchDevice(sess, "microphone", sess.mic.Err(), log)
	}
	if sess.speaker != nil {
		go c.watchDevice(sess, "speaker", sess.speaker.Err(), log)
	}

	log.Info("call: session connected",
		"language", cfg.Language.Name,
		"persona", cfg.Persona.Name,
		"setup", time.Since(began).Round(time.Millisecond),
	)
	c.publish()
	return nil
}

func (c *Controller) openPlayback(ctx context.Context, sess *session) error {
	var (
		sink playback.Sink
		out  device.OutputStream
	)
	rate := c.opts.PlaybackRate
	if c.deps.Output != nil {
		var err error
		out, err = c.deps.Output.OpenOutput(ctx, rate)
		if err != nil {
			return fmt.Errorf("call: open speaker: %w", err)
		}
		if r := out.SampleRate(); r > 0 {
			rate = r
		}
		sink = out
	}
	pc := playback.NewContext(sink, playback.WithSampleRate(rate), playback.WithQuantum(c.opts.Quantum))
	rec := recorder.New(c.deps.Store,
		recorder.WithSampleRate(rate),
		recorder.WithMaxMicBacklog(c.opts.MicBacklog),
	)
	if err := rec.Start(); err != nil {
		_ = pc.Close()
		return fmt.Errorf("call: start recording: %w", err)
	}
	removeTap := pc.AddTap(rec.WriteAI)

	if !sess.adopt(func() {
		sess.playCtx = pc
		sess.sched = playback.NewScheduler(pc)
		sess.rec = rec
		sess.removeTap = removeTap
		sess.speaker = out
	}) {
		removeTap()
		_ = pc.Close()
		return ErrAborted
	}
	go pc.Run(sess.ctx)
	return nil
}

func (c *Controller) openMic(ctx context.Context, sess *session) error {
	mic, err := c.deps.Input.OpenInput(ctx, func(samples []float32) {
		if p := sess.pipeline(); p != nil {
			p.Push(samples)
		}
	})
	if err != nil {
		return &PermissionError{Err: err}
	}
	if !sess.adopt(func() { sess.mic = mic }) {
		_ = mic.Close()
		return ErrAborted
	}
	return nil
}

func (c *Controller) openCapture(sess *session) error {
	rate := sess.mic.SampleRate()
	if rate <= 0 {
		rate = c.opts.CaptureRate
	}
	m := c.deps.Metrics
	pipe, err := capture.New(capture.Config{
		InputRate:    rate,
		TargetRate:   c.opts.CaptureRate,
		FrameSize:    c.opts.FrameSize,
		LoudnessGain: c.opts.LoudnessGain,
		OnRaw:        sess.rec.WriteMic,
		OnFrame: func(capture.Frame) {
			m.FramesProduced.Add(sess.ctx, 1)
		},
		OnDrop: func(r capture.DropReason) {
			m.RecordDrop(sess.ctx, string(r))
		},
		OnLoudness: func(float64) { c.publish() },
		OnError: func(err error) {
			m.RecordProviderError(sess.ctx, c.deps.ProviderName, "send")
		},
	})
	if err != nil {
		return fmt.Errorf("call: capture: %w", err)
	}
	if !sess.adopt(func() { sess.pipe = pipe }) {
		return ErrAborted
	}
	sess.pipeRef.Store(pipe)
	return nil
}

func (c *Controller) openTransport(ctx context.Context, sess *session) error {
	tc := sess.cfg.Transport(c.opts.Model)
	tc.Transcripts = c.opts.Transcripts
	tc.InputRate = c.opts.CaptureRate
	handle, err := c.deps.Provider.Connect(ctx, tc)
	if err != nil {
		if errors.Is(sess.ctx.Err(), context.Canceled) {
			return ErrAborted
		}
		c.deps.Metrics.RecordProviderError(ctx, c.deps.ProviderName, "connect")
		return &TransportError{Op: "connect", Err: err}
	}
	if !sess.adopt(func() { sess.handle = handle }) {
		_ = handle.Close()
		return ErrAborted
	}

	timer := time.NewTimer(c.opts.SetupTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-handle.Events():
			if !ok {
				if sess.ctx.Err() != nil {
					return ErrAborted
				}
				return &TransportError{Op: "setup", Err: ErrClosedBeforeOpen}
			}
			switch ev.Type {
			case s2s.EventOpened:
				return nil
			case s2s.EventClosed:
				return &TransportError{Op: "setup", Err: ErrClosedBeforeOpen}
			case s2s.EventError:
				c.deps.Metrics.RecordProviderError(ctx, c.deps.ProviderName, "setup")
				return &TransportError{Op: "setup", Err: ev.Err}
			default:
				slog.Debug("call: event before open ignored", "type", ev.Type)
			}
		case <-timer.C:
			c.deps.Metrics.RecordProviderError(ctx, c.deps.ProviderName, "timeout")
			return &TransportError{Op: "setup", Err: ErrSetupTimeout}
		case <-ctx.Done():
			if sess.ctx.Err() != nil {
				return ErrAborted
			}
			return &TransportError{Op: "setup", Err: ctx.Err()}
		}
	}
}

// fail records a failed Connect. If Disconnect already took over the session
// it only makes sure the resources are gone.
func (c *Controller) fail(sess *session, cause error) {
	c.mu.Lock()
	current := c.sess == sess
	if current {
		c.sess = nil
	}
	c.mu.Unlock()

	terr := sess.teardown(c.deps.Metrics)
	if !current {
		return
	}
	if terr != nil {
		slog.Warn("call: teardown after failed connect", "err", terr)
	}

	c.mu.Lock()
	c.state = Error
	c.errMsg = cause.Error()
	c.art = sess.artifact()
	c.mu.Unlock()
	slog.Warn("call: connect failed", "err", cause)
	c.publish()
}

// ── Inbound events ────────────────────────────────────────────────────────────

func (c *Controller) eventLoop(sess *session, log *slog.Logger) {
	var warnDecode sync.Once
	m := c.deps.Metrics
	for {
		var (
			ev s2s.Event
			ok bool
		)
		select {
		case <-sess.ctx.Done():
			return
		case ev, ok = <-sess.handle.Events():
		}
		if !ok {
			if sess.ctx.Err() == nil {
				c.end(sess, ErrStreamEnded)
			}
			return
		}

		switch ev.Type {
		case s2s.EventAudio:
			rate, known := audio.ParsePCMRate(ev.MIMEType)
			if !known {
				rate = audio.PlaybackRate
			}
			buf, err := audio.DecodeInbound(ev.Audio, rate, 1)
			if err != nil {
				m.DecodeErrors.Add(sess.ctx, 1)
				warnDecode.Do(func() {
					log.Warn("call: dropping undecodable audio chunk", "err", err, "bytes", len(ev.Audio))
				})
				continue
			}
			sess.sched.Schedule(buf)
			m.ChunksScheduled.Add(sess.ctx, 1)

		case s2s.EventInterrupted:
			n := sess.sched.Interrupt()
			m.Interruptions.Add(sess.ctx, 1)
			log.Debug("call: interrupted", "stopped_sources", n)

		case s2s.EventTranscript:
			log.Debug("call: transcript", "role", ev.Role, "text", ev.Text)

		case s2s.EventTurnComplete:
			log.Debug("call: turn complete", "pending", sess.sched.Pending())

		case s2s.EventClosed:
			log.Info("call: transport closed", "reason", ev.Text)
			c.end(sess, nil)
			return

		case s2s.EventError:
			err := ev.Err
			if err == nil {
				err = errors.New("call: transport error")
			}
			m.RecordProviderError(sess.ctx, c.deps.ProviderName, "session")
			log.Warn("call: transport failed", "err", err)
			c.end(sess, err)
			return
		}
	}
}

// watchDevice ends the session with a [PermissionError] if the device reports
// a failure while the session is live.
func (c *Controller) watchDevice(sess *session, name string, errc <-chan error, log *slog.Logger) {
	select {
	case <-sess.ctx.Done():
	case err := <-errc:
		if err == nil || sess.ctx.Err() != nil {
			return
		}
		log.Warn("call: device lost", "device", name, "err", err)
		c.end(sess, &PermissionError{Device: name, Err: err})
	}
}

// end tears down a live session after the transport ended it. A nil cause
// means a normal close.
func (c *Controller) end(sess *session, cause error) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.mu.Unlock()

	if err := sess.teardown(c.deps.Metrics); err != nil {
		slog.Warn("call: teardown", "err", err)
	}

	c.mu.Lock()
	if cause != nil {
		c.state = Error
		c.errMsg = cause.Error()
	} else {
		c.state = Disconnected
		c.errMsg = ""
	}
	c.art = sess.artifact()
	c.mu.Unlock()
	c.publish()
}

// ── Disconnect ────────────────────────────────────────────────────────────────

// Disconnect ends the current session, if any, and leaves the controller
// [Disconnected]. Every teardown step runs even when an earlier one fails;
// the failures are joined into the returned error.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	if sess == nil {
		changed := c.state != Disconnected
		c.state = Disconnected
		c.errMsg = ""
		c.mu.Unlock()
		if changed {
			c.publish()
		}
		return nil
	}
	c.mu.Unlock()

	err := sess.teardown(c.deps.Metrics)

	c.mu.Lock()
	c.state = Disconnected
	c.errMsg = ""
	c.art = sess.artifact()
	c.mu.Unlock()
	c.publish()

	if err != nil {
		return fmt.Errorf("call: disconnect: %w", err)
	}
	return nil
}

// Close disconnects. It satisfies io.Closer for shutdown wiring.
func (c *Controller) Close() error { return c.Disconnect() }

// ── Outputs ───────────────────────────────────────────────────────────────────

// Status returns a snapshot of the observable outputs.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	st := Status{
		State:    c.state,
		Error:    c.errMsg,
		Artifact: c.art,
	}
	if s := c.sess; s != nil {
		if s.cfg.ID != "" {
			lang, persona := s.cfg.Language, s.cfg.Persona
			st.SessionID = s.cfg.ID
			st.Language = &lang
			st.Persona = &persona
		}
		st.StartedAt = s.startedAt
		if c.state == Connected {
			if p := s.pipeline(); p != nil {
				st.Volume = p.Loudness()
			}
		}
		if rec := s.recorder(); rec != nil {
			st.Recording = rec.Recording()
		}
	}
	return st
}

// Artifact returns the recording of the last finished session, or nil.
func (c *Controller) Artifact() *artifact.Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.art
}

// Subscribe returns a channel that receives the latest Status after every
// change. Updates are coalesced: a slow reader sees only the newest one. The
// cancel function unregisters and closes the channel.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.statusLocked()
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Controller) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	st := c.statusLocked()
	for _, ch := range c.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

func outcome(err error) string {
	var pe *PermissionError
	var te *TransportError
	switch {
	case errors.As(err, &pe):
		return "permission"
	case errors.As(err, &te):
		return "transport"
	case errors.Is(err, tutor.ErrInvalidSelection):
		return "invalid"
	case errors.Is(err, ErrAborted):
		return "aborted"
	default:
		return "error"
	}
}

// ── session ───────────────────────────────────────────────────────────────────

// session holds the resources of one Connect. Fields are set through adopt
// and read by teardown; once torn, adopt refuses new resources so that a
// Connect racing a Disconnect cannot leak them.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg       tutor.SessionConfig
	startedAt time.Time
	connected atomic.Bool

	mu        sync.Mutex
	torn      bool
	playCtx   *playback.Context
	sched     *playback.Scheduler
	rec       *recorder.Mixer
	removeTap func()
	mic       device.InputStream
	speaker   device.OutputStream
	pipe      *capture.Pipeline
	handle    s2s.SessionHandle
	art       *artifact.Artifact

	pipeRef  atomic.Pointer[capture.Pipeline]
	tearOnce sync.Once
	tearErr  error
}

func newSession() *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{ctx: ctx, cancel: cancel}
}

// adopt runs set under the session lock unless teardown already started.
func (s *session) adopt(set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return false
	}
	set()
	return true
}

func (s *session) pipeline() *capture.Pipeline { return s.pipeRef.Load() }

func (s *session) recorder() *recorder.Mixer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

func (s *session) artifact() *artifact.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.art
}

// teardown releases every resource exactly once, in order: finalize the
// recording, silence playback, close the capture gate and the transport,
// release the microphone, close the playback clock, then reset the cursor and
// loudness. Later calls return the first result.
func (s *session) teardown(m *observe.Metrics) error {
	s.tearOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.torn = true
		playCtx, sched, rec, removeTap := s.playCtx, s.sched, s.rec, s.removeTap
		mic, pipe, handle := s.mic, s.pipe, s.handle
		s.mu.Unlock()

		var errs []error

		if rec != nil {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			art, err := rec.Stop(ctx)
			cancel()
			if err != nil {
				errs = append(errs, fmt.Errorf("stop recording: %w", err))
			} else if art != nil {
				s.mu.Lock()
				s.art = art
				s.mu.Unlock()
				m.RecordingBytes.Add(context.Background(), art.Size)
			}
		}

		if sched != nil {
			sched.StopAll()
		}

		// Closing the transport unblocks a send in flight, so the sender is
		// only awaited afterwards.
		if pipe != nil {
			pipe.Stop()
		}
		if handle != nil {
			if err := handle.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transport: %w", err))
			}
		}
		if pipe != nil {
			pipe.Wait()
		}

		if mic != nil {
			if err := mic.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close microphone: %w", err))
			}
		}

		if removeTap != nil {
			removeTap()
		}
		if playCtx != nil {
			if err := playCtx.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close speaker: %w", err))
			}
		}

		if sched != nil {
			sched.StopAll()
		}
		if pipe != nil {
			m.FramesSent.Add(context.Background(), int64(pipe.Stats().Sent))
			pipe.Reset()
		}
		s.pipeRef.Store(nil)

		if s.connected.Load() {
			m.ActiveSessions.Add(context.Background(), -1)
		}
		s.tearErr = errors.Join(errs...)
	})
	return s.tearErr
}
