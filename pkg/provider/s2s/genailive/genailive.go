// Package genailive implements s2s.Provider on top of the official
// google.golang.org/genai Live client.
//
// It speaks the same BidiGenerateContent protocol as package gemini but lets
// the SDK own the wire format, authentication and endpoint selection, so it
// also works against Vertex AI when configured with a project and location.
package genailive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/tutorcall/pkg/audio"
	"github.com/MrWong99/tutorcall/pkg/provider/s2s"
	"github.com/MrWong99/tutorcall/pkg/provider/s2s/gemini"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	eventBuffer  = 64

	// DefaultIdleTimeout is how long a session may go without any server
	// message before it is declared dead.
	DefaultIdleTimeout = 2 * time.Minute
)

// ErrIdle is reported in an [s2s.EventError] when no server message arrived
// within the idle timeout.
var ErrIdle = errors.New("genailive: no server message within idle timeout")

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions that do not name one.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.cc.HTTPOptions.BaseURL = u }
}

// WithIdleTimeout sets the read-idle watchdog. A zero or negative d disables
// it. The SDK exposes no ping, so silence is the only liveness signal.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Provider) { p.idle = d }
}

// WithVertex selects the Vertex AI backend for the given project and location.
func WithVertex(project, location string) Option {
	return func(p *Provider) {
		p.cc.Backend = genai.BackendVertexAI
		p.cc.Project = project
		p.cc.Location = location
	}
}

// Provider implements s2s.Provider using the genai SDK.
type Provider struct {
	model string
	cc    genai.ClientConfig
	idle  time.Duration

	mu     sync.Mutex
	client *genai.Client
}

// New returns a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		model: defaultModel,
		idle:  DefaultIdleTimeout,
		cc: genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata. The voice set matches the raw
// WebSocket backend.
func (p *Provider) Capabilities() s2s.Capabilities {
	caps := gemini.New("").Capabilities()
	voices := make([]s2s.VoiceProfile, len(caps.Voices))
	for i, v := range caps.Voices {
		v.Provider = "genai"
		voices[i] = v
	}
	caps.Voices = voices
	return caps
}

// clientFor lazily builds the SDK client; it is reused across sessions.
func (p *Provider) clientFor(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	cc := p.cc
	c, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("genailive: new client: %w", err)
	}
	p.client = c
	return c, nil
}

// Connect opens a Live session. Readiness is reported by [s2s.EventOpened]
// when the server acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	client, err := p.clientFor(ctx)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	live, err := client.Live.Connect(ctx, model, LiveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}

	return newSession(live, cfg, p.idle), nil
}

// LiveConfig converts a session configuration to the SDK's connect config.
func LiveConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	cfg = cfg.WithDefaults()
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.Modality(cfg.ResponseModality)},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice.ID != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice.ID},
			},
		}
	}
	if cfg.Transcripts {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// Translate maps one server message to events in delivery order. outputMIME
// labels audio parts that carry no MIME type.
func Translate(msg *genai.LiveServerMessage, outputMIME string) []s2s.Event {
	if msg == nil {
		return nil
	}
	var evs []s2s.Event
	if msg.SetupComplete != nil {
		evs = append(evs, s2s.Event{Type: s2s.EventOpened})
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
					continue
				}
				mimeType := p.InlineData.MIMEType
				if mimeType == "" {
					mimeType = outputMIME
				}
				evs = append(evs, s2s.Event{Type: s2s.EventAudio, Audio: p.InlineData.Data, MIMEType: mimeType})
			}
		}
		if sc.Interrupted {
			evs = append(evs, s2s.Event{Type: s2s.EventInterrupted})
		}
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			evs = append(evs, s2s.Event{Type: s2s.EventTranscript, Role: "user", Text: t.Text})
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			evs = append(evs, s2s.Event{Type: s2s.EventTranscript, Role: "model", Text: t.Text})
		}
		if sc.TurnComplete {
			evs = append(evs, s2s.Event{Type: s2s.EventTurnComplete})
		}
	}
	return evs
}

// classify converts a Receive error into the terminal event.
func classify(err error) s2s.Event {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
		return s2s.Event{Type: s2s.EventClosed, Text: ce.Text}
	}
	return s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("genailive: receive: %w", err)}
}

// ── session ────────────────────────────────────────────────────────────────────

// liveConn is the part of [*genai.Session] a session uses.
type liveConn interface {
	Receive() (*genai.LiveServerMessage, error)
	SendRealtimeInput(genai.LiveRealtimeInput) error
	Close() error
}

type session struct {
	live       liveConn
	events     chan s2s.Event
	inputMIME  string
	outputMIME string
	idle       time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when receiveLoop returns

	lastRecv atomic.Int64 // unix nanos
	stale    atomic.Bool

	// sendMu serialises writes: the underlying connection allows one writer.
	sendMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func newSession(live liveConn, cfg s2s.SessionConfig, idle time.Duration) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		live:       live,
		events:     make(chan s2s.Event, eventBuffer),
		inputMIME:  audio.PCMMIMEType(cfg.InputRate),
		outputMIME: audio.PCMMIMEType(cfg.OutputRate),
		idle:       idle,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.lastRecv.Store(time.Now().UnixNano())
	go s.receiveLoop()
	if idle > 0 {
		go s.watchdog()
	}
	return s
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) receiveLoop() {
	defer close(s.events)
	defer close(s.done)
	for {
		msg, err := s.live.Receive()
		if err != nil {
			switch {
			case s.stale.Load():
				s.emit(s2s.Event{Type: s2s.EventError, Err: ErrIdle})
			case s.ctx.Err() != nil:
			default:
				s.emit(classify(err))
			}
			return
		}
		s.lastRecv.Store(time.Now().UnixNano())
		if msg.GoAway != nil {
			slog.Info("genailive: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
		}
		for _, ev := range Translate(msg, s.outputMIME) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

// watchdog closes the connection once no message arrived for s.idle, which
// unblocks Receive and turns the silence into an [ErrIdle] event.
func (s *session) watchdog() {
	tick := s.idle / 4
	if tick <= 0 {
		tick = s.idle
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastRecv.Load())) < s.idle {
				continue
			}
			slog.Warn("genailive: session idle, closing", "idle", s.idle)
			s.stale.Store(true)
			if err := s.live.Close(); err != nil {
				slog.Debug("genailive: close idle session", "err", err)
			}
			return
		}
	}
}

// SendAudio sends one microphone frame as realtime audio input.
func (s *session) SendAudio(blob audio.Blob) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("genailive: %w", s2s.ErrClosed)
	}
	mimeType := blob.MIMEType
	if mimeType == "" {
		mimeType = s.inputMIME
	}

	s.sendMu.Lock()
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: blob.Data, MIMEType: mimeType},
	})
	s.sendMu.Unlock()
	if err != nil {
		if s.ctx.Err() != nil {
			return fmt.Errorf("genailive: %w", s2s.ErrClosed)
		}
		return fmt.Errorf("genailive: send audio: %w", err)
	}
	return nil
}

func (s *session) Events() <-chan s2s.Event { return s.events }

// Close ends the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if err := s.live.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		slog.Debug("genailive: close", "err", err)
	}
	return nil
}
