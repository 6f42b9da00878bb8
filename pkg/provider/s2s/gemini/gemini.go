// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Microphone frames are transmitted as base64-encoded PCM media chunks; every
// server message is translated into s2s events on a single ordered channel.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/tutorcall/pkg/audio"
	"github.com/MrWong99/tutorcall/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	servicePath    = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions that do not name one.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithKeepalive overrides the ping interval and timeout. A non-positive
// interval disables keepalive pings.
func WithKeepalive(interval, timeout time.Duration) Option {
	return func(p *Provider) {
		p.keepaliveInterval = interval
		if timeout > 0 {
			p.keepaliveTimeout = timeout
		}
	}
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey            string
	model             string
	baseURL           string
	keepaliveInterval time.Duration
	keepaliveTimeout  time.Duration
	httpClient        *http.Client
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:            apiKey,
		model:             defaultModel,
		baseURL:           defaultBaseURL,
		keepaliveInterval: keepaliveInterval,
		keepaliveTimeout:  keepaliveTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Voices is the set of prebuilt Gemini Live voices.
var Voices = []s2s.VoiceProfile{
	{ID: "Puck", Name: "Puck", Gender: "Male", Provider: "gemini"},
	{ID: "Charon", Name: "Charon", Gender: "Male", Provider: "gemini"},
	{ID: "Kore", Name: "Kore", Gender: "Female", Provider: "gemini"},
	{ID: "Fenrir", Name: "Fenrir", Gender: "Male", Provider: "gemini"},
	{ID: "Aoede", Name: "Aoede", Gender: "Female", Provider: "gemini"},
	{ID: "Zephyr", Name: "Zephyr", Gender: "Female", Provider: "gemini"},
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Voices:             Voices,
		InputRate:          audio.CaptureRate,
		OutputRate:         audio.PlaybackRate,
		MaxSessionDuration: 15 * time.Minute,
	}
}

// Connect dials the Gemini Live endpoint and sends the setup message. The
// returned SessionHandle emits [s2s.EventOpened] once the server acknowledges
// the setup.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	wsURL := p.baseURL + servicePath + "?key=" + url.QueryEscape(p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Inbound turns can carry several seconds of audio in one frame.
	conn.SetReadLimit(16 << 20)

	model := cfg.Model
	if model == "" {
		model = p.model
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:       conn,
		events:     make(chan s2s.Event, eventBuffer),
		done:       make(chan struct{}),
		ctx:        sessCtx,
		cancel:     sessCancel,
		inputMIME:  audio.PCMMIMEType(cfg.InputRate),
		outputMIME: audio.PCMMIMEType(cfg.OutputRate),
	}

	if err := sess.sendSetup(model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	if p.keepaliveInterval > 0 {
		go sess.keepaliveLoop(p.keepaliveInterval, p.keepaliveTimeout)
	}

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn       *websocket.Conn
	events     chan s2s.Event
	inputMIME  string
	outputMIME string

	mu      sync.Mutex
	pingErr error
	done    chan struct{}
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg s2s.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{cfg.ResponseModality},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice.ID != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice.ID},
			},
		}
	}

	if cfg.Transcripts {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// emit delivers ev unless the session was closed locally.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// A locally closed session ends silently.
			if s.ctx.Err() != nil {
				return
			}
			s.emit(s.terminalEvent(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err, "bytes", len(data))
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// terminalEvent classifies a read error. A normal close frame from the server
// ends the session cleanly; anything else, including a failed keepalive, is
// an error.
func (s *session) terminalEvent(err error) s2s.Event {
	s.mu.Lock()
	pingErr := s.pingErr
	s.mu.Unlock()
	if pingErr != nil {
		return s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("gemini: keepalive: %w", pingErr)}
	}

	var ce websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.StatusNormalClosure || ce.Code == websocket.StatusGoingAway) {
		return s2s.Event{Type: s2s.EventClosed, Text: ce.Reason}
	}
	return s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("gemini: read: %w", err)}
}

// handleServerMessage translates one server message into events. It returns
// false when the session must stop reading.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		text := "unknown error"
		if msg.Error.Message != "" {
			text = msg.Error.Message
		}
		s.emit(s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("gemini: server error %d: %s", msg.Error.Code, text)})
		return false
	}
	if msg.SetupComplete != nil {
		if !s.emit(s2s.Event{Type: s2s.EventOpened}) {
			return false
		}
	}
	if msg.ServerContent != nil {
		if !s.handleServerContent(msg.ServerContent) {
			return false
		}
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := audio.DecodeBase64(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				slog.Debug("gemini: dropping undecodable audio part", "err", err)
				continue
			}
			mimeType := p.InlineData.MIMEType
			if mimeType == "" {
				mimeType = s.outputMIME
			}
			if !s.emit(s2s.Event{Type: s2s.EventAudio, Audio: pcm, MIMEType: mimeType}) {
				return false
			}
		}
	}

	if sc.Interrupted {
		if !s.emit(s2s.Event{Type: s2s.EventInterrupted}) {
			return false
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(s2s.Event{Type: s2s.EventTranscript, Role: "user", Text: sc.InputTranscription.Text}) {
			return false
		}
	}

	// Model output transcription (text version of audio output).
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(s2s.Event{Type: s2s.EventTranscript, Role: "model", Text: sc.OutputTranscription.Text}) {
			return false
		}
	}

	if sc.TurnComplete {
		return s.emit(s2s.Event{Type: s2s.EventTurnComplete})
	}
	return true
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
// A ping that fails while the session is open means messages stopped arriving:
// the connection is closed so that receiveLoop reports the failure.
func (s *session) keepaliveLoop(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, timeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil && s.ctx.Err() == nil {
				s.mu.Lock()
				s.pingErr = err
				s.mu.Unlock()
				s.conn.CloseNow()
				return
			}
		}
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers one microphone frame as a realtimeInput media chunk.
func (s *session) SendAudio(blob audio.Blob) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gemini: %w", s2s.ErrClosed)
	}
	s.mu.Unlock()

	mimeType := blob.MIMEType
	if mimeType == "" {
		mimeType = s.inputMIME
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: mimeType, Data: audio.EncodeBase64(blob.Data)},
			},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		if s.ctx.Err() != nil {
			return fmt.Errorf("gemini: %w", s2s.ErrClosed)
		}
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Events returns the ordered inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
