// Package s2s defines the Provider interface for speech-to-speech backends.
//
// An S2S provider wraps a real-time voice AI service that accepts a live
// microphone stream and answers with synthesised speech over a single,
// stateful session. The remote service runs its own voice activity detection:
// it decides when the user has finished speaking, when to answer, and when
// the user has barged in.
//
// The central abstraction is SessionHandle. Outbound audio goes through
// SendAudio; everything the service reports (readiness, audio chunks,
// interruptions, transcripts, closure, failures) arrives on a single ordered
// Events channel, so consumers observe chunks in exactly the order they were
// received.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/tutorcall/pkg/audio"
)

// ErrClosed is returned by [SessionHandle.SendAudio] after the session ended.
var ErrClosed = errors.New("s2s: session closed")

// VoiceProfile identifies a prebuilt voice offered by the provider.
type VoiceProfile struct {
	// ID is the provider's voice name, e.g. "Puck".
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable display name.
	Name string `json:"name,omitempty" yaml:"name"`

	// Gender is a descriptive tag ("Male", "Female", "Neutral").
	Gender string `json:"gender,omitempty" yaml:"gender"`

	// Provider is the backend the voice belongs to.
	Provider string `json:"provider,omitempty" yaml:"provider"`
}

// SessionConfig is the negotiated configuration of a new session.
type SessionConfig struct {
	// Model is the remote model name. Empty selects the provider default.
	Model string

	// Voice selects the prebuilt voice for synthesised speech.
	Voice VoiceProfile

	// Instructions is the system instruction that defines the assistant's
	// persona and behaviour for the whole session.
	Instructions string

	// ResponseModality is the requested output modality. Only "AUDIO" is
	// supported; empty means "AUDIO".
	ResponseModality string

	// InputRate is the rate of the PCM frames passed to SendAudio. Zero means
	// [audio.CaptureRate].
	InputRate int

	// OutputRate is the expected rate of inbound audio when the service does
	// not label it. Zero means [audio.PlaybackRate].
	OutputRate int

	// Transcripts requests text transcriptions of both directions, surfaced as
	// [EventTranscript].
	Transcripts bool
}

// WithDefaults returns cfg with zero fields replaced by their defaults.
func (cfg SessionConfig) WithDefaults() SessionConfig {
	if cfg.ResponseModality == "" {
		cfg.ResponseModality = "AUDIO"
	}
	if cfg.InputRate <= 0 {
		cfg.InputRate = audio.CaptureRate
	}
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = audio.PlaybackRate
	}
	return cfg
}

// EventType discriminates [Event] values.
type EventType int

const (
	// EventOpened signals that the service accepted the setup and the session
	// is ready for audio.
	EventOpened EventType = iota + 1

	// EventAudio carries one chunk of synthesised speech.
	EventAudio

	// EventInterrupted signals that the user spoke over the model; audio not
	// yet played must be discarded.
	EventInterrupted

	// EventTurnComplete signals the end of a model turn.
	EventTurnComplete

	// EventTranscript carries recognised user speech or model output text.
	EventTranscript

	// EventClosed signals that the service closed the session normally. It is
	// terminal.
	EventClosed

	// EventError carries a transport or service failure. It is terminal.
	EventError
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventTranscript:
		return "transcript"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Terminal reports whether no further events follow this one.
func (t EventType) Terminal() bool { return t == EventClosed || t == EventError }

// Event is one inbound notification from a session.
type Event struct {
	Type EventType

	// Audio is little-endian 16-bit PCM (EventAudio).
	Audio []byte

	// MIMEType describes Audio, e.g. "audio/pcm;rate=24000" (EventAudio).
	MIMEType string

	// Text is the transcript text (EventTranscript) or a close reason
	// (EventClosed).
	Text string

	// Role is "user" or "model" (EventTranscript).
	Role string

	// Err is the failure (EventError).
	Err error
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// Voices lists the prebuilt voices.
	Voices []VoiceProfile

	// InputRate and OutputRate are the native PCM rates.
	InputRate  int
	OutputRate int

	// MaxSessionDuration is the service-imposed session limit. Zero means no
	// documented limit.
	MaxSessionDuration time.Duration
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one encoded microphone frame. It returns [ErrClosed]
	// (possibly wrapped) once the session has ended.
	SendAudio(blob audio.Blob) error

	// Events returns the ordered stream of inbound events. The channel is
	// closed after a terminal event, or after Close. Consumers must drain it
	// promptly to avoid stalling the receive loop.
	Events() <-chan Event

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil. No terminal event is emitted for
	// a locally initiated close.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a new session and sends the setup. The handle is returned
	// as soon as the connection is established; readiness is reported later
	// via [EventOpened].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
