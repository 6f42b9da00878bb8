package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/tutorcall/internal/tutor"
	"github.com/MrWong99/tutorcall/pkg/artifact"
)

// State is the connection state of the controller.
type State int

const (
	// Disconnected is the idle state; a new session may be started.
	Disconnected State = iota

	// Connecting means a session is being set up.
	Connecting

	// Connected means audio flows in both directions.
	Connected

	// Error means the last session failed. The message stays visible until
	// the next Connect or Disconnect.
	Error
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active reports whether a session holds resources in this state.
func (s State) Active() bool { return s == Connecting || s == Connected }

// ErrSessionActive is returned by Connect while a session is connecting or
// connected.
var ErrSessionActive = errors.New("call: session already active")

// ErrAborted is returned by Connect when Disconnect ran before setup finished.
var ErrAborted = errors.New("call: connect aborted")

// ErrSetupTimeout is wrapped in a [TransportError] when the transport does not
// acknowledge the setup in time.
var ErrSetupTimeout = errors.New("call: transport setup timed out")

// ErrClosedBeforeOpen is wrapped in a [TransportError] when the transport ends
// before acknowledging the setup.
var ErrClosedBeforeOpen = errors.New("call: transport closed before open")

// ErrStreamEnded is reported when the inbound stream stops without a close
// notification.
var ErrStreamEnded = errors.New("call: transport stream ended unexpectedly")

// PermissionError reports that an audio device could not be acquired or was
// lost while the session ran. An empty Device means the microphone.
type PermissionError struct {
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	dev := e.Device
	if dev == "" {
		dev = "microphone"
	}
	return "call: " + dev + " unavailable: " + e.Err.Error()
}

func (e *PermissionError) Unwrap() error { return e.Err }

// TransportError reports a failure to open the remote session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("call: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Status is a snapshot of the controller's observable outputs.
type Status struct {
	State     State              `json:"state"`
	Error     string             `json:"error,omitempty"`
	Recording bool               `json:"recording"`
	Volume    float64            `json:"volume"`
	Artifact  *artifact.Artifact `json:"artifact,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
	Language  *tutor.Language    `json:"language,omitempty"`
	Persona   *tutor.Persona     `json:"persona,omitempty"`
	StartedAt time.Time          `json:"started_at,omitzero"`
}
