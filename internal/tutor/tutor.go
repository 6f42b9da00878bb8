// Package tutor describes what a practice call is about: the target language,
// the tutor persona that speaks it, and the instruction text that binds the
// two for the remote model.
//
// A [SessionConfig] is immutable once built with [NewSessionConfig] and lives
// for exactly one connected session.
package tutor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tutorcall/pkg/provider/s2s"
)

// ErrInvalidSelection is returned when a language or persona is missing or
// unknown.
var ErrInvalidSelection = errors.New("tutor: invalid selection")

// Language is a language the user can practise.
type Language struct {
	// Code is a short identifier such as "es" or "ja".
	Code string `yaml:"code" json:"code"`

	// Name is the display and prompt name, e.g. "Spanish".
	Name string `yaml:"name" json:"name"`

	// Flag is a decorative emoji flag.
	Flag string `yaml:"flag" json:"flag,omitempty"`

	// DefaultVoice is the persona ID used when none is chosen.
	DefaultVoice string `yaml:"default_voice" json:"default_voice,omitempty"`
}

// Persona is a tutor voice the user can talk to.
type Persona struct {
	// ID is the provider voice name, e.g. "Puck".
	ID string `yaml:"id" json:"id"`

	// Name is the character name the tutor introduces itself with.
	Name string `yaml:"name" json:"name"`

	// Gender is "Male", "Female" or "Neutral".
	Gender string `yaml:"gender" json:"gender,omitempty"`

	// Description is a short tagline ("Calm and articulate").
	Description string `yaml:"description" json:"description,omitempty"`
}

// Voice converts p into the transport's voice profile.
func (p Persona) Voice() s2s.VoiceProfile {
	return s2s.VoiceProfile{ID: p.ID, Name: p.Name, Gender: p.Gender}
}

// SessionConfig is the immutable configuration of one practice session.
type SessionConfig struct {
	ID           string    `json:"id"`
	Language     Language  `json:"language"`
	Persona      Persona   `json:"persona"`
	Instructions string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewSessionConfig validates the selection and derives the instruction text.
func NewSessionConfig(lang Language, persona Persona) (SessionConfig, error) {
	var errs []error
	if strings.TrimSpace(lang.Code) == "" && strings.TrimSpace(lang.Name) == "" {
		errs = append(errs, fmt.Errorf("%w: language is empty", ErrInvalidSelection))
	}
	if strings.TrimSpace(persona.ID) == "" {
		errs = append(errs, fmt.Errorf("%w: persona has no voice id", ErrInvalidSelection))
	}
	if len(errs) > 0 {
		return SessionConfig{}, errors.Join(errs...)
	}
	if lang.Name == "" {
		lang.Name = lang.Code
	}
	if persona.Name == "" {
		persona.Name = persona.ID
	}
	return SessionConfig{
		ID:           uuid.NewString(),
		Language:     lang,
		Persona:      persona,
		Instructions: BuildInstructions(lang, persona),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Transport returns the negotiated transport configuration for cfg.
func (cfg SessionConfig) Transport(model string) s2s.SessionConfig {
	return s2s.SessionConfig{
		Model:        model,
		Voice:        cfg.Persona.Voice(),
		Instructions: cfg.Instructions,
	}.WithDefaults()
}

// BuildInstructions renders the tutor directive for lang spoken by persona.
func BuildInstructions(lang Language, persona Persona) string {
	name := persona.Name
	if name == "" {
		name = persona.ID
	}
	target := lang.Name
	if target == "" {
		target = lang.Code
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a warm and patient %s tutor on a phone call with a learner.\n\n", name, target)
	fmt.Fprintf(&b, "PRACTICE LANGUAGE: %s\n\n", target)
	b.WriteString("RULES:\n")
	fmt.Fprintf(&b, "1. Speak only %s. Use another language only when the learner explicitly asks what a word means.\n", target)
	b.WriteString("2. Keep a natural spoken conversation going: everyday situations, short roleplays, getting to know each other.\n")
	b.WriteString("3. When the learner makes a mistake, say the corrected phrase back naturally in your reply and carry on with the conversation.\n")
	b.WriteString("4. Keep every turn short, the way people talk on the phone.\n")
	fmt.Fprintf(&b, "5. If the learner switches to another language, remind them kindly, in %s, that this call is for practising %s.", target, target)
	return b.String()
}
