// Package config provides the configuration schema, loader, and provider registry
// for the tutorcall session engine.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/tutorcall/internal/tutor"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to an slog level. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Audio     AudioConfig     `yaml:"audio"`
	Session   SessionConfig   `yaml:"session"`

	// Catalog adds to or overrides the built-in languages and personas.
	Catalog tutor.Catalog `yaml:"catalog"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API (e.g., ":8080"). Empty
	// disables the API.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists CORS origins for the control API. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProvidersConfig declares which implementation to use for each external
// collaborator. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// Transport is the speech-to-speech backend ("gemini-live" or "genai").
	Transport ProviderEntry `yaml:"transport"`

	// Input is the microphone backend ("ffmpeg", "portaudio").
	Input ProviderEntry `yaml:"input"`

	// Output is the speaker backend ("ffmpeg", "portaudio", "none").
	Output ProviderEntry `yaml:"output"`

	// Recordings is the artifact store ("memory", "file", "badger", "postgres").
	Recordings ProviderEntry `yaml:"recordings"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation.
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint, or names a file
	// system location or DSN for storage backends.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// OptionString returns the string option key, or def when unset.
func (e ProviderEntry) OptionString(key, def string) string {
	if v, ok := e.Options[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		case fmt.Stringer:
			return s.String()
		default:
			return fmt.Sprint(s)
		}
	}
	return def
}

// OptionInt returns the integer option key, or def when unset or not a number.
func (e ProviderEntry) OptionInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// AudioConfig tunes the audio engine. Zero values are replaced by the
// defaults in [ApplyDefaults].
type AudioConfig struct {
	CaptureRate  int           `yaml:"capture_rate"`
	FrameSize    int           `yaml:"frame_size"`
	PlaybackRate int           `yaml:"playback_rate"`
	Quantum      time.Duration `yaml:"quantum"`
	LoudnessGain float64       `yaml:"loudness_gain"`
	MicBacklog   time.Duration `yaml:"mic_backlog"`
}

// SessionConfig holds session defaults.
type SessionConfig struct {
	// SetupTimeout bounds the wait for the transport to become ready.
	SetupTimeout time.Duration `yaml:"setup_timeout"`

	// Language is the language code or name used when none is given.
	Language string `yaml:"language"`

	// Persona is the persona ID or name used when none is given. Empty picks
	// the language's default voice.
	Persona string `yaml:"persona"`

	// Transcripts requests text transcripts for the debug log.
	Transcripts bool `yaml:"transcripts"`
}

// Defaults used by [ApplyDefaults].
const (
	DefaultCaptureRate  = 16000
	DefaultFrameSize    = 4096
	DefaultPlaybackRate = 24000
	DefaultQuantum      = 20 * time.Millisecond
	DefaultLoudnessGain = 5.0
	DefaultMicBacklog   = time.Second
	DefaultSetupTimeout = 10 * time.Second
)

// ApplyDefaults fills zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.Transport.Name == "" {
		cfg.Providers.Transport.Name = "gemini-live"
	}
	if cfg.Providers.Input.Name == "" {
		cfg.Providers.Input.Name = "ffmpeg"
	}
	if cfg.Providers.Output.Name == "" {
		cfg.Providers.Output.Name = "ffmpeg"
	}
	if cfg.Providers.Recordings.Name == "" {
		cfg.Providers.Recordings.Name = "file"
	}
	a := &cfg.Audio
	if a.CaptureRate == 0 {
		a.CaptureRate = DefaultCaptureRate
	}
	if a.FrameSize == 0 {
		a.FrameSize = DefaultFrameSize
	}
	if a.PlaybackRate == 0 {
		a.PlaybackRate = DefaultPlaybackRate
	}
	if a.Quantum == 0 {
		a.Quantum = DefaultQuantum
	}
	if a.LoudnessGain == 0 {
		a.LoudnessGain = DefaultLoudnessGain
	}
	if a.MicBacklog == 0 {
		a.MicBacklog = DefaultMicBacklog
	}
	if cfg.Session.SetupTimeout == 0 {
		cfg.Session.SetupTimeout = DefaultSetupTimeout
	}
}

// EffectiveCatalog returns the built-in catalog merged with cfg.Catalog.
func (cfg *Config) EffectiveCatalog() tutor.Catalog {
	return tutor.DefaultCatalog().Merge(cfg.Catalog)
}
