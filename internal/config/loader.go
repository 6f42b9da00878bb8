package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"transport":  {"gemini-live", "genai"},
	"input":      {"ffmpeg", "portaudio"},
	"output":     {"ffmpeg", "portaudio", "none"},
	"recordings": {"memory", "file", "badger", "postgres"},
}

// apiKeyEnv lists the environment variables consulted, in order, when
// providers.transport.api_key is empty.
var apiKeyEnv = []string{"GEMINI_API_KEY", "API_KEY"}

// LoadDotEnv loads environment variables from the given .env files into the
// process environment. Missing files are ignored; variables that are already
// set are not overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment fallbacks, and validates the result. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills values that may come from the environment. lookup is
// usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg.Providers.Transport.APIKey != "" {
		return
	}
	for _, name := range apiKeyEnv {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			cfg.Providers.Transport.APIKey = strings.TrimSpace(v)
			return
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	validateProviderName("transport", cfg.Providers.Transport.Name)
	validateProviderName("transport", cfg.Providers.Transport.OptionString("fallback", ""))
	validateProviderName("input", cfg.Providers.Input.Name)
	validateProviderName("output", cfg.Providers.Output.Name)
	validateProviderName("recordings", cfg.Providers.Recordings.Name)

	if cfg.Providers.Transport.Name == "" {
		errs = append(errs, errors.New("providers.transport.name is required"))
	}
	if cfg.Providers.Input.Name == "" {
		errs = append(errs, errors.New("providers.input.name is required"))
	}
	if cfg.Providers.Transport.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.transport.api_key is empty; set it or export %s", strings.Join(apiKeyEnv, " or ")))
	}
	if n := cfg.Providers.Recordings.Name; (n == "badger" || n == "postgres") && cfg.Providers.Recordings.BaseURL == "" {
		errs = append(errs, fmt.Errorf("providers.recordings.base_url is required for %q", n))
	}

	// Audio
	a := cfg.Audio
	if a.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must be positive", a.CaptureRate))
	}
	if a.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d must be positive", a.PlaybackRate))
	}
	if a.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", a.FrameSize))
	}
	if a.Quantum < 0 {
		errs = append(errs, fmt.Errorf("audio.quantum %s must be positive", a.Quantum))
	}
	if a.LoudnessGain < 0 {
		errs = append(errs, fmt.Errorf("audio.loudness_gain %.2f must be positive", a.LoudnessGain))
	}
	if a.MicBacklog < 0 {
		errs = append(errs, fmt.Errorf("audio.mic_backlog %s must not be negative", a.MicBacklog))
	}

	// Session
	if cfg.Session.SetupTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.setup_timeout %s must be positive", cfg.Session.SetupTimeout))
	}

	// Catalog
	langSeen := make(map[string]int, len(cfg.Catalog.Languages))
	for i, l := range cfg.Catalog.Languages {
		prefix := fmt.Sprintf("catalog.languages[%d]", i)
		if l.Code == "" {
			errs = append(errs, fmt.Errorf("%s.code is required", prefix))
			continue
		}
		key := strings.ToLower(l.Code)
		if prev, ok := langSeen[key]; ok {
			errs = append(errs, fmt.Errorf("%s.code %q is a duplicate of catalog.languages[%d]", prefix, l.Code, prev))
		}
		langSeen[key] = i
	}
	personaSeen := make(map[string]int, len(cfg.Catalog.Personas))
	for i, p := range cfg.Catalog.Personas {
		prefix := fmt.Sprintf("catalog.personas[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		key := strings.ToLower(p.ID)
		if prev, ok := personaSeen[key]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of catalog.personas[%d]", prefix, p.ID, prev))
		}
		personaSeen[key] = i
	}

	if len(errs) == 0 {
		cat := cfg.EffectiveCatalog()
		for _, l := range cat.Languages {
			if l.DefaultVoice == "" {
				continue
			}
			if _, err := cat.LookupPersona(l.DefaultVoice); err != nil {
				slog.Warn("language default voice is not a known persona", "language", l.Code, "voice", l.DefaultVoice)
			}
		}
		if cfg.Session.Language != "" {
			if _, _, err := cat.Resolve(cfg.Session.Language, cfg.Session.Persona); err != nil {
				errs = append(errs, fmt.Errorf("session: %w", err))
			}
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
