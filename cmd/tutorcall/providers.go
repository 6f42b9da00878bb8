package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/tutorcall/internal/config"
	"github.com/MrWong99/tutorcall/pkg/artifact"
	"github.com/MrWong99/tutorcall/pkg/artifact/badgerstore"
	"github.com/MrWong99/tutorcall/pkg/artifact/postgres"
	"github.com/MrWong99/tutorcall/pkg/audio/device"
	"github.com/MrWong99/tutorcall/pkg/audio/device/ffmpeg"
	"github.com/MrWong99/tutorcall/pkg/provider/s2s"
	geminilive "github.com/MrWong99/tutorcall/pkg/provider/s2s/gemini"
	"github.com/MrWong99/tutorcall/pkg/provider/s2s/genailive"
)

// extraRegistrations holds factories compiled in behind build tags.
var extraRegistrations []func(reg *config.Registry, cfg *config.Config)

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── Transport ─────────────────────────────────────────────────────────────

	reg.RegisterTransport("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []geminilive.Option{
			geminilive.WithModel(entry.Model),
			geminilive.WithBaseURL(entry.BaseURL),
		}
		if v := entry.OptionString("keepalive", ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("gemini-live: keepalive option: %w", err)
			}
			opts = append(opts, geminilive.WithKeepalive(d, 0))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTransport("genai", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []genailive.Option{genailive.WithModel(entry.Model)}
		if entry.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(entry.BaseURL))
		}
		if project := entry.OptionString("project", ""); project != "" {
			opts = append(opts, genailive.WithVertex(project, entry.OptionString("location", "us-central1")))
		}
		if v := entry.OptionString("idle_timeout", ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("genai: idle_timeout option: %w", err)
			}
			opts = append(opts, genailive.WithIdleTimeout(d))
		}
		return genailive.New(entry.APIKey, opts...), nil
	})

	// ── Devices ───────────────────────────────────────────────────────────────

	reg.RegisterInput("ffmpeg", func(entry config.ProviderEntry) (device.Input, error) {
		return ffmpeg.NewInput(ffmpegOptions(entry, cfg.Audio.CaptureRate)...), nil
	})
	reg.RegisterOutput("ffmpeg", func(entry config.ProviderEntry) (device.Output, error) {
		return ffmpeg.NewOutput(ffmpegOptions(entry, 0)...), nil
	})
	// "none" renders playback into the recording only.
	reg.RegisterOutput("none", func(config.ProviderEntry) (device.Output, error) {
		return nil, nil
	})

	// ── Recordings ────────────────────────────────────────────────────────────

	reg.RegisterStore("memory", func(config.ProviderEntry) (artifact.Store, error) {
		return artifact.NewMemoryStore(), nil
	})
	reg.RegisterStore("file", func(entry config.ProviderEntry) (artifact.Store, error) {
		dir := entry.BaseURL
		if dir == "" {
			dir = "recordings"
		}
		return artifact.NewFileStore(dir)
	})
	reg.RegisterStore("badger", func(entry config.ProviderEntry) (artifact.Store, error) {
		return badgerstore.Open(entry.BaseURL)
	})
	reg.RegisterStore("postgres", func(entry config.ProviderEntry) (artifact.Store, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return postgres.Open(ctx, entry.BaseURL)
	})

	for _, fn := range extraRegistrations {
		fn(reg, cfg)
	}
}

func ffmpegOptions(entry config.ProviderEntry, rate int) []ffmpeg.Option {
	var opts []ffmpeg.Option
	if v := entry.OptionString("binary", ""); v != "" {
		opts = append(opts, ffmpeg.WithBinary(v))
	}
	if v := entry.OptionString("format", ""); v != "" {
		opts = append(opts, ffmpeg.WithFormat(v))
	}
	if v := entry.OptionString("device", ""); v != "" {
		opts = append(opts, ffmpeg.WithDevice(v))
	}
	if rate > 0 {
		opts = append(opts, ffmpeg.WithSampleRate(rate))
	}
	if n := entry.OptionInt("block_samples", 0); n > 0 {
		opts = append(opts, ffmpeg.WithBlockSamples(n))
	}
	return opts
}
