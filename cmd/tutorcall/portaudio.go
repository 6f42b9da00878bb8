//go:build portaudio

package main

import (
	"sync"

	"github.com/MrWong99/tutorcall/internal/config"
	"github.com/MrWong99/tutorcall/pkg/audio/device"
	"github.com/MrWong99/tutorcall/pkg/audio/device/portaudio"
)

func init() {
	extraRegistrations = append(extraRegistrations, func(reg *config.Registry, cfg *config.Config) {
		// Input and output share one PortAudio instance.
		var (
			once sync.Once
			dev  *portaudio.Device
		)
		shared := func(entry config.ProviderEntry) *portaudio.Device {
			once.Do(func() {
				dev = portaudio.New(cfg.Audio.CaptureRate, entry.OptionInt("frames_per_buffer", 0))
			})
			return dev
		}
		reg.RegisterInput("portaudio", func(entry config.ProviderEntry) (device.Input, error) {
			return shared(entry), nil
		})
		reg.RegisterOutput("portaudio", func(entry config.ProviderEntry) (device.Output, error) {
			return shared(entry), nil
		})
	})
}
