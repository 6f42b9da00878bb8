package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/tutorcall/pkg/artifact"
	"github.com/MrWong99/tutorcall/pkg/audio/device"
	"github.com/MrWong99/tutorcall/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	transport map[string]func(ProviderEntry) (s2s.Provider, error)
	input     map[string]func(ProviderEntry) (device.Input, error)
	output    map[string]func(ProviderEntry) (device.Output, error)
	store     map[string]func(ProviderEntry) (artifact.Store, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transport: make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		input:     make(map[string]func(ProviderEntry) (device.Input, error)),
		output:    make(map[string]func(ProviderEntry) (device.Output, error)),
		store:     make(map[string]func(ProviderEntry) (artifact.Store, error)),
	}
}

// RegisterTransport registers a speech-to-speech transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = factory
}

// RegisterInput registers a microphone factory under name.
func (r *Registry) RegisterInput(name string, factory func(ProviderEntry) (device.Input, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[name] = factory
}

// RegisterOutput registers a speaker factory under name.
func (r *Registry) RegisterOutput(name string, factory func(ProviderEntry) (device.Output, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// RegisterStore registers an artifact store factory under name.
func (r *Registry) RegisterStore(name string, factory func(ProviderEntry) (artifact.Store, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[name] = factory
}

// CreateTransport instantiates a transport using the factory registered under entry.Name.
func (r *Registry) CreateTransport(entry ProviderEntry) (s2s.Provider, error) {
	return create(r, r.transport, "transport", entry)
}

// CreateInput instantiates a microphone using the factory registered under entry.Name.
func (r *Registry) CreateInput(entry ProviderEntry) (device.Input, error) {
	return create(r, r.input, "input", entry)
}

// CreateOutput instantiates a speaker using the factory registered under entry.Name.
func (r *Registry) CreateOutput(entry ProviderEntry) (device.Output, error) {
	return create(r, r.output, "output", entry)
}

// CreateStore instantiates an artifact store using the factory registered under entry.Name.
func (r *Registry) CreateStore(entry ProviderEntry) (artifact.Store, error) {
	return create(r, r.store, "recordings", entry)
}

// Names returns the sorted names registered for kind ("transport", "input",
// "output", "recordings").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "transport":
		names = keys(r.transport)
	case "input":
		names = keys(r.input)
	case "output":
		names = keys(r.output)
	case "recordings":
		names = keys(r.store)
	}
	slices.Sort(names)
	return names
}

func create[T any](r *Registry, m map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := m[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
