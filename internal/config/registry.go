package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/clapper/pkg/audio"
)

// ErrSourceNotRegistered is returned by [Registry.CreateSource] when no
// factory has been registered under the requested source name.
var ErrSourceNotRegistered = errors.New("config: audio source not registered")

// SourceFactory builds an audio device from its configuration entry.
type SourceFactory func(SourceEntry) (audio.Device, error)

// Registry maps audio source names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]SourceFactory)}
}

// RegisterSource registers a source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateSource instantiates the source described by entry.
// Returns [ErrSourceNotRegistered] if entry.Name has no registered factory.
func (r *Registry) CreateSource(entry SourceEntry) (audio.Device, error) {
	r.mu.RLock()
	f, ok := r.sources[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrSourceNotRegistered, entry.Name)
	}
	return f(entry)
}

// Sources returns the registered source names in sorted order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
