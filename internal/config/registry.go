package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrDriverNotRegistered is returned by the Create* methods when no factory
// has been registered under the requested driver name.
var ErrDriverNotRegistered = errors.New("config: audio driver not registered")

// InputFactory builds a microphone driver from the audio section.
type InputFactory func(AudioConfig) (audio.InputDevice, error)

// OutputFactory builds a speaker for segments in format in, played at out.
type OutputFactory func(entry AudioConfig, in, out audio.Format) (audio.Player, error)

// Registry maps driver names to constructors for microphones and speakers.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	input  map[string]InputFactory
	output map[string]OutputFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		input:  make(map[string]InputFactory),
		output: make(map[string]OutputFactory),
	}
}

// RegisterInput registers a microphone factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterInput(name string, factory InputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[name] = factory
}

// RegisterOutput registers a speaker factory under name.
func (r *Registry) RegisterOutput(name string, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateInput instantiates the microphone driver named by cfg.Audio.Driver.
// Returns [ErrDriverNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateInput(cfg *Config) (audio.InputDevice, error) {
	r.mu.RLock()
	factory, ok := r.input[cfg.Audio.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrDriverNotRegistered, cfg.Audio.Driver)
	}
	return factory(cfg.Audio)
}

// CreateOutput instantiates the speaker named by cfg.Audio.Driver, fed in
// the playback format and played in the output format.
func (r *Registry) CreateOutput(cfg *Config) (audio.Player, error) {
	r.mu.RLock()
	factory, ok := r.output[cfg.Audio.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrDriverNotRegistered, cfg.Audio.Driver)
	}
	return factory(cfg.Audio, cfg.PlaybackFormat(), cfg.OutputFormat())
}

// Drivers returns the sorted names that have both an input and an output
// factory.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name := range r.input {
		if _, ok := r.output[name]; ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
