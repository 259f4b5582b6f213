package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/wecall/pkg/audio/capture"
	"github.com/MrWong99/wecall/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	s2s         map[string]func(ProviderEntry) (s2s.Provider, error)
	microphones map[string]func(AudioConfig) (capture.Device, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:         make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		microphones: make(map[string]func(AudioConfig) (capture.Device, error)),
	}
}

// RegisterS2S registers an S2S provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterMicrophone registers a capture device factory under name.
func (r *Registry) RegisterMicrophone(name string, factory func(AudioConfig) (capture.Device, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.microphones[name] = factory
}

// CreateS2S instantiates the S2S provider named by entry.Name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateMicrophone instantiates the capture device registered under name.
func (r *Registry) CreateMicrophone(name string, cfg AudioConfig) (capture.Device, error) {
	r.mu.RLock()
	factory, ok := r.microphones[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: microphone %q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// S2SNames returns the registered S2S provider names in sorted order.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.s2s))
	for n := range r.s2s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
