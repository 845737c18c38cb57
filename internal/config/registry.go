package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/localscribe/meetcap/pkg/diarization"
	"github.com/localscribe/meetcap/pkg/transcription"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend names to their constructor functions for the two
// pluggable pieces of this domain that still have more than one real
// implementation in the retrieval pack: the transcription model and the
// diarization embedder. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]func(TranscriptionConfig) (transcription.Model, error)
	embedders map[string]func(DiarizationConfig) (diarization.Embedder, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		models:    make(map[string]func(TranscriptionConfig) (transcription.Model, error)),
		embedders: make(map[string]func(DiarizationConfig) (diarization.Embedder, error)),
	}
}

// RegisterModel registers a transcription model factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterModel(name string, factory func(TranscriptionConfig) (transcription.Model, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = factory
}

// RegisterEmbedder registers a diarization embedder factory under name.
func (r *Registry) RegisterEmbedder(name string, factory func(DiarizationConfig) (diarization.Embedder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedders[name] = factory
}

// CreateModel instantiates a transcription model using the factory
// registered under cfg.ModelName. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateModel(cfg TranscriptionConfig) (transcription.Model, error) {
	r.mu.RLock()
	factory, ok := r.models[cfg.ModelName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: model/%q", ErrProviderNotRegistered, cfg.ModelName)
	}
	return factory(cfg)
}

// CreateEmbedder instantiates a diarization embedder using the factory
// registered under name.
func (r *Registry) CreateEmbedder(name string, cfg DiarizationConfig) (diarization.Embedder, error) {
	r.mu.RLock()
	factory, ok := r.embedders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embedder/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}
