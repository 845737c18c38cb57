// Package whisper adapts whisper.cpp's Go bindings to the
// [transcription.Model] interface: load/unload a GGML model file and run
// blocking inference over 16kHz mono float32 samples.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go"

	"github.com/localscribe/meetcap/pkg/transcription"
)

// Adapter implements [transcription.Model] over a single whisper.cpp model
// file, loaded and unloaded under an exclusive lock so a retranscribe
// request never races a live recording's load/unload calls.
type Adapter struct {
	language string

	mu      sync.RWMutex
	model   whisperlib.Model
	current string
}

// New constructs an Adapter with no model loaded. language is the default
// BCP-47 tag passed to whisper.cpp's SetLanguage unless a call-specific
// language is supplied.
func New(language string) *Adapter {
	if language == "" {
		language = "en"
	}
	return &Adapter{language: language}
}

// LoadModel implements [transcription.Model].
func (a *Adapter) LoadModel(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.model != nil {
		_ = a.model.Close()
		a.model = nil
		a.current = ""
	}

	m, err := whisperlib.New(id)
	if err != nil {
		return fmt.Errorf("whisper: load model %q: %w", id, err)
	}
	a.model = m
	a.current = id
	return nil
}

// UnloadModel implements [transcription.Model].
func (a *Adapter) UnloadModel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.model == nil {
		return false
	}
	_ = a.model.Close()
	a.model = nil
	a.current = ""
	return true
}

// IsModelLoaded implements [transcription.Model].
func (a *Adapter) IsModelLoaded() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model != nil
}

// CurrentModel implements [transcription.Model].
func (a *Adapter) CurrentModel() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// ValidateModelReady implements [transcription.Model].
func (a *Adapter) ValidateModelReady(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.model == nil {
		return transcription.ErrNoModelLoaded
	}
	return nil
}

// Transcribe implements [transcription.Model]. It creates a fresh
// whisper.cpp context per call — contexts are cheap relative to the model
// load itself and this keeps concurrent retranscribe/live-pool calls from
// sharing mutable decode state.
func (a *Adapter) Transcribe(ctx context.Context, samples []float32, language string) (string, *float64, bool, error) {
	a.mu.RLock()
	model := a.model
	a.mu.RUnlock()

	if model == nil {
		return "", nil, false, transcription.ErrNoModelLoaded
	}
	if language == "" {
		language = a.language
	}

	wctx, err := model.NewContext()
	if err != nil {
		return "", nil, false, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", nil, false, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, false, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	// whisper.cpp does not expose a per-segment confidence score through
	// this binding; nil confidence routes callers to the "accept all"
	// branch of the pool's confidence-threshold policy.
	return strings.Join(parts, " "), nil, false, nil
}

var _ transcription.Model = (*Adapter)(nil)
