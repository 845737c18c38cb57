// Package transcription implements the bounded worker pool that turns
// [audio.SpeechSegment] values into ordered [audio.TranscriptSegment] events,
// plus the pluggable [Model] boundary the pool calls into.
//
// The transcription model itself is treated as a black box per the
// governing design document: the pool never re-architects it, it only
// orchestrates load/unload lifecycle and per-segment calls around it.
package transcription

import (
	"context"
	"errors"
)

// Model is the external transcription-model boundary. A concrete adapter
// (e.g. [github.com/localscribe/meetcap/pkg/transcription/whisper.Adapter])
// wraps a specific backend; the pool and lifecycle coordinator only ever
// see this interface.
//
// Implementations must be safe for concurrent use: load/unload calls are
// serialized externally by the lifecycle coordinator, but Transcribe may
// run on several pool workers at once (and alongside a retranscription),
// and is_model_loaded/current_model may be polled concurrently with inference.
type Model interface {
	// LoadModel loads the named model, replacing any currently loaded model.
	LoadModel(ctx context.Context, id string) error

	// UnloadModel releases the current model's resources. Returns false if no
	// model was loaded.
	UnloadModel() bool

	// IsModelLoaded reports whether a model is currently loaded.
	IsModelLoaded() bool

	// CurrentModel returns the loaded model's identifier, or "" if none.
	CurrentModel() string

	// Transcribe runs inference over mono 16kHz float32 samples in [-1,1].
	// language is a BCP-47 tag, "auto", "auto-translate", or "" to use the
	// model's default. confidence is nil when the backend does not expose a
	// native confidence score.
	Transcribe(ctx context.Context, samples []float32, language string) (text string, confidence *float64, isPartial bool, err error)

	// ValidateModelReady checks that the model is ready to serve inference,
	// returning a human-actionable error otherwise.
	ValidateModelReady(ctx context.Context) error
}

// ErrNoModelLoaded is a sentinel the pool recognizes to classify a
// transcribe call against an unloaded model as [audio.KindModelNotLoaded]
// rather than a generic engine failure.
var ErrNoModelLoaded = errors.New("transcription: no model loaded")
