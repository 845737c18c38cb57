// Package diarization attributes speakers to transcript segments: an
// offline algorithm run over the full recording (there is no live,
// during-recording path), grounded on the registered-voice matching and
// session-clustering logic of the original desktop recorder's diarization
// engine.
package diarization

import (
	"math"
	"time"
)

// SpeakerSegment is one time-contiguous span attributed to a single
// speaker, before assignment onto transcript segments.
type SpeakerSegment struct {
	StartTime float64 // seconds
	EndTime   float64 // seconds

	SpeakerID    string
	SpeakerLabel string
	Confidence   float64

	IsRegistered       bool
	RegisteredSpeakerID string
}

// RegisteredSpeaker is a persisted voice profile matched across recordings
// via cosine similarity against Embedding.
type RegisteredSpeaker struct {
	ID          string
	Name        string
	Embedding   []float32
	SampleCount uint32
	CreatedAt   time.Time
	LastSeen    *time.Time
}

// Embedder computes a fixed-dimension speaker embedding from mono 16kHz
// float32 samples. The concrete model (e.g. a wespeaker/pyannote ONNX
// binding) is an external collaborator per the design document's §6
// boundary list — no such binding exists in the retrieval pack, so callers
// must supply one.
type Embedder interface {
	Embed(samples []float32) ([]float32, error)
}

// SpeechSegmenter extracts speech sub-segments (start/end seconds, plus
// the underlying samples) from full-recording audio. Also an external
// collaborator boundary; a real implementation is typically a
// speaker-segmentation model distinct from the VAD used during live
// capture.
type SpeechSegmenter interface {
	Segments(samples []float32, sampleRate int) ([]RawSegment, error)
}

// RawSegment is one speech sub-segment as produced by a [SpeechSegmenter],
// prior to speaker identification.
type RawSegment struct {
	StartTime float64
	EndTime   float64
	Samples   []float32
}

// cosineSimilarity returns (a·b)/(‖a‖·‖b‖), or 0 when either vector is
// empty, mismatched in length, or zero-norm.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
