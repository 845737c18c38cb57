// Package config provides the configuration schema, loader, and provider
// registry for the meeting recorder's capture-to-transcript pipeline.
package config

import "time"

// Config is the root configuration structure for the recorder.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Devices       DevicesConfig       `yaml:"devices"`
	Enhancement   EnhancementConfig   `yaml:"enhancement"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Diarization   DiarizationConfig   `yaml:"diarization"`
	Concurrency   ConcurrencyProfile  `yaml:"concurrency_profile"`
}

// ServerConfig holds network and logging settings for the event/control server.
type ServerConfig struct {
	// ListenAddr is the TCP address the websocket event server listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel names a slog verbosity level accepted in configuration.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// DevicesConfig names the OS audio devices the recorder captures from.
// Empty IDs mean "use the platform default device of that kind" — the
// concrete resolution is the device-enumeration collaborator's job (§6).
type DevicesConfig struct {
	MicrophoneID string `yaml:"microphone_id"`
	SystemID     string `yaml:"system_id"`
}

// EnhancementConfig declares which stages of the per-stream DSP chain are
// active for each capture source. The system-audio leg conventionally
// leaves these off (§4.1 only applies the chain to the microphone leg).
// The System toggles are parsed but not applied: capture builds and runs
// the chain for the microphone leg only.
type EnhancementConfig struct {
	Microphone EnhancementToggles `yaml:"microphone"`
	System     EnhancementToggles `yaml:"system"`
}

// EnhancementToggles mirrors [capture.Enhancement] at the config layer so
// the YAML schema doesn't reach into an internal package's types directly.
type EnhancementToggles struct {
	HighPass   bool `yaml:"high_pass"`
	Suppressor bool `yaml:"suppressor"`
	Loudness   bool `yaml:"loudness"`
}

// TranscriptionConfig configures the transcription model backend and the
// worker pool that drives it.
type TranscriptionConfig struct {
	// ModelName selects the registered model backend (e.g., "whisper-native").
	ModelName string `yaml:"model_name"`

	// ModelPath is the on-disk path to the model weights file.
	ModelPath string `yaml:"model_path"`

	// Language is a BCP-47 tag, "auto", "auto-translate", or "" to let the
	// model choose.
	Language string `yaml:"language"`

	// WarmupDuration bounds the warm-up phase before the transcription
	// gate opens (§4.7 step 6). Zero uses the pool's own default.
	WarmupDuration time.Duration `yaml:"warmup_duration"`

	// Workers is validated (negative values are rejected) but does not size
	// the transcription pool: the pool's worker count comes from the
	// concurrency profile's WorkerCount.
	Workers int `yaml:"workers"`
}

// DiarizationConfig configures the offline/session speaker-attribution
// engine (§4.5). Diarization is entirely optional: Enabled false leaves
// transcripts unattributed and the recorder never constructs an Engine.
type DiarizationConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxSessionSpeakers bounds how many distinct in-session speaker
	// clusters the session speaker manager will track (§4.6).
	MaxSessionSpeakers int `yaml:"max_session_speakers"`

	// RegisteredThreshold (τ_reg) is the minimum cosine similarity against
	// a stored [RegisteredSpeaker] embedding to accept a match.
	RegisteredThreshold float64 `yaml:"registered_threshold"`

	// SessionThreshold (τ_ses) is the minimum cosine similarity to merge an
	// utterance into an existing in-session speaker cluster rather than
	// starting a new one.
	SessionThreshold float64 `yaml:"session_threshold"`

	// PostgresDSN is the connection string for the pgvector-backed
	// registered-speaker store. Empty disables registered-speaker lookups;
	// session-only clustering still runs.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions is the vector dimension produced by the
	// configured embedder. Must match the embeddings column in Postgres.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// ConcurrencyProfile isolates platform-specific tuning — transcription
// worker count, ring-buffer headroom multiplier — behind one enumerated
// knob, per the design document's "Platform-specific tuning" note (§9),
// rather than scattering hardware-advisory constants through the core.
type ConcurrencyProfile string

const (
	// ProfileConservative favors low resource usage on modest hardware:
	// single transcription worker, minimal ring-buffer headroom.
	ProfileConservative ConcurrencyProfile = "conservative"

	// ProfileBalanced is the default: single transcription worker (strict
	// ordering, no reorder buffer) with standard ring-buffer headroom.
	ProfileBalanced ConcurrencyProfile = "balanced"

	// ProfileAggressive favors throughput on capable hardware: two
	// transcription workers, whose out-of-order completions the pool's
	// sequencer puts back in submission order, and the widest ring-buffer
	// headroom.
	ProfileAggressive ConcurrencyProfile = "aggressive"
)

// IsValid reports whether p is one of the recognised profiles.
func (p ConcurrencyProfile) IsValid() bool {
	switch p {
	case ProfileConservative, ProfileBalanced, ProfileAggressive, "":
		return true
	default:
		return false
	}
}

// WorkerCount returns the recommended transcription pool worker count for
// this profile. Empty profile behaves like [ProfileBalanced].
func (p ConcurrencyProfile) WorkerCount() int {
	switch p {
	case ProfileConservative:
		return 1
	case ProfileAggressive:
		return 2
	default:
		return 1
	}
}

// RingBufferHeadroom returns the multiplier applied to the mixer window
// size when sizing ring-buffer overflow capacity (§4.2's 8·W bound scales
// with this profile).
func (p ConcurrencyProfile) RingBufferHeadroom() int {
	switch p {
	case ProfileConservative:
		return 4
	case ProfileAggressive:
		return 16
	default:
		return 8
	}
}
