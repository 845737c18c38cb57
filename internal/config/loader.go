package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ValidModelNames lists known transcription model backend names.
// Used by [Validate] to warn about unrecognised names.
var ValidModelNames = []string{"whisper-native", "whisper-cpp"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Concurrency profile
	if !cfg.Concurrency.IsValid() {
		errs = append(errs, fmt.Errorf("concurrency_profile %q is invalid; valid values: conservative, balanced, aggressive", cfg.Concurrency))
	}

	// Transcription
	if cfg.Transcription.ModelName == "" {
		errs = append(errs, errors.New("transcription.model_name is required"))
	} else {
		validateModelName(cfg.Transcription.ModelName)
	}
	if cfg.Transcription.Workers < 0 {
		errs = append(errs, fmt.Errorf("transcription.workers %d must not be negative", cfg.Transcription.Workers))
	}
	if cfg.Transcription.Workers > 1 {
		slog.Warn("transcription.workers > 1 has no effect; the transcription pool's worker count is set by concurrency_profile",
			"workers", cfg.Transcription.Workers)
	}

	// Diarization
	if cfg.Diarization.Enabled {
		if cfg.Diarization.RegisteredThreshold < 0 || cfg.Diarization.RegisteredThreshold > 1 {
			errs = append(errs, fmt.Errorf("diarization.registered_threshold %.2f is out of range [0, 1]", cfg.Diarization.RegisteredThreshold))
		}
		if cfg.Diarization.SessionThreshold < 0 || cfg.Diarization.SessionThreshold > 1 {
			errs = append(errs, fmt.Errorf("diarization.session_threshold %.2f is out of range [0, 1]", cfg.Diarization.SessionThreshold))
		}
		if cfg.Diarization.MaxSessionSpeakers <= 0 {
			errs = append(errs, errors.New("diarization.max_session_speakers must be positive when diarization is enabled"))
		}
		if cfg.Diarization.PostgresDSN == "" {
			slog.Warn("diarization.enabled is true but postgres_dsn is empty; registered-speaker matching will be unavailable, session-only clustering still runs")
		}
		if cfg.Diarization.PostgresDSN != "" && cfg.Diarization.EmbeddingDimensions <= 0 {
			errs = append(errs, errors.New("diarization.embedding_dimensions must be positive when postgres_dsn is set"))
		}
	}

	// Devices — at least a warning if both are empty; capture falls back to
	// platform defaults but a silent no-op recording is rarely intended.
	if cfg.Devices.MicrophoneID == "" && cfg.Devices.SystemID == "" {
		slog.Warn("devices.microphone_id and devices.system_id are both empty; the recorder will use platform-default devices for both")
	}

	return errors.Join(errs...)
}

// validateModelName logs a warning if name is not found in [ValidModelNames].
func validateModelName(name string) {
	for _, known := range ValidModelNames {
		if known == name {
			return
		}
	}
	slog.Warn("unknown transcription model backend — may be a typo or a custom registration",
		"name", name,
		"known", ValidModelNames,
	)
}
