package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked — device
// selection and the concurrency profile require a fresh recording session
// and are deliberately not diffed here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LanguageChanged bool
	NewLanguage     string

	EnhancementChanged bool
	NewEnhancement     EnhancementConfig

	DiarizationThresholdsChanged bool
	NewDiarization               DiarizationConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restarting the
// active recording session.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Transcription.Language != new.Transcription.Language {
		d.LanguageChanged = true
		d.NewLanguage = new.Transcription.Language
	}

	if old.Enhancement != new.Enhancement {
		d.EnhancementChanged = true
		d.NewEnhancement = new.Enhancement
	}

	if old.Diarization.RegisteredThreshold != new.Diarization.RegisteredThreshold ||
		old.Diarization.SessionThreshold != new.Diarization.SessionThreshold {
		d.DiarizationThresholdsChanged = true
		d.NewDiarization = new.Diarization
	}

	return d
}
