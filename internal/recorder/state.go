// Package recorder implements the lifecycle coordinator (§4.7 of the
// design document): the Idle → Starting → Recording ⇄ Paused → Stopping →
// Idle state machine that owns RecordingState and drives start/stop of
// every pipeline component with the lossless-shutdown guarantee.
package recorder

import (
	"sync"
	"time"

	"github.com/localscribe/meetcap/pkg/audio"
)

// Phase names the lifecycle's coarse state, exposed for UI display and
// tests. It is distinct from the finer-grained stop phases (A-E) emitted
// as progress events during Stop.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseRecording
	PhasePaused
	PhaseStopping
	PhaseFatalError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseRecording:
		return "recording"
	case PhasePaused:
		return "paused"
	case PhaseStopping:
		return "stopping"
	case PhaseFatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// State is the process-wide singleton per active recording: run/pause
// flags, the recording clock, the most recent fatal error, and the two
// gating flags (warm-up complete, transcription enabled). Neither the
// transcription worker pool nor the VAD segmenter reads these flags; the
// pool keeps its own gate, opened by Pool.EnableTranscription. Mutated
// only through its own methods, each serialized by mu.
//
// The recording clock measures accumulated *active* (non-paused) duration
// since Start, never wall-clock time — pausing freezes it exactly as
// §4.7 requires.
type State struct {
	mu sync.Mutex

	phase Phase

	startedAt         time.Time
	pausedAt          time.Time
	accumulatedActive time.Duration

	fatalErr *audio.Error

	warmupComplete       bool
	transcriptionEnabled bool

	errorSink func(*audio.Error)
}

// NewState constructs an idle State. errorSink, if non-nil, receives every
// error reported via ReportError.
func NewState(errorSink func(*audio.Error)) *State {
	return &State{phase: PhaseIdle, errorSink: errorSink}
}

// Phase returns the current coarse lifecycle phase.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *State) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Begin transitions Idle → Starting and resets the recording clock. It is
// the caller's (the Coordinator's) responsibility to ensure Begin is only
// called from Idle.
func (s *State) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseStarting
	s.startedAt = time.Now()
	s.accumulatedActive = 0
	s.fatalErr = nil
	s.warmupComplete = false
	s.transcriptionEnabled = false
}

// MarkRecording transitions Starting → Recording once every component has
// been spawned (§4.7 step 7, just before recording-started is emitted).
func (s *State) MarkRecording() { s.setPhase(PhaseRecording) }

// Pause freezes the recording clock and transitions Recording → Paused.
// A no-op if not currently recording.
func (s *State) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseRecording {
		return false
	}
	s.accumulatedActive += time.Since(s.startedAt)
	s.pausedAt = time.Now()
	s.phase = PhasePaused
	return true
}

// Resume un-freezes the recording clock and transitions Paused →
// Recording. A no-op if not currently paused.
func (s *State) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhasePaused {
		return false
	}
	s.startedAt = time.Now()
	s.pausedAt = time.Time{}
	s.phase = PhaseRecording
	return true
}

// BeginStop transitions into Stopping. Valid from Recording or Paused.
func (s *State) BeginStop() {
	s.mu.Lock()
	if s.phase == PhaseRecording {
		s.accumulatedActive += time.Since(s.startedAt)
	}
	s.phase = PhaseStopping
	s.mu.Unlock()
}

// Idle returns to the Idle phase after a successful stop, releasing the
// process-wide singleton's contents for the next recording.
func (s *State) Idle() { s.setPhase(PhaseIdle) }

// RecordingDuration returns the accumulated active (non-paused) duration
// in seconds — the recording clock every downstream component stamps its
// timestamps against.
func (s *State) RecordingDuration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.accumulatedActive
	if s.phase == PhaseRecording {
		active += time.Since(s.startedAt)
	}
	return active.Seconds()
}

// IsRunning reports whether capture should currently forward frames:
// true in Recording, false in every other phase (including Paused —
// capture forwarding is suppressed while paused per §4.7).
func (s *State) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhaseRecording
}

// SetWarmupComplete marks the transcription warm-up phase as finished.
func (s *State) SetWarmupComplete() {
	s.mu.Lock()
	s.warmupComplete = true
	s.mu.Unlock()
}

// WarmupComplete reports whether the warm-up phase has finished.
func (s *State) WarmupComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warmupComplete
}

// ReportError records a fatal error and forwards it to the configured
// error sink. Capture, mixer, and worker-pool components all funnel their
// classified errors through here.
func (s *State) ReportError(err *audio.Error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.fatalErr = err
	s.mu.Unlock()
	if s.errorSink != nil {
		s.errorSink(err)
	}
}

// FatalError returns the most recently reported error, or nil.
func (s *State) FatalError() *audio.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// MarkFatal transitions into FatalError, reachable only from Stopping on
// an unrecoverable capture error per §4.7's state diagram.
func (s *State) MarkFatal(err *audio.Error) {
	s.ReportError(err)
	s.setPhase(PhaseFatalError)
}
