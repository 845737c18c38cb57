// Package mixer implements the phase-aligned ring-buffer mixer that merges
// the microphone and system-audio capture streams into fixed-size windows
// for recording and downstream VAD.
//
// The algorithm is a direct port of the original implementation's
// AudioMixerRingBuffer (see DESIGN.md): two independent sample queues, one
// per source, mixed into fixed windows with zero-padding for gaps so that
// per-source jitter never stalls or corrupts the combined stream.
package mixer

import (
	"log/slog"
	"sync"

	"github.com/localscribe/meetcap/pkg/audio"
)

// defaultWindowMs is the mix window duration: 600 ms.
const defaultWindowMs = 600.0

// defaultRingBufferHeadroom is the multiplier applied to windowSize when
// sizing each source's overflow capacity, matching
// [config.ConcurrencyProfile.RingBufferHeadroom]'s "balanced" default.
const defaultRingBufferHeadroom = 8

// Option configures a [Mixer] during construction.
type Option func(*Mixer)

// WithWindowMs overrides the mix window duration in milliseconds (default 600ms).
func WithWindowMs(ms float64) Option {
	return func(m *Mixer) {
		if ms > 0 {
			m.windowMs = ms
		}
	}
}

// WithRingBufferHeadroom overrides the per-source overflow capacity
// multiplier (default 8x windowSize), per the active
// [config.ConcurrencyProfile]'s RingBufferHeadroom.
func WithRingBufferHeadroom(multiplier int) Option {
	return func(m *Mixer) {
		if multiplier > 0 {
			m.ringBufferHeadroom = multiplier
		}
	}
}

// Mixer merges per-source 48 kHz mono sample queues into fixed-size mixed
// windows. It is the single reader of two writer-fed queues (capture
// goroutines, tagged by [audio.Source]).
//
// Safe for concurrent use: writers call [Mixer.AddSamples] from their own
// goroutines; a single reader calls [Mixer.CanMix] / [Mixer.ExtractWindow].
type Mixer struct {
	sampleRate int
	windowMs   float64

	ringBufferHeadroom int // multiplier applied to windowSize when sizing maxBuffer

	windowSize int // samples per window, derived from windowMs*sampleRate
	maxBuffer  int // ringBufferHeadroom x windowSize

	mu  sync.Mutex
	mic []float32
	sys []float32

	micOverflowCount int64
	sysOverflowCount int64
}

// New creates a [Mixer] for sampleRate Hz mono input.
func New(sampleRate int, opts ...Option) *Mixer {
	m := &Mixer{
		sampleRate:         sampleRate,
		windowMs:           defaultWindowMs,
		ringBufferHeadroom: defaultRingBufferHeadroom,
	}
	for _, o := range opts {
		o(m)
	}
	m.windowSize = int(m.windowMs / 1000.0 * float64(sampleRate))
	m.maxBuffer = m.windowSize * m.ringBufferHeadroom
	m.mic = make([]float32, 0, m.maxBuffer)
	m.sys = make([]float32, 0, m.maxBuffer)
	return m
}

// WindowSize returns the fixed number of samples each mixed window contains.
func (m *Mixer) WindowSize() int { return m.windowSize }

// AddSamples appends samples to src's queue, dropping the oldest samples
// with a logged warning if the queue would exceed its maximum capacity
// (ringBufferHeadroom x the window size). Microphone overflow logs at WARN; system-audio
// overflow logs at ERROR, per the enhancement-chain contract — a dropped
// system-audio sample is a data-integrity concern, a dropped mic sample is
// merely UX degradation.
func (m *Mixer) AddSamples(src audio.Source, samples []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch src {
	case audio.Microphone:
		m.mic = append(m.mic, samples...)
		if over := len(m.mic) - m.maxBuffer; over > 0 {
			m.micOverflowCount++
			slog.Warn("mixer mic ring buffer overflow, dropping oldest samples",
				"dropped", over, "buffered", len(m.mic), "max", m.maxBuffer, "occurrence", m.micOverflowCount)
			m.mic = m.mic[over:]
		}
	case audio.System:
		m.sys = append(m.sys, samples...)
		if over := len(m.sys) - m.maxBuffer; over > 0 {
			m.sysOverflowCount++
			slog.Error("mixer system-audio ring buffer overflow, dropping oldest samples",
				"dropped", over, "buffered", len(m.sys), "max", m.maxBuffer, "occurrence", m.sysOverflowCount)
			m.sys = m.sys[over:]
		}
	}
}

// CanMix reports whether at least one window's worth of samples is
// available from either source. One-sided readiness (rather than requiring
// both queues to be full) prevents stalls when one source is briefly silent
// or slow.
func (m *Mixer) CanMix() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mic) >= m.windowSize || len(m.sys) >= m.windowSize
}

// ExtractWindow drains up to one window's worth of samples from each
// source's queue, zero-padding any shortfall, and mixes them by clipped
// addition: mixed[i] = clip(mic[i]+sys[i], -1, 1). The microphone leg is
// assumed already loudness-normalized, so no ducking is applied.
func (m *Mixer) ExtractWindow() []float32 {
	m.mu.Lock()
	micWindow := m.drainOrPad(&m.mic)
	sysWindow := m.drainOrPad(&m.sys)
	m.mu.Unlock()

	mixed := make([]float32, m.windowSize)
	for i := range mixed {
		mixed[i] = clip(micWindow[i] + sysWindow[i])
	}
	return mixed
}

// drainOrPad removes up to windowSize samples from *queue, zero-padding the
// result if fewer were available. Must be called with m.mu held.
func (m *Mixer) drainOrPad(queue *[]float32) []float32 {
	out := make([]float32, m.windowSize)
	n := min(len(*queue), m.windowSize)
	copy(out, (*queue)[:n])
	*queue = (*queue)[n:]
	return out
}

func clip(x float32) float32 {
	switch {
	case x > 1:
		return 1
	case x < -1:
		return -1
	default:
		return x
	}
}
