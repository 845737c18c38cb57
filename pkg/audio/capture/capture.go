// Package capture implements the per-source capture stage (§4.1 of the
// design document): channel folding, persistent-state resampling to
// 48 kHz, and — for the microphone source only — the fixed-order
// enhancement chain (high-pass, noise suppression, loudness
// normalization), emitting [audio.AudioChunk] values toward the mixer.
package capture

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/localscribe/meetcap/pkg/audio"
	"github.com/localscribe/meetcap/pkg/audio/dsp"
)

// targetSampleRate is the rate every stream is normalized to before
// reaching the mixer.
const targetSampleRate = 48000

// resampleBlockSize is the resampler's fixed input block size, N_R in the
// design document: samples accumulate in a per-source buffer and are only
// drained to the resampler once at least this many are available, so tail
// energy and phase are preserved across arbitrary-size native callbacks.
const resampleBlockSize = 512

// maxResampleBuf bounds the pre-resample accumulation buffer. It is sized
// generously above resampleBlockSize; being reached at all means the
// resampler (or its consumer) has stalled, not that it is merely pending a
// block boundary.
const maxResampleBuf = resampleBlockSize * 8

// highPassCutoffHz is the microphone enhancement chain's fixed high-pass
// cutoff.
const highPassCutoffHz = 80.0

// Enhancement toggles the three fixed-order microphone enhancement steps.
// Order (high-pass, suppressor, loudness) is not itself configurable — only
// whether each step runs.
type Enhancement struct {
	HighPass   bool
	Suppressor bool
	Loudness   bool
}

// DefaultEnhancement enables all three steps, the microphone path's default.
func DefaultEnhancement() Enhancement {
	return Enhancement{HighPass: true, Suppressor: true, Loudness: true}
}

// Config configures one capture [Stream].
type Config struct {
	Source     audio.Source
	DeviceRate int
	Channels   int

	// Enhancement is only applied when Source is audio.Microphone; system
	// audio is carried through channel-fold and resampling only, per §4.1's
	// "typically no enhancement applied by default" for that path.
	Enhancement Enhancement

	// Clock returns the current recording-clock position in seconds,
	// stamped onto every emitted chunk's Timestamp.
	Clock func() float64

	// Emit receives each produced chunk. Called from whatever goroutine
	// invokes OnFrames — callers needing asynchrony should buffer inside
	// Emit themselves (e.g. handing off to the mixer's own queue).
	Emit func(audio.AudioChunk)

	// ErrorSink receives every non-fatal *audio.Error raised by this
	// stream (buffer overflow, frames dropped while not running, a
	// classified device error). Never receives a panic — capture errors
	// are always reported, never propagated as exceptions.
	ErrorSink func(*audio.Error)
}

// Stream runs one source's channel-fold → resample → (mic-only)
// enhancement pipeline. Not safe for concurrent OnFrames calls from
// multiple goroutines — a device's native callback is expected to be
// serialized by the OS audio API itself.
type Stream struct {
	cfg Config

	running atomic.Bool
	chunkID atomic.Int64

	resampler   *dsp.Resampler
	resampleBuf []float32

	highPass   *dsp.HighPass
	suppressor *dsp.Suppressor
	loudness   *dsp.Loudness

	overflowWarnOnce sync.Once
}

// New constructs a Stream for cfg. If cfg.DeviceRate differs from 48 kHz a
// persistent resampler is attached; the microphone enhancement chain is
// always constructed (cheaply) even if toggled off, so toggling mid-stream
// never loses filter state.
func New(cfg Config) *Stream {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	s := &Stream{cfg: cfg}
	if cfg.DeviceRate != targetSampleRate && cfg.DeviceRate > 0 {
		s.resampler = dsp.NewResampler(cfg.DeviceRate, targetSampleRate)
		s.resampleBuf = make([]float32, 0, resampleBlockSize*2)
	}
	if cfg.Source == audio.Microphone {
		s.highPass = dsp.NewHighPass(highPassCutoffHz, targetSampleRate)
		s.suppressor = dsp.NewSuppressor()
		s.loudness = dsp.NewLoudness()
	}
	return s
}

// Start marks the stream as running; OnFrames is a no-op (and reports
// [audio.KindDroppedWhileNotRunning]) until Start is called.
func (s *Stream) Start() { s.running.Store(true) }

// Stop marks the stream as not running. Subsequent OnFrames calls are
// dropped and reported rather than processed.
func (s *Stream) Stop() { s.running.Store(false) }

// Running reports whether the stream is currently accepting frames.
func (s *Stream) Running() bool { return s.running.Load() }

// OnFrames consumes one native callback's worth of interleaved samples at
// cfg.DeviceRate/cfg.Channels, producing zero or more [audio.AudioChunk]
// values via cfg.Emit. Never panics; all failures are classified and
// handed to cfg.ErrorSink, matching the "no external error from the
// callback" contract.
func (s *Stream) OnFrames(frames []float32) {
	if !s.running.Load() {
		s.reportError(audio.NewError(audio.KindDroppedWhileNotRunning,
			"frames delivered while capture was not running", nil))
		return
	}
	if len(frames) == 0 {
		return
	}

	mono := foldChannels(frames, s.cfg.Channels)
	mono = s.resample(mono)
	if len(mono) == 0 {
		return
	}

	if s.cfg.Source == audio.Microphone {
		if s.cfg.Enhancement.HighPass {
			mono = s.highPass.Process(mono)
		}
		if s.cfg.Enhancement.Suppressor {
			mono = s.suppressor.Process(mono)
			if len(mono) == 0 {
				return
			}
		}
		if s.cfg.Enhancement.Loudness {
			mono = s.loudness.Process(mono)
		}
	}

	var timestamp float64
	if s.cfg.Clock != nil {
		timestamp = s.cfg.Clock()
	}
	chunk := audio.AudioChunk{
		Data:       mono,
		SampleRate: targetSampleRate,
		Timestamp:  timestamp,
		ChunkID:    s.chunkID.Add(1) - 1,
		Source:     s.cfg.Source,
	}
	if s.cfg.Emit != nil {
		s.cfg.Emit(chunk)
	}
}

// resample drains fixed resampleBlockSize blocks from the accumulation
// buffer through the persistent resampler; a remainder below the
// threshold is retained for the next call. A no-op (returns mono
// unchanged) when no resampler is attached.
func (s *Stream) resample(mono []float32) []float32 {
	if s.resampler == nil {
		return mono
	}

	s.resampleBuf = append(s.resampleBuf, mono...)
	if len(s.resampleBuf) > maxResampleBuf {
		drop := len(s.resampleBuf) - maxResampleBuf
		s.resampleBuf = append(s.resampleBuf[:0], s.resampleBuf[drop:]...)
		s.overflowWarnOnce.Do(func() {
			s.reportError(audio.NewError(audio.KindBufferOverflow,
				"resample accumulation buffer overflowed, oldest samples dropped", nil))
		})
	}

	var out []float32
	processed := 0
	for len(s.resampleBuf)-processed >= resampleBlockSize {
		block := s.resampleBuf[processed : processed+resampleBlockSize]
		out = append(out, s.resampler.Process(block)...)
		processed += resampleBlockSize
	}
	s.resampleBuf = append(s.resampleBuf[:0], s.resampleBuf[processed:]...)
	return out
}

func (s *Stream) reportError(err *audio.Error) {
	if s.cfg.ErrorSink != nil {
		s.cfg.ErrorSink(err)
	}
}

// foldChannels averages interleaved multi-channel frames down to mono. A
// channels value of 1 returns frames unchanged (no copy).
func foldChannels(frames []float32, channels int) []float32 {
	if channels <= 1 {
		return frames
	}
	n := len(frames) / channels
	out := make([]float32, n)
	for i := range n {
		var sum float32
		base := i * channels
		for c := range channels {
			sum += frames[base+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ReportDeviceError classifies a raw device/stream error string into the
// design document's error taxonomy, stops the stream from forwarding
// further frames, and hands the classified error to cfg.ErrorSink.
// [audio.KindDeviceDisconnected] additionally signals the caller to hand
// off to the device monitor (§4.8) for reconnection.
func (s *Stream) ReportDeviceError(raw string) *audio.Error {
	s.running.Store(false)
	err := audio.NewError(classifyDeviceError(raw), raw, nil)
	s.reportError(err)
	return err
}

// classifyDeviceError mirrors the original implementation's
// lowercase-substring classification of native stream-error strings.
func classifyDeviceError(raw string) audio.Kind {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "no longer available"),
		strings.Contains(lower, "device not found"),
		strings.Contains(lower, "device disconnected"),
		strings.Contains(lower, "no such device"),
		strings.Contains(lower, "device unavailable"),
		strings.Contains(lower, "device removed"):
		return audio.KindDeviceDisconnected
	case strings.Contains(lower, "permission"), strings.Contains(lower, "access denied"):
		return audio.KindPermissionDenied
	case strings.Contains(lower, "channel closed"):
		return audio.KindChannelClosed
	case strings.Contains(lower, "stream") && strings.Contains(lower, "failed"):
		return audio.KindStreamFailed
	default:
		return audio.KindStreamFailed
	}
}
