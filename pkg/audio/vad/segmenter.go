// Package vad implements the voice-activity segmenter: it consumes mixed
// 48 kHz mono windows, down-samples to 16 kHz, and emits [audio.SpeechSegment]
// values once an end-of-speech is detected, using the platform-tuned
// redemption (hangover) window named in the governing design document.
//
// Frame-level speech probability is supplied by a pluggable
// [vadprovider.Engine] (the external collaborator boundary named in §6 of
// the design document) — no real VAD model binding exists in the retrieval
// pack, so [EnergyEngine] is shipped as the in-pack-justified default,
// mirroring the same "no ecosystem alternative" reasoning as the DSP
// package.
package vad

import (
	"log/slog"

	"github.com/localscribe/meetcap/pkg/audio"
	"github.com/localscribe/meetcap/pkg/audio/dsp"
	vadprovider "github.com/localscribe/meetcap/pkg/provider/vad"
)

// state is the segmenter's internal voice-activity state machine position.
type state int

const (
	stateIdle state = iota
	stateRising
	stateActive
	stateFalling
)

const (
	// redemptionMs is the hangover window: once speech probability drops
	// below the exit threshold, the segment remains "active" for this long
	// to bridge natural pauses before being finalized.
	redemptionMs = 400.0

	// minSegmentSamples16k is the minimum emitted segment length: 50ms @ 16kHz.
	minSegmentSamples16k = 800

	frameMs = 20 // analysis frame size fed to the probability engine
)

// Segmenter runs the Idle -> Rising -> Active -> Falling -> Idle voice
// activity state machine over a stream of mixed 48 kHz windows, emitting
// complete [audio.SpeechSegment] values on a channel.
//
// Not safe for concurrent use — a single goroutine (the mixer's pipeline
// consumer) owns an instance and calls [Segmenter.Feed] sequentially.
type Segmenter struct {
	session    vadprovider.SessionHandle
	resampler  *dsp.Resampler
	sampleRate int // input (mixed-window) sample rate, always 48000 in practice

	st            state
	buf16k        []float32 // 16kHz samples accumulated for the in-progress segment
	startMs       float64
	redemptionAcc float64 // ms of sub-threshold probability accumulated while Falling
	clockMs       float64 // running position on the recording clock, in ms

	segments chan audio.SpeechSegment

	firstEmission bool
}

// New builds a [Segmenter] reading 48kHz mixed windows and driving frame
// probabilities through engine. The returned channel is closed by [Flush].
func New(engine vadprovider.Engine, sampleRate int) (*Segmenter, error) {
	session, err := engine.NewSession(vadprovider.Config{
		SampleRate:       16000,
		FrameSizeMs:      frameMs,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	})
	if err != nil {
		return nil, audio.NewError(audio.KindProcessingFailed, "vad engine NewSession failed", err)
	}
	return &Segmenter{
		session:    session,
		resampler:  dsp.NewResampler(sampleRate, 16000),
		sampleRate: sampleRate,
		segments:   make(chan audio.SpeechSegment, 8),
	}, nil
}

// Segments returns the channel emitted [audio.SpeechSegment] values arrive on.
func (s *Segmenter) Segments() <-chan audio.SpeechSegment { return s.segments }

// Feed processes one mixed window (at the segmenter's configured input rate)
// and advances the state machine. window's duration (in ms) advances the
// recording-clock position used to timestamp emitted segments.
func (s *Segmenter) Feed(window []float32) {
	samples16k := s.resampler.Process(window)

	frameSamples := 16000 * frameMs / 1000
	pcm16 := floatToPCM16(samples16k)
	for i := 0; i+frameSamples*2 <= len(pcm16); i += frameSamples * 2 {
		frame := pcm16[i : i+frameSamples*2]
		ev, err := s.session.ProcessFrame(frame)
		if err != nil {
			slog.Warn("vad session ProcessFrame failed", "err", err)
			continue
		}
		s.advance(ev, samples16k[i/2:i/2+frameSamples], frameMs)
	}
}

// advance runs one frame through the state machine, accumulating samples
// into the in-progress segment while Rising/Active/Falling.
func (s *Segmenter) advance(ev vadprovider.VADEvent, frame []float32, durMs float64) {
	speech := ev.Type == vadprovider.VADSpeechStart || ev.Type == vadprovider.VADSpeechContinue

	switch s.st {
	case stateIdle:
		if speech {
			s.st = stateRising
			s.startMs = s.clockMs
			s.buf16k = append(s.buf16k[:0], frame...)
		}
	case stateRising, stateActive:
		if speech {
			s.st = stateActive
			s.buf16k = append(s.buf16k, frame...)
		} else {
			s.st = stateFalling
			s.redemptionAcc = 0
			s.buf16k = append(s.buf16k, frame...)
		}
	case stateFalling:
		if speech {
			s.st = stateActive
			s.buf16k = append(s.buf16k, frame...)
		} else {
			s.redemptionAcc += durMs
			s.buf16k = append(s.buf16k, frame...)
			if s.redemptionAcc >= redemptionMs {
				s.finalize()
			}
		}
	}
	s.clockMs += durMs
}

// finalize emits the in-progress segment if it meets the minimum duration,
// then resets to Idle.
func (s *Segmenter) finalize() {
	endMs := s.clockMs
	if len(s.buf16k) >= minSegmentSamples16k {
		seg := audio.SpeechSegment{
			Samples: append([]float32(nil), s.buf16k...),
			StartMs: s.startMs,
			EndMs:   endMs,
		}
		select {
		case s.segments <- seg:
		default:
			slog.Warn("vad segment channel full, blocking producer")
			s.segments <- seg
		}
	}
	s.st = stateIdle
	s.buf16k = s.buf16k[:0]
	s.redemptionAcc = 0
}

// Flush force-terminates any open segment (called on lifecycle stop) and
// closes the segment channel. Safe to call once.
func (s *Segmenter) Flush() {
	if s.st != stateIdle {
		s.finalize()
	}
	_ = s.session.Close()
	close(s.segments)
}

func floatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := f * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		iv := int16(v)
		out[i*2] = byte(iv)
		out[i*2+1] = byte(iv >> 8)
	}
	return out
}
