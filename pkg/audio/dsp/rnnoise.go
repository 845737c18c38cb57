package dsp

import (
	"log/slog"
	"math"
	"sync"
)

// frameSize is the internal analysis frame used by [Suppressor], matching
// RNNoise's native 10ms/48kHz frame size.
const frameSize = 480

// accumWarnSamples and lengthDeltaWarnSamples are the thresholds named in
// the enhancement-chain contract: the suppressor warns (but never fails)
// when its internal buffer grows past accumWarnSamples, or when an output
// batch's length differs from its input batch's length by more than
// lengthDeltaWarnSamples.
const (
	accumWarnSamples       = 1000
	lengthDeltaWarnSamples = 50
)

// Suppressor is a stand-in for an RNNoise-equivalent denoiser: a per-frame
// adaptive noise gate driven by a running noise-floor estimate, operating on
// 48 kHz mono frames. It carries frame-to-frame state (the noise floor
// estimate and the spill-over input buffer) so that streaming in arbitrary
// chunk sizes matches filtering the signal whole.
//
// No ecosystem RNNoise binding exists in the retrieval pack (see
// DESIGN.md); this hand-rolled gate is the documented fallback.
//
// Not safe for concurrent use — each capture source owns an exclusive
// instance.
type Suppressor struct {
	buf []float32 // spill-over input not yet processed as a full frame

	noiseFloor float64 // running estimate of background RMS energy
	primed     bool

	warnAccumOnce sync.Once
	warnDeltaOnce sync.Once
}

// NewSuppressor constructs a [Suppressor] with zeroed state.
func NewSuppressor() *Suppressor {
	return &Suppressor{buf: make([]float32, 0, frameSize*2)}
}

// Process consumes samples, internally batching them into [frameSize]
// frames, and returns the gated output. The returned slice may be shorter
// or longer than samples by up to one frame, since output is only produced
// for complete internal frames.
func (s *Suppressor) Process(samples []float32) []float32 {
	s.buf = append(s.buf, samples...)

	if len(s.buf) > accumWarnSamples {
		s.warnAccumOnce.Do(func() {
			slog.Warn("rnnoise-equivalent suppressor buffer accumulating beyond threshold",
				"buffered_samples", len(s.buf), "threshold", accumWarnSamples)
		})
	}

	out := make([]float32, 0, len(samples))
	n := len(s.buf)
	processed := 0
	for n-processed >= frameSize {
		frame := s.buf[processed : processed+frameSize]
		out = append(out, s.gateFrame(frame)...)
		processed += frameSize
	}
	s.buf = append(s.buf[:0], s.buf[processed:]...)

	if delta := len(out) - len(samples); delta > lengthDeltaWarnSamples || -delta > lengthDeltaWarnSamples {
		s.warnDeltaOnce.Do(func() {
			slog.Warn("rnnoise-equivalent suppressor output/input length delta beyond threshold",
				"input_len", len(samples), "output_len", len(out), "threshold", lengthDeltaWarnSamples)
		})
	}

	return out
}

// gateFrame estimates the frame's RMS energy, updates the running noise
// floor (following drops faster than rises), and attenuates the frame smoothly
// when its energy is close to the floor (likely noise) while passing
// voiced frames through unattenuated.
func (s *Suppressor) gateFrame(frame []float32) []float32 {
	var sumSq float64
	for _, x := range frame {
		sumSq += float64(x) * float64(x)
	}
	rms := math.Sqrt(sumSq / float64(len(frame)))

	if !s.primed {
		s.noiseFloor = rms
		s.primed = true
	} else if rms < s.noiseFloor {
		// Faster tracking when energy drops: follow the floor down.
		s.noiseFloor += (rms - s.noiseFloor) * 0.05
	} else {
		// Slow rise when energy increases: don't let loud speech drag the floor up.
		s.noiseFloor += (rms - s.noiseFloor) * 0.01
	}

	// Gain ramps from near-zero at the floor to 1.0 once energy exceeds
	// 3x the floor, with a smooth transition to avoid musical-noise artifacts.
	threshold := s.noiseFloor * 3
	var gain float64
	switch {
	case threshold <= 0 || rms >= threshold:
		gain = 1.0
	default:
		gain = rms / threshold
		gain = gain * gain // soften the knee
	}

	out := make([]float32, len(frame))
	for i, x := range frame {
		out[i] = float32(float64(x) * gain)
	}
	return out
}

// Reset clears all persistent state.
func (s *Suppressor) Reset() {
	s.buf = s.buf[:0]
	s.noiseFloor = 0
	s.primed = false
}
