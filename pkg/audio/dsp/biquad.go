// Package dsp implements the per-stream enhancement chain and sample-rate
// conversion used by the capture stage: a biquad high-pass filter, an
// RNNoise-equivalent noise suppressor, EBU R128 loudness normalization, and a
// windowed-sinc polyphase resampler.
//
// No ecosystem dependency in the retrieval pack offers a streaming,
// persistent-state filter API (see DESIGN.md), so these stages are
// hand-rolled on top of plain math — the one deliberate standard-library
// exception to this codebase's "reach for a library" default.
package dsp

import "math"

// HighPass is a second-order (biquad) Butterworth high-pass filter with
// state that persists across chunks, so that filtering a stream in
// arbitrary-size pieces gives the same result as filtering it whole.
//
// Not safe for concurrent use — each capture source owns an exclusive
// instance.
type HighPass struct {
	b0, b1, b2 float64
	a1, a2     float64

	x1, x2 float64
	y1, y2 float64
}

// NewHighPass builds a biquad high-pass filter with the given cutoff
// frequency (Hz) at the given sample rate (Hz).
func NewHighPass(cutoffHz float64, sampleRate int) *HighPass {
	omega := 2 * math.Pi * cutoffHz / float64(sampleRate)
	sinOmega, cosOmega := math.Sincos(omega)
	// Q = 1/sqrt(2) gives a maximally-flat (Butterworth) response.
	const q = 0.7071067811865476
	alpha := sinOmega / (2 * q)

	a0 := 1 + alpha
	h := &HighPass{
		b0: (1 + cosOmega) / 2 / a0,
		b1: -(1 + cosOmega) / a0,
		b2: (1 + cosOmega) / 2 / a0,
		a1: -2 * cosOmega / a0,
		a2: (1 - alpha) / a0,
	}
	return h
}

// Process filters in-place and returns the same slice, so callers that don't
// need to retain the original input can avoid an allocation.
func (h *HighPass) Process(samples []float32) []float32 {
	for i, x := range samples {
		xf := float64(x)
		y := h.b0*xf + h.b1*h.x1 + h.b2*h.x2 - h.a1*h.y1 - h.a2*h.y2
		h.x2, h.x1 = h.x1, xf
		h.y2, h.y1 = h.y1, y
		samples[i] = float32(y)
	}
	return samples
}

// Reset clears the filter's persistent state, e.g. when a stream restarts.
func (h *HighPass) Reset() {
	h.x1, h.x2, h.y1, h.y2 = 0, 0, 0, 0
}
