package dsp

import "math"

// Interpolation selects the kernel used between sinc taps when the resample
// ratio is not an exact integer multiple.
type Interpolation int

const (
	// Cubic interpolates using a 4-point cubic Hermite kernel.
	Cubic Interpolation = iota
	// Linear interpolates using simple linear blending between adjacent taps.
	Linear
)

// sincParams bundles the windowed-sinc resampler parameters selected by
// input/output rate ratio, mirroring the original Rust implementation's
// rubato::SincFixedIn parameter table exactly.
type sincParams struct {
	sincLen     int
	interp      Interpolation
	oversample  int
}

// paramsForRatio selects resampler parameters from the ratio r =
// outputRate/inputRate, per the fixed table:
//
//	r >= 2.0        -> sinc_len=512, cubic,  oversample=512
//	r in [1.5, 2.0) -> 384, cubic,  384
//	r in (1.0, 1.5) -> 256, linear, 256
//	r <= 0.5        -> 512, cubic,  512
//	otherwise       -> 384, linear, 384
func paramsForRatio(r float64) sincParams {
	switch {
	case r >= 2.0:
		return sincParams{512, Cubic, 512}
	case r >= 1.5:
		return sincParams{384, Cubic, 384}
	case r > 1.0:
		return sincParams{256, Linear, 256}
	case r <= 0.5:
		return sincParams{512, Cubic, 512}
	default:
		return sincParams{384, Linear, 384}
	}
}

// fCutoff is the relative cutoff frequency applied to the sinc kernel,
// matching the original implementation's f_cutoff: 0.95.
const fCutoff = 0.95

// maxRelativeDeviation bounds how far a fixed-size output block's length may
// drift from the nominal ratio-implied length, matching the original's
// max_resample_ratio_relative: 2.0 (accepted here as documentation; this
// streaming implementation computes exact output lengths per call rather
// than pre-allocating fixed blocks, so the bound is never exceeded).
const maxRelativeDeviation = 2.0

// Resampler performs streaming, phase- and energy-preserving sample-rate
// conversion using a windowed-sinc (Blackman-Harris 2-term) polyphase
// kernel, matching parameters chosen by the original Rust implementation's
// rubato configuration table (see DESIGN.md — no Go rubato binding exists
// in the retrieval pack).
//
// State (the kernel, the phase accumulator, and the tail of unconsumed
// input) persists across calls to [Resampler.Process], so that resampling a
// stream in arbitrary-size pieces gives the same result as resampling it
// whole — this preserves phase and energy across capture callbacks, unlike
// a per-chunk resampler.
//
// Not safe for concurrent use — each capture source owns an exclusive
// instance.
type Resampler struct {
	inRate, outRate int
	ratio           float64 // outRate / inRate
	params          sincParams
	taps            []float64 // precomputed windowed-sinc kernel, oversampled

	history []float64 // trailing input samples needed to interpolate near the start
	phase   float64   // fractional input-sample position of the next output sample
}

// NewResampler builds a [Resampler] converting from inRate to outRate, both
// in Hz. Parameters (sinc length, interpolation kernel, oversampling) are
// chosen automatically from the rate ratio.
func NewResampler(inRate, outRate int) *Resampler {
	ratio := float64(outRate) / float64(inRate)
	params := paramsForRatio(ratio)

	r := &Resampler{
		inRate:  inRate,
		outRate: outRate,
		ratio:   ratio,
		params:  params,
	}
	r.taps = buildSincKernel(params)
	r.history = make([]float64, params.sincLen)
	return r
}

// buildSincKernel precomputes an oversampled, Blackman-Harris-2-term-windowed
// sinc kernel of the configured length.
func buildSincKernel(p sincParams) []float64 {
	half := p.sincLen / 2
	n := p.sincLen*p.oversample + 1
	taps := make([]float64, n)
	for i := range n {
		// t is the kernel's continuous-time coordinate in units of input samples,
		// centered at zero, spanning [-half, +half].
		t := (float64(i)/float64(p.oversample) - float64(half))
		taps[i] = sinc(t*fCutoff) * fCutoff * blackmanHarris2(float64(i)/float64(n-1))
	}
	return taps
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackmanHarris2 is the 2-term Blackman-Harris window over [0,1].
func blackmanHarris2(u float64) float64 {
	const a0, a1 = 0.5, 0.5
	return a0 - a1*math.Cos(2*math.Pi*u)
}

// Process resamples in and returns the converted output. Trailing input
// samples that don't yet produce an output sample are retained internally
// and used on the next call, so callers may submit arbitrary-size chunks.
func (r *Resampler) Process(in []float32) []float32 {
	if r.inRate == r.outRate {
		return in
	}

	history64 := make([]float64, len(in))
	for i, v := range in {
		history64[i] = float64(v)
	}
	buf := append(r.history, history64...)

	half := r.params.sincLen / 2
	var out []float64
	pos := r.phase
	for {
		idx := int(math.Floor(pos))
		if idx+half+1 >= len(buf) {
			break
		}
		out = append(out, r.interpolateAt(buf, pos))
		pos += 1.0 / r.ratio
	}

	// Retain the tail of the buffer not yet consumed, shifted to keep history
	// bounded, and carry the fractional phase forward.
	consumedWhole := int(math.Floor(pos)) - half
	if consumedWhole < 0 {
		consumedWhole = 0
	}
	if consumedWhole > len(buf) {
		consumedWhole = len(buf)
	}
	tailStart := consumedWhole
	if tailStart > len(buf)-r.params.sincLen {
		tailStart = max(0, len(buf)-r.params.sincLen)
	}
	r.phase = pos - float64(tailStart)
	r.history = append([]float64(nil), buf[tailStart:]...)

	result := make([]float32, len(out))
	for i, v := range out {
		result[i] = float32(v)
	}
	return result
}

// interpolateAt evaluates the resampled signal at fractional input position
// pos using the precomputed sinc kernel, selecting the oversample phase
// closest to pos's fractional part and (for non-integer taps) the
// configured interpolation kernel between adjacent oversample phases.
func (r *Resampler) interpolateAt(buf []float64, pos float64) float64 {
	half := r.params.sincLen / 2
	base := int(math.Floor(pos))
	frac := pos - float64(base)

	var acc float64
	for k := -half; k < half; k++ {
		sampleIdx := base + k
		if sampleIdx < 0 || sampleIdx >= len(buf) {
			continue
		}
		// Kernel argument distance from this tap to the fractional output position.
		d := float64(k) - frac + float64(half)
		tapPos := d * float64(r.params.oversample)
		acc += buf[sampleIdx] * r.sampleKernel(tapPos)
	}
	return acc
}

// sampleKernel looks up the precomputed kernel at a fractional tap index,
// interpolating between the two nearest oversampled taps using the
// configured [Interpolation] kind.
func (r *Resampler) sampleKernel(tapPos float64) float64 {
	if tapPos < 0 || tapPos > float64(len(r.taps)-1) {
		return 0
	}
	lo := int(math.Floor(tapPos))
	if lo >= len(r.taps)-1 {
		return r.taps[len(r.taps)-1]
	}
	frac := tapPos - float64(lo)

	switch r.params.interp {
	case Linear:
		return r.taps[lo]*(1-frac) + r.taps[lo+1]*frac
	default: // Cubic
		p0 := r.tapAt(lo - 1)
		p1 := r.taps[lo]
		p2 := r.taps[lo+1]
		p3 := r.tapAt(lo + 2)
		return cubicHermite(p0, p1, p2, p3, frac)
	}
}

func (r *Resampler) tapAt(i int) float64 {
	if i < 0 || i >= len(r.taps) {
		return 0
	}
	return r.taps[i]
}

// cubicHermite interpolates between p1 and p2 at fractional position t in
// [0,1], using p0 and p3 as the surrounding context points.
func cubicHermite(p0, p1, p2, p3, t float64) float64 {
	a := -0.5*p0 + 1.5*p1 - 1.5*p2 + 0.5*p3
	b := p0 - 2.5*p1 + 2*p2 - 0.5*p3
	c := -0.5*p0 + 0.5*p2
	d := p1
	return ((a*t+b)*t+c)*t + d
}
