package dsp

import "math"

// targetLUFS is the EBU R128 integrated loudness target this normalizer
// drives the signal towards.
const targetLUFS = -23.0

// absoluteGateLUFS discards blocks quieter than this from the integrated
// measurement, per BS.1770's absolute gate (the relative -10 LU gate is not
// applied here — it requires a second pass over already-gated blocks, which
// would break the single-pass streaming contract this stage needs).
const absoluteGateLUFS = -70.0

const (
	momentaryBlockSamples  = 48000 * 400 / 1000 // 400 ms @ 48 kHz
	shortTermBlockSamples  = 48000 * 3          // 3 s @ 48 kHz
	maxGainDB              = 24.0               // clamp to avoid amplifying near-silence into noise
	gainSmoothingPerSample = 0.00002            // exponential approach to target gain, per-sample
)

// Loudness implements a streaming, stateful approximation of EBU R128
// loudness measurement and normalization, targeting -23 LUFS integrated.
//
// It applies the BS.1770 K-weighting pre-filter (a high-shelf stage followed
// by a high-pass stage) before computing mean-square energy over momentary
// (400ms) and short-term (3s) windows, and an absolute-gated running
// integrated measurement. The applied gain is smoothed sample-by-sample
// toward the value that would bring the integrated loudness to the target,
// so that normalization does not introduce audible pumping.
//
// Not safe for concurrent use — each capture source owns an exclusive
// instance.
type Loudness struct {
	shelf *HighShelf
	rlb   *HighPass

	momentaryBuf []float64
	shortTermBuf []float64

	gatedSumSq   float64
	gatedSamples int64

	currentGainDB float64

	momentaryLUFS float64
	shortTermLUFS float64
	integratedLUFS float64
}

// NewLoudness constructs a loudness normalizer for 48 kHz mono input.
func NewLoudness() *Loudness {
	return &Loudness{
		shelf:          NewHighShelf(1500, 4.0, 48000),
		rlb:            NewHighPass(38, 48000),
		momentaryBuf:   make([]float64, 0, momentaryBlockSamples),
		shortTermBuf:   make([]float64, 0, shortTermBlockSamples),
		integratedLUFS: absoluteGateLUFS,
	}
}

// Process normalizes samples toward the integrated target and returns the
// gain-adjusted signal. Measurement state (momentary/short-term/integrated)
// is updated from the pre-gain, K-weighted signal, as BS.1770 requires.
func (l *Loudness) Process(samples []float32) []float32 {
	out := make([]float32, len(samples))
	for i, x := range samples {
		weighted := l.kWeight(float64(x))
		l.accumulate(weighted * weighted)

		targetGainDB := l.targetGainDB()
		l.currentGainDB += (targetGainDB - l.currentGainDB) * gainSmoothingPerSample
		gain := math.Pow(10, l.currentGainDB/20)

		y := float64(x) * gain
		if y > 1 {
			y = 1
		} else if y < -1 {
			y = -1
		}
		out[i] = float32(y)
	}
	return out
}

// kWeight applies the BS.1770 K-weighting filter chain to a single sample.
func (l *Loudness) kWeight(x float64) float64 {
	shelved := l.shelf.ProcessSample(x)
	return l.rlb.processSample(shelved)
}

// accumulate folds one K-weighted squared sample into the momentary,
// short-term, and gated-integrated running measurements.
func (l *Loudness) accumulate(sq float64) {
	l.momentaryBuf = append(l.momentaryBuf, sq)
	if len(l.momentaryBuf) > momentaryBlockSamples {
		l.momentaryBuf = l.momentaryBuf[len(l.momentaryBuf)-momentaryBlockSamples:]
	}
	l.momentaryLUFS = meanSquareToLUFS(meanOf(l.momentaryBuf))

	l.shortTermBuf = append(l.shortTermBuf, sq)
	if len(l.shortTermBuf) > shortTermBlockSamples {
		l.shortTermBuf = l.shortTermBuf[len(l.shortTermBuf)-shortTermBlockSamples:]
	}
	l.shortTermLUFS = meanSquareToLUFS(meanOf(l.shortTermBuf))

	if l.momentaryLUFS >= absoluteGateLUFS {
		l.gatedSumSq += sq
		l.gatedSamples++
		l.integratedLUFS = meanSquareToLUFS(l.gatedSumSq / float64(l.gatedSamples))
	}
}

// targetGainDB returns the gain (in dB) that would move the current
// integrated loudness estimate to the target, clamped to ±maxGainDB.
func (l *Loudness) targetGainDB() float64 {
	if l.gatedSamples == 0 {
		return 0
	}
	gain := targetLUFS - l.integratedLUFS
	if gain > maxGainDB {
		gain = maxGainDB
	} else if gain < -maxGainDB {
		gain = -maxGainDB
	}
	return gain
}

// Momentary, ShortTerm, and Integrated return the current loudness
// measurements in LUFS.
func (l *Loudness) Momentary() float64  { return l.momentaryLUFS }
func (l *Loudness) ShortTerm() float64  { return l.shortTermLUFS }
func (l *Loudness) Integrated() float64 { return l.integratedLUFS }

func meanOf(buf []float64) float64 {
	if len(buf) == 0 {
		return 0
	}
	var sum float64
	for _, v := range buf {
		sum += v
	}
	return sum / float64(len(buf))
}

func meanSquareToLUFS(meanSquare float64) float64 {
	if meanSquare <= 0 {
		return absoluteGateLUFS
	}
	return -0.691 + 10*math.Log10(meanSquare)
}

// HighShelf is a biquad high-shelf filter, used here as the first stage of
// BS.1770 K-weighting (it approximates head diffraction/reflection effects).
type HighShelf struct {
	b0, b1, b2 float64
	a1, a2     float64
	x1, x2     float64
	y1, y2     float64
}

// NewHighShelf builds a high-shelf filter boosting frequencies above cutoffHz
// by gainDB, at the given sample rate.
func NewHighShelf(cutoffHz, gainDB float64, sampleRate int) *HighShelf {
	a := math.Pow(10, gainDB/40)
	omega := 2 * math.Pi * cutoffHz / float64(sampleRate)
	sinOmega, cosOmega := math.Sincos(omega)
	const shelfSlope = 1.0
	alpha := sinOmega / 2 * math.Sqrt((a+1/a)*(1/shelfSlope-1)+2)
	twoSqrtAAlpha := 2 * math.Sqrt(a) * alpha

	a0 := (a + 1) - (a-1)*cosOmega + twoSqrtAAlpha
	return &HighShelf{
		b0: (a * ((a + 1) + (a-1)*cosOmega + twoSqrtAAlpha)) / a0,
		b1: (-2 * a * ((a - 1) + (a+1)*cosOmega)) / a0,
		b2: (a * ((a + 1) + (a-1)*cosOmega - twoSqrtAAlpha)) / a0,
		a1: (2 * ((a - 1) - (a+1)*cosOmega)) / a0,
		a2: ((a + 1) - (a-1)*cosOmega - twoSqrtAAlpha) / a0,
	}
}

// ProcessSample filters a single sample, maintaining persistent state.
func (h *HighShelf) ProcessSample(x float64) float64 {
	y := h.b0*x + h.b1*h.x1 + h.b2*h.x2 - h.a1*h.y1 - h.a2*h.y2
	h.x2, h.x1 = h.x1, x
	h.y2, h.y1 = h.y1, y
	return y
}

// processSample is the float64 single-sample counterpart to
// [HighPass.Process], used internally by the K-weighting chain.
func (h *HighPass) processSample(x float64) float64 {
	y := h.b0*x + h.b1*h.x1 + h.b2*h.x2 - h.a1*h.y1 - h.a2*h.y2
	h.x2, h.x1 = h.x1, x
	h.y2, h.y1 = h.y1, y
	return y
}
