package dsp

import (
	"math"
	"testing"
)

func TestHighPassAttenuatesDC(t *testing.T) {
	hp := NewHighPass(80, 48000)
	in := make([]float32, 4800)
	for i := range in {
		in[i] = 1.0 // pure DC
	}
	out := hp.Process(in)

	// After settling, a high-pass filter should drive a DC input toward zero.
	tail := out[len(out)-100:]
	var sum float64
	for _, v := range tail {
		sum += math.Abs(float64(v))
	}
	mean := sum / float64(len(tail))
	if mean > 0.05 {
		t.Errorf("expected DC to be attenuated near zero, got mean |y|=%v", mean)
	}
}

func TestHighPassPreservesStateAcrossChunks(t *testing.T) {
	full := NewHighPass(80, 48000)
	chunked := NewHighPass(80, 48000)

	signal := make([]float32, 2000)
	for i := range signal {
		signal[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 48000))
	}

	wantFull := append([]float32(nil), signal...)
	wantFull = full.Process(wantFull)

	var gotChunked []float32
	for i := 0; i < len(signal); i += 137 {
		end := min(i+137, len(signal))
		chunk := append([]float32(nil), signal[i:end]...)
		gotChunked = append(gotChunked, chunked.Process(chunk)...)
	}

	for i := range wantFull {
		if math.Abs(float64(wantFull[i]-gotChunked[i])) > 1e-6 {
			t.Fatalf("chunked processing diverged at sample %d: whole=%v chunked=%v", i, wantFull[i], gotChunked[i])
		}
	}
}

func TestSuppressorBuffersSubFrameInput(t *testing.T) {
	s := NewSuppressor()
	silence := make([]float32, 100)
	out := s.Process(silence)
	if len(out) != 0 {
		t.Errorf("expected no output for sub-frame input, got %d samples", len(out))
	}
}

func TestSuppressorPassesLoudSignal(t *testing.T) {
	s := NewSuppressor()
	// Prime the noise floor on silence first.
	s.Process(make([]float32, frameSize*3))

	loud := make([]float32, frameSize*2)
	for i := range loud {
		loud[i] = float32(0.9 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	out := s.Process(loud)
	if len(out) == 0 {
		t.Fatal("expected output for full frames")
	}

	var maxAbs float32
	for _, v := range out {
		if a := float32(math.Abs(float64(v))); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs < 0.5 {
		t.Errorf("expected loud signal to pass through largely unattenuated, got max |y|=%v", maxAbs)
	}
}

func TestLoudnessConvergesTowardTarget(t *testing.T) {
	l := NewLoudness()
	// A sustained tone well above the gate, processed for several seconds,
	// should pull the integrated measurement toward the -23 LUFS target.
	const n = 48000 * 6
	in := make([]float32, n)
	for i := range in {
		in[i] = float32(0.1 * math.Sin(2*math.Pi*1000*float64(i)/48000))
	}
	_ = l.Process(in)

	if l.Integrated() < -30 || l.Integrated() > -16 {
		t.Errorf("expected integrated loudness near target, got %v LUFS", l.Integrated())
	}
}

func TestResamplerRatioParams(t *testing.T) {
	cases := []struct {
		ratio      float64
		wantLen    int
		wantInterp Interpolation
	}{
		{2.5, 512, Cubic},
		{1.8, 384, Cubic},
		{1.2, 256, Linear},
		{0.3, 512, Cubic},
		{1.0, 384, Linear},
	}
	for _, c := range cases {
		p := paramsForRatio(c.ratio)
		if p.sincLen != c.wantLen || p.interp != c.wantInterp {
			t.Errorf("paramsForRatio(%v) = {%d,%v}, want {%d,%v}", c.ratio, p.sincLen, p.interp, c.wantLen, c.wantInterp)
		}
	}
}

func TestResamplerUpsamplePreservesApproxEnergy(t *testing.T) {
	r := NewResampler(16000, 48000)
	const n = 16000 // 1 second @ 16kHz
	in := make([]float32, n)
	for i := range in {
		in[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	out := r.Process(in)
	if len(out) == 0 {
		t.Fatal("expected resampled output")
	}

	rmsIn := rms(in)
	rmsOut := rms(out)
	if rmsOut == 0 {
		t.Fatal("resampled output is silent")
	}
	ratio := rmsOut / rmsIn
	if ratio < 0.9 || ratio > 1.1 {
		t.Errorf("expected RMS preserved within 10%%, got in=%v out=%v ratio=%v", rmsIn, rmsOut, ratio)
	}
}

func TestResamplerBufferingBelowBlockThreshold(t *testing.T) {
	r := NewResampler(16000, 48000)
	small := make([]float32, 10)
	out := r.Process(small)
	// With so few samples and a kernel half-width larger than the input,
	// no output should be produced yet; the samples are retained internally.
	if len(out) != 0 {
		t.Errorf("expected no output for tiny input below kernel reach, got %d samples", len(out))
	}
}

func rms(samples []float32) float64 {
	var sumSq float64
	for _, v := range samples {
		sumSq += float64(v) * float64(v)
	}
	return math.Sqrt(sumSq / float64(len(samples)))
}
