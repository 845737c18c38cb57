package vad

import (
	"encoding/binary"
	"math"
)

// EnergyEngine is a stand-in [Engine] backed by simple RMS-energy
// thresholding rather than a trained model. No Silero/WebRTC VAD binding
// exists in the retrieval pack (see DESIGN.md), so this is the
// in-pack-justified default: adequate to drive the segmenter's state
// machine, though less robust to background noise than a learned VAD.
type EnergyEngine struct{}

// NewSession implements [Engine].
func (EnergyEngine) NewSession(cfg Config) (SessionHandle, error) {
	return &energySession{cfg: cfg, floor: 0.002}, nil
}

type energySession struct {
	cfg   Config
	floor float64 // adaptive noise-floor RMS estimate
}

// ProcessFrame implements [SessionHandle] using a smoothed RMS energy ratio
// against an adaptive floor, classified against cfg's thresholds mapped
// onto a [0,1] probability.
func (s *energySession) ProcessFrame(frame []byte) (VADEvent, error) {
	n := len(frame) / 2
	if n == 0 {
		return VADEvent{Type: VADSilence}, nil
	}

	var sumSq float64
	for i := range n {
		v := int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
		f := float64(v) / 32768.0
		sumSq += f * f
	}
	rms := math.Sqrt(sumSq / float64(n))

	if rms < s.floor {
		s.floor += (rms - s.floor) * 0.05
	} else {
		s.floor += (rms - s.floor) * 0.01
	}

	probability := 0.0
	if s.floor > 0 {
		ratio := rms / (s.floor * 4)
		probability = math.Min(1.0, ratio)
	}

	evType := VADSilence
	switch {
	case probability >= s.cfg.SpeechThreshold:
		evType = VADSpeechContinue
	case probability < s.cfg.SilenceThreshold:
		evType = VADSilence
	default:
		evType = VADSpeechContinue
	}

	return VADEvent{Type: evType, Probability: probability}, nil
}

// Reset implements [SessionHandle].
func (s *energySession) Reset() { s.floor = 0.002 }

// Close implements [SessionHandle].
func (s *energySession) Close() error { return nil }
