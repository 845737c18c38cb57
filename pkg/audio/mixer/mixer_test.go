package mixer

import (
	"testing"

	"github.com/localscribe/meetcap/pkg/audio"
)

func TestCanMixRequiresEitherQueue(t *testing.T) {
	m := New(48000, WithWindowMs(600))
	if m.CanMix() {
		t.Fatal("expected CanMix false on empty mixer")
	}

	m.AddSamples(audio.Microphone, make([]float32, m.WindowSize()))
	if !m.CanMix() {
		t.Fatal("expected CanMix true once mic queue reaches window size")
	}
}

func TestExtractWindowZeroPadsShortQueue(t *testing.T) {
	m := New(48000, WithWindowMs(600))
	half := m.WindowSize() / 2
	mic := make([]float32, half)
	for i := range mic {
		mic[i] = 0.5
	}
	m.AddSamples(audio.Microphone, mic)

	out := m.ExtractWindow()
	if len(out) != m.WindowSize() {
		t.Fatalf("expected window of size %d, got %d", m.WindowSize(), len(out))
	}
	for i, v := range out {
		if i < half && v != 0.5 {
			t.Fatalf("sample %d: want 0.5 (mic, no system contribution), got %v", i, v)
		}
		if i >= half && v != 0 {
			t.Fatalf("sample %d: expected zero-padding, got %v", i, v)
		}
	}
}

func TestExtractWindowMixesAndClips(t *testing.T) {
	m := New(48000, WithWindowMs(600))
	mic := make([]float32, m.WindowSize())
	sys := make([]float32, m.WindowSize())
	for i := range mic {
		mic[i] = 0.8
		sys[i] = 0.8
	}
	m.AddSamples(audio.Microphone, mic)
	m.AddSamples(audio.System, sys)

	out := m.ExtractWindow()
	for i, v := range out {
		if v != 1.0 {
			t.Fatalf("sample %d: expected clip to 1.0, got %v", i, v)
		}
	}
}

func TestAddSamplesOverflowDropsOldest(t *testing.T) {
	m := New(48000, WithWindowMs(600))
	max := m.WindowSize() * 8

	// Fill to exactly the cap, then push one more window's worth; the oldest
	// samples should be dropped rather than growing the buffer unbounded.
	full := make([]float32, max)
	for i := range full {
		full[i] = float32(i % 2)
	}
	m.AddSamples(audio.Microphone, full)

	extra := make([]float32, m.WindowSize())
	for i := range extra {
		extra[i] = 9
	}
	m.AddSamples(audio.Microphone, extra)

	if len(m.mic) != max {
		t.Fatalf("expected mic buffer capped at %d, got %d", max, len(m.mic))
	}
	// The tail should now be the "extra" samples we just pushed.
	for i := len(m.mic) - m.WindowSize(); i < len(m.mic); i++ {
		if m.mic[i] != 9 {
			t.Fatalf("expected overflow to retain newest samples, mismatch at %d", i)
		}
	}
}

func TestWithRingBufferHeadroomOverridesOverflowCap(t *testing.T) {
	m := New(48000, WithWindowMs(600), WithRingBufferHeadroom(4))
	max := m.WindowSize() * 4

	full := make([]float32, max)
	m.AddSamples(audio.Microphone, full)

	extra := make([]float32, m.WindowSize())
	for i := range extra {
		extra[i] = 9
	}
	m.AddSamples(audio.Microphone, extra)

	if len(m.mic) != max {
		t.Fatalf("expected mic buffer capped at %d (headroom=4), got %d", max, len(m.mic))
	}
}

func TestExtractWindowAllEmptyProducesZeros(t *testing.T) {
	m := New(48000, WithWindowMs(600))
	out := m.ExtractWindow()
	for _, v := range out {
		if v != 0 {
			t.Fatal("expected all-zero window when both queues empty")
		}
	}
}
