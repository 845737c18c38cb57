package transcription

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/localscribe/meetcap/internal/resilience"
	"github.com/localscribe/meetcap/pkg/audio"
)

type fakeModel struct {
	loaded     atomic.Bool
	current    string
	text       string
	confidence *float64
	err        error

	// delays, if set, is consulted by index (one call per Transcribe
	// invocation, in call order) to make later-submitted segments finish
	// before earlier ones — used to force out-of-order worker completion.
	delays []time.Duration
	calls  atomic.Int64

	// echoFirstSample, when set, returns the segment's first sample value
	// (formatted) as the transcribed text instead of m.text, so a test can
	// tag each submitted segment and verify emission order afterward.
	echoFirstSample bool
}

func (m *fakeModel) LoadModel(ctx context.Context, id string) error {
	m.loaded.Store(true)
	m.current = id
	return nil
}
func (m *fakeModel) UnloadModel() bool {
	was := m.loaded.Load()
	m.loaded.Store(false)
	return was
}
func (m *fakeModel) IsModelLoaded() bool  { return m.loaded.Load() }
func (m *fakeModel) CurrentModel() string { return m.current }
func (m *fakeModel) Transcribe(ctx context.Context, samples []float32, language string) (string, *float64, bool, error) {
	if m.err != nil {
		return "", nil, false, m.err
	}
	if i := m.calls.Add(1) - 1; int(i) < len(m.delays) {
		time.Sleep(m.delays[i])
	}
	if m.echoFirstSample {
		return fmt.Sprintf("%.0f", samples[0]), m.confidence, false, nil
	}
	return m.text, m.confidence, false, nil
}
func (m *fakeModel) ValidateModelReady(ctx context.Context) error {
	if !m.loaded.Load() {
		return ErrNoModelLoaded
	}
	return nil
}

func sampleSegment() audio.SpeechSegment {
	return audio.SpeechSegment{Samples: make([]float32, 1600), StartMs: 0, EndMs: 100}
}

func TestPoolWarmupGateDiscardsBeforeEnable(t *testing.T) {
	m := &fakeModel{text: "hello"}
	m.LoadModel(context.Background(), "test")
	p := NewPool(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Submit(sampleSegment())
	time.Sleep(20 * time.Millisecond)

	select {
	case tr := <-p.Transcripts():
		t.Fatalf("expected no transcript before warm-up gate opens, got %+v", tr)
	default:
	}
	if p.WarmupDiscards() == 0 {
		t.Fatal("expected warm-up discard counter to increment")
	}

	p.EnableTranscription()
	p.Submit(sampleSegment())

	select {
	case tr := <-p.Transcripts():
		if tr.Text != "hello" {
			t.Fatalf("unexpected text %q", tr.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transcript after warm-up gate opened")
	}
	p.Close()
}

func TestPoolOrdersSequenceIDsStrictly(t *testing.T) {
	m := &fakeModel{text: "word"}
	m.LoadModel(context.Background(), "test")
	p := NewPool(m)
	p.EnableTranscription()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	const n = 5
	for i := 0; i < n; i++ {
		p.Submit(sampleSegment())
	}

	var last int64 = -1
	for i := 0; i < n; i++ {
		select {
		case tr := <-p.Transcripts():
			if tr.SequenceID != last+1 {
				t.Fatalf("expected sequence %d, got %d", last+1, tr.SequenceID)
			}
			last = tr.SequenceID
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for transcript")
		}
	}
	p.Close()
}

func TestPoolEmptyTextCountsAsCompletedWithoutEmitting(t *testing.T) {
	m := &fakeModel{text: "   "}
	m.LoadModel(context.Background(), "test")
	p := NewPool(m)
	p.EnableTranscription()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Submit(sampleSegment())
	deadline := time.After(time.Second)
	for p.ChunksCompleted() != 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for completion counter")
		case <-time.After(time.Millisecond):
		}
	}
	p.Close()
}

func TestPoolLowConfidenceBelowThresholdCountsWithoutEmitting(t *testing.T) {
	low := 0.1
	m := &fakeModel{text: "hi", confidence: &low}
	m.LoadModel(context.Background(), "test")
	p := NewPool(m)
	p.EnableTranscription()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Submit(sampleSegment())
	deadline := time.After(time.Second)
	for p.ChunksCompleted() != 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for completion counter")
		case <-time.After(time.Millisecond):
		}
	}
	select {
	case tr := <-p.Transcripts():
		t.Fatalf("expected no transcript below confidence threshold, got %+v", tr)
	default:
	}
	p.Close()
}

func TestPoolAwaitDrainSucceedsWhenQueueEmpties(t *testing.T) {
	m := &fakeModel{text: "x"}
	m.LoadModel(context.Background(), "test")
	p := NewPool(m)
	p.EnableTranscription()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Submit(sampleSegment())
	p.SubmitFlush()

	if !p.AwaitDrain(context.Background()) {
		t.Fatal("expected drain to succeed once counters equalize")
	}
	p.Close()
}

func TestPoolFlushSentinelAdvancesCountersWithoutModelCall(t *testing.T) {
	m := &fakeModel{text: "unused"}
	m.LoadModel(context.Background(), "test")
	p := NewPool(m)
	p.EnableTranscription()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.SubmitFlush()
	if !p.AwaitDrain(context.Background()) {
		t.Fatal("expected flush sentinel to drain immediately")
	}
	p.Close()
}

func TestPoolWithMultipleWorkersPreservesSubmissionOrder(t *testing.T) {
	// Later-submitted segments are given shorter model-call delays than
	// earlier ones, so with two concurrent workers they reliably finish out
	// of submission order — exercising the ticket/sequencer reorder path
	// that lets the "aggressive" concurrency profile use Workers > 1
	// without ever emitting a transcript out of order.
	const n = 4
	delays := make([]time.Duration, n)
	for i := range delays {
		delays[i] = time.Duration(n-i) * 30 * time.Millisecond
	}
	m := &fakeModel{echoFirstSample: true, delays: delays}
	m.LoadModel(context.Background(), "test")
	p := NewPoolWithWorkers(m, 2)
	p.EnableTranscription()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	for i := 0; i < n; i++ {
		seg := sampleSegment()
		seg.Samples[0] = float32(i)
		p.Submit(seg)
	}

	for i := 0; i < n; i++ {
		select {
		case tr := <-p.Transcripts():
			if tr.Text != fmt.Sprintf("%d", i) {
				t.Fatalf("emission %d: got text %q, want %q (submission order must survive out-of-order completion)", i, tr.Text, fmt.Sprintf("%d", i))
			}
			if tr.SequenceID != int64(i) {
				t.Fatalf("emission %d: SequenceID = %d, want %d", i, tr.SequenceID, i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for transcript %d", i)
		}
	}
	p.Close()
}

func TestPoolCircuitBreakerTripsAfterRepeatedModelFailures(t *testing.T) {
	m := &fakeModel{err: errors.New("model backend unreachable")}
	m.LoadModel(context.Background(), "test")
	p := NewPool(m)
	p.EnableTranscription()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	const failuresToTrip = 5
	for i := 0; i < failuresToTrip; i++ {
		p.Submit(sampleSegment())
		select {
		case w := <-p.Warnings():
			if w.Kind != audio.KindEngineFailed {
				t.Fatalf("warning %d: kind = %v, want KindEngineFailed", i, w.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for warning %d", i)
		}
	}

	// The breaker is now open: the next segment fails fast on
	// resilience.ErrCircuitOpen without the fake model's error ever being
	// consulted again — still surfaced as KindEngineFailed.
	p.Submit(sampleSegment())
	select {
	case w := <-p.Warnings():
		if w.Kind != audio.KindEngineFailed {
			t.Fatalf("post-trip warning kind = %v, want KindEngineFailed", w.Kind)
		}
		if !errors.Is(w.Err, resilience.ErrCircuitOpen) {
			t.Fatalf("post-trip warning err = %v, want resilience.ErrCircuitOpen", w.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for post-trip warning")
	}
	p.Close()
}
