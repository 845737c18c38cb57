package transcription

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localscribe/meetcap/internal/resilience"
	"github.com/localscribe/meetcap/pkg/audio"
)

// confidenceThreshold is the minimum model-reported confidence accepted when
// the model exposes one at all (step 5 of §4.4's per-segment processing).
const confidenceThreshold = 0.30

// drainRetries and drainInterval bound the lossless-shutdown wait: the
// coordinator polls at most drainRetries times, drainInterval apart, before
// concluding the counters will never equalize.
const (
	drainRetries  = 10
	drainInterval = 100 * time.Millisecond
)

// Warning is a non-fatal, per-segment processing failure surfaced to
// listeners as a transcription-warning event (§4.4 failure semantics).
type Warning struct {
	SequenceID int64
	Kind       audio.Kind
	Err        error
}

// Pool is the bounded transcription worker pool: one or more concurrent
// dispatchers that read [audio.SpeechSegment] values and emit
// [audio.TranscriptSegment] events with strictly increasing SequenceID,
// never reordering even when individual model calls finish out of turn.
//
// With Workers == 1 ordering falls out of dispatch order for free. With
// Workers > 1 (the "aggressive" [config.ConcurrencyProfile]) a ticket
// assigned at Submit time and a small reorder buffer in the sequencer
// goroutine re-establish submission order before anything reaches out or
// warn, so callers never observe the concurrency.
type Pool struct {
	model   Model
	workers int
	in      chan job
	results chan result
	out     chan audio.TranscriptSegment
	warn    chan Warning

	submitTicket atomic.Int64

	transcriptionEnabled atomic.Bool
	cancelled            atomic.Bool
	firstEmission        atomic.Bool

	chunksQueued    atomic.Int64
	chunksCompleted atomic.Int64
	nextSequence    atomic.Int64
	warmupDiscards  atomic.Int64

	speechDetected chan struct{}
	speechOnce     sync.Once

	language atomic.Pointer[string]

	breaker *resilience.CircuitBreaker

	wg sync.WaitGroup
}

// job is one ticketed unit of dispatch work; ticket preserves submission
// order independent of which worker picks it up or how long its model call
// takes.
type job struct {
	ticket int64
	seg    audio.SpeechSegment
}

// result is a completed job, still tagged by ticket, awaiting in-order
// release by the sequencer.
type result struct {
	ticket int64
	emit   bool
	ts     audio.TranscriptSegment
	warn   *Warning
}

// NewPool constructs a Pool with the default single-worker serial
// dispatcher. model is the already-loaded (or loading) transcription
// backend.
func NewPool(model Model) *Pool {
	return NewPoolWithWorkers(model, 1)
}

// NewPoolWithWorkers constructs a Pool with workers concurrent dispatchers,
// per the active [config.ConcurrencyProfile.WorkerCount]. Values < 1 are
// clamped to 1.
func NewPoolWithWorkers(model Model, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		model:          model,
		workers:        workers,
		in:             make(chan job, 64),
		results:        make(chan result, 64),
		out:            make(chan audio.TranscriptSegment, 64),
		warn:           make(chan Warning, 16),
		speechDetected: make(chan struct{}),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "transcription-model",
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		}),
	}
	p.firstEmission.Store(true)
	return p
}

// Transcripts returns the channel ordered TranscriptSegment events arrive on.
func (p *Pool) Transcripts() <-chan audio.TranscriptSegment { return p.out }

// Warnings returns the channel non-fatal per-segment failures are reported on.
func (p *Pool) Warnings() <-chan Warning { return p.warn }

// SpeechDetected returns a channel closed exactly once, the first time a
// non-empty transcript is emitted in this pool's lifetime.
func (p *Pool) SpeechDetected() <-chan struct{} { return p.speechDetected }

// SetLanguage sets the language tag passed to every subsequent Transcribe
// call (BCP-47, "auto", "auto-translate", or "" for model default). Safe to
// call before Run or at any point during a session; takes effect on the
// next segment dispatched.
func (p *Pool) SetLanguage(language string) { p.language.Store(&language) }

func (p *Pool) currentLanguage() string {
	if l := p.language.Load(); l != nil {
		return *l
	}
	return ""
}

// EnableTranscription flips the warm-up gate open: segments processed after
// this call emit transcripts. Segments processed before it still run
// through the model (priming caches) but are silently discarded.
func (p *Pool) EnableTranscription() { p.transcriptionEnabled.Store(true) }

// Submit enqueues a segment for processing. Submit must not be called after
// Close.
func (p *Pool) Submit(seg audio.SpeechSegment) {
	p.chunksQueued.Add(1)
	p.in <- job{ticket: p.submitTicket.Add(1) - 1, seg: seg}
}

// SubmitFlush enqueues a flush sentinel, used by the lifecycle coordinator
// to force the dispatcher to drain any segments already queued ahead of it.
// Flush sentinels are accounted for identically to real segments: they
// increment chunks_queued and, once processed, chunks_completed.
func (p *Pool) SubmitFlush() {
	p.chunksQueued.Add(1)
	p.in <- job{ticket: p.submitTicket.Add(1) - 1}
}

// Run starts the dispatcher goroutines and the reordering sequencer, and
// blocks until ctx is cancelled or Close is called and every in-flight job
// drains. Run is intended to be started in its own goroutine.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.dispatch(ctx)
	}
	go func() {
		p.wg.Wait()
		close(p.results)
	}()
	p.sequence()
	close(p.out)
	close(p.warn)
}

// sequence is the single point where out-of-order worker completions are
// re-ordered back to submission order and assigned their final SequenceID.
// With workers == 1, results already arrive in ticket order and the buffer
// never holds more than the head entry.
func (p *Pool) sequence() {
	pending := make(map[int64]result)
	next := int64(0)
	for r := range p.results {
		pending[r.ticket] = r
		for {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			p.release(ready)
		}
	}
}

func (p *Pool) release(r result) {
	defer p.chunksCompleted.Add(1)
	if r.warn != nil {
		select {
		case p.warn <- *r.warn:
		default:
			slog.Warn("transcription warning channel full, dropping", "kind", r.warn.Kind, "err", r.warn.Err)
		}
		return
	}
	if !r.emit {
		return
	}
	if p.firstEmission.CompareAndSwap(true, false) {
		p.speechOnce.Do(func() { close(p.speechDetected) })
	}
	r.ts.SequenceID = p.nextSequence.Add(1) - 1
	p.out <- r.ts
}

// Cancel sets the cooperative cancellation flag, observed by the dispatcher
// between segments (never mid-inference: a model call is treated atomic).
func (p *Pool) Cancel() { p.cancelled.Store(true) }

// Close stops accepting new work and lets in-flight segments drain.
func (p *Pool) Close() { close(p.in) }

// ChunksQueued and ChunksCompleted expose the lossless-shutdown drain
// counters (§4.4).
func (p *Pool) ChunksQueued() int64    { return p.chunksQueued.Load() }
func (p *Pool) ChunksCompleted() int64 { return p.chunksCompleted.Load() }

// AwaitDrain polls until chunks_completed == chunks_queued or the bounded
// retry budget (10 retries x 100ms) is exhausted. Returns false if the
// counters never equalized, in which case the caller should raise
// [audio.KindTranscriptChunkLost].
func (p *Pool) AwaitDrain(ctx context.Context) bool {
	for i := 0; i < drainRetries; i++ {
		if p.chunksCompleted.Load() == p.chunksQueued.Load() {
			return true
		}
		select {
		case <-ctx.Done():
			return p.chunksCompleted.Load() == p.chunksQueued.Load()
		case <-time.After(drainInterval):
		}
	}
	return p.chunksCompleted.Load() == p.chunksQueued.Load()
}

func (p *Pool) dispatch(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.in:
			if !ok {
				return
			}
			if p.cancelled.Load() {
				p.results <- result{ticket: j.ticket}
				continue
			}
			p.results <- p.processOne(ctx, j)
		}
	}
}

// processOne runs the seven-step per-segment pipeline from §4.4 and returns
// the ticketed result for the sequencer to release in order. A flush
// sentinel (zero-value segment) is accounted for but produces no work.
func (p *Pool) processOne(ctx context.Context, j job) result {
	seg := j.seg
	if len(seg.Samples) == 0 {
		return result{ticket: j.ticket}
	}

	var text string
	var confidence *float64
	var isPartial bool
	err := p.breaker.Execute(func() error {
		var callErr error
		text, confidence, isPartial, callErr = p.model.Transcribe(ctx, seg.Samples, p.currentLanguage())
		return callErr
	})
	if err != nil {
		kind := audio.KindEngineFailed
		if err == ErrNoModelLoaded {
			kind = audio.KindModelNotLoaded
		}
		if kind == audio.KindModelNotLoaded {
			return result{ticket: j.ticket} // advances completion counter without emitting, per spec
		}
		// A tripped breaker (resilience.ErrCircuitOpen) is reported the
		// same way as any other engine failure: the model is unhealthy
		// either way from the segment's perspective.
		return result{ticket: j.ticket, warn: &Warning{Kind: kind, Err: err}}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return result{ticket: j.ticket} // empty result, still counted as completed
	}

	if confidence != nil && *confidence < confidenceThreshold {
		return result{ticket: j.ticket}
	}

	if !p.transcriptionEnabled.Load() {
		p.warmupDiscards.Add(1)
		return result{ticket: j.ticket}
	}

	out := audio.TranscriptSegment{
		Text:           text,
		Confidence:     confidence,
		IsPartial:      isPartial,
		AudioStartTime: seg.StartMs / 1000.0,
		AudioEndTime:   seg.EndMs / 1000.0,
		Duration:       seg.DurationMs() / 1000.0,
	}
	return result{ticket: j.ticket, emit: true, ts: out}
}

// WarmupDiscards reports how many segments were processed (and discarded)
// before the warm-up gate opened. Exposed for diagnostics only.
func (p *Pool) WarmupDiscards() int64 { return p.warmupDiscards.Load() }
