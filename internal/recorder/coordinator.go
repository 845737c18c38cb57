package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/localscribe/meetcap/internal/config"
	"github.com/localscribe/meetcap/internal/devicemon"
	"github.com/localscribe/meetcap/internal/events"
	"github.com/localscribe/meetcap/pkg/audio"
	"github.com/localscribe/meetcap/pkg/audio/capture"
	"github.com/localscribe/meetcap/pkg/audio/mixer"
	"github.com/localscribe/meetcap/pkg/audio/vad"
	"github.com/localscribe/meetcap/pkg/diarization"
	vadprovider "github.com/localscribe/meetcap/pkg/provider/vad"
	"github.com/localscribe/meetcap/pkg/transcription"
)

// defaultWarmupDuration is how long the transcription pool discards
// results before EnableTranscription is called, giving the model a chance
// to JIT/warm any internal caches on the first few chunks.
const defaultWarmupDuration = 1500 * time.Millisecond

// maxStopFlushSentinels bounds the number of flush sentinels pushed during
// stop Phase B, per §4.7.
const maxStopFlushSentinels = 4

// Config configures a [Coordinator]. Zero-value Enhancement/DeviceRate on
// Mic/System are filled with sensible capture defaults.
type Config struct {
	Model     transcription.Model
	VADEngine vadprovider.Engine

	MicDeviceRate    int
	MicChannels      int
	MicEnhancement   capture.Enhancement
	SystemDeviceRate int
	SystemChannels   int

	// Diarizer, if non-nil, backs FinalizeDiarization. The Coordinator only
	// ever calls it post-hoc; there is no live per-segment diarization.
	Diarizer *diarization.Engine

	// Hub receives every lifecycle and pipeline event. Required.
	Hub *events.Hub

	// DeviceLister, if non-nil, backs an internal [devicemon.Monitor] that
	// watches MicDeviceID/SystemDeviceID for the duration of the recording.
	DeviceLister devicemon.Lister
	MicDeviceID  string
	SystemDeviceID string

	WarmupDuration time.Duration

	// Language is the BCP-47 tag (or "auto"/"auto-translate") passed to the
	// transcription model. Empty uses the model's own default.
	Language string

	// Concurrency selects platform-tuned worker count and ring-buffer
	// headroom for the mixer and transcription pool (config.ConcurrencyProfile).
	// Empty behaves like [config.ProfileBalanced].
	Concurrency config.ConcurrencyProfile
}

// Coordinator drives the Idle → Starting → Recording ⇄ Paused → Stopping →
// Idle state machine, wiring capture, the mixer, the VAD segmenter, the
// transcription worker pool, and (post-hoc) diarization into one pipeline.
//
// Grounded on internal/app/app.go's staged-construction/closers shape and
// original_source/.../audio/recording/lifecycle.rs's phase list.
type Coordinator struct {
	cfg   Config
	state *State

	mixer     *mixer.Mixer
	segmenter *vad.Segmenter
	pool      *transcription.Pool

	micStream *capture.Stream
	sysStream *capture.Stream

	deviceMon *devicemon.Monitor

	// group supervises every pipeline consumer goroutine spawned by Start
	// except the mix pump (tracked separately by pumpWg — see Stop's Phase
	// A comment for why that one needs its own WaitGroup). groupCtx is
	// errgroup's derived context: canceled either by pipelineCtx (the
	// normal Stop path) or by the first fatal error any supervised
	// goroutine returns, so a fatal capture/mixer error propagates to a
	// coordinated shutdown of the rest of the pipeline instead of staying
	// a log line nobody reacts to.
	group    *errgroup.Group
	groupCtx context.Context
	fatalCh  chan *audio.Error

	pumpWg sync.WaitGroup
	cancel context.CancelFunc

	transcriptsMu sync.Mutex
	transcripts   []audio.TranscriptSegment

	retranscribeCancel atomic.Pointer[atomic.Bool]

	// liveLanguage overrides cfg.Language once set via SetLanguage, letting
	// a config hot-reload (internal/config.Watcher) take effect on the
	// running session's pool immediately instead of only on the next Start.
	liveLanguage atomic.Pointer[string]
}

// New constructs a Coordinator in the Idle phase. Nothing is started until
// Start is called.
func New(cfg Config) *Coordinator {
	if cfg.MicDeviceRate == 0 {
		cfg.MicDeviceRate = 48000
	}
	if cfg.SystemDeviceRate == 0 {
		cfg.SystemDeviceRate = 48000
	}
	if cfg.MicChannels == 0 {
		cfg.MicChannels = 1
	}
	if cfg.SystemChannels == 0 {
		cfg.SystemChannels = 1
	}
	if cfg.WarmupDuration == 0 {
		cfg.WarmupDuration = defaultWarmupDuration
	}

	c := &Coordinator{cfg: cfg}
	c.state = NewState(c.onError)

	if cfg.DeviceLister != nil {
		c.deviceMon = devicemon.New(devicemon.Config{
			Lister:         cfg.DeviceLister,
			OnDisconnected: c.onDeviceDisconnected,
			OnReconnected:  c.onDeviceReconnected,
			OnGiveUp:       c.onDeviceGiveUp,
		})
	}
	return c
}

// State exposes the lifecycle state for read-only inspection (UI polling,
// tests).
func (c *Coordinator) State() *State { return c.state }

// SetLanguage updates the BCP-47 (or "auto"/"auto-translate") language tag
// used by the transcription model going forward. If a session is currently
// recording, the change reaches the live pool immediately; otherwise it
// becomes the baseline for the next Start. Intended to be called from a
// config hot-reload path.
func (c *Coordinator) SetLanguage(lang string) {
	c.liveLanguage.Store(&lang)
	if c.pool != nil {
		c.pool.SetLanguage(lang)
	}
}

func (c *Coordinator) currentLanguage() string {
	if l := c.liveLanguage.Load(); l != nil {
		return *l
	}
	return c.cfg.Language
}

// Start runs the 7-step start sequence (§4.7): validate model readiness,
// create RecordingState, wire the pipeline, spawn capture, and emit
// recording-started. Start does not wait for warm-up: the transcription
// gate opens asynchronously once WarmupDuration has elapsed.
func (c *Coordinator) Start(ctx context.Context, meetingName string) error {
	// Step 1: validate model readiness.
	if err := c.cfg.Model.ValidateModelReady(ctx); err != nil {
		return fmt.Errorf("recorder: model not ready: %w", err)
	}

	// Step 2: create RecordingState (already built in New; reset here).
	c.state.Begin()

	// Step 3/4: allocate the mixer, VAD segmenter, and worker pool, sized by
	// the active concurrency profile (§12): aggressive trades a reorder
	// buffer inside the pool for a second transcription worker, and widens
	// the mixer's overflow headroom to match the burstier pace that implies.
	c.mixer = mixer.New(48000, mixer.WithRingBufferHeadroom(c.cfg.Concurrency.RingBufferHeadroom()))
	segmenter, err := vad.New(c.cfg.VADEngine, 48000)
	if err != nil {
		return fmt.Errorf("recorder: build vad segmenter: %w", err)
	}
	c.segmenter = segmenter
	c.pool = transcription.NewPoolWithWorkers(c.cfg.Model, c.cfg.Concurrency.WorkerCount())
	c.pool.SetLanguage(c.currentLanguage())

	pipelineCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	group, groupCtx := errgroup.WithContext(pipelineCtx)
	c.group = group
	c.groupCtx = groupCtx
	c.fatalCh = make(chan *audio.Error, 1)

	// Watches for a fatal-classified capture/mixer error (reported via
	// onError) and turns it into the errgroup's first error, canceling
	// groupCtx so every goroutine below that watches it stops immediately
	// rather than continuing to feed a session that's already doomed.
	c.group.Go(func() error {
		select {
		case err := <-c.fatalCh:
			return fmt.Errorf("recorder: fatal pipeline error: %w", err)
		case <-groupCtx.Done():
			return nil
		}
	})

	// The pool's own context is intentionally NOT pipelineCtx/groupCtx:
	// dispatch must keep draining queued segments through Stop's Phase
	// B/C even after pipelineCtx is cancelled to stop the mix pump.
	// Pool.Close (Phase B) is what ends its dispatcher goroutines, once
	// every queued segment — including the flush sentinels — has been
	// processed.
	c.group.Go(func() error { c.pool.Run(ctx); return nil })

	c.pumpWg.Add(1)
	go c.runMixPump(groupCtx)

	c.group.Go(func() error { c.runSegmentDispatch(); return nil })

	c.group.Go(func() error { c.runTranscriptCollector(); return nil })

	c.group.Go(func() error { c.runWarningCollector(); return nil })

	c.group.Go(func() error { c.runSpeechDetectedRelay(groupCtx); return nil })

	// Step 5: spawn capture for each selected device.
	c.micStream = capture.New(capture.Config{
		Source:      audio.Microphone,
		DeviceRate:  c.cfg.MicDeviceRate,
		Channels:    c.cfg.MicChannels,
		Enhancement: c.cfg.MicEnhancement,
		Clock:       c.state.RecordingDuration,
		Emit:        func(chunk audio.AudioChunk) { c.mixer.AddSamples(chunk.Source, chunk.Data) },
		ErrorSink:   c.onError,
	})
	c.sysStream = capture.New(capture.Config{
		Source:     audio.System,
		DeviceRate: c.cfg.SystemDeviceRate,
		Channels:   c.cfg.SystemChannels,
		Clock:      c.state.RecordingDuration,
		Emit:       func(chunk audio.AudioChunk) { c.mixer.AddSamples(chunk.Source, chunk.Data) },
		ErrorSink:  c.onError,
	})
	c.micStream.Start()
	c.sysStream.Start()

	if c.deviceMon != nil {
		if c.cfg.MicDeviceID != "" {
			c.deviceMon.Watch(devicemon.Device{ID: c.cfg.MicDeviceID})
		}
		if c.cfg.SystemDeviceID != "" {
			c.deviceMon.Watch(devicemon.Device{ID: c.cfg.SystemDeviceID})
		}
		c.deviceMon.Start(ctx)
	}

	// Step 6: enable transcription after warm-up, asynchronously.
	c.group.Go(func() error {
		select {
		case <-time.After(c.cfg.WarmupDuration):
			c.state.SetWarmupComplete()
			c.pool.EnableTranscription()
		case <-groupCtx.Done():
		}
		return nil
	})

	c.state.MarkRecording()

	// Step 7: emit recording-started.
	c.broadcast(events.New(events.TypeRecordingStarted, events.RecordingStartedPayload{MeetingName: meetingName}))

	return nil
}

// Pause freezes the recording clock and suppresses capture forwarding. No
// pipeline components are torn down.
func (c *Coordinator) Pause() bool {
	if !c.state.Pause() {
		return false
	}
	c.micStream.Stop()
	c.sysStream.Stop()
	return true
}

// Resume un-freezes the recording clock and resumes capture forwarding.
func (c *Coordinator) Resume() bool {
	if !c.state.Resume() {
		return false
	}
	c.micStream.Start()
	c.sysStream.Start()
	return true
}

// runMixPump polls the mixer at a cadence matched to its window size and
// feeds each extracted window to the VAD segmenter.
func (c *Coordinator) runMixPump(ctx context.Context) {
	defer c.pumpWg.Done()
	interval := time.Duration(float64(c.mixer.WindowSize())/48000.0*1000.0) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.mixer.CanMix() {
				c.segmenter.Feed(c.mixer.ExtractWindow())
			}
		}
	}
}

// runSegmentDispatch drains VAD-emitted speech segments into the
// transcription pool. Exits when the segment channel is closed by Flush.
func (c *Coordinator) runSegmentDispatch() {
	for seg := range c.segmenter.Segments() {
		c.pool.Submit(seg)
	}
}

// runTranscriptCollector accumulates ordered transcript output (for
// post-hoc diarization) and relays transcript-update events.
func (c *Coordinator) runTranscriptCollector() {
	for seg := range c.pool.Transcripts() {
		c.transcriptsMu.Lock()
		c.transcripts = append(c.transcripts, seg)
		c.transcriptsMu.Unlock()

		c.broadcast(events.New(events.TypeTranscriptUpdate, events.TranscriptUpdatePayload{
			SequenceID:     seg.SequenceID,
			Text:           seg.Text,
			Confidence:     seg.Confidence,
			IsPartial:      seg.IsPartial,
			AudioStartTime: seg.AudioStartTime,
			AudioEndTime:   seg.AudioEndTime,
			SpeakerID:      seg.SpeakerID,
			SpeakerLabel:   seg.SpeakerLabel,
		}))
	}
}

// runWarningCollector relays pool warnings as transcription-error events.
func (c *Coordinator) runWarningCollector() {
	for w := range c.pool.Warnings() {
		c.broadcast(events.New(events.TypeTranscriptionError, events.RecordingErrorPayload{
			Kind:    w.Kind.String(),
			Message: w.Err.Error(),
		}))
	}
}

// runSpeechDetectedRelay emits speech-detected on the pool's first
// accepted emission, or returns without emitting if the session ends
// (ctx cancelled) before any speech is ever detected — SpeechDetected's
// channel is only ever closed by an actual emission, never on shutdown.
func (c *Coordinator) runSpeechDetectedRelay(ctx context.Context) {
	select {
	case _, ok := <-c.pool.SpeechDetected():
		if ok {
			c.broadcast(events.New(events.TypeSpeechDetected, nil))
		}
	case <-ctx.Done():
	}
}

// Stop runs the lossless five-phase shutdown sequence (§4.7) and returns
// once every transcript chunk has been accounted for (or loss has been
// reported). ctx does not bound any phase: Phase C has no timeout by
// design, matching the drain-before-teardown invariant, and is limited
// only by AwaitDrain's own retry budget.
func (c *Coordinator) Stop(ctx context.Context, meetingName, folderPath string) error {
	// Phase A: stop forwarding frames, close device streams.
	c.state.BeginStop()
	c.micStream.Stop()
	c.sysStream.Stop()
	if c.deviceMon != nil {
		c.deviceMon.Stop()
	}
	c.emitStopProgress("A", 20)

	// Stop the mix pump and wait for it to actually exit before touching
	// the segmenter from this goroutine — Segmenter.Feed/Flush are not
	// safe for concurrent use, and only the pump goroutine is allowed to
	// call Feed while running. Flush then replays any buffered audio into
	// a final segment, if long enough, and closes the Segments channel so
	// runSegmentDispatch exits.
	c.cancel()
	c.pumpWg.Wait()
	c.segmenter.Flush()

	// Phase B: up to maxStopFlushSentinels flush sentinels advance the
	// pool's ordering/drain counters past any segments still in flight.
	for range maxStopFlushSentinels {
		c.pool.SubmitFlush()
	}
	c.pool.Close()
	c.emitStopProgress("B", 40)

	// Phase C: await worker pool completion counters equalizing. No
	// timeout — bounded internally by AwaitDrain's own retry budget.
	if !c.pool.AwaitDrain(context.Background()) {
		c.broadcast(events.New(events.TypeTranscriptChunkLossDetected, events.TranscriptChunkLossPayload{
			ChunksQueued:    c.pool.ChunksQueued(),
			ChunksCompleted: c.pool.ChunksCompleted(),
		}))
	}
	c.emitStopProgress("C", 70)

	// Phase D: unload the transcription model.
	c.cfg.Model.UnloadModel()
	c.emitStopProgress("D", 90)

	if err := c.group.Wait(); err != nil {
		slog.Error("recorder: pipeline goroutine reported a fatal error during shutdown", "err", err)
	}

	// Phase E: recording metadata is the persistence layer's
	// responsibility (outside this component's scope); the Coordinator
	// only emits the completion event with whatever the caller saved to.
	c.state.Idle()
	c.emitStopProgress("E", 100)
	c.broadcast(events.New(events.TypeRecordingStopped, events.RecordingStoppedPayload{
		FolderPath:  folderPath,
		MeetingName: meetingName,
	}))
	return nil
}

// Transcripts returns a snapshot of every ordered transcript emitted this
// session so far, for the caller to persist or hand to FinalizeDiarization.
func (c *Coordinator) Transcripts() []audio.TranscriptSegment {
	c.transcriptsMu.Lock()
	defer c.transcriptsMu.Unlock()
	return append([]audio.TranscriptSegment(nil), c.transcripts...)
}

// FinalizeDiarization runs the offline diarization algorithm over a full
// saved audio track (typically the microphone leg persisted by the
// recording-sink layer) and attributes speakers to transcripts, ready for
// storage. A no-op returning transcripts unchanged if no Diarizer was
// configured.
func (c *Coordinator) FinalizeDiarization(samples []float32, sampleRate int, transcripts []audio.TranscriptSegment) ([]audio.TranscriptSegment, error) {
	if c.cfg.Diarizer == nil {
		return transcripts, nil
	}
	segments, err := c.cfg.Diarizer.Diarize(samples, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("recorder: diarize: %w", err)
	}
	return diarization.AssignSpeakers(transcripts, segments), nil
}

// Retranscribe re-runs transcription over previously captured segments,
// bypassing the warm-up gate, independent of the live pool's sequencing.
// Returns a fresh channel of densely-renumbered transcripts.
func (c *Coordinator) Retranscribe(ctx context.Context, segments []audio.SpeechSegment) (<-chan audio.TranscriptSegment, error) {
	cancel := new(atomic.Bool)
	c.retranscribeCancel.Store(cancel)
	return transcription.Retranscribe(ctx, c.cfg.Model, segments, cancel)
}

// CancelRetranscribe signals the in-flight Retranscribe call (if any) to
// stop between segments.
func (c *Coordinator) CancelRetranscribe() {
	if cancel := c.retranscribeCancel.Load(); cancel != nil {
		cancel.Store(true)
	}
}

func (c *Coordinator) emitStopProgress(phase string, pct float64) {
	c.broadcast(events.New(events.TypeRecordingShutdownProgress, events.RecordingShutdownProgressPayload{
		Phase:       phase,
		PercentHint: pct,
	}))
}

func (c *Coordinator) broadcast(e events.Event) {
	if c.cfg.Hub != nil {
		c.cfg.Hub.Broadcast(e)
	}
}

func (c *Coordinator) onError(err *audio.Error) {
	slog.Warn("recorder: pipeline error", "kind", err.Kind, "message", err.Message)
	c.broadcast(events.New(events.TypeRecordingError, events.RecordingErrorPayload{
		Kind:    err.Kind.String(),
		Message: err.Message,
	}))
	if err.Kind.IsFatal() {
		select {
		case c.fatalCh <- err:
		default: // already reported a fatal error this session
		}
	}
}

func (c *Coordinator) onDeviceDisconnected(d devicemon.Device) {
	c.state.ReportError(audio.NewError(audio.KindDeviceDisconnected, "device disconnected: "+d.ID, nil))
	c.broadcast(events.New(events.TypeRecordingError, events.RecordingErrorPayload{
		Kind:    audio.KindDeviceDisconnected.String(),
		Message: "device disconnected: " + d.ID,
	}))
}

func (c *Coordinator) onDeviceReconnected(d devicemon.Device) {
	slog.Info("recorder: device reconnected", "device_id", d.ID)
}

func (c *Coordinator) onDeviceGiveUp(d devicemon.Device) {
	c.broadcast(events.New(events.TypeRecordingError, events.RecordingErrorPayload{
		Kind:    audio.KindDeviceDisconnected.String(),
		Message: "device did not reconnect, requires user action: " + d.ID,
	}))
}
