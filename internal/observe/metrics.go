// Package observe provides application-wide observability primitives for
// meetcap: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all meetcap metrics.
const meterName = "github.com/localscribe/meetcap"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// EnhancementDuration tracks per-chunk DSP enhancement latency (high-pass,
	// noise suppression, loudness normalisation combined). Use with attribute:
	//   attribute.String("stream", "microphone"|"system")
	EnhancementDuration metric.Float64Histogram

	// MixerWindowLatency tracks the age, at mix time, of the oldest sample in
	// a phase-aligned mixer window — how far behind real time the mixed
	// stream lags.
	MixerWindowLatency metric.Float64Histogram

	// VADSegmentDuration tracks the duration of speech segments emitted by
	// the voice-activity detector.
	VADSegmentDuration metric.Float64Histogram

	// TranscriptionDuration tracks model inference latency per segment. Use
	// with attribute:
	//   attribute.String("model", ...)
	TranscriptionDuration metric.Float64Histogram

	// DiarizationDuration tracks embedding-plus-matching latency per segment.
	DiarizationDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureFramesTotal counts raw audio frames pulled from a capture
	// device. Use with attribute:
	//   attribute.String("stream", "microphone"|"system")
	CaptureFramesTotal metric.Int64Counter

	// CaptureDropouts counts device dropout/xrun events detected during
	// capture. Use with attribute:
	//   attribute.String("stream", "microphone"|"system")
	CaptureDropouts metric.Int64Counter

	// SegmentsEmitted counts speech segments handed off by the VAD to the
	// transcription pool.
	SegmentsEmitted metric.Int64Counter

	// TranscriptionErrors counts failed transcription attempts. Use with
	// attribute:
	//   attribute.String("model", ...)
	TranscriptionErrors metric.Int64Counter

	// SpeakersIdentified counts segments successfully attributed to a
	// speaker (registered or session-local) by diarization.
	SpeakersIdentified metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the number of segments currently queued for
	// transcription in the worker pool.
	QueueDepth metric.Int64UpDownCounter

	// ActiveRecordings tracks the number of recording sessions currently in
	// the Recording state.
	ActiveRecordings metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for the capture-to-transcript pipeline, which runs from sub-10ms DSP
// stages up to multi-second model inference.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EnhancementDuration, err = m.Float64Histogram("meetcap.enhancement.duration",
		metric.WithDescription("Latency of per-chunk DSP enhancement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MixerWindowLatency, err = m.Float64Histogram("meetcap.mixer.window_latency",
		metric.WithDescription("Age of the oldest sample in a mixer window at mix time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VADSegmentDuration, err = m.Float64Histogram("meetcap.vad.segment_duration",
		metric.WithDescription("Duration of speech segments emitted by the voice-activity detector."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("meetcap.transcription.duration",
		metric.WithDescription("Latency of model inference per segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DiarizationDuration, err = m.Float64Histogram("meetcap.diarization.duration",
		metric.WithDescription("Latency of embedding extraction and speaker matching per segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureFramesTotal, err = m.Int64Counter("meetcap.capture.frames_total",
		metric.WithDescription("Total raw audio frames pulled from a capture device."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDropouts, err = m.Int64Counter("meetcap.capture.dropouts",
		metric.WithDescription("Total device dropout/xrun events detected during capture."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("meetcap.vad.segments_emitted",
		metric.WithDescription("Total speech segments handed off to the transcription pool."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TranscriptionErrors, err = m.Int64Counter("meetcap.transcription.errors",
		metric.WithDescription("Total failed transcription attempts by model."),
	); err != nil {
		return nil, err
	}
	if met.SpeakersIdentified, err = m.Int64Counter("meetcap.diarization.speakers_identified",
		metric.WithDescription("Total segments successfully attributed to a speaker."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("meetcap.transcription.queue_depth",
		metric.WithDescription("Number of segments currently queued for transcription."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecordings, err = m.Int64UpDownCounter("meetcap.active_recordings",
		metric.WithDescription("Number of recording sessions currently in the Recording state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("meetcap.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCaptureFrame is a convenience method that records a captured-frame
// counter increment for the given stream.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, stream string) {
	m.CaptureFramesTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stream", stream)),
	)
}

// RecordCaptureDropout is a convenience method that records a dropout
// counter increment for the given stream.
func (m *Metrics) RecordCaptureDropout(ctx context.Context, stream string) {
	m.CaptureDropouts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stream", stream)),
	)
}

// RecordTranscriptionError is a convenience method that records a
// transcription error counter increment for the given model.
func (m *Metrics) RecordTranscriptionError(ctx context.Context, model string) {
	m.TranscriptionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("model", model)),
	)
}

// RecordSpeakerIdentified is a convenience method that records a speaker
// attribution counter increment.
func (m *Metrics) RecordSpeakerIdentified(ctx context.Context) {
	m.SpeakersIdentified.Add(ctx, 1)
}
