package transcription

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/localscribe/meetcap/pkg/audio"
)

// Retranscribe re-runs model over already-captured segments — typically
// after a user switches transcription models — reusing the same
// per-segment processing steps as [Pool] but bypassing the warm-up gate
// entirely (already-recorded audio has nothing to warm up for) and
// honoring cancel, an explicit flag checked between segments rather than
// mid-inference.
//
// The returned channel is closed once every segment has been processed or
// cancel was observed set; SequenceID is assigned densely starting at 0,
// independent of any live recording's sequence numbering.
func Retranscribe(ctx context.Context, model Model, segments []audio.SpeechSegment, cancel *atomic.Bool) (<-chan audio.TranscriptSegment, error) {
	if err := model.ValidateModelReady(ctx); err != nil {
		return nil, audio.NewError(audio.KindModelNotLoaded, "retranscribe: model not ready", err)
	}

	out := make(chan audio.TranscriptSegment, 16)
	go func() {
		defer close(out)
		var seq int64
		for _, seg := range segments {
			if cancel != nil && cancel.Load() {
				return
			}
			if len(seg.Samples) == 0 {
				continue
			}
			text, confidence, isPartial, err := model.Transcribe(ctx, seg.Samples, "")
			if err != nil {
				continue // non-fatal per-segment failure; retranscription keeps going
			}
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			if confidence != nil && *confidence < confidenceThreshold {
				continue
			}
			select {
			case out <- audio.TranscriptSegment{
				SequenceID:     seq,
				Text:           text,
				Confidence:     confidence,
				IsPartial:      isPartial,
				AudioStartTime: seg.StartMs / 1000.0,
				AudioEndTime:   seg.EndMs / 1000.0,
				Duration:       seg.DurationMs() / 1000.0,
			}:
				seq++
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
