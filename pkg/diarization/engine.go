package diarization

import (
	"fmt"
	"sort"

	"github.com/localscribe/meetcap/pkg/audio"
)

// RegisteredSpeakerStore persists voice profiles across recordings. A
// concrete implementation (e.g. pkg/diarization/speakerstore, backed by
// pgx+pgvector) is an external collaborator; Engine only needs lookup and
// running-mean update.
type RegisteredSpeakerStore interface {
	FindMatching(embedding []float32, threshold float64) (RegisteredSpeaker, float64, bool, error)
	UpdateEmbedding(speakerID string, sample []float32) error
	Register(name string, embedding []float32) (string, error)
}

// Config tunes the offline diarization algorithm.
type Config struct {
	MaxSessionSpeakers int     // max-K session cluster capacity
	RegisteredThreshold float64 // τ_reg
	SessionThreshold    float64 // τ_ses
}

// DefaultConfig mirrors the original recorder's defaults (max 10 tracked
// speakers per session, registered-match threshold biased high to avoid
// false positives against a known voice).
func DefaultConfig() Config {
	return Config{MaxSessionSpeakers: 10, RegisteredThreshold: 0.85, SessionThreshold: 0.75}
}

// Engine runs the offline diarization algorithm: segmentation, embedding,
// registered/session speaker identification, and transcript assignment.
type Engine struct {
	cfg       Config
	segmenter SpeechSegmenter
	embedder  Embedder
	store     RegisteredSpeakerStore
	session   *sessionManager
}

// New constructs an Engine. store may be nil if no registered-voice
// persistence is configured, in which case every speaker is identified
// purely by session clustering.
func New(cfg Config, segmenter SpeechSegmenter, embedder Embedder, store RegisteredSpeakerStore) *Engine {
	return &Engine{
		cfg:       cfg,
		segmenter: segmenter,
		embedder:  embedder,
		store:     store,
		session:   newSessionManager(cfg.MaxSessionSpeakers, cfg.SessionThreshold),
	}
}

// Diarize runs the four-step offline algorithm (§4.5) over full-recording
// samples at sampleRate, returning time-contiguous speaker segments.
func (e *Engine) Diarize(samples []float32, sampleRate int) ([]SpeakerSegment, error) {
	raw, err := e.segmenter.Segments(samples, sampleRate)
	if err != nil {
		return nil, audio.NewError(audio.KindProcessingFailed, "diarization segmentation failed", err)
	}

	out := make([]SpeakerSegment, 0, len(raw))
	for _, seg := range raw {
		embedding, err := e.embedder.Embed(seg.Samples)
		if err != nil {
			continue // non-fatal: drop the sub-segment, keep processing the rest
		}
		out = append(out, e.identify(seg, embedding))
	}
	return out, nil
}

// identify implements step 3 of §4.5: registered-voice match first, then
// session clustering, then "Unknown".
func (e *Engine) identify(seg RawSegment, embedding []float32) SpeakerSegment {
	if e.store != nil {
		if reg, sim, ok, err := e.store.FindMatching(embedding, e.cfg.RegisteredThreshold); err == nil && ok {
			return SpeakerSegment{
				StartTime:           seg.StartTime,
				EndTime:             seg.EndTime,
				SpeakerID:           "registered_" + reg.ID,
				SpeakerLabel:        reg.Name,
				Confidence:          sim,
				IsRegistered:        true,
				RegisteredSpeakerID: reg.ID,
			}
		}
	}

	if idx, label, ok := e.session.searchSpeaker(embedding); ok {
		return SpeakerSegment{
			StartTime:    seg.StartTime,
			EndTime:      seg.EndTime,
			SpeakerID:    fmt.Sprintf("speaker_%d", idx),
			SpeakerLabel: label,
			Confidence:   0.75,
		}
	}

	return SpeakerSegment{
		StartTime:    seg.StartTime,
		EndTime:      seg.EndTime,
		SpeakerID:    "unknown",
		SpeakerLabel: "Unknown",
		Confidence:   0.3,
	}
}

// RegisterVoice extracts an embedding from samples and persists it as a
// new RegisteredSpeaker named name.
func (e *Engine) RegisterVoice(name string, samples []float32) (string, error) {
	if e.store == nil {
		return "", audio.NewError(audio.KindProcessingFailed, "no registered speaker store configured", nil)
	}
	embedding, err := e.embedder.Embed(samples)
	if err != nil {
		return "", audio.NewError(audio.KindProcessingFailed, "embedding extraction failed", err)
	}
	return e.store.Register(name, embedding)
}

// UpdateVoice adds another sample to an existing registered speaker,
// updating the stored embedding as the running mean across all samples
// (§4.5): new = (old*n + sample)/(n+1).
func (e *Engine) UpdateVoice(speakerID string, samples []float32) error {
	if e.store == nil {
		return audio.NewError(audio.KindProcessingFailed, "no registered speaker store configured", nil)
	}
	embedding, err := e.embedder.Embed(samples)
	if err != nil {
		return audio.NewError(audio.KindProcessingFailed, "embedding extraction failed", err)
	}
	return e.store.UpdateEmbedding(speakerID, embedding)
}

// ResetSession clears session-cluster state, called at the start of each
// new recording so speaker indices don't leak across sessions.
func (e *Engine) ResetSession() {
	e.session = newSessionManager(e.cfg.MaxSessionSpeakers, e.cfg.SessionThreshold)
}

const (
	// minOverlapRatio is the minimum fraction of a transcript's duration
	// that must overlap a speaker sub-segment for assignment (§4.5).
	minOverlapRatio = 0.25
	// mergeGapSeconds bounds the inter-transcript gap allowed when merging
	// consecutive same-speaker transcripts (§4.5).
	mergeGapSeconds = 2.0
)

// AssignSpeakers attributes a speaker to each transcript by greatest
// temporal overlap against segments, then merges consecutive
// same-speaker transcripts separated by less than mergeGapSeconds,
// renumbering SequenceID densely.
func AssignSpeakers(transcripts []audio.TranscriptSegment, segments []SpeakerSegment) []audio.TranscriptSegment {
	assigned := make([]audio.TranscriptSegment, len(transcripts))
	for i, t := range transcripts {
		assigned[i] = assignOne(t, segments)
	}
	return mergeAdjacentSameSpeaker(assigned)
}

func assignOne(t audio.TranscriptSegment, segments []SpeakerSegment) audio.TranscriptSegment {
	duration := t.AudioEndTime - t.AudioStartTime
	if duration <= 0 {
		return t
	}

	var best *SpeakerSegment
	var bestOverlap float64
	for i := range segments {
		s := &segments[i]
		overlap := overlapSeconds(t.AudioStartTime, t.AudioEndTime, s.StartTime, s.EndTime)
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = s
		}
	}
	if best == nil || bestOverlap/duration < minOverlapRatio {
		return t
	}

	id := best.SpeakerID
	label := best.SpeakerLabel
	t.SpeakerID = &id
	t.SpeakerLabel = &label
	t.IsRegisteredSpeaker = best.IsRegistered
	return t
}

func overlapSeconds(aStart, aEnd, bStart, bEnd float64) float64 {
	start := aStart
	if bStart > start {
		start = bStart
	}
	end := aEnd
	if bEnd < end {
		end = bEnd
	}
	if end <= start {
		return 0
	}
	return end - start
}

// mergeAdjacentSameSpeaker concatenates consecutive transcripts sharing a
// non-nil equal SpeakerID when the inter-gap is under mergeGapSeconds, then
// renumbers SequenceID densely starting at 0. Input is assumed already
// sorted by AudioStartTime (the order transcripts are emitted in).
func mergeAdjacentSameSpeaker(transcripts []audio.TranscriptSegment) []audio.TranscriptSegment {
	sort.SliceStable(transcripts, func(i, j int) bool {
		return transcripts[i].AudioStartTime < transcripts[j].AudioStartTime
	})

	var merged []audio.TranscriptSegment
	for _, t := range transcripts {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if sameSpeaker(last.SpeakerID, t.SpeakerID) && t.AudioStartTime-last.AudioEndTime < mergeGapSeconds {
				last.Text = last.Text + " " + t.Text
				last.AudioEndTime = t.AudioEndTime
				last.Duration = last.AudioEndTime - last.AudioStartTime
				continue
			}
		}
		merged = append(merged, t)
	}

	for i := range merged {
		merged[i].SequenceID = int64(i)
	}
	return merged
}

func sameSpeaker(a, b *string) bool {
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}
