package diarization

import (
	"testing"

	"github.com/localscribe/meetcap/pkg/audio"
)

func TestCosineSimilarityKnownVectors(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	c := []float32{-1, 0, 0}

	if got := cosineSimilarity(a, a); got < 0.999 || got > 1.001 {
		t.Fatalf("identical vectors: want ~1.0, got %v", got)
	}
	if got := cosineSimilarity(a, b); got < -0.001 || got > 0.001 {
		t.Fatalf("orthogonal vectors: want ~0.0, got %v", got)
	}
	if got := cosineSimilarity(a, c); got < -1.001 || got > -0.999 {
		t.Fatalf("opposite vectors: want ~-1.0, got %v", got)
	}
}

func TestCosineSimilarityZeroNormReturnsZero(t *testing.T) {
	zero := []float32{0, 0, 0}
	other := []float32{1, 2, 3}
	if got := cosineSimilarity(zero, other); got != 0 {
		t.Fatalf("expected 0 for zero-norm vector, got %v", got)
	}
}

type fakeSegmenter struct {
	segs []RawSegment
}

func (f *fakeSegmenter) Segments(samples []float32, sampleRate int) ([]RawSegment, error) {
	return f.segs, nil
}

type fakeEmbedder struct {
	byIndex map[int][]float32
	calls   int
}

func (f *fakeEmbedder) Embed(samples []float32) ([]float32, error) {
	v := f.byIndex[f.calls]
	f.calls++
	return v, nil
}

func TestEngineDiarizeAssignsSessionClusters(t *testing.T) {
	segs := []RawSegment{
		{StartTime: 0, EndTime: 1},
		{StartTime: 1, EndTime: 2},
		{StartTime: 2, EndTime: 3},
	}
	embedder := &fakeEmbedder{byIndex: map[int][]float32{
		0: {1, 0, 0},
		1: {0, 1, 0}, // distinct speaker
		2: {0.98, 0.02, 0}, // close to speaker 0
	}}

	e := New(DefaultConfig(), &fakeSegmenter{segs: segs}, embedder, nil)
	out, err := e.Diarize(nil, 16000)
	if err != nil {
		t.Fatalf("Diarize failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 speaker segments, got %d", len(out))
	}
	if out[0].SpeakerID != out[2].SpeakerID {
		t.Fatalf("expected segment 0 and 2 to match the same session speaker, got %q vs %q", out[0].SpeakerID, out[2].SpeakerID)
	}
	if out[0].SpeakerID == out[1].SpeakerID {
		t.Fatal("expected orthogonal embedding to form a distinct speaker")
	}
}

type fakeStore struct {
	speakers map[string]RegisteredSpeaker
}

func (s *fakeStore) FindMatching(embedding []float32, threshold float64) (RegisteredSpeaker, float64, bool, error) {
	var best RegisteredSpeaker
	bestSim := -1.0
	found := false
	for _, sp := range s.speakers {
		sim := cosineSimilarity(embedding, sp.Embedding)
		if sim >= threshold && sim > bestSim {
			best, bestSim, found = sp, sim, true
		}
	}
	return best, bestSim, found, nil
}
func (s *fakeStore) UpdateEmbedding(speakerID string, sample []float32) error {
	sp := s.speakers[speakerID]
	n := float64(sp.SampleCount)
	for i := range sp.Embedding {
		sp.Embedding[i] = float32((float64(sp.Embedding[i])*n + float64(sample[i])) / (n + 1))
	}
	sp.SampleCount++
	s.speakers[speakerID] = sp
	return nil
}
func (s *fakeStore) Register(name string, embedding []float32) (string, error) {
	id := "spk_0001"
	s.speakers[id] = RegisteredSpeaker{ID: id, Name: name, Embedding: embedding, SampleCount: 1}
	return id, nil
}

func TestEngineDiarizePrefersRegisteredMatchOverSessionCluster(t *testing.T) {
	store := &fakeStore{speakers: map[string]RegisteredSpeaker{
		"spk_0001": {ID: "spk_0001", Name: "Alice", Embedding: []float32{1, 0, 0}, SampleCount: 1},
	}}
	segs := []RawSegment{{StartTime: 0, EndTime: 1}}
	embedder := &fakeEmbedder{byIndex: map[int][]float32{0: {1, 0, 0}}}

	e := New(DefaultConfig(), &fakeSegmenter{segs: segs}, embedder, store)
	out, err := e.Diarize(nil, 16000)
	if err != nil {
		t.Fatalf("Diarize failed: %v", err)
	}
	if len(out) != 1 || !out[0].IsRegistered || out[0].SpeakerLabel != "Alice" {
		t.Fatalf("expected registered match to 'Alice', got %+v", out)
	}
}

func TestUpdateVoiceAppliesRunningMean(t *testing.T) {
	store := &fakeStore{speakers: map[string]RegisteredSpeaker{
		"spk_0001": {ID: "spk_0001", Name: "Alice", Embedding: []float32{1, 1, 1}, SampleCount: 1},
	}}
	e := New(DefaultConfig(), nil, &fakeEmbedder{byIndex: map[int][]float32{0: {3, 3, 3}}}, store)
	if err := e.UpdateVoice("spk_0001", nil); err != nil {
		t.Fatalf("UpdateVoice failed: %v", err)
	}
	got := store.speakers["spk_0001"].Embedding
	want := float32(2.0) // (1*1 + 3)/2
	for _, v := range got {
		if v != want {
			t.Fatalf("expected running-mean embedding %v, got %v", want, got)
		}
	}
}

func TestAssignSpeakersByOverlapRatio(t *testing.T) {
	transcripts := []audio.TranscriptSegment{
		{SequenceID: 0, Text: "hello", AudioStartTime: 0, AudioEndTime: 1},
		{SequenceID: 1, Text: "world", AudioStartTime: 1, AudioEndTime: 2},
	}
	segments := []SpeakerSegment{
		{StartTime: 0, EndTime: 0.9, SpeakerID: "speaker_0", SpeakerLabel: "Speaker 1"},
		{StartTime: 0.95, EndTime: 2, SpeakerID: "speaker_1", SpeakerLabel: "Speaker 2"},
	}

	out := AssignSpeakers(transcripts, segments)
	if len(out) != 2 {
		t.Fatalf("expected 2 transcripts (different speakers, no merge), got %d", len(out))
	}
	if out[0].SpeakerID == nil || *out[0].SpeakerID != "speaker_0" {
		t.Fatalf("expected first transcript assigned to speaker_0, got %+v", out[0])
	}
	if out[1].SpeakerID == nil || *out[1].SpeakerID != "speaker_1" {
		t.Fatalf("expected second transcript assigned to speaker_1, got %+v", out[1])
	}
}

func TestAssignSpeakersBelowOverlapRatioLeavesUnassigned(t *testing.T) {
	transcripts := []audio.TranscriptSegment{
		{SequenceID: 0, Text: "hi", AudioStartTime: 0, AudioEndTime: 10},
	}
	segments := []SpeakerSegment{
		{StartTime: 9, EndTime: 10, SpeakerID: "speaker_0", SpeakerLabel: "Speaker 1"}, // 10% overlap, under 0.25
	}
	out := AssignSpeakers(transcripts, segments)
	if out[0].SpeakerID != nil {
		t.Fatalf("expected no assignment below overlap ratio, got %+v", out[0])
	}
}

func TestAssignSpeakersMergesAdjacentSameSpeakerWithinGap(t *testing.T) {
	transcripts := []audio.TranscriptSegment{
		{SequenceID: 0, Text: "hello", AudioStartTime: 0, AudioEndTime: 1},
		{SequenceID: 5, Text: "there", AudioStartTime: 1.5, AudioEndTime: 2.5}, // 0.5s gap, same speaker
		{SequenceID: 9, Text: "later", AudioStartTime: 10, AudioEndTime: 11},   // big gap, breaks merge
	}
	segments := []SpeakerSegment{
		{StartTime: 0, EndTime: 2.5, SpeakerID: "speaker_0", SpeakerLabel: "Speaker 1"},
		{StartTime: 10, EndTime: 11, SpeakerID: "speaker_0", SpeakerLabel: "Speaker 1"},
	}
	out := AssignSpeakers(transcripts, segments)
	if len(out) != 2 {
		t.Fatalf("expected merge of first two transcripts, got %d segments: %+v", len(out), out)
	}
	if out[0].Text != "hello there" {
		t.Fatalf("expected merged text 'hello there', got %q", out[0].Text)
	}
	if out[0].SequenceID != 0 || out[1].SequenceID != 1 {
		t.Fatalf("expected densely renumbered sequence IDs, got %d, %d", out[0].SequenceID, out[1].SequenceID)
	}
}
