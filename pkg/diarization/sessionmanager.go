package diarization

import "fmt"

// sessionCluster is one in-session speaker voice cluster: a running
// embedding plus bookkeeping for the least-recently-updated eviction rule.
type sessionCluster struct {
	index     int
	embedding []float32
	label     string
	updateSeq int64 // higher = more recently updated
}

// sessionManager clusters embeddings into at most maxK in-session speakers
// via cosine similarity, refining spec.md §4.5's "past that, label Unknown"
// with an eviction step: when capacity is full and a genuinely new voice
// appears, the least-recently-updated cluster is evicted first (grounded
// on original_source/.../diarization/engine.rs's per-cluster last-update
// tracking, which the Rust EmbeddingManager itself did not implement).
type sessionManager struct {
	maxK      int
	threshold float64
	clusters  []*sessionCluster
	nextIndex int
	clock     int64
}

func newSessionManager(maxK int, threshold float64) *sessionManager {
	return &sessionManager{maxK: maxK, threshold: threshold}
}

// searchSpeaker returns the cluster index matching embedding (merging into
// an existing cluster by running-mean update), or creates a new cluster if
// under capacity, or evicts the least-recently-updated cluster and reuses
// its slot for the new voice under a fresh index and label. Eviction always
// succeeds, so ok is false only when maxK is zero or less: a session-level
// cluster slot is always reclaimed in preference to "Unknown" once max-K is
// exhausted, per the engine.rs eviction refinement (§9, Open Question #3
// area).
func (m *sessionManager) searchSpeaker(embedding []float32) (idx int, label string, ok bool) {
	if m.maxK <= 0 {
		return 0, "", false
	}
	m.clock++

	best := -1
	bestSim := -1.0
	for i, c := range m.clusters {
		sim := cosineSimilarity(embedding, c.embedding)
		if sim >= m.threshold && sim > bestSim {
			best = i
			bestSim = sim
		}
	}
	if best >= 0 {
		m.mergeInto(m.clusters[best], embedding)
		return m.clusters[best].index, m.clusters[best].label, true
	}

	if len(m.clusters) < m.maxK {
		c := &sessionCluster{
			index:     m.nextIndex,
			embedding: append([]float32(nil), embedding...),
			label:     fmt.Sprintf("Speaker %d", m.nextIndex+1),
			updateSeq: m.clock,
		}
		m.nextIndex++
		m.clusters = append(m.clusters, c)
		return c.index, c.label, true
	}

	lru := m.leastRecentlyUpdated()
	lru.index = m.nextIndex
	lru.embedding = append([]float32(nil), embedding...)
	lru.label = fmt.Sprintf("Speaker %d", m.nextIndex+1)
	lru.updateSeq = m.clock
	m.nextIndex++
	return lru.index, lru.label, true
}

func (m *sessionManager) mergeInto(c *sessionCluster, embedding []float32) {
	// Equal-weight running average across the two observations; the
	// cluster's embedding is treated as a single representative vector
	// rather than tracking a sample count, unlike RegisteredSpeaker's
	// exact running mean (§4.5) — session clusters are provisional and
	// reset every recording.
	for i := range c.embedding {
		c.embedding[i] = (c.embedding[i] + embedding[i]) / 2
	}
	c.updateSeq = m.clock
}

func (m *sessionManager) leastRecentlyUpdated() *sessionCluster {
	lru := m.clusters[0]
	for _, c := range m.clusters[1:] {
		if c.updateSeq < lru.updateSeq {
			lru = c
		}
	}
	return lru
}
