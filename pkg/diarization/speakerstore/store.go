// Package speakerstore persists [diarization.RegisteredSpeaker] voice
// profiles in PostgreSQL with a pgvector column, so registered voices
// survive across recordings. Adapted from the teacher's
// pkg/memory/postgres/semantic_index.go upsert-and-cosine-search pattern:
// the embedding column uses the same pgvector.Vector type and `<=>`
// distance operator as a SQL-side pre-filter, with the exact cosine
// similarity decision against τ_reg confirmed in Go afterward.
package speakerstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/localscribe/meetcap/pkg/diarization"
)

// Store is the pgx/pgvector-backed [diarization.RegisteredSpeakerStore].
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. Callers own the pool's lifecycle.
func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Schema is the DDL this store expects; callers run it via their own
// migration tooling (out of scope here, matching the teacher's semantic
// index which also assumes a pre-existing table).
const Schema = `
CREATE TABLE IF NOT EXISTS registered_speakers (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    embedding    vector NOT NULL,
    sample_count INTEGER NOT NULL DEFAULT 1,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS registered_speakers_embedding_hnsw
    ON registered_speakers USING hnsw (embedding vector_cosine_ops);
`

// FindMatching implements [diarization.RegisteredSpeakerStore]. It
// pre-filters candidates by pgvector cosine distance, then confirms the
// top candidate's exact similarity against threshold in Go (distance and
// similarity can diverge slightly under HNSW's approximate search).
func (s *Store) FindMatching(embedding []float32, threshold float64) (diarization.RegisteredSpeaker, float64, bool, error) {
	ctx := context.Background()
	vec := pgvector.NewVector(embedding)

	const q = `
		SELECT id, name, embedding, sample_count, created_at, last_seen,
		       1 - (embedding <=> $1) AS similarity
		FROM   registered_speakers
		ORDER  BY embedding <=> $1
		LIMIT  1`

	row := s.pool.QueryRow(ctx, q, vec)

	var (
		sp         diarization.RegisteredSpeaker
		rowVec     pgvector.Vector
		lastSeen   *time.Time
		similarity float64
	)
	if err := row.Scan(&sp.ID, &sp.Name, &rowVec, &sp.SampleCount, &sp.CreatedAt, &lastSeen, &similarity); err != nil {
		if err == pgx.ErrNoRows {
			return diarization.RegisteredSpeaker{}, 0, false, nil
		}
		return diarization.RegisteredSpeaker{}, 0, false, fmt.Errorf("speakerstore: find matching: %w", err)
	}
	sp.Embedding = rowVec.Slice()
	sp.LastSeen = lastSeen

	if similarity < threshold {
		return diarization.RegisteredSpeaker{}, similarity, false, nil
	}
	return sp, similarity, true, nil
}

// UpdateEmbedding implements [diarization.RegisteredSpeakerStore], applying
// the running-mean update rule (§4.5): new = (old*n + sample)/(n+1). The
// average is computed in Go (pgvector's SQL operators don't expose
// element-wise scalar division) and written back inside one transaction to
// avoid a lost update racing a concurrent UpdateEmbedding for the same
// speaker.
func (s *Store) UpdateEmbedding(speakerID string, sample []float32) error {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("speakerstore: update embedding: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		oldVec      pgvector.Vector
		sampleCount uint32
	)
	const selectQ = `SELECT embedding, sample_count FROM registered_speakers WHERE id = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, selectQ, speakerID).Scan(&oldVec, &sampleCount); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("speakerstore: speaker not found: %s", speakerID)
		}
		return fmt.Errorf("speakerstore: update embedding: select: %w", err)
	}

	old := oldVec.Slice()
	if len(old) != len(sample) {
		return fmt.Errorf("speakerstore: update embedding: dimension mismatch (%d vs %d)", len(old), len(sample))
	}
	n := float32(sampleCount)
	updated := make([]float32, len(old))
	for i := range old {
		updated[i] = (old[i]*n + sample[i]) / (n + 1)
	}

	const updateQ = `
		UPDATE registered_speakers
		SET    embedding = $2, sample_count = sample_count + 1, last_seen = now()
		WHERE  id = $1`
	if _, err := tx.Exec(ctx, updateQ, speakerID, pgvector.NewVector(updated)); err != nil {
		return fmt.Errorf("speakerstore: update embedding: update: %w", err)
	}
	return tx.Commit(ctx)
}

// Register implements [diarization.RegisteredSpeakerStore], inserting a
// new profile with sample_count = 1.
func (s *Store) Register(name string, embedding []float32) (string, error) {
	ctx := context.Background()
	id := newSpeakerID()
	vec := pgvector.NewVector(embedding)

	const q = `
		INSERT INTO registered_speakers (id, name, embedding, sample_count)
		VALUES ($1, $2, $3, 1)`

	if _, err := s.pool.Exec(ctx, q, id, name, vec); err != nil {
		return "", fmt.Errorf("speakerstore: register: %w", err)
	}
	return id, nil
}

// Unregister removes a registered speaker by ID.
func (s *Store) Unregister(speakerID string) error {
	ctx := context.Background()
	tag, err := s.pool.Exec(ctx, `DELETE FROM registered_speakers WHERE id = $1`, speakerID)
	if err != nil {
		return fmt.Errorf("speakerstore: unregister: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("speakerstore: speaker not found: %s", speakerID)
	}
	return nil
}

// Rename updates a registered speaker's display name.
func (s *Store) Rename(speakerID, newName string) error {
	ctx := context.Background()
	tag, err := s.pool.Exec(ctx, `UPDATE registered_speakers SET name = $2 WHERE id = $1`, speakerID, newName)
	if err != nil {
		return fmt.Errorf("speakerstore: rename: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("speakerstore: speaker not found: %s", speakerID)
	}
	return nil
}

// All returns every registered speaker, without embeddings (matching the
// original recorder's "don't expose raw embedding to frontend" rule).
func (s *Store) All() ([]diarization.RegisteredSpeaker, error) {
	ctx := context.Background()
	rows, err := s.pool.Query(ctx, `SELECT id, name, sample_count, created_at, last_seen FROM registered_speakers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("speakerstore: list: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (diarization.RegisteredSpeaker, error) {
		var sp diarization.RegisteredSpeaker
		err := row.Scan(&sp.ID, &sp.Name, &sp.SampleCount, &sp.CreatedAt, &sp.LastSeen)
		return sp, err
	})
}

var idCounter atomic.Int64

// newSpeakerID mirrors the original recorder's "spk_%04d" convention, using
// a timestamp suffix to stay collision-safe without a database sequence.
func newSpeakerID() string {
	n := idCounter.Add(1)
	return fmt.Sprintf("spk_%04d_%d", n, time.Now().UnixNano()%100000)
}

var _ diarization.RegisteredSpeakerStore = (*Store)(nil)
