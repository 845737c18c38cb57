package speakerstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/localscribe/meetcap/pkg/diarization/speakerstore"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if MEETCAP_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MEETCAP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEETCAP_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *speakerstore.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS registered_speakers CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
	if _, err := pool.Exec(ctx, speakerstore.Schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	return speakerstore.New(pool)
}

func TestRegisterAndFindMatching(t *testing.T) {
	s := newTestStore(t)

	embedding := []float32{0.1, 0.2, 0.3, 0.4, 0.5}
	id, err := s.Register("Alice", embedding)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	sp, sim, ok, err := s.FindMatching(embedding, 0.9)
	if err != nil {
		t.Fatalf("FindMatching: %v", err)
	}
	if !ok {
		t.Fatal("expected a match for the identical embedding")
	}
	if sp.ID != id || sp.Name != "Alice" {
		t.Fatalf("unexpected match: %+v", sp)
	}
	if sim < 0.99 {
		t.Fatalf("expected similarity ~1.0 for identical embedding, got %v", sim)
	}

	different := []float32{0.5, 0.4, 0.3, 0.2, 0.1}
	_, _, ok, err = s.FindMatching(different, 0.9)
	if err != nil {
		t.Fatalf("FindMatching(different): %v", err)
	}
	if ok {
		t.Fatal("expected no match for a dissimilar embedding at threshold 0.9")
	}
}

func TestUpdateEmbeddingAppliesRunningMean(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Register("Bob", []float32{1, 1, 1, 1})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := s.UpdateEmbedding(id, []float32{3, 3, 3, 3}); err != nil {
		t.Fatalf("UpdateEmbedding: %v", err)
	}

	all, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 || all[0].SampleCount != 2 {
		t.Fatalf("expected sample_count 2 after one update, got %+v", all)
	}
}

func TestUnregisterRemovesSpeaker(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Register("Carol", []float32{1, 0, 0, 0})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Unregister(id); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	all, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no speakers after unregister, got %+v", all)
	}
}
