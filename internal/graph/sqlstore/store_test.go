package sqlstore

import (
	"context"
	"testing"

	"github.com/kalambet/weave/internal/graph"
	"github.com/kalambet/weave/internal/graph/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) graph.Store {
		return openTestStore(t)
	})
}

// TestMigrationsIdempotent verifies a second migration pass is a no-op.
func TestMigrationsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		t.Fatalf("counting applied migrations: %v", err)
	}
	if count == 0 {
		t.Fatal("no migrations recorded")
	}
}

// TestFilePersistence writes through a real file and reopens it.
func TestFilePersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	nodes, err := s1.CreateNodes(ctx, "", []graph.NodeInput{{Label: "Durable", Domain: "test"}})
	if err != nil {
		t.Fatalf("CreateNodes: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetNodeByID(ctx, "", nodes[0].ID)
	if err != nil {
		t.Fatalf("GetNodeByID after reopen: %v", err)
	}
	if got.Slug != "durable" || got.Domain != "test" {
		t.Errorf("node changed across restart: %+v", got)
	}
}

// TestEmbeddingBlobRoundTrip checks the vector survives BLOB storage intact.
func TestEmbeddingBlobRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	nodes, err := s.CreateNodes(ctx, "", []graph.NodeInput{{Label: "Vec"}})
	if err != nil {
		t.Fatalf("CreateNodes: %v", err)
	}
	vec := []float32{0.25, -1.5, 3.75, 0}
	if err := s.SetNodeEmbedding(ctx, "", nodes[0].ID, vec, "m", now()); err != nil {
		t.Fatalf("SetNodeEmbedding: %v", err)
	}

	got, err := s.GetNodeByID(ctx, "", nodes[0].ID)
	if err != nil {
		t.Fatalf("GetNodeByID: %v", err)
	}
	if len(got.Embedding) != len(vec) {
		t.Fatalf("embedding length = %d, want %d", len(got.Embedding), len(vec))
	}
	for i := range vec {
		if got.Embedding[i] != vec[i] {
			t.Errorf("embedding[%d] = %v, want %v", i, got.Embedding[i], vec[i])
		}
	}
}
