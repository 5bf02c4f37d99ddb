package memory

import (
	"context"
	"testing"

	"github.com/CanopyHQ/xylem/internal/retrieval"
)

func TestThoughtSource_ReturnsCandidatesWithEmbeddings(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := store.SaveThought(ctx, Thought{Text: "migrated the billing service to the new queue", Tags: []string{"work"}})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	_, err = store.SaveThought(ctx, Thought{Text: "a private note", Private: true})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	src := store.ThoughtSource()
	if src.Name() != "thoughts" {
		t.Errorf("unexpected source name: %s", src.Name())
	}
	if src.Kind() != retrieval.KindNarrative {
		t.Error("expected narrative kind")
	}

	query, err := store.Embedder().Embed("billing queue migration")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}

	candidates, err := src.Search(ctx, query, 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected both thoughts as candidates, got %d", len(candidates))
	}

	var sawPrivate bool
	for _, c := range candidates {
		if c.Table != "thoughts" {
			t.Errorf("unexpected table: %s", c.Table)
		}
		if len(c.Embedding) == 0 {
			t.Error("expected candidates to carry embeddings for downstream scoring")
		}
		if c.Private {
			sawPrivate = true
		}
	}
	// Privacy filtering is the ranker's job, not the source's.
	if !sawPrivate {
		t.Error("expected the private thought to surface at the source level")
	}
}

func TestGraphSource_CoversEntitiesAndObservations(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	e, err := store.CreateEntity(ctx, "Redis", "technology")
	if err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}
	if _, err := store.AddObservation(ctx, e.ID, "used as the session cache", "human"); err != nil {
		t.Fatalf("AddObservation failed: %v", err)
	}

	src := store.GraphSource()
	if src.Kind() != retrieval.KindGraph {
		t.Error("expected graph kind")
	}

	query, err := store.Embedder().Embed("session cache")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}

	candidates, err := src.Search(ctx, query, 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}

	tables := map[string]int{}
	for _, c := range candidates {
		tables[c.Table]++
		if len(c.Embedding) == 0 {
			t.Error("expected graph candidates to carry embeddings")
		}
	}
	if tables["entities"] != 1 || tables["observations"] != 1 {
		t.Errorf("expected one entity and one observation, got %v", tables)
	}
}

func TestThoughtSource_SurvivesDeletion(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	kept, err := store.SaveThought(ctx, Thought{Text: "this one stays"})
	if err != nil {
		t.Fatal(err)
	}
	gone, err := store.SaveThought(ctx, Thought{Text: "this one goes"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Forget(ctx, gone.ID); err != nil {
		t.Fatal(err)
	}

	query, _ := store.Embedder().Embed("stays")
	candidates, err := store.ThoughtSource().Search(ctx, query, 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected only the surviving thought, got %d", len(candidates))
	}
	if candidates[0].ID != kept.ID {
		t.Errorf("unexpected candidate: %s", candidates[0].ID)
	}
}
