package vector

import (
	"context"
	"testing"
)

func TestMemoryIndexSearchRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	docs := []Document{
		{ID: "a1", Text: "top 5 most volatile stocks monthly", Metadata: map[string]any{"category": "volatility"}},
		{ID: "a2", Text: "relative strength index screener for tech stocks", Metadata: map[string]any{"category": "momentum"}},
		{ID: "a3", Text: "portfolio sharpe ratio calculation"},
	}
	for _, doc := range docs {
		if err := idx.Save(ctx, doc); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	hits, err := idx.Search(ctx, "most volatile stocks weekly", 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 || hits[0].ID != "a1" {
		t.Fatalf("hits = %v, want a1 first", hits)
	}
	if hits[0].Metadata["category"] != "volatility" {
		t.Errorf("metadata = %v", hits[0].Metadata)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Similarity > hits[i-1].Similarity {
			t.Errorf("hits not sorted: %v", hits)
		}
	}
}

func TestMemoryIndexMinSimilarityAndTopK(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	idx.Save(ctx, Document{ID: "a1", Text: "volatile stocks ranking"})
	idx.Save(ctx, Document{ID: "a2", Text: "bond yield curve inversion"})

	hits, err := idx.Search(ctx, "volatile stocks", 10, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, hit := range hits {
		if hit.ID == "a2" {
			t.Error("unrelated document above 0.5 similarity")
		}
	}

	if hits, _ := idx.Search(ctx, "volatile stocks ranking yield curve", 1, 0); len(hits) > 1 {
		t.Errorf("topK not honored, got %d hits", len(hits))
	}
}

func TestMemoryIndexSaveReplaces(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	idx.Save(ctx, Document{ID: "a1", Text: "old text about bonds"})
	idx.Save(ctx, Document{ID: "a1", Text: "volatility ranking"})

	hits, _ := idx.Search(ctx, "bonds", 10, 0.1)
	if len(hits) != 0 {
		t.Errorf("stale vector still searchable: %v", hits)
	}
}

func TestMemoryIndexEmptyQuery(t *testing.T) {
	idx := NewMemoryIndex()
	hits, err := idx.Search(context.Background(), "", 10, 0)
	if err != nil || hits != nil {
		t.Errorf("empty query: hits=%v err=%v", hits, err)
	}
}
