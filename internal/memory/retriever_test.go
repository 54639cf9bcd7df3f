package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blufio/blufio/internal/store"
)

// fixedEmbedder returns a pre-assigned vector regardless of input text,
// so retriever tests can pin an exact vector-similarity ordering
// without depending on HashEmbedder's hashing behavior.
type fixedEmbedder struct {
	query    []float32
	byText   map[string][]float32
	fallback []float32
}

func (f fixedEmbedder) Dimension() int { return len(f.query) }

func (f fixedEmbedder) Embed(text string) []float32 {
	if v, ok := f.byText[text]; ok {
		return v
	}
	return f.query
}

// fakeStore implements the Store interface in memory for tests.
type fakeStore struct {
	memories     map[string]*store.Memory
	keywordOrder []store.IDScore
}

func (f *fakeStore) ActiveMemories(ctx context.Context) ([]*store.Memory, error) {
	out := make([]*store.Memory, 0, len(f.memories))
	for _, m := range f.memories {
		if m.Status == store.MemoryActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) MemoriesByIDs(ctx context.Context, ids []string) ([]*store.Memory, error) {
	out := make([]*store.Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := f.memories[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) KeywordSearch(ctx context.Context, query string, limit int) ([]store.IDScore, error) {
	if len(f.keywordOrder) > limit {
		return f.keywordOrder[:limit], nil
	}
	return f.keywordOrder, nil
}

// TestRRFFusionMatchesWorkedExample reproduces the fused-score worked
// example: a document hit by both the vector list and the keyword list
// at rank 0 in each scores 2/61; a document hit by only one list at
// rank 1 scores 1/62.
func TestRRFFusionMatchesWorkedExample(t *testing.T) {
	now := time.Now()
	mk := func(id string) *store.Memory {
		return &store.Memory{
			ID:         id,
			Content:    id,
			Status:     store.MemoryActive,
			Confidence: 1.0,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	d1 := mk("d1")
	d2 := mk("d2")
	d3 := mk("d3")

	// Vector space: query closest to d1, then d2; d3 is orthogonal and
	// falls below the similarity threshold so it only surfaces via
	// keyword search.
	query := []float32{1, 0}
	d1.Embedding = []float32{1, 0}
	d2.Embedding = []float32{0.9, 0.1}
	d3.Embedding = []float32{0, 1}

	fs := &fakeStore{
		memories: map[string]*store.Memory{"d1": d1, "d2": d2, "d3": d3},
		keywordOrder: []store.IDScore{
			{ID: "d1", Score: 2.0},
			{ID: "d3", Score: 1.0},
		},
	}

	embedder := fixedEmbedder{query: query}
	r := NewHybridRetriever(fs, embedder, 0.5, 10)

	results, err := r.Retrieve(context.Background(), "anything")
	require.NoError(t, err)
	require.Len(t, results, 3)

	scores := map[string]float64{}
	for _, res := range results {
		scores[res.Memory.ID] = res.Score
	}

	require.InDelta(t, 2.0/61.0, scores["d1"], 1e-9)
	require.InDelta(t, 1.0/62.0, scores["d2"], 1e-9)
	require.InDelta(t, 1.0/62.0, scores["d3"], 1e-9)

	// Descending order: d1 first, d2/d3 tied behind it.
	require.Equal(t, "d1", results[0].Memory.ID)
}

func TestRetrieveWithNoHitsReturnsEmpty(t *testing.T) {
	fs := &fakeStore{memories: map[string]*store.Memory{}}
	embedder := fixedEmbedder{query: []float32{1, 0}}
	r := NewHybridRetriever(fs, embedder, 0.9, 10)

	results, err := r.Retrieve(context.Background(), "nothing matches")
	require.NoError(t, err)
	require.Empty(t, results)
}
