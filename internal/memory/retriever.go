package memory

import (
	"context"
	"sort"

	"github.com/blufio/blufio/internal/store"
)

// rrfK is the Reciprocal Rank Fusion constant. The fusion formula
// uses rank as a 0-indexed position and adds 1, so the first-ranked
// document in a list contributes 1/61.
const rrfK = 60.0

// SearchResult pairs a Memory with its final fused score.
type SearchResult struct {
	Memory *store.Memory
	Score  float64
}

// Store is the subset of store.Store the retriever needs, so tests can
// substitute an in-memory fake without a real SQLite file.
type Store interface {
	ActiveMemories(ctx context.Context) ([]*store.Memory, error)
	MemoriesByIDs(ctx context.Context, ids []string) ([]*store.Memory, error)
	KeywordSearch(ctx context.Context, query string, limit int) ([]store.IDScore, error)
}

// HybridRetriever fuses vector and keyword search by Reciprocal Rank
// Fusion and applies a confidence boost.
type HybridRetriever struct {
	store               Store
	embedder            Embedder
	similarityThreshold float32
	maxResults          int
}

// NewHybridRetriever constructs a retriever over s using embedder,
// filtering vector hits below similarityThreshold and capping both
// candidate lists at maxResults.
func NewHybridRetriever(s Store, embedder Embedder, similarityThreshold float32, maxResults int) *HybridRetriever {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &HybridRetriever{store: s, embedder: embedder, similarityThreshold: similarityThreshold, maxResults: maxResults}
}

// Retrieve embeds query, runs vector + keyword search, fuses by RRF,
// applies the confidence boost, and returns results sorted descending.
func (r *HybridRetriever) Retrieve(ctx context.Context, query string) ([]SearchResult, error) {
	queryVec := r.embedder.Embed(query)

	active, err := r.store.ActiveMemories(ctx)
	if err != nil {
		return nil, err
	}

	type scored struct {
		id    string
		score float32
	}
	vectorList := make([]scored, 0, len(active))
	for _, m := range active {
		sim := CosineSimilarity(queryVec, m.Embedding)
		if sim >= r.similarityThreshold {
			vectorList = append(vectorList, scored{id: m.ID, score: sim})
		}
	}
	sort.Slice(vectorList, func(i, j int) bool { return vectorList[i].score > vectorList[j].score })
	if len(vectorList) > r.maxResults {
		vectorList = vectorList[:r.maxResults]
	}

	keywordHits, err := r.store.KeywordSearch(ctx, query, r.maxResults)
	if err != nil {
		return nil, err
	}

	fused := make(map[string]float64)
	for rank, v := range vectorList {
		fused[v.id] += 1.0 / (rrfK + float64(rank) + 1.0)
	}
	for rank, k := range keywordHits {
		fused[k.ID] += 1.0 / (rrfK + float64(rank) + 1.0)
	}

	if len(fused) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(fused))
	for id := range fused {
		ids = append(ids, id)
	}
	rows, err := r.store.MemoriesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*store.Memory, len(rows))
	for _, m := range rows {
		byID[m.ID] = m
	}

	results := make([]SearchResult, 0, len(fused))
	for id, rrfScore := range fused {
		m, ok := byID[id]
		if !ok || m.Status != store.MemoryActive {
			continue
		}
		results = append(results, SearchResult{Memory: m, Score: rrfScore * m.Confidence})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}
