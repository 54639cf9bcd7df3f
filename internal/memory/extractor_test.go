package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blufio/blufio/internal/store"
)

// mapEmbedder returns a canned vector per exact input text, so tests
// control pairwise similarity precisely.
type mapEmbedder struct {
	vectors map[string][]float32
}

func (m *mapEmbedder) Embed(text string) []float32 {
	if v, ok := m.vectors[text]; ok {
		return v
	}
	return []float32{0, 0, 1}
}

func (m *mapEmbedder) Dimension() int { return 3 }

type memWriteStore struct {
	rows       []*store.Memory
	superseded map[string]string
	nextID     int
}

func newMemWriteStore() *memWriteStore {
	return &memWriteStore{superseded: make(map[string]string)}
}

func (s *memWriteStore) ActiveMemories(context.Context) ([]*store.Memory, error) {
	var out []*store.Memory
	for _, m := range s.rows {
		if m.Status == store.MemoryActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memWriteStore) MemoriesByIDs(_ context.Context, ids []string) ([]*store.Memory, error) {
	var out []*store.Memory
	for _, m := range s.rows {
		for _, id := range ids {
			if m.ID == id {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (s *memWriteStore) KeywordSearch(context.Context, string, int) ([]store.IDScore, error) {
	return nil, nil
}

func (s *memWriteStore) InsertMemory(_ context.Context, m *store.Memory) (string, error) {
	s.nextID++
	m.ID = fmt.Sprintf("mem-%d", s.nextID)
	s.rows = append(s.rows, m)
	return m.ID, nil
}

func (s *memWriteStore) SupersedeMemory(_ context.Context, oldID, newID string) error {
	s.superseded[oldID] = newID
	for _, m := range s.rows {
		if m.ID == oldID {
			m.Status = store.MemorySuperseded
			m.SupersededBy = &newID
		}
	}
	return nil
}

type cannedCompleter struct{ reply string }

func (c *cannedCompleter) Complete(context.Context, string, string, string) (string, error) {
	return c.reply, nil
}

func TestExtractFromConversationStoresFacts(t *testing.T) {
	st := newMemWriteStore()
	embedder := &mapEmbedder{vectors: map[string][]float32{
		"the user drinks tea": {1, 0, 0},
		"the user owns a dog": {0, 1, 0},
	}}
	e := NewExtractor(st, embedder, &cannedCompleter{reply: "```json\n" +
		`[{"content": "the user drinks tea", "category": "preference"},
		  {"content": "the user owns a dog", "category": "fact"}]` + "\n```"}, "cheap")

	stored, err := e.ExtractFromConversation(context.Background(), "s1", "User: I love tea\nAssistant: Noted!\n")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, m := range stored {
		require.Equal(t, store.MemoryExtracted, m.Source)
		require.InDelta(t, 0.6, m.Confidence, 1e-9)
		require.Equal(t, store.MemoryActive, m.Status)
	}
}

func TestExtractionRerunIsIdempotent(t *testing.T) {
	st := newMemWriteStore()
	embedder := &mapEmbedder{vectors: map[string][]float32{
		"the user drinks tea": {1, 0, 0},
	}}
	completer := &cannedCompleter{reply: `[{"content": "the user drinks tea", "category": "preference"}]`}
	e := NewExtractor(st, embedder, completer, "cheap")

	first, err := e.ExtractFromConversation(context.Background(), "s1", "User: I love tea\n")
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Same conversation, same facts: everything dedups at the 0.9 bar.
	second, err := e.ExtractFromConversation(context.Background(), "s1", "User: I love tea\n")
	require.NoError(t, err)
	require.Empty(t, second)
	require.Len(t, st.rows, 1)
}

func TestExtractionSupersedesCloseMatch(t *testing.T) {
	st := newMemWriteStore()
	// cosine(old, new) = 0.8: above the supersede bar, below dedup.
	embedder := &mapEmbedder{vectors: map[string][]float32{
		"user lives in Berlin": {1, 0, 0},
		"user lives in Munich": {0.8, 0.6, 0},
	}}
	completer := &cannedCompleter{reply: `[{"content": "user lives in Munich", "category": "fact"}]`}
	e := NewExtractor(st, embedder, completer, "cheap")

	_, err := st.InsertMemory(context.Background(), &store.Memory{
		Content:   "user lives in Berlin",
		Embedding: embedder.vectors["user lives in Berlin"],
		Source:    store.MemoryExtracted, Confidence: 0.6, Status: store.MemoryActive,
	})
	require.NoError(t, err)

	stored, err := e.ExtractFromConversation(context.Background(), "s1", "User: I moved to Munich\n")
	require.NoError(t, err)
	require.Len(t, stored, 1)

	require.Equal(t, stored[0].ID, st.superseded["mem-1"])
	active, _ := st.ActiveMemories(context.Background())
	require.Len(t, active, 1)
	require.Equal(t, "user lives in Munich", active[0].Content)
}

func TestExplicitRememberPath(t *testing.T) {
	st := newMemWriteStore()
	embedder := &mapEmbedder{vectors: map[string][]float32{
		"my wifi password hint is the dog's name": {0, 0.6, 0.8},
	}}
	e := NewExtractor(st, embedder, &cannedCompleter{}, "cheap")

	m, found, err := e.ExtractExplicit(context.Background(), "s1", "remember this: my wifi password hint is the dog's name")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, store.MemoryExplicit, m.Source)
	require.InDelta(t, 0.9, m.Confidence, 1e-9)
	require.Equal(t, "my wifi password hint is the dog's name", m.Content)

	_, found, err = e.ExtractExplicit(context.Background(), "s1", "what's the weather like?")
	require.NoError(t, err)
	require.False(t, found)
}

func TestParseFactsToleratesProseAndFences(t *testing.T) {
	facts, err := parseFacts("Here you go:\n```json\n[{\"content\": \"a\", \"category\": \"b\"}]\n```\nDone.")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Equal(t, "a", facts[0].Content)

	facts, err = parseFacts("[]")
	require.NoError(t, err)
	require.Empty(t, facts)

	_, err = parseFacts("no array here")
	require.Error(t, err)
}
