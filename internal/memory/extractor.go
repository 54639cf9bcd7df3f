package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/blufio/blufio/internal/store"
)

const (
	explicitConfidence  = 0.9
	extractedConfidence = 0.6
	dedupThreshold      = 0.9
	supersedeThreshold  = 0.7
)

// explicitRememberPrefixes are case-insensitive prefixes that bypass
// model-based extraction entirely: the user is handing the assistant a
// fact verbatim.
var explicitRememberPrefixes = []string{
	"remember this:",
	"remember that",
	"please remember:",
}

// WriteStore is the subset of store.Store the Extractor needs to
// persist and supersede memories.
type WriteStore interface {
	Store
	InsertMemory(ctx context.Context, m *store.Memory) (string, error)
	SupersedeMemory(ctx context.Context, oldID, newID string) error
}

// CompletionProvider is the minimal model-calling surface the
// Extractor needs: a single cheap-tier completion call returning raw
// text. internal/provider satisfies this without the memory package
// importing it, keeping the dependency direction shallow.
type CompletionProvider interface {
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error)
}

const extractionSystemPrompt = `Extract durable, reusable facts about the user or their stated preferences from the conversation excerpt below. Respond with a JSON array of objects, each shaped {"content": "...", "category": "..."}. If there are no durable facts, respond with an empty array "[]". Do not include anything except the JSON array, optionally inside a fenced code block.`

// extractedFact is one element of the model's JSON fact array. category
// is carried through for future use (e.g. per-category retrieval
// weighting) but is not yet consulted by storeFact.
type extractedFact struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

// Extractor turns conversation text into deduped, superseded Memory
// rows, either via an explicit "remember this: X" instruction or via
// model-driven fact extraction run during session idle.
type Extractor struct {
	store    WriteStore
	embedder Embedder
	provider CompletionProvider
	model    string
}

// NewExtractor constructs an Extractor. model should name the cheapest
// configured tier, since extraction runs on every idle transition.
func NewExtractor(s WriteStore, embedder Embedder, provider CompletionProvider, model string) *Extractor {
	return &Extractor{store: s, embedder: embedder, provider: provider, model: model}
}

// ExtractExplicit recognizes an explicit "remember this: X" style
// instruction in message and, if found, stores X directly at
// confidence 0.9. Returns (nil, false, nil) when no explicit
// instruction is present.
func (e *Extractor) ExtractExplicit(ctx context.Context, sessionID, message string) (*store.Memory, bool, error) {
	lower := strings.ToLower(strings.TrimSpace(message))
	for _, prefix := range explicitRememberPrefixes {
		if strings.HasPrefix(lower, prefix) {
			fact := strings.TrimSpace(message[len(prefix):])
			fact = strings.TrimPrefix(fact, ":")
			fact = strings.TrimSpace(fact)
			if fact == "" {
				return nil, false, nil
			}
			m, err := e.storeFact(ctx, sessionID, fact, store.MemoryExplicit, explicitConfidence)
			if err != nil {
				return nil, false, err
			}
			return m, true, nil
		}
	}
	return nil, false, nil
}

// ExtractFromConversation calls the configured cheap-tier model to
// pull durable facts out of conversationText, then dedups/supersedes
// each one against existing active memories.
func (e *Extractor) ExtractFromConversation(ctx context.Context, sessionID, conversationText string) ([]*store.Memory, error) {
	raw, err := e.provider.Complete(ctx, e.model, extractionSystemPrompt, conversationText)
	if err != nil {
		return nil, fmt.Errorf("extractor: completion: %w", err)
	}

	facts, err := parseFacts(raw)
	if err != nil {
		return nil, fmt.Errorf("extractor: parse facts: %w", err)
	}

	stored := make([]*store.Memory, 0, len(facts))
	for _, fact := range facts {
		content := strings.TrimSpace(fact.Content)
		if content == "" {
			continue
		}
		m, err := e.storeFact(ctx, sessionID, content, store.MemoryExtracted, extractedConfidence)
		if err != nil {
			return stored, err
		}
		if m != nil {
			stored = append(stored, m)
		}
	}
	return stored, nil
}

// storeFact embeds fact, checks it against existing active memories
// for a near-duplicate (skip) or a close match (supersede), and
// otherwise inserts it fresh. Returns nil, nil when the fact was a
// duplicate and nothing new was stored.
func (e *Extractor) storeFact(ctx context.Context, sessionID, fact string, source store.MemorySource, confidence float64) (*store.Memory, error) {
	vec := e.embedder.Embed(fact)

	active, err := e.store.ActiveMemories(ctx)
	if err != nil {
		return nil, err
	}

	var supersedes string
	for _, existing := range active {
		sim := CosineSimilarity(vec, existing.Embedding)
		if sim >= dedupThreshold {
			// Near-identical fact already recorded; nothing to do.
			return nil, nil
		}
		if sim >= supersedeThreshold && supersedes == "" {
			supersedes = existing.ID
		}
	}

	m := &store.Memory{
		Content:    fact,
		Embedding:  vec,
		Source:     source,
		Confidence: confidence,
		Status:     store.MemoryActive,
		SessionID:  sessionID,
	}
	id, err := e.store.InsertMemory(ctx, m)
	if err != nil {
		return nil, err
	}
	m.ID = id

	if supersedes != "" {
		if err := e.store.SupersedeMemory(ctx, supersedes, id); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// parseFacts tolerantly extracts a JSON array of {content, category}
// fact objects from raw model output: it strips a surrounding fenced
// code block if present, then narrows to the first '[' through the
// last ']' before decoding, so stray prose around the array doesn't
// break parsing.
func parseFacts(raw string) ([]extractedFact, error) {
	text := strings.TrimSpace(raw)

	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		if len(lines) >= 2 {
			lines = lines[1:]
		}
		text = strings.Join(lines, "\n")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON array found in model output")
	}
	text = text[start : end+1]

	var facts []extractedFact
	if err := json.Unmarshal([]byte(text), &facts); err != nil {
		return nil, err
	}
	return facts, nil
}
