// Package context implements the three-zone prompt assembler: a
// Static system-prompt zone, a Conditional zone of pluggable
// providers (memory, skills), and a Dynamic zone holding the
// session's message history with midpoint-split compaction.
package context

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blufio/blufio/internal/memory"
	"github.com/blufio/blufio/internal/metrics"
	"github.com/blufio/blufio/internal/provider"
	"github.com/blufio/blufio/internal/store"
)

const defaultSystemPrompt = "You are Blufio, a helpful personal assistant."

// MessageStore is the subset of store.Store the engine needs: reading
// a session's history and persisting the synthetic compaction summary.
type MessageStore interface {
	SessionMessages(ctx context.Context, sessionID string) ([]*store.Message, error)
	AppendMessage(ctx context.Context, sessionID string, role store.MessageRole, content string, outputTokens *int, metadata string) (*store.Message, error)
}

// CompletionProvider is the minimal non-streaming call the compaction
// step needs, satisfied by internal/provider.AnthropicProvider.
type CompletionProvider interface {
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error)
}

// MemoryRetriever is the subset of memory.HybridRetriever the Memory
// Provider needs.
type MemoryRetriever interface {
	Retrieve(ctx context.Context, query string) ([]memory.SearchResult, error)
}

// ToolSource supplies the currently-enabled tool definitions for the
// Skill Provider, implemented by internal/tools.Registry.
type ToolSource interface {
	EnabledTools() []provider.ToolDef
}

// Config holds Context Engine construction parameters, sourced from
// the "context" and "memory" configuration blocks.
type Config struct {
	SystemPromptFile    string
	SystemPromptInline  string
	CompactionModel     string
	CompactionThreshold float64 // fraction of ContextBudget that triggers compaction
	ContextBudget       int     // tokens
	MemorySimilarity    float64 // informational only; enforcement lives in the retriever
	MaxSkillsInPrompt   int
	MaxTokens           int
}

// CompactionUsage reports the estimated token cost of a compaction
// summarization call, so the caller can record it against the ledger
// before recording the turn's own message cost: compaction cost
// precedes message cost for the same turn.
type CompactionUsage struct {
	Ran   bool
	Model string
	Usage store.TokenUsage
}

// Engine assembles one provider.Request per user message.
type Engine struct {
	cfg          Config
	systemPrompt string

	messages  MessageStore
	provider  CompletionProvider
	retriever MemoryRetriever // nil disables the Memory Provider
	tools     ToolSource      // nil disables the Skill Provider
}

// New constructs an Engine, resolving the static system prompt once:
// file path, if set and readable, wins over the inline string, which
// wins over the built-in default template.
func New(cfg Config, messages MessageStore, prov CompletionProvider, retriever MemoryRetriever, tools ToolSource) *Engine {
	prompt := defaultSystemPrompt
	if cfg.SystemPromptInline != "" {
		prompt = cfg.SystemPromptInline
	}
	if cfg.SystemPromptFile != "" {
		if data, err := os.ReadFile(cfg.SystemPromptFile); err == nil {
			prompt = string(data)
		}
	}
	if cfg.MaxSkillsInPrompt <= 0 {
		cfg.MaxSkillsInPrompt = 20
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 150_000
	}
	if cfg.CompactionThreshold <= 0 {
		cfg.CompactionThreshold = 0.75
	}
	return &Engine{cfg: cfg, systemPrompt: prompt, messages: messages, provider: prov, retriever: retriever, tools: tools}
}

// estimateTokens applies the chars/4 heuristic.
func estimateTokens(s string) int { return len(s) / 4 }

// Assemble builds one request for sessionID given the current inbound
// text, which also seeds the Memory Provider's query for this call
// only (the retriever is not told about any message outside this
// invocation).
func (e *Engine) Assemble(ctx context.Context, sessionID, model string, maxTokens int, currentInbound string) (provider.Request, CompactionUsage, error) {
	systemBlocks := []string{e.systemPrompt}

	if e.retriever != nil && strings.TrimSpace(currentInbound) != "" {
		if block, err := e.renderMemoryBlock(ctx, currentInbound); err == nil && block != "" {
			systemBlocks = append(systemBlocks, block)
		}
		// Memory Provider failures are non-fatal: the turn proceeds
		// without memory context rather than failing the whole request.
	}

	var tools []provider.ToolDef
	if e.tools != nil {
		tools = e.renderSkills()
	}

	history, err := e.messages.SessionMessages(ctx, sessionID)
	if err != nil {
		return provider.Request{}, CompactionUsage{}, err
	}

	msgs, usage, err := e.buildDynamicZone(ctx, sessionID, history, currentInbound)
	if err != nil {
		return provider.Request{}, CompactionUsage{}, err
	}

	req := provider.Request{
		Model:     model,
		System:    strings.Join(systemBlocks, "\n\n"),
		Messages:  msgs,
		Tools:     tools,
		MaxTokens: maxTokens,
	}
	return req, usage, nil
}

// renderMemoryBlock retrieves the top memories for query and renders
// them as a single system block, or "" if none cleared the
// retriever's similarity threshold.
func (e *Engine) renderMemoryBlock(ctx context.Context, query string) (string, error) {
	results, err := e.retriever.Retrieve(ctx, query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("Relevant things you remember about this user:\n")
	for _, r := range results {
		fmt.Fprintf(&sb, "- %s\n", r.Memory.Content)
	}
	return sb.String(), nil
}

// renderSkills returns up to MaxSkillsInPrompt tool definitions in a
// deterministic (name-sorted) order, as internal/tools.Registry
// already guarantees via EnabledTools.
func (e *Engine) renderSkills() []provider.ToolDef {
	defs := e.tools.EnabledTools()
	if len(defs) > e.cfg.MaxSkillsInPrompt {
		defs = defs[:e.cfg.MaxSkillsInPrompt]
	}
	return defs
}

// buildDynamicZone estimates the history's token footprint and, if it
// exceeds the configured budget fraction with more than two messages
// on hand, triggers a compaction pass before appending the current
// inbound text.
func (e *Engine) buildDynamicZone(ctx context.Context, sessionID string, history []*store.Message, currentInbound string) ([]provider.Message, CompactionUsage, error) {
	estimate := 0
	for _, m := range history {
		estimate += estimateTokens(m.Content)
	}

	threshold := int(e.cfg.CompactionThreshold * float64(e.cfg.ContextBudget))
	if estimate <= threshold || len(history) <= 2 {
		msgs := toProviderMessages(history)
		msgs = append(msgs, provider.UserText(currentInbound))
		return msgs, CompactionUsage{}, nil
	}

	mid := len(history) / 2
	older, recent := history[:mid], history[mid:]

	summary, usage, err := e.summarize(ctx, older)
	if err != nil {
		return nil, CompactionUsage{}, err
	}

	if _, err := e.messages.AppendMessage(ctx, sessionID, store.RoleSystem, summary, nil, ""); err != nil {
		return nil, CompactionUsage{}, err
	}

	msgs := make([]provider.Message, 0, len(recent)+2)
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Blocks: []provider.Block{provider.TextBlock("Summary of earlier conversation:\n" + summary)}})
	msgs = append(msgs, toProviderMessages(recent)...)
	msgs = append(msgs, provider.UserText(currentInbound))

	return msgs, usage, nil
}

const compactionSystemPrompt = "Summarize the following conversation excerpt concisely, preserving durable facts, decisions, and open threads. Respond with the summary only."

// summarize runs one cheap-tier completion over older's formatted
// transcript. Token usage is estimated via the chars/4 heuristic
// since the non-streaming Complete() surface reports text only, not
// provider-side usage counters.
func (e *Engine) summarize(ctx context.Context, older []*store.Message) (string, CompactionUsage, error) {
	transcript := formatTranscript(older)
	summary, err := e.provider.Complete(ctx, e.cfg.CompactionModel, compactionSystemPrompt, transcript)
	if err != nil {
		return "", CompactionUsage{}, fmt.Errorf("context: compaction: %w", err)
	}
	metrics.Compactions.Inc()
	usage := CompactionUsage{
		Ran:   true,
		Model: e.cfg.CompactionModel,
		Usage: store.TokenUsage{
			InputTokens:  estimateTokens(transcript),
			OutputTokens: estimateTokens(summary),
		},
	}
	return summary, usage, nil
}

func formatTranscript(messages []*store.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", roleLabel(m.Role), m.Content)
	}
	return sb.String()
}

func roleLabel(role store.MessageRole) string {
	switch role {
	case store.RoleUser:
		return "User"
	case store.RoleAssistant:
		return "Assistant"
	case store.RoleSystem:
		return "System"
	default:
		return "Tool"
	}
}

func toProviderMessages(history []*store.Message) []provider.Message {
	out := make([]provider.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case store.RoleUser:
			out = append(out, provider.UserText(m.Content))
		case store.RoleAssistant:
			out = append(out, provider.AssistantText(m.Content))
		case store.RoleSystem:
			// A persisted compaction summary or other synthetic note is
			// folded into the transcript as a user-role message, since
			// the Anthropic Messages API has no system-role turn outside
			// the top-level System field.
			out = append(out, provider.UserText(m.Content))
		}
	}
	return out
}
