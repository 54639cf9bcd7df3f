// Package session implements the per-session state machine: the
// Session Actor that owns one conversation's lifecycle from an
// inbound message through context assembly, the provider stream, the
// tool-call loop, and response persistence.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blufio/blufio/internal/blufioerr"
	ctxengine "github.com/blufio/blufio/internal/context"
	"github.com/blufio/blufio/internal/cost"
	"github.com/blufio/blufio/internal/provider"
	"github.com/blufio/blufio/internal/router"
	"github.com/blufio/blufio/internal/store"
)

// State is one of the Session Actor's 5+1 lifecycle states.
type State string

const (
	StateIdle          State = "idle"
	StateReceiving     State = "receiving"
	StateProcessing    State = "processing"
	StateResponding    State = "responding"
	StateToolExecuting State = "tool_executing"
	StateDraining      State = "draining"
)

// maxToolIterations bounds the tool-call loop per user message; past
// this bound the actor stops feeding tool results back and returns
// whatever text the model has produced so far.
const maxToolIterations = 8

// idleExtractionWindow is how many of the most recent messages are
// fed to the Extractor when an idle-triggered extraction runs.
const idleExtractionWindow = 20

// Store is the subset of store.Store the actor needs.
type Store interface {
	AppendMessage(ctx context.Context, sessionID string, role store.MessageRole, content string, outputTokens *int, metadata string) (*store.Message, error)
	SessionMessages(ctx context.Context, sessionID string) ([]*store.Message, error)
}

// Budget is the subset of cost.Tracker the actor needs.
type Budget interface {
	CheckBudget() error
	RecordCost(delta float64)
	Utilization() float64
}

// Ledger is the subset of cost.Ledger the actor needs.
type Ledger interface {
	Record(ctx context.Context, sessionID, model string, feature store.FeatureType, usage store.TokenUsage, costUSD float64) (*store.CostRecord, error)
}

// ContextEngine is the subset of context.Engine the actor needs.
type ContextEngine interface {
	Assemble(ctx context.Context, sessionID, model string, maxTokens int, currentInbound string) (provider.Request, ctxengine.CompactionUsage, error)
}

// Provider is the subset of provider.Provider the actor needs.
type Provider interface {
	Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error)
}

// ToolInvoker is the subset of tools.Registry the actor needs.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, input json.RawMessage) ToolResult
}

// ToolResult mirrors tools.Result without importing internal/tools,
// avoiding a dependency the actor does not otherwise need.
type ToolResult struct {
	Content string
	IsError bool
}

// Extractor is the subset of memory.Extractor the actor needs for
// both the explicit "remember this: X" path and idle conversation
// extraction.
type Extractor interface {
	ExtractExplicit(ctx context.Context, sessionID, message string) (*store.Memory, bool, error)
	ExtractFromConversation(ctx context.Context, sessionID, conversationText string) ([]*store.Memory, error)
}

// Chunk is one piece of streamed output delivered to the caller of
// HandleMessage. Final marks the end of the turn (mirroring
// channel.OutboundMessage.Final so the scheduler can forward chunks
// with minimal translation).
type Chunk struct {
	Text  string
	Final bool
}

// Config holds the actor's tunables, sourced from the "routing" and
// "memory" configuration blocks.
type Config struct {
	Router        router.Config
	IdleThreshold time.Duration
}

// Actor is the per-session state machine. A single Actor is never
// invoked concurrently by design: the scheduler serializes dispatch
// to one actor through its own per-actor worker loop (internal/
// scheduler), so Actor's own mutex exists only to let HealthCheck-
// style readers observe state from another goroutine, not to
// serialize HandleMessage itself.
type Actor struct {
	mu    sync.Mutex
	state State
	busy  atomic.Bool

	sessionID string
	channel   string
	userTag   string

	lastMessageAt time.Time

	cfg Config

	store     Store
	ledger    Ledger
	budget    Budget
	engine    ContextEngine
	provider  Provider
	tools     ToolInvoker
	extractor Extractor // nil disables memory extraction entirely

	logger *slog.Logger
}

// New constructs an Actor for one session. extractor may be nil if
// memory is disabled in configuration.
func New(sessionID, channelName, userTag string, store Store, ledger Ledger, budget Budget, engine ContextEngine, prov Provider, tools ToolInvoker, extractor Extractor, cfg Config, logger *slog.Logger) *Actor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 5 * time.Minute
	}
	return &Actor{
		state:     StateIdle,
		sessionID: sessionID,
		channel:   channelName,
		userTag:   userTag,
		cfg:       cfg,
		store:     store,
		ledger:    ledger,
		budget:    budget,
		engine:    engine,
		provider:  prov,
		tools:     tools,
		extractor: extractor,
		logger:    logger.With("session_id", sessionID, "channel", channelName),
	}
}

// SessionID returns the actor's owning session id.
func (a *Actor) SessionID() string { return a.sessionID }

// State returns the actor's current in-memory lifecycle state.
func (a *Actor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Actor) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// MarkDraining transitions the actor to Draining from any state, used
// by the scheduler's shutdown sequence.
func (a *Actor) MarkDraining() { a.setState(StateDraining) }

// IsIdle reports whether the actor is currently in the Idle state.
func (a *Actor) IsIdle() bool { return a.State() == StateIdle }

// Busy reports whether a HandleMessage call is currently in flight.
// The scheduler's drain sequence waits on this rather than on State(),
// since MarkDraining can race with HandleMessage's own state writes.
func (a *Actor) Busy() bool { return a.busy.Load() }

// HandleMessage runs the full message lifecycle: idle extraction
// trigger, model-override parsing, user-message persistence, budget
// gate, routing, context assembly, the provider stream and tool
// loop, and response persistence.
// onChunk is invoked once per text delta and once more with Final set
// when the turn completes; it may be called from this goroutine only.
func (a *Actor) HandleMessage(ctx context.Context, text string, onChunk func(Chunk)) (string, error) {
	a.busy.Store(true)
	defer a.busy.Store(false)

	a.setState(StateReceiving)

	a.maybeTriggerIdleExtraction()

	stripped, overrideTier, overrideFound := router.ParseModelOverride(text)

	if a.extractor != nil {
		if _, found, err := a.extractor.ExtractExplicit(ctx, a.sessionID, stripped); err != nil {
			a.logger.Error("explicit memory extraction failed", "error", err)
		} else if found {
			a.logger.Info("stored explicit memory")
		}
	}

	recentContext := a.recentContext(ctx)

	if _, err := a.store.AppendMessage(ctx, a.sessionID, store.RoleUser, stripped, nil, ""); err != nil {
		a.setState(StateIdle)
		return "", err
	}

	a.mu.Lock()
	a.lastMessageAt = time.Now().UTC()
	a.mu.Unlock()

	a.setState(StateProcessing)

	if err := a.budget.CheckBudget(); err != nil {
		a.setState(StateIdle)
		return "", err
	}

	decision := router.Route(a.cfg.Router, stripped, recentContext, overrideTier, overrideFound, a.budget)

	req, compaction, err := a.engine.Assemble(ctx, a.sessionID, decision.ActualModel, decision.MaxTokens, stripped)
	if err != nil {
		a.setState(StateIdle)
		return "", fmt.Errorf("session: assemble context: %w", err)
	}

	if compaction.Ran {
		costUSD := cost.Cost(compaction.Model, compaction.Usage)
		if _, err := a.ledger.Record(ctx, a.sessionID, compaction.Model, store.FeatureCompaction, compaction.Usage, costUSD); err != nil {
			a.logger.Error("failed to record compaction cost", "error", err)
		} else {
			a.budget.RecordCost(costUSD)
		}
	}

	a.setState(StateResponding)

	fullText, usage, err := a.runTurn(ctx, req, onChunk)
	if err != nil {
		a.setState(StateIdle)
		return "", fmt.Errorf("session: provider turn: %w", err)
	}

	if err := a.persistResponse(ctx, fullText, usage, decision); err != nil {
		a.logger.Error("failed to persist assistant response", "error", err)
	}

	a.setState(StateIdle)
	return fullText, nil
}

// recentContext returns up to the last 3 message texts preceding the
// one just about to be appended, feeding the Classifier's momentum
// signal.
func (a *Actor) recentContext(ctx context.Context) []string {
	history, err := a.store.SessionMessages(ctx, a.sessionID)
	if err != nil {
		return nil
	}
	if len(history) > 3 {
		history = history[len(history)-3:]
	}
	out := make([]string, len(history))
	for i, m := range history {
		out[i] = m.Content
	}
	return out
}

// runTurn opens a provider stream, accumulates text and tool-use
// blocks, and, while tool uses remain and the iteration bound has
// not been reached, executes each tool and feeds the results back in
// a follow-up request.
func (a *Actor) runTurn(ctx context.Context, req provider.Request, onChunk func(Chunk)) (string, store.TokenUsage, error) {
	var fullText strings.Builder
	var total store.TokenUsage
	current := req

	for iter := 0; ; iter++ {
		events, err := a.provider.Stream(ctx, current)
		if err != nil {
			return "", store.TokenUsage{}, err
		}

		var turnText strings.Builder
		var toolUses []provider.ToolUseRequest
		var usage store.TokenUsage
		var streamErr error

		for ev := range events {
			switch ev.Type {
			case provider.EventTextDelta:
				turnText.WriteString(ev.TextDelta)
				if onChunk != nil {
					onChunk(Chunk{Text: ev.TextDelta})
				}
			case provider.EventToolUse:
				if ev.ToolUse != nil {
					toolUses = append(toolUses, *ev.ToolUse)
				}
			case provider.EventMessageStop:
				usage = ev.Usage
			case provider.EventError:
				streamErr = ev.Err
			}
		}
		if streamErr != nil {
			return "", store.TokenUsage{}, streamErr
		}

		fullText.WriteString(turnText.String())
		total.InputTokens += usage.InputTokens
		total.OutputTokens += usage.OutputTokens
		total.CacheReadTokens += usage.CacheReadTokens
		total.CacheCreationTokens += usage.CacheCreationTokens

		if len(toolUses) == 0 || iter >= maxToolIterations-1 {
			if onChunk != nil {
				onChunk(Chunk{Final: true})
			}
			return fullText.String(), total, nil
		}

		a.setState(StateToolExecuting)
		current = a.appendToolRound(current, turnText.String(), toolUses)
		a.setState(StateProcessing)
	}
}

// appendToolRound executes every requested tool and returns a new
// request with the assistant's tool_use turn and the follow-up
// tool_result turn appended, ready for the next stream.
func (a *Actor) appendToolRound(req provider.Request, assistantText string, toolUses []provider.ToolUseRequest) provider.Request {
	var assistantBlocks []provider.Block
	if assistantText != "" {
		assistantBlocks = append(assistantBlocks, provider.TextBlock(assistantText))
	}
	var resultBlocks []provider.Block
	for _, tu := range toolUses {
		assistantBlocks = append(assistantBlocks, provider.ToolUseBlock(tu.ID, tu.Name, tu.Input))
		res := a.tools.Invoke(context.Background(), tu.Name, tu.Input)
		resultBlocks = append(resultBlocks, provider.ToolResultBlock(tu.ID, res.Content, res.IsError))
	}

	req.Messages = append(req.Messages,
		provider.Message{Role: provider.RoleAssistant, Blocks: assistantBlocks},
		provider.Message{Role: provider.RoleUser, Blocks: resultBlocks},
	)
	return req
}

// persistResponse inserts the assistant message, computes its cost
// via the Pricing table against the Router's actual model, and
// records it to the Ledger with feature=Message. A downgrade annotates
// the stored message's metadata with the intended model for
// analytics.
func (a *Actor) persistResponse(ctx context.Context, text string, usage store.TokenUsage, decision router.Decision) error {
	outTokens := usage.OutputTokens
	metadata := ""
	if decision.Downgraded {
		b, err := json.Marshal(map[string]string{"intended_model": decision.IntendedModel})
		if err == nil {
			metadata = string(b)
		}
	}

	if _, err := a.store.AppendMessage(ctx, a.sessionID, store.RoleAssistant, text, &outTokens, metadata); err != nil {
		return err
	}

	costUSD := cost.Cost(decision.ActualModel, usage)
	if _, err := a.ledger.Record(ctx, a.sessionID, decision.ActualModel, store.FeatureMessage, usage, costUSD); err != nil {
		// A ledger/budget failure here must not fail the turn: the
		// reply has already been produced.
		a.logger.Error("failed to record message cost", "error", err)
		return nil
	}
	a.budget.RecordCost(costUSD)
	return nil
}

// maybeTriggerIdleExtraction fires a fire-and-observe extraction pass
// if the gap since the previous message exceeds the configured idle
// threshold. Any failure is logged and never propagated; the user
// path stays clean.
func (a *Actor) maybeTriggerIdleExtraction() {
	if a.extractor == nil {
		return
	}
	a.mu.Lock()
	last := a.lastMessageAt
	a.mu.Unlock()
	if last.IsZero() || time.Since(last) <= a.cfg.IdleThreshold {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		history, err := a.store.SessionMessages(ctx, a.sessionID)
		if err != nil {
			a.logger.Error("idle extraction: failed to load history", "error", err)
			return
		}
		if len(history) > idleExtractionWindow {
			history = history[len(history)-idleExtractionWindow:]
		}
		if len(history) == 0 {
			return
		}

		var sb strings.Builder
		for _, m := range history {
			fmt.Fprintf(&sb, "%s: %s\n", roleLabel(m.Role), m.Content)
		}

		if _, err := a.extractor.ExtractFromConversation(ctx, a.sessionID, sb.String()); err != nil {
			a.logger.Error("idle extraction failed", "error", err)
		}
	}()
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

// ExhaustedUserMessage extracts the pre-formatted user-facing message
// from a BudgetExhaustedError, used by the scheduler to turn a budget
// failure into an outbound notification rather than an error log.
func ExhaustedUserMessage(err error) (string, bool) {
	be, ok := err.(*blufioerr.BudgetExhaustedError)
	if !ok {
		return "", false
	}
	return be.UserMessage(), true
}
