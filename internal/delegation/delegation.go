package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/blufio/blufio/internal/blufioerr"
	"github.com/blufio/blufio/internal/config"
	"github.com/blufio/blufio/internal/router"
	"github.com/blufio/blufio/internal/session"
	"github.com/blufio/blufio/internal/store"
)

const primaryAgentName = "primary"

// Store is the subset of store.Store the Router needs: creating the
// ephemeral delegation session row, plus the session.Store surface an
// Actor needs to persist its own messages.
type Store interface {
	CreateSession(ctx context.Context, channel, userTag string) (*store.Session, error)
	AppendMessage(ctx context.Context, sessionID string, role store.MessageRole, content string, outputTokens *int, metadata string) (*store.Message, error)
	SessionMessages(ctx context.Context, sessionID string) ([]*store.Message, error)
}

// EngineFactory builds a fresh ContextEngine scoped to one specialist
// agent's system prompt. Implementations typically wrap an empty tool
// registry too, since specialists carry no tools.
type EngineFactory func(systemPrompt string) session.ContextEngine

type specialistAgent struct {
	config  config.SpecialistAgent
	keypair *Keypair
}

// Router is the Delegation Router.
type Router struct {
	agents         map[string]*specialistAgent
	primaryKeypair *Keypair

	store         Store
	budget        session.Budget
	ledger        session.Ledger
	provider      session.Provider
	engineFactory EngineFactory

	timeout time.Duration
	logger  *slog.Logger
}

// New constructs a Router, generating a fresh Ed25519 keypair for the
// primary agent and for each configured specialist.
func New(agents []config.SpecialistAgent, st Store, budget session.Budget, ledger session.Ledger, prov session.Provider, engineFactory EngineFactory, timeoutSecs int, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	primaryKP, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}

	specialists := make(map[string]*specialistAgent, len(agents))
	for _, a := range agents {
		kp, err := GenerateKeypair()
		if err != nil {
			return nil, err
		}
		logger.Info("generated keypair for specialist agent", "agent", a.Name, "public_key", kp.PublicHex())
		specialists[a.Name] = &specialistAgent{config: a, keypair: kp}
	}

	if timeoutSecs <= 0 {
		timeoutSecs = 60
	}

	return &Router{
		agents:         specialists,
		primaryKeypair: primaryKP,
		store:          st,
		budget:         budget,
		ledger:         ledger,
		provider:       prov,
		engineFactory:  engineFactory,
		timeout:        time.Duration(timeoutSecs) * time.Second,
		logger:         logger,
	}, nil
}

// AgentNames returns every registered specialist's name.
func (r *Router) AgentNames() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

// PrimaryPublicKeyHex returns the primary agent's public key, for
// diagnostics ("doctor" output).
func (r *Router) PrimaryPublicKeyHex() string {
	return r.primaryKeypair.PublicHex()
}

// Delegate routes task (with optional context) to the named
// specialist: sign the request, self-verify, run an ephemeral actor
// under the timeout, then sign and verify the response.
func (r *Router) Delegate(ctx context.Context, agentName, task, taskContext string) (string, error) {
	specialist, ok := r.agents[agentName]
	if !ok {
		return "", &blufioerr.InternalError{Invariant: fmt.Sprintf("delegation: unknown specialist agent %q", agentName)}
	}

	request := NewRequest(primaryAgentName, agentName, task, taskContext)
	signedReq, err := Sign(request, r.primaryKeypair.Private)
	if err != nil {
		return "", err
	}
	if err := signedReq.Verify(r.primaryKeypair.Public); err != nil {
		return "", &blufioerr.SecurityError{Reason: "delegation: self-check signature failed: " + err.Error()}
	}

	sess, err := r.store.CreateSession(ctx, "delegation", "specialist:"+agentName)
	if err != nil {
		return "", fmt.Errorf("delegation: create ephemeral session: %w", err)
	}

	engine := r.engineFactory(specialist.config.SystemPrompt)
	actor := session.New(
		sess.ID, "delegation", "specialist:"+agentName,
		r.store, r.ledger, r.budget, engine, r.provider, emptyTools{}, nil,
		session.Config{Router: router.Config{ForceModel: specialist.config.Model}},
		r.logger.With("agent", agentName),
	)

	combined := task
	if taskContext != "" {
		combined = task + "\n\nContext:\n" + taskContext
	}

	delegateCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		text, err := actor.HandleMessage(delegateCtx, combined, nil)
		resultCh <- outcome{text: text, err: err}
	}()

	var responseText string
	select {
	case res := <-resultCh:
		if res.err != nil {
			r.logger.Warn("specialist execution failed", "agent", agentName, "error", res.err)
			return "", fmt.Errorf("delegation: specialist %q failed: %w", agentName, res.err)
		}
		responseText = res.text
	case <-delegateCtx.Done():
		r.logger.Warn("specialist timed out", "agent", agentName, "timeout_secs", int(r.timeout.Seconds()))
		return "", fmt.Errorf("delegation: specialist %q timed out after %ds", agentName, int(r.timeout.Seconds()))
	}

	response := NewResponse(request, agentName, responseText)
	signedResp, err := Sign(response, specialist.keypair.Private)
	if err != nil {
		return "", err
	}
	if err := signedResp.Verify(specialist.keypair.Public); err != nil {
		return "", &blufioerr.SecurityError{Reason: "delegation: specialist response signature verification failed: " + err.Error()}
	}

	r.logger.Info("delegation completed", "agent", agentName, "response_len", len(responseText))
	return responseText, nil
}

// emptyTools is the ToolInvoker given to every ephemeral specialist
// actor: specialists carry no tools at all, enforcing single-level
// delegation depth.
type emptyTools struct{}

func (emptyTools) Invoke(context.Context, string, json.RawMessage) session.ToolResult {
	return session.ToolResult{Content: "Error: tool not found: specialists have no tools", IsError: true}
}
