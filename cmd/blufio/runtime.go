package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/blufio/blufio/internal/channel"
	"github.com/blufio/blufio/internal/config"
	ctxengine "github.com/blufio/blufio/internal/context"
	"github.com/blufio/blufio/internal/cost"
	"github.com/blufio/blufio/internal/delegation"
	"github.com/blufio/blufio/internal/heartbeat"
	"github.com/blufio/blufio/internal/logging"
	"github.com/blufio/blufio/internal/memory"
	"github.com/blufio/blufio/internal/provider"
	"github.com/blufio/blufio/internal/router"
	"github.com/blufio/blufio/internal/scheduler"
	"github.com/blufio/blufio/internal/session"
	"github.com/blufio/blufio/internal/skill"
	"github.com/blufio/blufio/internal/store"
	"github.com/blufio/blufio/internal/tools"
	"github.com/blufio/blufio/internal/vault"
)

// embeddingDim is the fixed dimensionality of every stored memory
// vector.
const embeddingDim = 256

// runtime is the composed daemon: every subsystem constructed, wired,
// and ready for a scheduler loop to drive.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *store.Store
	vault     *vault.Vault // nil when no vault exists or no passphrase was available
	ledger    *cost.Ledger
	budget    *cost.Tracker
	provider  *provider.AnthropicProvider
	registry  *tools.Registry
	skills    *skill.Manager
	channels  *channel.Registry
	scheduler *scheduler.Scheduler
	heartbeat *heartbeat.Runner // nil when disabled
}

// newRuntime loads configuration and composes the full daemon.
// Channel adapters are NOT registered here; serve and shell each
// register their own set before calling run.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.Setup(os.Stderr, cfg.Agent.LogLevel, "text")

	st, err := store.Open(ctx, cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}

	r := &runtime{cfg: cfg, logger: logger, store: st}
	if err := r.compose(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return r, nil
}

func (r *runtime) compose(ctx context.Context) error {
	cfg, logger, st := r.cfg, r.logger, r.store

	r.unlockVaultFromEnv(ctx)

	apiKey, err := r.resolveSecret(ctx, cfg.Anthropic.APIKey, "anthropic_api_key")
	if err != nil {
		return err
	}

	prov, err := provider.New(provider.Config{APIKey: apiKey, DefaultModel: cfg.Anthropic.DefaultModel})
	if err != nil {
		return err
	}
	r.provider = prov

	r.ledger = cost.NewLedger(st)
	r.budget, err = cost.FromLedger(ctx, r.ledger, cfg.Cost.DailyBudgetUSD, cfg.Cost.MonthlyBudgetUSD, logger)
	if err != nil {
		return err
	}

	var retriever *memory.HybridRetriever
	var extractor *memory.Extractor
	if cfg.Memory.Enabled {
		embedder := memory.NewHashEmbedder(embeddingDim)
		retriever = memory.NewHybridRetriever(st, embedder, cfg.Memory.SimilarityThreshold, cfg.Memory.MaxRetrievalResults)
		extractor = memory.NewExtractor(st, embedder, prov, cfg.Memory.ExtractionModel)
	}

	r.registry = tools.NewRegistry()

	skillRuntime := skill.NewRuntime(ctx, logger)
	r.skills = skill.NewManager(skillRuntime, st, r.registry)
	if err := r.skills.LoadInstalled(ctx, os.ReadFile); err != nil {
		logger.Error("failed to reload installed skills", "error", err)
	}

	routerCfg := router.Config{
		Enabled:        cfg.Routing.Enabled,
		ForceModel:     cfg.Routing.ForceModel,
		SimpleModel:    cfg.Routing.SimpleModel,
		StandardModel:  cfg.Routing.StandardModel,
		ComplexModel:   cfg.Routing.ComplexModel,
		SimpleMaxTok:   cfg.Routing.SimpleMaxTok,
		StandardMaxTok: cfg.Routing.StandardMaxTok,
		ComplexMaxTok:  cfg.Routing.ComplexMaxTok,
	}

	engineCfg := ctxengine.Config{
		SystemPromptFile:    cfg.Agent.SystemPromptFile,
		SystemPromptInline:  cfg.Agent.SystemPrompt,
		CompactionModel:     cfg.Context.CompactionModel,
		CompactionThreshold: cfg.Context.CompactionThreshold,
		ContextBudget:       cfg.Context.ContextBudget,
		MaxTokens:           cfg.Anthropic.MaxTokens,
	}
	var memRetriever ctxengine.MemoryRetriever
	if retriever != nil {
		memRetriever = retriever
	}
	engine := ctxengine.New(engineCfg, st, prov, memRetriever, r.registry)

	if cfg.Delegation.Enabled && len(cfg.Agents) > 0 {
		engineFactory := func(systemPrompt string) session.ContextEngine {
			specialistCfg := engineCfg
			specialistCfg.SystemPromptFile = ""
			specialistCfg.SystemPromptInline = systemPrompt
			return ctxengine.New(specialistCfg, st, prov, nil, nil)
		}
		delRouter, err := delegation.New(cfg.Agents, st, r.budget, r.ledger, prov, engineFactory, cfg.Delegation.TimeoutSecs, logger)
		if err != nil {
			return err
		}
		r.registry.Register(delegation.NewTool(delRouter))
	}

	sessionCfg := session.Config{
		Router:        routerCfg,
		IdleThreshold: time.Duration(cfg.Memory.IdleTimeoutSecs) * time.Second,
	}

	r.channels = channel.NewRegistry()

	factory := func(sessionID, channelName, userTag string) *session.Actor {
		var ext session.Extractor
		if extractor != nil {
			ext = extractor
		}
		return session.New(sessionID, channelName, userTag, st, r.ledger, r.budget, engine, prov, registryInvoker{r.registry}, ext, sessionCfg, logger)
	}
	r.scheduler = scheduler.New(st, r.channels, factory, 0, 0, logger)

	if cfg.Heartbeat.Enabled {
		r.heartbeat = heartbeat.New(heartbeat.Config{
			Interval:     time.Duration(cfg.Heartbeat.IntervalSecs) * time.Second,
			CronSchedule: cfg.Heartbeat.CronSchedule,
			Delivery:     heartbeat.DeliveryMode(cfg.Heartbeat.Delivery),
			Visibility:   heartbeat.Visibility(cfg.Heartbeat.VisibilityMode),
			Model:        cfg.Heartbeat.Model,
		}, st, r.ledger, cfg.Heartbeat.MonthlyBudgetUSD, prov, r.channels, logger)
		if heartbeat.DeliveryMode(cfg.Heartbeat.Delivery) == heartbeat.DeliveryOnNextMessage {
			r.scheduler.SetPendingCheckins(r.heartbeat)
		}
	}

	return nil
}

// unlockVaultFromEnv unlocks an existing vault non-interactively when
// the passphrase environment variable is set, then runs the plaintext-
// secret auto-migration over the config file.
func (r *runtime) unlockVaultFromEnv(ctx context.Context) {
	pass, ok := config.VaultPassphraseFromEnv()
	if !ok {
		return
	}
	exists, err := vault.Exists(ctx, r.store)
	if err != nil || !exists {
		return
	}
	v, err := vault.Unlock(ctx, r.store, pass)
	if err != nil {
		r.logger.Error("failed to unlock vault from environment", "error", err)
		return
	}
	r.vault = v

	report, err := config.MigratePlaintextSecrets(ctx, configPath, v)
	if err != nil {
		r.logger.Error("plaintext secret migration failed", "error", err)
		return
	}
	if len(report.Migrated) > 0 {
		r.logger.Info("migrated plaintext secrets from config file into vault", "migrated", report.Migrated)
	}
}

// resolveSecret prefers the config-file value, then the unlocked
// vault's entry under vaultName.
func (r *runtime) resolveSecret(ctx context.Context, configured, vaultName string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if r.vault != nil {
		if value, found, err := r.vault.RetrieveSecret(ctx, vaultName); err == nil && found {
			return value, nil
		}
	}
	return "", fmt.Errorf("no value for secret %q: set it in the config file, the environment, or the vault", vaultName)
}

// registryInvoker adapts the Tool Registry's invoke surface onto the
// session actor's ToolInvoker contract.
type registryInvoker struct{ reg *tools.Registry }

func (r registryInvoker) Invoke(ctx context.Context, name string, input json.RawMessage) session.ToolResult {
	res := r.reg.Invoke(ctx, name, input)
	return session.ToolResult{Content: res.Content, IsError: res.IsError}
}

// close releases the runtime's resources in reverse dependency order.
func (r *runtime) close() {
	if r.vault != nil {
		r.vault.Lock()
	}
	if err := r.store.Close(); err != nil {
		r.logger.Error("failed to close store", "error", err)
	}
}
