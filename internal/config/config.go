// Package config loads Blufio's YAML configuration file: expand
// environment references, then strict-decode a single plain YAML
// document.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/blufio/blufio/internal/blufioerr"
)

// AgentConfig is the top-level "agent" block.
type AgentConfig struct {
	Name             string `yaml:"name"`
	MaxSessions      int    `yaml:"max_sessions"`
	LogLevel         string `yaml:"log_level"`
	SystemPrompt     string `yaml:"system_prompt"`
	SystemPromptFile string `yaml:"system_prompt_file"`
}

// AnthropicConfig is the "anthropic" block.
type AnthropicConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	MaxTokens    int    `yaml:"max_tokens"`
	APIVersion   string `yaml:"api_version"`
}

// StorageConfig is the "storage" block.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	JournalMode  bool   `yaml:"journal_mode_enabled"`
}

// CostConfig is the "cost" block.
type CostConfig struct {
	DailyBudgetUSD   *float64 `yaml:"daily_budget_usd"`
	MonthlyBudgetUSD *float64 `yaml:"monthly_budget_usd"`
	TrackTokens      bool     `yaml:"track_tokens"`
}

// ContextConfig is the "context" block.
type ContextConfig struct {
	CompactionModel     string  `yaml:"compaction_model"`
	CompactionThreshold float64 `yaml:"compaction_threshold"`
	ContextBudget       int     `yaml:"context_budget"`
}

// MemoryConfig is the "memory" block.
type MemoryConfig struct {
	Enabled             bool    `yaml:"enabled"`
	SimilarityThreshold float32 `yaml:"similarity_threshold"`
	ModelName           string  `yaml:"model_name"`
	ExtractionModel     string  `yaml:"extraction_model"`
	IdleTimeoutSecs     int     `yaml:"idle_timeout_secs"`
	MaxRetrievalResults int     `yaml:"max_retrieval_results"`
}

// RoutingConfig is the "routing" block.
type RoutingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ForceModel     string `yaml:"force_model"`
	SimpleModel    string `yaml:"simple_model"`
	StandardModel  string `yaml:"standard_model"`
	ComplexModel   string `yaml:"complex_model"`
	SimpleMaxTok   int    `yaml:"simple_max_tokens"`
	StandardMaxTok int    `yaml:"standard_max_tokens"`
	ComplexMaxTok  int    `yaml:"complex_max_tokens"`
}

// HeartbeatConfig is the "heartbeat" block.
type HeartbeatConfig struct {
	Enabled          bool     `yaml:"enabled"`
	IntervalSecs     int      `yaml:"interval_secs"`
	CronSchedule     string   `yaml:"cron_schedule"`   // overrides interval_secs when set
	Delivery         string   `yaml:"delivery"`        // "immediate" | "on_next_message"
	VisibilityMode   string   `yaml:"visibility_mode"` // "typing" | "presence" | "none"
	MonthlyBudgetUSD *float64 `yaml:"monthly_budget_usd"`
	Model            string   `yaml:"model"`
}

// VaultConfig is the "vault" block.
type VaultConfig struct {
	KDFMemoryCostKB int `yaml:"kdf_memory_cost"`
	KDFIterations   int `yaml:"kdf_iterations"`
	KDFParallelism  int `yaml:"kdf_parallelism"`
}

// DelegationConfig is the "delegation" block.
type DelegationConfig struct {
	Enabled     bool `yaml:"enabled"`
	TimeoutSecs int  `yaml:"timeout_secs"`
}

// SpecialistAgent is one entry of "agents[]", a named delegation
// target with its own system prompt, model, and skill allowlist.
type SpecialistAgent struct {
	Name          string   `yaml:"name"`
	SystemPrompt  string   `yaml:"system_prompt"`
	Model         string   `yaml:"model"`
	AllowedSkills []string `yaml:"allowed_skills"`
}

// TelegramChannelConfig is the "channels.telegram" block.
type TelegramChannelConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// GatewayChannelConfig is the "channels.gateway" block.
type GatewayChannelConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// ChannelsConfig is the "channels" block.
type ChannelsConfig struct {
	Telegram TelegramChannelConfig `yaml:"telegram"`
	Gateway  GatewayChannelConfig  `yaml:"gateway"`
}

// Config is the root configuration document.
type Config struct {
	Agent      AgentConfig       `yaml:"agent"`
	Anthropic  AnthropicConfig   `yaml:"anthropic"`
	Storage    StorageConfig     `yaml:"storage"`
	Cost       CostConfig        `yaml:"cost"`
	Context    ContextConfig     `yaml:"context"`
	Memory     MemoryConfig      `yaml:"memory"`
	Routing    RoutingConfig     `yaml:"routing"`
	Heartbeat  HeartbeatConfig   `yaml:"heartbeat"`
	Vault      VaultConfig       `yaml:"vault"`
	Delegation DelegationConfig  `yaml:"delegation"`
	Agents     []SpecialistAgent `yaml:"agents"`
	Channels   ChannelsConfig    `yaml:"channels"`
}

// envAPIKey and envVaultPassphrase name the environment variables
// consulted when the corresponding config field is empty.
const (
	envAPIKey          = "ANTHROPIC_API_KEY"
	envVaultPassphrase = "BLUFIO_VAULT_PASSPHRASE"
)

// Load reads and decodes the YAML file at path, expands ${VAR}
// references against the process environment first, and overlays the
// API key and vault passphrase environment variables when the file
// leaves them unset.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &blufioerr.ConfigError{Key: "path", Reason: "config path is required"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &blufioerr.ConfigError{Key: "path", Reason: err.Error()}
	}
	expanded := os.ExpandEnv(string(data))

	cfg, err := decode(expanded)
	if err != nil {
		return nil, err
	}

	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv(envAPIKey)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// VaultPassphraseFromEnv returns the vault unlock passphrase sourced
// from the environment, and whether it was present.
func VaultPassphraseFromEnv() (string, bool) {
	v := os.Getenv(envVaultPassphrase)
	return v, v != ""
}

func decode(expanded string) (*Config, error) {
	if err := checkUnknownKeys(expanded); err != nil {
		return nil, err
	}
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, &blufioerr.ConfigError{Key: "<root>", Reason: fmt.Sprintf("parse: %v", err)}
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, &blufioerr.ConfigError{Key: "<root>", Reason: "expected a single YAML document"}
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "blufio"
	}
	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = "info"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "blufio.db"
	}
	if cfg.Context.ContextBudget == 0 {
		cfg.Context.ContextBudget = 150_000
	}
	if cfg.Context.CompactionThreshold == 0 {
		cfg.Context.CompactionThreshold = 0.75
	}
	if cfg.Memory.MaxRetrievalResults == 0 {
		cfg.Memory.MaxRetrievalResults = 10
	}
	if cfg.Memory.IdleTimeoutSecs == 0 {
		cfg.Memory.IdleTimeoutSecs = 300
	}
	if cfg.Vault.KDFMemoryCostKB == 0 {
		cfg.Vault.KDFMemoryCostKB = 64 * 1024
	}
	if cfg.Vault.KDFIterations == 0 {
		cfg.Vault.KDFIterations = 3
	}
	if cfg.Vault.KDFParallelism == 0 {
		cfg.Vault.KDFParallelism = 4
	}
	if cfg.Delegation.TimeoutSecs == 0 {
		cfg.Delegation.TimeoutSecs = 60
	}
	if cfg.Heartbeat.Delivery == "" {
		cfg.Heartbeat.Delivery = "on_next_message"
	}
	if cfg.Heartbeat.VisibilityMode == "" {
		cfg.Heartbeat.VisibilityMode = "none"
	}
	if cfg.Heartbeat.IntervalSecs == 0 {
		cfg.Heartbeat.IntervalSecs = 1800
	}
}
