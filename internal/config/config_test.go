package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blufio/blufio/internal/blufioerr"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blufio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
agent:
  name: testbot
anthropic:
  api_key: sk-test
storage:
  database_path: test.db
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, "testbot", cfg.Agent.Name)
	require.Equal(t, "info", cfg.Agent.LogLevel)
	require.Equal(t, 150_000, cfg.Context.ContextBudget)
	require.InDelta(t, 0.75, cfg.Context.CompactionThreshold, 1e-9)
	require.Equal(t, 10, cfg.Memory.MaxRetrievalResults)
	require.Equal(t, "on_next_message", cfg.Heartbeat.Delivery)
	require.Equal(t, "none", cfg.Heartbeat.VisibilityMode)
	require.Equal(t, 64*1024, cfg.Vault.KDFMemoryCostKB)
	require.Equal(t, 60, cfg.Delegation.TimeoutSecs)
}

func TestLoadAPIKeyFromEnvironment(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")
	cfg, err := Load(writeConfig(t, `
agent:
  name: testbot
`))
	require.NoError(t, err)
	require.Equal(t, "sk-from-env", cfg.Anthropic.APIKey)
}

func TestLoadExpandsEnvironmentReferences(t *testing.T) {
	t.Setenv("TEST_DB_PATH", "/var/lib/blufio/data.db")
	cfg, err := Load(writeConfig(t, `
storage:
  database_path: ${TEST_DB_PATH}
`))
	require.NoError(t, err)
	require.Equal(t, "/var/lib/blufio/data.db", cfg.Storage.DatabasePath)
}

func TestLoadUnknownSectionSuggestsNearest(t *testing.T) {
	_, err := Load(writeConfig(t, `
memroy:
  enabled: true
`))
	require.Error(t, err)

	var cfgErr *blufioerr.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "memroy", cfgErr.Key)
	require.Equal(t, "memory", cfgErr.DidYouMean)
	require.NotEmpty(t, cfgErr.ValidKeys)
	require.Contains(t, err.Error(), "did you mean")
}

type recordingSecrets struct {
	stored map[string]string
}

func (r *recordingSecrets) StoreSecret(_ context.Context, name, plaintext string) error {
	if r.stored == nil {
		r.stored = make(map[string]string)
	}
	r.stored[name] = plaintext
	return nil
}

func TestMigratePlaintextSecrets(t *testing.T) {
	// Load falls back to ANTHROPIC_API_KEY; clear it so the scrubbed
	// file's own (absent) key is what gets observed below.
	t.Setenv("ANTHROPIC_API_KEY", "")
	path := writeConfig(t, `
agent:
  name: testbot
anthropic:
  api_key: sk-plaintext
channels:
  telegram:
    enabled: true
    token: tg-plaintext
`)
	secrets := &recordingSecrets{}

	report, err := MigratePlaintextSecrets(context.Background(), path, secrets)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"anthropic_api_key", "telegram_token"}, report.Migrated)
	require.Equal(t, "sk-plaintext", secrets.stored["anthropic_api_key"])
	require.Equal(t, "tg-plaintext", secrets.stored["telegram_token"])

	rewritten, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(rewritten), "sk-plaintext")
	require.NotContains(t, string(rewritten), "tg-plaintext")
	// Non-secret fields survive the rewrite.
	require.Contains(t, string(rewritten), "testbot")
	require.Contains(t, string(rewritten), "enabled: true")

	// The scrubbed file still loads.
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, cfg.Anthropic.APIKey)
	require.True(t, cfg.Channels.Telegram.Enabled)
}

func TestMigratePlaintextSecretsIdempotent(t *testing.T) {
	path := writeConfig(t, `
anthropic:
  api_key: sk-plaintext
`)
	first := &recordingSecrets{}
	report, err := MigratePlaintextSecrets(context.Background(), path, first)
	require.NoError(t, err)
	require.Len(t, report.Migrated, 1)

	second := &recordingSecrets{}
	report, err = MigratePlaintextSecrets(context.Background(), path, second)
	require.NoError(t, err)
	require.Empty(t, report.Migrated)
	require.Len(t, report.Skipped, len(migratableSecrets))
	require.Empty(t, second.stored)
}

func TestVaultPassphraseFromEnv(t *testing.T) {
	t.Setenv(envVaultPassphrase, "hunter2")
	pass, ok := VaultPassphraseFromEnv()
	require.True(t, ok)
	require.Equal(t, "hunter2", pass)
}

func TestLoadRejectsMissingPath(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "config"))
}
