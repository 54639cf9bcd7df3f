package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SecretStore is the vault surface the auto-migration needs.
type SecretStore interface {
	StoreSecret(ctx context.Context, name, plaintext string) error
}

// secretField maps one plaintext config field onto its vault secret
// name and its YAML location.
type secretField struct {
	vaultName string
	path      []string
}

var migratableSecrets = []secretField{
	{vaultName: "anthropic_api_key", path: []string{"anthropic", "api_key"}},
	{vaultName: "telegram_token", path: []string{"channels", "telegram", "token"}},
}

// MigrationReport summarizes one auto-migration pass.
type MigrationReport struct {
	Migrated []string
	Skipped  []string
}

// MigratePlaintextSecrets moves known plaintext secret fields from the
// config file at path into secrets and rewrites the file without them.
// Fields that are absent or empty are skipped, so a second run
// migrates nothing. The in-memory cfg keeps its loaded values; only
// the on-disk file is scrubbed.
func MigratePlaintextSecrets(ctx context.Context, path string, secrets SecretStore) (*MigrationReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read for secret migration: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse for secret migration: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return &MigrationReport{}, nil
	}
	root := doc.Content[0]

	report := &MigrationReport{}
	changed := false
	for _, field := range migratableSecrets {
		value, ok := lookupScalar(root, field.path)
		if !ok || value == "" {
			report.Skipped = append(report.Skipped, field.vaultName)
			continue
		}
		if err := secrets.StoreSecret(ctx, field.vaultName, value); err != nil {
			return nil, err
		}
		removeKey(root, field.path)
		report.Migrated = append(report.Migrated, field.vaultName)
		changed = true
	}

	if !changed {
		return report, nil
	}

	out, err := yaml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("config: re-encode after secret migration: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("config: rewrite after secret migration: %w", err)
	}
	return report, nil
}

// lookupScalar walks a mapping path and returns the scalar value at
// its end, if present.
func lookupScalar(node *yaml.Node, path []string) (string, bool) {
	current := node
	for _, key := range path {
		next, ok := childValue(current, key)
		if !ok {
			return "", false
		}
		current = next
	}
	if current.Kind != yaml.ScalarNode {
		return "", false
	}
	return current.Value, true
}

// removeKey deletes the final path element's key/value pair from its
// parent mapping, if present.
func removeKey(node *yaml.Node, path []string) {
	current := node
	for _, key := range path[:len(path)-1] {
		next, ok := childValue(current, key)
		if !ok {
			return
		}
		current = next
	}
	if current.Kind != yaml.MappingNode {
		return
	}
	last := path[len(path)-1]
	for i := 0; i+1 < len(current.Content); i += 2 {
		if current.Content[i].Value == last {
			current.Content = append(current.Content[:i], current.Content[i+2:]...)
			return
		}
	}
}

func childValue(node *yaml.Node, key string) (*yaml.Node, bool) {
	if node.Kind != yaml.MappingNode {
		return nil, false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1], true
		}
	}
	return nil, false
}
