package skill

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/blufio/blufio/internal/store"
	"github.com/blufio/blufio/internal/tools"
)

// Store is the subset of store.Store the Manager needs for the
// install/list/remove lifecycle on top of the Tool Registry.
type Store interface {
	UpsertSkill(ctx context.Context, sk *store.InstalledSkill) error
	GetSkill(ctx context.Context, name string) (*store.InstalledSkill, error)
	ListSkills(ctx context.Context) ([]*store.InstalledSkill, error)
	RemoveSkill(ctx context.Context, name string) error
}

// Manager owns the WASM Runtime and the installed_skills rows,
// bridging skill install/update/remove onto the live Tool Registry.
type Manager struct {
	runtime  *Runtime
	store    Store
	registry *tools.Registry
}

// NewManager constructs a Manager.
func NewManager(runtime *Runtime, s Store, registry *tools.Registry) *Manager {
	return &Manager{runtime: runtime, store: s, registry: registry}
}

// inputSchemaFor returns a permissive object schema, since the
// original manifest format carries no per-skill JSON Schema section —
// a skill declares its input shape informally in its description. A
// future manifest revision could add a [schema] TOML table; until
// then every skill accepts an arbitrary JSON object.
func inputSchemaFor(*Manifest) json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}

// Install parses manifestData, compiles wasmBytes, persists both to
// the installed_skills table, and registers the skill as an invocable
// Tool. Installing an already-installed name updates it in place.
func (m *Manager) Install(ctx context.Context, manifestData, wasmBytes []byte, wasmPath string, verified bool) (*Manifest, error) {
	manifest, err := ParseManifest(manifestData)
	if err != nil {
		return nil, err
	}

	if err := m.runtime.LoadSkill(ctx, manifest, wasmBytes); err != nil {
		return nil, err
	}

	capsJSON, err := json.Marshal(manifest.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("skill: marshal capabilities: %w", err)
	}

	row := &store.InstalledSkill{
		Name:         manifest.Name,
		Version:      manifest.Version,
		Description:  manifest.Description,
		Author:       manifest.Author,
		WasmPath:     wasmPath,
		ManifestJSON: string(manifestData),
		Capabilities: string(capsJSON),
		Verified:     verified,
	}
	if err := m.store.UpsertSkill(ctx, row); err != nil {
		return nil, err
	}

	m.registry.Register(NewTool(m.runtime, manifest.Name, manifest.Description, inputSchemaFor(manifest)))
	return manifest, nil
}

// Remove unregisters the skill's tool, unloads its compiled module,
// and deletes its installed_skills row.
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.registry.Unregister(name)
	m.runtime.Unload(ctx, name)
	return m.store.RemoveSkill(ctx, name)
}

// List returns every installed skill row.
func (m *Manager) List(ctx context.Context) ([]*store.InstalledSkill, error) {
	return m.store.ListSkills(ctx)
}

// LoadInstalled reads every installed_skills row from the store and
// re-registers it as a live Tool, called once at daemon startup so a
// restart does not lose previously installed skills. wasmLoader reads
// the WASM bytes for a skill's wasm_path (e.g. from disk), kept
// injectable for tests.
func (m *Manager) LoadInstalled(ctx context.Context, wasmLoader func(path string) ([]byte, error)) error {
	rows, err := m.store.ListSkills(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		manifest, err := ParseManifest([]byte(row.ManifestJSON))
		if err != nil {
			return err
		}
		wasmBytes, err := wasmLoader(row.WasmPath)
		if err != nil {
			return fmt.Errorf("skill: load wasm for %q: %w", row.Name, err)
		}
		if err := m.runtime.LoadSkill(ctx, manifest, wasmBytes); err != nil {
			return err
		}
		m.registry.Register(NewTool(m.runtime, manifest.Name, manifest.Description, inputSchemaFor(manifest)))
	}
	return nil
}
