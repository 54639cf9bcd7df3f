// Package tools implements the Tool Registry: a name-indexed,
// reader-writer-locked collection of invocable items (built-ins,
// delegation entries, WebAssembly skills), each exposing a JSON
// schema and a uniform invoke surface returning content plus an
// error flag.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/blufio/blufio/internal/metrics"
	"github.com/blufio/blufio/internal/provider"
)

// MaxToolNameLength and MaxInputSize bound a single invocation.
const (
	MaxToolNameLength = 256
	MaxInputSize      = 10 << 20
)

// Result is the outcome of one tool invocation.
type Result struct {
	Content string
	IsError bool
}

// Tool is one named, schema-described, invocable item.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Invoke(ctx context.Context, input json.RawMessage) (Result, error)
}

// Registry is a thread-safe name-indexed collection of Tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Invoke looks up name and runs it against input, surfacing not-found
// and oversized-input failures as an ordinary {is_error: true} Result
// rather than a Go error: tool invocation failures become a
// tool_result block for the model to see and react to, never a
// propagated error.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) Result {
	if len(name) > MaxToolNameLength {
		return Result{Content: fmt.Sprintf("Error: tool name exceeds maximum length of %d", MaxToolNameLength), IsError: true}
	}
	if len(input) > MaxInputSize {
		return Result{Content: fmt.Sprintf("Error: tool input exceeds maximum size of %d bytes", MaxInputSize), IsError: true}
	}

	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{Content: "Error: tool not found: " + name, IsError: true}
	}

	res, err := t.Invoke(ctx, input)
	if err != nil {
		res = Result{Content: "Error: " + err.Error(), IsError: true}
	}
	outcome := "ok"
	if res.IsError {
		outcome = "error"
	}
	metrics.ToolInvocations.WithLabelValues(outcome).Inc()
	return res
}

// EnabledTools returns every registered tool's definition in
// deterministic name-sorted order, satisfying internal/context's
// ToolSource interface for the Skill Provider.
func (r *Registry) EnabledTools() []provider.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]provider.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, provider.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Empty reports whether the registry has zero entries.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools) == 0
}
