package skill

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/blufio/blufio/internal/tools"
)

// Tool adapts one loaded skill into internal/tools.Tool, so skills
// register into the same Registry as built-ins and the delegation
// entry.
type Tool struct {
	runtime *Runtime
	name    string
	desc    string
	schema  json.RawMessage

	compiled *jsonschema.Schema // nil if schema is absent or fails to compile
}

// NewTool builds a Tool for a skill already loaded into runtime. If
// inputSchema is non-empty it is compiled once and re-used to validate
// every Invoke call's input.
func NewTool(runtime *Runtime, name, description string, inputSchema json.RawMessage) *Tool {
	t := &Tool{runtime: runtime, name: name, desc: description, schema: inputSchema}
	if len(inputSchema) > 0 {
		if compiled, err := jsonschema.CompileString(name+".schema.json", string(inputSchema)); err == nil {
			t.compiled = compiled
		}
	}
	return t
}

func (t *Tool) Name() string        { return t.name }
func (t *Tool) Description() string { return t.desc }
func (t *Tool) InputSchema() json.RawMessage {
	if len(t.schema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return t.schema
}

// Invoke validates input against the compiled schema (if any), then
// runs the skill. Schema violations and sandbox failures both surface
// as an {is_error: true} tools.Result, never as a Go error, matching
// the Tool Registry's invoke contract.
func (t *Tool) Invoke(ctx context.Context, input json.RawMessage) (tools.Result, error) {
	if t.compiled != nil {
		var decoded any
		if err := json.Unmarshal(input, &decoded); err != nil {
			return tools.Result{Content: fmt.Sprintf("invalid JSON input: %v", err), IsError: true}, nil
		}
		if err := t.compiled.Validate(decoded); err != nil {
			return tools.Result{Content: fmt.Sprintf("input does not match schema: %v", err), IsError: true}, nil
		}
	}

	res := t.runtime.Invoke(ctx, t.name, input)
	return tools.Result{Content: res.Content, IsError: res.IsError}, nil
}
