package delegation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/blufio/blufio/internal/tools"
)

// toolInputSchema: agent and task required, context optional.
const toolInputSchema = `{
	"type": "object",
	"properties": {
		"agent": {"type": "string", "description": "Name of the specialist agent to delegate to"},
		"task": {"type": "string", "description": "Description of the task for the specialist"},
		"context": {"type": "string", "description": "Relevant context for the specialist to use"}
	},
	"required": ["agent", "task"]
}`

// Tool adapts a Router into a tools.Tool named "delegate_to_specialist",
// letting the primary agent's LLM request delegation via ordinary
// tool-use the same way it invokes any other registered tool.
type Tool struct {
	router *Router
}

// NewTool wraps router as an invocable Tool.
func NewTool(router *Router) *Tool {
	return &Tool{router: router}
}

func (t *Tool) Name() string { return "delegate_to_specialist" }

func (t *Tool) Description() string {
	return "Delegate a task to a specialist agent. The specialist will process the task independently and return a result."
}

func (t *Tool) InputSchema() json.RawMessage { return json.RawMessage(toolInputSchema) }

type delegateInput struct {
	Agent   string `json:"agent"`
	Task    string `json:"task"`
	Context string `json:"context"`
}

// Invoke parses the agent/task/context fields and calls Delegate,
// surfacing a failed delegation as an ordinary {is_error: true} result
// rather than a Go error, matching every other Tool in the registry.
func (t *Tool) Invoke(ctx context.Context, input json.RawMessage) (tools.Result, error) {
	var in delegateInput
	if err := json.Unmarshal(input, &in); err != nil {
		return tools.Result{Content: fmt.Sprintf("delegate: invalid input: %v", err), IsError: true}, nil
	}
	if in.Agent == "" {
		return tools.Result{Content: "delegate: missing 'agent' field", IsError: true}, nil
	}
	if in.Task == "" {
		return tools.Result{Content: "delegate: missing 'task' field", IsError: true}, nil
	}

	result, err := t.router.Delegate(ctx, in.Agent, in.Task, in.Context)
	if err != nil {
		return tools.Result{Content: "Delegation failed: " + err.Error(), IsError: true}, nil
	}
	return tools.Result{Content: result}, nil
}
