// Package provider implements the LLM client: non-streaming and
// streaming completion operations against the Anthropic API,
// returning typed stream events the Session Actor's tool loop
// consumes.
package provider

import (
	"context"
	"encoding/json"

	"github.com/blufio/blufio/internal/store"
)

// Role identifies the author of a Message sent to the provider.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block is one content block within a Message. A Message may carry
// several blocks (e.g. assistant text followed by a tool_use block,
// or a user message carrying only tool_result blocks).
type Block struct {
	Type string // "text", "tool_use", or "tool_result"

	// Text is populated for Type=="text".
	Text string

	// ID is the tool_use/tool_result correlation id.
	ID string

	// Name is the tool name, populated for Type=="tool_use".
	Name string

	// Input is the tool_use JSON input.
	Input json.RawMessage

	// Content and IsError are populated for Type=="tool_result".
	Content string
	IsError bool
}

// TextBlock is a convenience constructor for a plain text block.
func TextBlock(text string) Block { return Block{Type: "text", Text: text} }

// ToolUseBlock is a convenience constructor for a tool_use block.
func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: "tool_use", ID: id, Name: name, Input: input}
}

// ToolResultBlock is a convenience constructor for a tool_result block.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: "tool_result", ID: toolUseID, Content: content, IsError: isError}
}

// Message is one turn in the conversation sent to the provider.
type Message struct {
	Role   Role
	Blocks []Block
}

// UserText is a convenience constructor for a plain user text message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Blocks: []Block{TextBlock(text)}}
}

// AssistantText is a convenience constructor for a plain assistant
// text message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Blocks: []Block{TextBlock(text)}}
}

// ToolDef is a named tool definition offered to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one assembled completion request, as produced by the
// Context Engine (internal/context).
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// EventType enumerates the kinds of events a stream emits.
type EventType string

const (
	EventTextDelta   EventType = "text_delta"
	EventToolUse     EventType = "tool_use"
	EventMessageStop EventType = "message_stop"
	EventError       EventType = "error"
)

// ToolUseRequest is a complete tool invocation requested by the model,
// assembled from the provider's streamed content_block_start/delta/
// stop event sequence.
type ToolUseRequest struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Event is one item in a provider stream.
type Event struct {
	Type      EventType
	TextDelta string
	ToolUse   *ToolUseRequest
	Usage     store.TokenUsage // populated on EventMessageStop
	Err       error            // populated on EventError
}

// CompletionProvider is the minimal non-streaming surface other
// components (Context Engine's compaction, Memory Extractor,
// Heartbeat Runner) need. memory.CompletionProvider is structurally
// identical; Provider satisfies both without an import cycle.
type CompletionProvider interface {
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error)
}

// Provider is the full streaming + non-streaming LLM client contract.
type Provider interface {
	// Stream opens a streaming completion call, returning a channel of
	// typed events. The channel is closed when the stream ends (either
	// at EventMessageStop or EventError).
	Stream(ctx context.Context, req Request) (<-chan Event, error)

	// Complete runs a single non-streaming completion, used by
	// compaction, memory extraction, and the heartbeat runner. It
	// returns the concatenation of all text blocks in the reply.
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error)
}
