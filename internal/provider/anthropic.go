package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/blufio/blufio/internal/blufioerr"
	"github.com/blufio/blufio/internal/metrics"
	"github.com/blufio/blufio/internal/store"
)

// retryableStatus is the set of HTTP statuses treated as transient:
// 429, 500, 503, 529. Every other status fails fast.
var retryableStatus = map[int]bool{429: true, 500: true, 503: true, 529: true}

// AnthropicProvider talks to the Anthropic Messages API via the
// official SDK. Transient failures retry exactly once after a short
// fixed delay; everything else fails fast.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	retryDelay   time.Duration
}

// Config holds Anthropic provider construction parameters, sourced
// from the "anthropic" configuration block.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	RetryDelay   time.Duration
}

// New constructs an AnthropicProvider. APIKey is required; all other
// fields have sensible defaults.
func New(cfg Config) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("provider: anthropic API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (p *AnthropicProvider) model(m string) string {
	if m == "" {
		return p.defaultModel
	}
	return m
}

func maxTokens(n int) int64 {
	if n <= 0 {
		return 4096
	}
	return int64(n)
}

func (p *AnthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: maxTokens(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		var content []anthropic.ContentBlockParamUnion
		for _, b := range m.Blocks {
			switch b.Type {
			case "text":
				if b.Text != "" {
					content = append(content, anthropic.NewTextBlock(b.Text))
				}
			case "tool_use":
				var input map[string]any
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &input); err != nil {
						return nil, fmt.Errorf("provider: invalid tool_use input for %s: %w", b.Name, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case "tool_result":
				content = append(content, anthropic.NewToolResultBlock(b.ID, b.Content, b.IsError))
			}
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("provider: invalid schema for tool %s: %w", t.Name, err)
		}
		tp := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if tp.OfTool == nil {
			return nil, fmt.Errorf("provider: tool %s produced no tool definition", t.Name)
		}
		tp.OfTool.Description = anthropic.String(t.Description)
		out = append(out, tp)
	}
	return out, nil
}

// Stream opens a streaming completion call. One retry is attempted if
// stream creation fails with a retryable status; all other failures
// return immediately.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	metrics.ProviderCalls.WithLabelValues("stream").Inc()
	events := make(chan Event)
	newStream := func() *anthropicStream { return p.client.Messages.NewStreaming(ctx, params) }
	go processStream(ctx, newStream, p.retryDelay, events)
	return events, nil
}

// maxEmptyStreamEvents protects against a malformed stream that
// floods with events carrying no actionable content.
const maxEmptyStreamEvents = 300

// processStream drains newStream()'s events into events. If the very
// first Next() call fails with a retryable error (no event has been
// delivered to the caller yet, so no partial turn is at risk), it
// reconnects exactly once; any later failure, or a non-retryable
// first failure, is reported as-is.
func processStream(ctx context.Context, newStream func() *anthropicStream, retryDelay time.Duration, events chan<- Event) {
	defer close(events)

	stream := newStream()
	hasFirst := stream.Next()
	if !hasFirst {
		if err := stream.Err(); err != nil && isRetryable(err) {
			select {
			case <-ctx.Done():
				events <- Event{Type: EventError, Err: ctx.Err()}
				return
			case <-time.After(retryDelay):
			}
			stream = newStream()
			hasFirst = stream.Next()
		}
	}

	d := &drainer{events: events}
	if hasFirst {
		if d.handle(stream.Current()) {
			return
		}
	}
	for stream.Next() {
		if d.handle(stream.Current()) {
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- Event{Type: EventError, Err: wrapError(err)}
	}
}

// drainer holds the cross-event accumulation state (the tool_use
// block currently being assembled, usage totals, the malformed-stream
// counter) so processStream can feed it events one at a time whether
// they came from the priming Next() call or the main loop.
type drainer struct {
	events chan<- Event

	toolID, toolName string
	toolInput        strings.Builder
	inToolUse        bool
	empty            int
	usage            store.TokenUsage
}

// handle processes one stream event and returns true if the stream
// should stop (message_stop, error, or malformed-stream trip).
func (d *drainer) handle(event anthropic.MessageStreamEventUnion) bool {
	processed := false

	switch event.Type {
	case "message_start":
		ms := event.AsMessageStart()
		d.usage.InputTokens = int(ms.Message.Usage.InputTokens)
		processed = true

	case "content_block_start":
		cbs := event.AsContentBlockStart()
		if cbs.ContentBlock.Type == "tool_use" {
			tu := cbs.ContentBlock.AsToolUse()
			d.toolID, d.toolName = tu.ID, tu.Name
			d.toolInput.Reset()
			d.inToolUse = true
			processed = true
		}

	case "content_block_delta":
		delta := event.AsContentBlockDelta().Delta
		switch delta.Type {
		case "text_delta":
			if delta.Text != "" {
				d.events <- Event{Type: EventTextDelta, TextDelta: delta.Text}
				processed = true
			}
		case "input_json_delta":
			if delta.PartialJSON != "" {
				d.toolInput.WriteString(delta.PartialJSON)
				processed = true
			}
		}

	case "content_block_stop":
		if d.inToolUse {
			raw := d.toolInput.String()
			if raw == "" {
				raw = "{}"
			}
			d.events <- Event{Type: EventToolUse, ToolUse: &ToolUseRequest{
				ID: d.toolID, Name: d.toolName, Input: json.RawMessage(raw),
			}}
			d.inToolUse = false
			processed = true
		}

	case "message_delta":
		md := event.AsMessageDelta()
		if md.Usage.OutputTokens > 0 {
			d.usage.OutputTokens = int(md.Usage.OutputTokens)
		}
		processed = true

	case "message_stop":
		d.events <- Event{Type: EventMessageStop, Usage: d.usage}
		return true

	case "error":
		d.events <- Event{Type: EventError, Err: errors.New("provider: stream error event")}
		return true
	}

	if processed {
		d.empty = 0
		return false
	}
	d.empty++
	if d.empty >= maxEmptyStreamEvents {
		d.events <- Event{Type: EventError, Err: fmt.Errorf("provider: stream appears malformed after %d empty events", d.empty)}
		return true
	}
	return false
}

// Complete runs a single non-streaming completion and concatenates
// the reply's text blocks. Used by compaction, memory extraction, and
// the heartbeat runner — all cheap-tier, non-interactive calls that
// don't need incremental delivery.
func (p *AnthropicProvider) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(model)),
		MaxTokens: maxTokens(0),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt))},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: systemPrompt}}
	}

	metrics.ProviderCalls.WithLabelValues("complete").Inc()
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		if isRetryable(err) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(p.retryDelay):
			}
			msg, err = p.client.Messages.New(ctx, params)
		}
		if err != nil {
			return "", wrapError(err)
		}
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	return sb.String(), nil
}

// isRetryable classifies an error as transient: HTTP
// 429, 500, 503, or 529.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return retryableStatus[apiErr.StatusCode]
	}
	msg := err.Error()
	for code := range retryableStatus {
		if strings.Contains(msg, strconv.Itoa(code)) {
			return true
		}
	}
	return false
}

func wrapError(err error) error {
	status := 0
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return &blufioerr.ProviderError{StatusCode: status, Retryable: isRetryable(err), Err: err}
}

// anthropicStream is the concrete SSE stream type returned by
// client.Messages.NewStreaming, aliased so the rest of this file does
// not repeat the generic instantiation.
type anthropicStream = ssestream.Stream[anthropic.MessageStreamEventUnion]
