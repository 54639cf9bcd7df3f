package context

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blufio/blufio/internal/memory"
	"github.com/blufio/blufio/internal/provider"
	"github.com/blufio/blufio/internal/store"
)

type fakeMessages struct {
	history  []*store.Message
	appended []*store.Message
}

func (f *fakeMessages) SessionMessages(context.Context, string) ([]*store.Message, error) {
	return f.history, nil
}

func (f *fakeMessages) AppendMessage(_ context.Context, sessionID string, role store.MessageRole, content string, outputTokens *int, metadata string) (*store.Message, error) {
	m := &store.Message{SessionID: sessionID, Role: role, Content: content, CreatedAt: time.Now().UTC()}
	f.appended = append(f.appended, m)
	return m, nil
}

type fakeCompleter struct {
	calls   int
	summary string
}

func (f *fakeCompleter) Complete(context.Context, string, string, string) (string, error) {
	f.calls++
	return f.summary, nil
}

type fakeRetriever struct{ results []memory.SearchResult }

func (f *fakeRetriever) Retrieve(context.Context, string) ([]memory.SearchResult, error) {
	return f.results, nil
}

func turn(role store.MessageRole, content string) *store.Message {
	return &store.Message{Role: role, Content: content, CreatedAt: time.Now().UTC()}
}

func TestAssembleShortHistoryVerbatim(t *testing.T) {
	msgs := &fakeMessages{history: []*store.Message{
		turn(store.RoleUser, "hello"),
		turn(store.RoleAssistant, "hi there"),
	}}
	e := New(Config{ContextBudget: 1000, CompactionThreshold: 0.75}, msgs, &fakeCompleter{}, nil, nil)

	req, usage, err := e.Assemble(context.Background(), "s1", "model-x", 4096, "how are you?")
	require.NoError(t, err)
	require.False(t, usage.Ran)
	require.Len(t, req.Messages, 3)
	require.Equal(t, "model-x", req.Model)
	require.Equal(t, provider.RoleUser, req.Messages[2].Role)
	require.Equal(t, "how are you?", req.Messages[2].Blocks[0].Text)
	require.Empty(t, msgs.appended)
}

func TestAssembleTriggersCompaction(t *testing.T) {
	long := strings.Repeat("a detailed discussion of project architecture ", 20)
	history := make([]*store.Message, 0, 8)
	for i := 0; i < 4; i++ {
		history = append(history, turn(store.RoleUser, long), turn(store.RoleAssistant, long))
	}
	msgs := &fakeMessages{history: history}
	completer := &fakeCompleter{summary: "They discussed the architecture."}

	// Budget small enough that the history estimate clears the trigger.
	e := New(Config{ContextBudget: 100, CompactionThreshold: 0.75, CompactionModel: "cheap-model"}, msgs, completer, nil, nil)

	req, usage, err := e.Assemble(context.Background(), "s1", "model-x", 4096, "and next?")
	require.NoError(t, err)
	require.True(t, usage.Ran)
	require.Equal(t, "cheap-model", usage.Model)
	require.Positive(t, usage.Usage.InputTokens)
	require.Equal(t, 1, completer.calls)

	// Summary persisted as a synthetic system-role message.
	require.Len(t, msgs.appended, 1)
	require.Equal(t, store.RoleSystem, msgs.appended[0].Role)
	require.Equal(t, "They discussed the architecture.", msgs.appended[0].Content)

	// Zone shape: [summary, ...recent half..., current inbound].
	require.Contains(t, req.Messages[0].Blocks[0].Text, "They discussed the architecture.")
	require.Len(t, req.Messages, 1+len(history)/2+1)
	require.Equal(t, "and next?", req.Messages[len(req.Messages)-1].Blocks[0].Text)
}

func TestAssembleSkipsCompactionForTinyHistory(t *testing.T) {
	// Over-threshold estimate but only two messages: no compaction.
	long := strings.Repeat("x", 2000)
	msgs := &fakeMessages{history: []*store.Message{
		turn(store.RoleUser, long),
		turn(store.RoleAssistant, long),
	}}
	completer := &fakeCompleter{summary: "unused"}
	e := New(Config{ContextBudget: 100, CompactionThreshold: 0.75}, msgs, completer, nil, nil)

	_, usage, err := e.Assemble(context.Background(), "s1", "model-x", 4096, "ok")
	require.NoError(t, err)
	require.False(t, usage.Ran)
	require.Zero(t, completer.calls)
}

func TestAssembleIncludesMemoryBlock(t *testing.T) {
	msgs := &fakeMessages{}
	retriever := &fakeRetriever{results: []memory.SearchResult{
		{Memory: &store.Memory{Content: "the user's name is Sam"}, Score: 0.9},
	}}
	e := New(Config{ContextBudget: 1000}, msgs, &fakeCompleter{}, retriever, nil)

	req, _, err := e.Assemble(context.Background(), "s1", "model-x", 4096, "what's my name?")
	require.NoError(t, err)
	require.Contains(t, req.System, "the user's name is Sam")
}

func TestSystemPromptResolutionOrder(t *testing.T) {
	e := New(Config{SystemPromptInline: "inline prompt"}, &fakeMessages{}, &fakeCompleter{}, nil, nil)
	req, _, err := e.Assemble(context.Background(), "s1", "m", 100, "hi")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(req.System, "inline prompt"))

	e = New(Config{}, &fakeMessages{}, &fakeCompleter{}, nil, nil)
	req, _, err = e.Assemble(context.Background(), "s1", "m", 100, "hi")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(req.System, defaultSystemPrompt))
}
