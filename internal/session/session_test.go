package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ctxengine "github.com/blufio/blufio/internal/context"
	"github.com/blufio/blufio/internal/provider"
	"github.com/blufio/blufio/internal/router"
	"github.com/blufio/blufio/internal/store"
)

type fakeStore struct {
	messages []*store.Message
}

func (f *fakeStore) AppendMessage(_ context.Context, sessionID string, role store.MessageRole, content string, outputTokens *int, metadata string) (*store.Message, error) {
	m := &store.Message{SessionID: sessionID, Role: role, Content: content, OutputToken: outputTokens, Metadata: metadata, CreatedAt: time.Now().UTC()}
	f.messages = append(f.messages, m)
	return m, nil
}

func (f *fakeStore) SessionMessages(context.Context, string) ([]*store.Message, error) {
	return f.messages, nil
}

type fakeBudget struct{ exhausted bool }

func (f *fakeBudget) CheckBudget() error {
	if f.exhausted {
		return &budgetExhaustedStub{}
	}
	return nil
}
func (f *fakeBudget) RecordCost(float64)   {}
func (f *fakeBudget) Utilization() float64 { return 0 }

// budgetExhaustedStub avoids importing blufioerr just to construct the
// same error shape in this package's own test; the real package is
// exercised via ExhaustedUserMessage in the scheduler tests instead.
type budgetExhaustedStub struct{}

func (e *budgetExhaustedStub) Error() string { return "budget exhausted" }

type fakeLedger struct{ records []store.FeatureType }

func (f *fakeLedger) Record(_ context.Context, _ string, _ string, feature store.FeatureType, _ store.TokenUsage, _ float64) (*store.CostRecord, error) {
	f.records = append(f.records, feature)
	return &store.CostRecord{}, nil
}

type fakeEngine struct{}

func (fakeEngine) Assemble(_ context.Context, _ string, model string, maxTokens int, inbound string) (provider.Request, ctxengine.CompactionUsage, error) {
	return provider.Request{Model: model, MaxTokens: maxTokens, Messages: []provider.Message{provider.UserText(inbound)}}, ctxengine.CompactionUsage{}, nil
}

type fakeProvider struct{ replies []string }

func (f *fakeProvider) Stream(context.Context, provider.Request) (<-chan provider.Event, error) {
	ch := make(chan provider.Event, 4)
	reply := "Hello from Blufio!"
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	ch <- provider.Event{Type: provider.EventTextDelta, TextDelta: reply}
	ch <- provider.Event{Type: provider.EventMessageStop, Usage: store.TokenUsage{InputTokens: 10, OutputTokens: 5}}
	close(ch)
	return ch, nil
}

type fakeTools struct{}

func (fakeTools) Invoke(context.Context, string, json.RawMessage) ToolResult {
	return ToolResult{Content: "ok"}
}

func newTestActor(t *testing.T, budget Budget) (*Actor, *fakeStore, *fakeLedger) {
	t.Helper()
	s := &fakeStore{}
	l := &fakeLedger{}
	a := New("sess-1", "test", "user-1", s, l, budget, fakeEngine{}, &fakeProvider{}, fakeTools{}, nil, Config{Router: router.Config{}}, nil)
	return a, s, l
}

func TestHandleMessageHappyPath(t *testing.T) {
	a, s, l := newTestActor(t, &fakeBudget{})

	var finalChunks int
	text, err := a.HandleMessage(context.Background(), "Hi there", func(c Chunk) {
		if c.Final {
			finalChunks++
		}
	})
	require.NoError(t, err)
	require.Equal(t, "Hello from Blufio!", text)
	require.Equal(t, 1, finalChunks)

	require.Len(t, s.messages, 2)
	require.Equal(t, store.RoleUser, s.messages[0].Role)
	require.Equal(t, "Hi there", s.messages[0].Content)
	require.Equal(t, store.RoleAssistant, s.messages[1].Role)
	require.Equal(t, "Hello from Blufio!", s.messages[1].Content)

	require.Len(t, l.records, 1)
	require.Equal(t, store.FeatureMessage, l.records[0])

	require.Equal(t, StateIdle, a.State())
}

func TestHandleMessageBudgetExhausted(t *testing.T) {
	a, _, l := newTestActor(t, &fakeBudget{exhausted: true})

	_, err := a.HandleMessage(context.Background(), "Hi there", func(Chunk) {})
	require.Error(t, err)
	require.Empty(t, l.records)
	require.Equal(t, StateIdle, a.State())
}

func TestModelOverrideStrippedBeforePersist(t *testing.T) {
	a, s, _ := newTestActor(t, &fakeBudget{})

	_, err := a.HandleMessage(context.Background(), "/opus analyze this", func(Chunk) {})
	require.NoError(t, err)
	require.Equal(t, "analyze this", s.messages[0].Content)
}
