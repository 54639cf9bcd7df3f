package delegation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blufio/blufio/internal/config"
	ctxengine "github.com/blufio/blufio/internal/context"
	"github.com/blufio/blufio/internal/provider"
	"github.com/blufio/blufio/internal/session"
	"github.com/blufio/blufio/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions int
	messages []*store.Message
}

func (f *fakeStore) CreateSession(context.Context, string, string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return &store.Session{ID: "ephemeral-session", State: store.SessionActive}, nil
}

func (f *fakeStore) AppendMessage(_ context.Context, sessionID string, role store.MessageRole, content string, outputTokens *int, metadata string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &store.Message{SessionID: sessionID, Role: role, Content: content, CreatedAt: time.Now().UTC()}
	f.messages = append(f.messages, m)
	return m, nil
}

func (f *fakeStore) SessionMessages(context.Context, string) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages, nil
}

type fakeBudget struct{}

func (fakeBudget) CheckBudget() error   { return nil }
func (fakeBudget) RecordCost(float64)   {}
func (fakeBudget) Utilization() float64 { return 0 }

type fakeLedger struct{}

func (fakeLedger) Record(context.Context, string, string, store.FeatureType, store.TokenUsage, float64) (*store.CostRecord, error) {
	return &store.CostRecord{}, nil
}

type fakeEngine struct{ systemPrompt string }

func (f fakeEngine) Assemble(_ context.Context, _ string, model string, maxTokens int, inbound string) (provider.Request, ctxengine.CompactionUsage, error) {
	return provider.Request{Model: model, MaxTokens: maxTokens, System: f.systemPrompt, Messages: []provider.Message{provider.UserText(inbound)}}, ctxengine.CompactionUsage{}, nil
}

type fakeProvider struct {
	reply string
	delay time.Duration
}

func (f *fakeProvider) Stream(ctx context.Context, _ provider.Request) (<-chan provider.Event, error) {
	ch := make(chan provider.Event, 4)
	go func() {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				close(ch)
				return
			}
		}
		reply := f.reply
		if reply == "" {
			reply = "specialist result"
		}
		ch <- provider.Event{Type: provider.EventTextDelta, TextDelta: reply}
		ch <- provider.Event{Type: provider.EventMessageStop, Usage: store.TokenUsage{InputTokens: 1, OutputTokens: 1}}
		close(ch)
	}()
	return ch, nil
}

func newTestRouter(t *testing.T, prov session.Provider, timeoutSecs int) (*Router, *fakeStore) {
	t.Helper()
	st := &fakeStore{}
	agents := []config.SpecialistAgent{
		{Name: "summarizer", SystemPrompt: "You are a summarization specialist.", Model: "claude-sonnet-4-20250514"},
		{Name: "coder", SystemPrompt: "You are a coding specialist.", Model: "claude-sonnet-4-20250514"},
	}
	factory := func(systemPrompt string) session.ContextEngine { return fakeEngine{systemPrompt: systemPrompt} }
	r, err := New(agents, st, fakeBudget{}, fakeLedger{}, prov, factory, timeoutSecs, nil)
	require.NoError(t, err)
	return r, st
}

func TestDelegateReturnsSpecialistResponse(t *testing.T) {
	r, st := newTestRouter(t, &fakeProvider{reply: "specialist result"}, 5)

	result, err := r.Delegate(context.Background(), "summarizer", "summarize this", "some text")
	require.NoError(t, err)
	require.Equal(t, "specialist result", result)
	require.Equal(t, 1, st.sessions)
}

func TestDelegateUnknownAgentReturnsError(t *testing.T) {
	r, _ := newTestRouter(t, &fakeProvider{}, 5)

	_, err := r.Delegate(context.Background(), "nonexistent", "task", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown specialist agent")
}

func TestDelegateTimeoutReturnsError(t *testing.T) {
	r, _ := newTestRouter(t, &fakeProvider{delay: 200 * time.Millisecond}, 0)
	// New clamps a non-positive timeout to 60s; override it directly to
	// keep this test fast.
	r.timeout = 20 * time.Millisecond

	_, err := r.Delegate(context.Background(), "summarizer", "be slow", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
}

func TestDelegationEnvelopeTamperInvalidatesSignature(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	msg := NewRequest("primary", "specialist", "task1", "context1")
	signed, err := Sign(msg, kp.Private)
	require.NoError(t, err)
	require.NoError(t, signed.Verify(kp.Public))

	signed.Message.Content = "tampered"
	err = signed.Verify(kp.Public)
	require.Error(t, err)
}

func TestAgentNamesAndPrimaryKey(t *testing.T) {
	r, _ := newTestRouter(t, &fakeProvider{}, 5)
	require.Len(t, r.AgentNames(), 2)
	require.NotEmpty(t, r.PrimaryPublicKeyHex())
}
