package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blufio/blufio/internal/blufioerr"
	"github.com/blufio/blufio/internal/channel"
	ctxengine "github.com/blufio/blufio/internal/context"
	"github.com/blufio/blufio/internal/provider"
	"github.com/blufio/blufio/internal/session"
	"github.com/blufio/blufio/internal/store"
)

// --- scheduler.Store fake ---

type fakeSchedStore struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
}

func newFakeSchedStore() *fakeSchedStore {
	return &fakeSchedStore{sessions: make(map[string]*store.Session)}
}

func (f *fakeSchedStore) FindActiveSession(_ context.Context, ch, userTag string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[ch+"|"+userTag]; ok {
		return s, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeSchedStore) CreateSession(_ context.Context, ch, userTag string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &store.Session{ID: ch + "-" + userTag + "-sess", Channel: ch, UserTag: userTag, State: store.SessionActive}
	f.sessions[ch+"|"+userTag] = s
	return s, nil
}

func (f *fakeSchedStore) InterruptDanglingSessions(context.Context) (int64, error) { return 0, nil }

// --- channel adapter fake ---

type fakeAdapter struct {
	name         string
	in           chan channel.InboundMessage
	supportsEdit bool

	mu   sync.Mutex
	sent []channel.OutboundMessage
}

func newFakeAdapter(name string, supportsEdit bool) *fakeAdapter {
	return &fakeAdapter{name: name, in: make(chan channel.InboundMessage, 4), supportsEdit: supportsEdit}
}

func (f *fakeAdapter) Name() string                            { return f.name }
func (f *fakeAdapter) Messages() <-chan channel.InboundMessage { return f.in }
func (f *fakeAdapter) SupportsEdit() bool                      { return f.supportsEdit }
func (f *fakeAdapter) Send(_ context.Context, msg channel.OutboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return "msg-1", nil
}

func (f *fakeAdapter) sentSnapshot() []channel.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]channel.OutboundMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// --- session.Actor dependency fakes (mirroring internal/session's own
// test fakes, duplicated here since they are unexported there) ---

type fakeActorStore struct {
	mu       sync.Mutex
	messages []*store.Message
}

func (f *fakeActorStore) AppendMessage(_ context.Context, sessionID string, role store.MessageRole, content string, outputTokens *int, metadata string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &store.Message{SessionID: sessionID, Role: role, Content: content, OutputToken: outputTokens, Metadata: metadata, CreatedAt: time.Now().UTC()}
	f.messages = append(f.messages, m)
	return m, nil
}

func (f *fakeActorStore) SessionMessages(context.Context, string) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages, nil
}

type fakeActorBudget struct{ exhausted bool }

func (f *fakeActorBudget) CheckBudget() error {
	if f.exhausted {
		return &blufioerr.BudgetExhaustedError{Message: "Daily budget of $0.00 exceeded; resets at midnight UTC."}
	}
	return nil
}
func (f *fakeActorBudget) RecordCost(float64)   {}
func (f *fakeActorBudget) Utilization() float64 { return 0 }

type fakeActorLedger struct{}

func (fakeActorLedger) Record(_ context.Context, _ string, _ string, _ store.FeatureType, _ store.TokenUsage, _ float64) (*store.CostRecord, error) {
	return &store.CostRecord{}, nil
}

type fakeActorEngine struct{}

func (fakeActorEngine) Assemble(_ context.Context, _ string, model string, maxTokens int, inbound string) (provider.Request, ctxengine.CompactionUsage, error) {
	return provider.Request{Model: model, MaxTokens: maxTokens, Messages: []provider.Message{provider.UserText(inbound)}}, ctxengine.CompactionUsage{}, nil
}

type fakeActorProvider struct{ reply string }

func (f *fakeActorProvider) Stream(context.Context, provider.Request) (<-chan provider.Event, error) {
	reply := f.reply
	if reply == "" {
		reply = "Hello from Blufio!"
	}
	ch := make(chan provider.Event, 4)
	ch <- provider.Event{Type: provider.EventTextDelta, TextDelta: reply}
	ch <- provider.Event{Type: provider.EventMessageStop, Usage: store.TokenUsage{InputTokens: 10, OutputTokens: 5}}
	close(ch)
	return ch, nil
}

type fakeActorTools struct{}

func (fakeActorTools) Invoke(context.Context, string, json.RawMessage) session.ToolResult {
	return session.ToolResult{Content: "ok"}
}

func newFakeFactory(budgetExhausted bool) ActorFactory {
	return func(sessionID, channelName, userTag string) *session.Actor {
		return session.New(sessionID, channelName, userTag,
			&fakeActorStore{}, fakeActorLedger{}, &fakeActorBudget{exhausted: budgetExhausted}, fakeActorEngine{},
			&fakeActorProvider{}, fakeActorTools{}, nil, session.Config{}, nil)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSchedulerDispatchesAndSendsOnceWithoutEditSupport(t *testing.T) {
	st := newFakeSchedStore()
	registry := channel.NewRegistry()
	adapter := newFakeAdapter("test", false)
	registry.Register(adapter)

	sch := New(st, registry, newFakeFactory(false), 10*time.Millisecond, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sch.Run(ctx)

	adapter.in <- channel.InboundMessage{Channel: "test", Sender: "user-1", Text: "Hi there"}

	waitFor(t, time.Second, func() bool { return len(adapter.sentSnapshot()) > 0 })

	sent := adapter.sentSnapshot()
	require.Len(t, sent, 1)
	require.Equal(t, "Hello from Blufio!", sent[0].Text)
	require.True(t, sent[0].Final)
}

func TestSchedulerConvertsBudgetExhaustedIntoOutboundNotification(t *testing.T) {
	st := newFakeSchedStore()
	registry := channel.NewRegistry()
	adapter := newFakeAdapter("test", false)
	registry.Register(adapter)

	sch := New(st, registry, newFakeFactory(true), 10*time.Millisecond, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sch.Run(ctx)

	adapter.in <- channel.InboundMessage{Channel: "test", Sender: "user-1", Text: "Hi there"}

	waitFor(t, time.Second, func() bool { return len(adapter.sentSnapshot()) > 0 })

	sent := adapter.sentSnapshot()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Text, "Daily budget")
}

func TestSchedulerReusesSameActorForSameSender(t *testing.T) {
	st := newFakeSchedStore()
	registry := channel.NewRegistry()
	adapter := newFakeAdapter("test", false)
	registry.Register(adapter)

	sch := New(st, registry, newFakeFactory(false), 10*time.Millisecond, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sch.Run(ctx)

	adapter.in <- channel.InboundMessage{Channel: "test", Sender: "user-1", Text: "first"}
	waitFor(t, time.Second, func() bool { return len(adapter.sentSnapshot()) == 1 })

	adapter.in <- channel.InboundMessage{Channel: "test", Sender: "user-1", Text: "second"}
	waitFor(t, time.Second, func() bool { return len(adapter.sentSnapshot()) == 2 })

	require.Len(t, st.sessions, 1)
}
