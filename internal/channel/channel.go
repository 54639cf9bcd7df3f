// Package channel defines the adapter contract the Session Scheduler
// multiplexes over: anything that can identify itself, optionally
// receive inbound messages, optionally send outbound ones, and
// optionally start/stop/report health.
package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// InboundMessage is one message arriving from a channel adapter, bound
// for the Session Scheduler.
type InboundMessage struct {
	Channel string
	Sender  string
	Text    string
	// Metadata is an opaque JSON object. The Registry stamps a
	// source_channel key into it during aggregation, so downstream
	// consumers can recover the origin even after the message leaves
	// the typed struct.
	Metadata string
}

// OutboundMessage is a chunk of assistant output bound for delivery on
// a channel, addressed back to the originating sender.
type OutboundMessage struct {
	Channel string
	Sender  string
	Text    string
	// Final marks the last chunk of a reply, so edit-in-place adapters
	// know to stop throttled-ticking and commit the final edit.
	Final bool
	// EditOf, when non-empty, asks an edit-capable adapter to edit a
	// previously sent message rather than send a new one.
	EditOf string
}

// Adapter is the minimal contract every channel connector satisfies.
type Adapter interface {
	Name() string
}

// LifecycleAdapter represents adapters that can start and stop.
type LifecycleAdapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// OutboundAdapter represents adapters that can deliver outbound
// messages. SupportsEdit reports whether Send with a non-empty EditOf
// performs an in-place edit instead of a new send.
type OutboundAdapter interface {
	Send(ctx context.Context, msg OutboundMessage) (messageID string, err error)
	SupportsEdit() bool
}

// InboundAdapter represents adapters that emit inbound messages.
type InboundAdapter interface {
	Messages() <-chan InboundMessage
}

// TypingAdapter represents adapters that can surface a typing
// indicator to the recipient before a reply or proactive check-in is
// delivered.
type TypingAdapter interface {
	SendTyping(ctx context.Context, recipient string) error
}

// HealthAdapter represents adapters that expose health information.
type HealthAdapter interface {
	HealthCheck(ctx context.Context) HealthStatus
}

// HealthStatus is one adapter's point-in-time health snapshot.
type HealthStatus struct {
	Healthy   bool
	Message   string
	LastCheck time.Time
}

// Registry aggregates many adapters into one inbound stream and routes
// outbound sends by channel name.
type Registry struct {
	mu        sync.RWMutex
	adapters  map[string]Adapter
	inbound   map[string]InboundAdapter
	outbound  map[string]OutboundAdapter
	lifecycle map[string]LifecycleAdapter
	health    map[string]HealthAdapter
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters:  make(map[string]Adapter),
		inbound:   make(map[string]InboundAdapter),
		outbound:  make(map[string]OutboundAdapter),
		lifecycle: make(map[string]LifecycleAdapter),
		health:    make(map[string]HealthAdapter),
	}
}

// Register adds an adapter, indexing it under every optional
// capability interface it also implements.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	r.adapters[name] = a

	if in, ok := a.(InboundAdapter); ok {
		r.inbound[name] = in
	}
	if out, ok := a.(OutboundAdapter); ok {
		r.outbound[name] = out
	}
	if lc, ok := a.(LifecycleAdapter); ok {
		r.lifecycle[name] = lc
	}
	if h, ok := a.(HealthAdapter); ok {
		r.health[name] = h
	}
}

// Outbound returns the registered OutboundAdapter for channel, if any.
func (r *Registry) Outbound(channel string) (OutboundAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.outbound[channel]
	return a, ok
}

// HealthAdapters returns a snapshot of all registered health adapters.
func (r *Registry) HealthAdapters() map[string]HealthAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HealthAdapter, len(r.health))
	for k, v := range r.health {
		out[k] = v
	}
	return out
}

// StartAll starts every lifecycle-capable adapter, stopping already-
// started ones and returning the first error encountered.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	started := make([]LifecycleAdapter, 0, len(r.lifecycle))
	for _, a := range r.lifecycle {
		if err := a.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return err
		}
		started = append(started, a)
	}
	return nil
}

// StopAll stops every lifecycle-capable adapter and returns the last
// error encountered, continuing to stop the rest regardless.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var lastErr error
	for _, a := range r.lifecycle {
		if err := a.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// AggregateMessages fans all registered inbound adapters into a single
// channel, closed once ctx is cancelled and every adapter's channel has
// drained.
func (r *Registry) AggregateMessages(ctx context.Context) <-chan InboundMessage {
	r.mu.RLock()
	inbound := make([]InboundAdapter, 0, len(r.inbound))
	for _, a := range r.inbound {
		inbound = append(inbound, a)
	}
	r.mu.RUnlock()

	out := make(chan InboundMessage)
	var wg sync.WaitGroup
	for _, a := range inbound {
		wg.Add(1)
		go func(a InboundAdapter) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-a.Messages():
					if !ok {
						return
					}
					msg.Metadata = tagSourceChannel(msg.Metadata, msg.Channel)
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(a)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// tagSourceChannel merges a source_channel key into the message's
// metadata JSON, preserving any keys the adapter already set.
func tagSourceChannel(metadata, channelName string) string {
	m := map[string]any{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &m); err != nil {
			m = map[string]any{}
		}
	}
	m["source_channel"] = channelName
	out, err := json.Marshal(m)
	if err != nil {
		return metadata
	}
	return string(out)
}
