// Package scheduler implements the Session Scheduler: it owns a map
// from (channel, sender) to a running Session Actor, fans inbound
// messages from the Channel Multiplexer to the right actor, streams
// chunks back out, and drains actors on shutdown.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/blufio/blufio/internal/channel"
	"github.com/blufio/blufio/internal/metrics"
	"github.com/blufio/blufio/internal/session"
	"github.com/blufio/blufio/internal/store"
)

// PendingCheckins is implemented by the heartbeat runner's
// on_next_message delivery path: a queued proactive check-in for
// (channel, sender) is surfaced just before the reply to their next
// inbound message.
type PendingCheckins interface {
	TakePending(ctx context.Context, channelName, sender string) (string, bool)
}

// defaultEditInterval throttles edit-in-place updates so a streaming
// reply does not issue one outbound edit per text delta.
const defaultEditInterval = 700 * time.Millisecond

// defaultDrainDeadline bounds how long Shutdown waits for in-flight
// actors to finish their current turn.
const defaultDrainDeadline = 30 * time.Second

// Store is the subset of store.Store the scheduler needs to resolve
// or create a session row for an inbound (channel, sender) pair, and
// to mark sessions left active by a prior crashed run.
type Store interface {
	FindActiveSession(ctx context.Context, channel, userTag string) (*store.Session, error)
	CreateSession(ctx context.Context, channel, userTag string) (*store.Session, error)
	InterruptDanglingSessions(ctx context.Context) (int64, error)
}

// ActorFactory builds a new Session Actor for a resolved session. The
// scheduler itself is agnostic to what a session needs (store, budget,
// provider, …) — the caller supplies a closure over those dependencies
// at composition time.
type ActorFactory func(sessionID, channelName, userTag string) *session.Actor

type sessionKey struct {
	Channel string
	Sender  string
}

type actorHandle struct {
	actor *session.Actor
	inbox chan job
}

type job struct {
	msg  channel.InboundMessage
	done chan struct{}
}

// Scheduler is the Session Scheduler.
type Scheduler struct {
	store    Store
	channels *channel.Registry
	newActor ActorFactory
	logger   *slog.Logger

	editInterval  time.Duration
	drainDeadline time.Duration

	pending PendingCheckins // nil unless heartbeat delivery is on_next_message

	mu       sync.Mutex
	handles  map[sessionKey]*actorHandle
	draining bool
}

// SetPendingCheckins installs the deferred-delivery source consulted
// before each inbound message is processed. Call before Run.
func (s *Scheduler) SetPendingCheckins(p PendingCheckins) { s.pending = p }

// New constructs a Scheduler. editInterval and drainDeadline default
// to reasonable values when zero.
func New(st Store, channels *channel.Registry, factory ActorFactory, editInterval, drainDeadline time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if editInterval <= 0 {
		editInterval = defaultEditInterval
	}
	if drainDeadline <= 0 {
		drainDeadline = defaultDrainDeadline
	}
	return &Scheduler{
		store:         st,
		channels:      channels,
		newActor:      factory,
		logger:        logger,
		editInterval:  editInterval,
		drainDeadline: drainDeadline,
		handles:       make(map[sessionKey]*actorHandle),
	}
}

// Run drives the main receive loop: it blocks consuming aggregated
// inbound messages until ctx is cancelled or the multiplexer's
// aggregated channel closes, then drains and returns. A per-inbound
// handler error is logged and never kills the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if n, err := s.store.InterruptDanglingSessions(ctx); err != nil {
		s.logger.Error("failed to interrupt dangling sessions", "error", err)
	} else if n > 0 {
		s.logger.Info("interrupted dangling sessions from a prior run", "count", n)
	}

	inbound := s.channels.AggregateMessages(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Shutdown(context.Background())
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				s.Shutdown(context.Background())
				return nil
			}
			s.dispatch(ctx, msg)
		}
	}
}

// dispatch resolves the target actor and hands it the message,
// without blocking the main receive loop on that actor's own
// processing time: distinct sessions progress in parallel, while a
// single actor still only ever processes one message at a time via
// its own inbox goroutine.
func (s *Scheduler) dispatch(ctx context.Context, msg channel.InboundMessage) {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		s.logger.Warn("dropping inbound message while draining", "channel", msg.Channel)
		return
	}

	go func() {
		h, err := s.resolveHandle(ctx, msg)
		if err != nil {
			s.logger.Error("failed to resolve session for inbound message", "error", err, "channel", msg.Channel, "sender", msg.Sender)
			return
		}

		done := make(chan struct{})
		select {
		case h.inbox <- job{msg: msg, done: done}:
		case <-ctx.Done():
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
		}
	}()
}

// resolveHandle returns the in-memory actor handle for (channel,
// sender), creating both the Store-backed session row (resuming an
// existing Active one if present) and its actor handle on first use.
func (s *Scheduler) resolveHandle(ctx context.Context, msg channel.InboundMessage) (*actorHandle, error) {
	key := sessionKey{Channel: msg.Channel, Sender: msg.Sender}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[key]; ok {
		return h, nil
	}

	sess, err := s.store.FindActiveSession(ctx, msg.Channel, msg.Sender)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if sess == nil {
		sess, err = s.store.CreateSession(ctx, msg.Channel, msg.Sender)
		if err != nil {
			return nil, err
		}
	}

	h := &actorHandle{
		actor: s.newActor(sess.ID, msg.Channel, msg.Sender),
		inbox: make(chan job, 8),
	}
	s.handles[key] = h
	go s.runActor(ctx, h)
	return h, nil
}

// runActor is the one goroutine permitted to call HandleMessage on
// h.actor, serializing processing within a single session.
func (s *Scheduler) runActor(ctx context.Context, h *actorHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-h.inbox:
			if !ok {
				return
			}
			s.process(ctx, h, j.msg)
			close(j.done)
		}
	}
}

// process runs one inbound message through the actor, streaming
// chunks to the originating channel's outbound adapter and turning a
// BudgetExhausted error into a user-visible notification rather than
// an error log.
func (s *Scheduler) process(ctx context.Context, h *actorHandle, msg channel.InboundMessage) {
	metrics.InboundMessages.WithLabelValues(msg.Channel).Inc()
	outbound, hasOutbound := s.channels.Outbound(msg.Channel)

	if s.pending != nil && hasOutbound {
		if text, ok := s.pending.TakePending(ctx, msg.Channel, msg.Sender); ok {
			if _, err := outbound.Send(ctx, channel.OutboundMessage{Channel: msg.Channel, Sender: msg.Sender, Text: text, Final: true}); err != nil {
				s.logger.Error("failed to deliver pending check-in", "error", err, "channel", msg.Channel)
			}
		}
	}

	st := &streamer{
		ctx:          ctx,
		outbound:     outbound,
		hasOutbound:  hasOutbound,
		msg:          msg,
		editInterval: s.editInterval,
	}

	_, err := h.actor.HandleMessage(ctx, msg.Text, st.onChunk)
	if err != nil {
		if userMsg, ok := session.ExhaustedUserMessage(err); ok {
			metrics.BudgetDenials.Inc()
			if hasOutbound {
				if _, sendErr := outbound.Send(ctx, channel.OutboundMessage{Channel: msg.Channel, Sender: msg.Sender, Text: userMsg, Final: true}); sendErr != nil {
					s.logger.Error("failed to deliver budget-exhausted notification", "error", sendErr, "channel", msg.Channel)
				}
			}
			return
		}
		s.logger.Error("inbound message handling failed", "error", err, "channel", msg.Channel, "sender", msg.Sender)
	}
}

// streamer accumulates streamed text for one turn and forwards it to
// an OutboundAdapter, sending-then-editing on edit-capable channels
// (throttled by editInterval) or buffering and sending once at Final
// otherwise.
type streamer struct {
	ctx          context.Context
	outbound     channel.OutboundAdapter
	hasOutbound  bool
	msg          channel.InboundMessage
	editInterval time.Duration

	buf      strings.Builder
	msgID    string
	lastEdit time.Time
}

func (st *streamer) onChunk(c session.Chunk) {
	if c.Text != "" {
		st.buf.WriteString(c.Text)
	}
	if !st.hasOutbound {
		return
	}

	if !st.outbound.SupportsEdit() {
		if c.Final {
			st.send(c.Final, "")
		}
		return
	}

	if st.msgID == "" {
		id, err := st.outbound.Send(st.ctx, channel.OutboundMessage{Channel: st.msg.Channel, Sender: st.msg.Sender, Text: st.buf.String(), Final: c.Final})
		if err == nil {
			st.msgID = id
			st.lastEdit = time.Now()
		}
		return
	}

	if c.Final || time.Since(st.lastEdit) >= st.editInterval {
		st.send(c.Final, st.msgID)
		st.lastEdit = time.Now()
	}
}

func (st *streamer) send(final bool, editOf string) {
	st.outbound.Send(st.ctx, channel.OutboundMessage{Channel: st.msg.Channel, Sender: st.msg.Sender, Text: st.buf.String(), Final: final, EditOf: editOf})
}

// Shutdown stops accepting new inbound dispatch, marks every live
// actor Draining, and waits up to the configured drain deadline for
// each to finish its in-flight turn. It does not close Store; the
// caller does that once Shutdown returns.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	handles := make([]*actorHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.actor.MarkDraining()
	}

	deadline := time.After(s.drainDeadline)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		allDone := true
		for _, h := range handles {
			if h.actor.Busy() {
				allDone = false
				break
			}
		}
		if allDone {
			return
		}
		select {
		case <-deadline:
			s.logger.Warn("drain deadline exceeded; some sessions were still in-flight", "pending", len(handles))
			return
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
