// Package heartbeat implements the proactive check-in runner: a
// periodic pass over active sessions that asks a cheap-tier model
// whether there is anything worth surfacing to the user, under an
// isolated monthly budget that shares the cost ledger with the rest of
// the daemon.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blufio/blufio/internal/channel"
	"github.com/blufio/blufio/internal/cost"
	"github.com/blufio/blufio/internal/metrics"
	"github.com/blufio/blufio/internal/store"
)

// DeliveryMode selects how a generated check-in reaches the user.
type DeliveryMode string

const (
	// DeliveryImmediate sends the check-in through the originating
	// channel's outbound adapter the moment the tick produces one.
	DeliveryImmediate DeliveryMode = "immediate"
	// DeliveryOnNextMessage queues the check-in; it is delivered just
	// before the reply to the user's next inbound message.
	DeliveryOnNextMessage DeliveryMode = "on_next_message"
)

// Visibility controls what the recipient sees while a check-in is
// being generated.
type Visibility string

const (
	VisibilityTyping   Visibility = "typing"
	VisibilityPresence Visibility = "presence"
	VisibilityNone     Visibility = "none"
)

// noHeartbeatSentinel is the exact reply the model is instructed to
// produce when it has nothing worth surfacing; a reply containing it
// suppresses delivery for that session.
const noHeartbeatSentinel = "NO_HEARTBEAT"

const heartbeatSystemPrompt = "You are running a scheduled background check-in for a personal assistant. " +
	"Review the recent conversation below. If there is something genuinely useful to proactively tell the user " +
	"(an unanswered question, a promised follow-up, a time-sensitive reminder), write that message directly to them. " +
	"If there is nothing worth saying, reply with exactly " + noHeartbeatSentinel + " and nothing else."

// recentWindow is how many trailing messages of each active session
// feed the check-in prompt.
const recentWindow = 10

// maxSessionsPerTick bounds how many active sessions one tick
// evaluates, oldest-activity last.
const maxSessionsPerTick = 5

// pendingQueueName returns the crash-safe queue a deferred check-in
// for one (channel, sender) pair is parked on.
func pendingQueueName(channelName, sender string) string {
	return "heartbeat:" + channelName + ":" + sender
}

// Store is the subset of store.Store the runner needs.
type Store interface {
	ListActiveSessions(ctx context.Context, limit int) ([]*store.Session, error)
	SessionMessages(ctx context.Context, sessionID string) ([]*store.Message, error)
	Enqueue(ctx context.Context, queueName, payload string) (int64, error)
	Dequeue(ctx context.Context, queueName string) (*store.QueueEntry, error)
	Ack(ctx context.Context, id int64) error
}

// Ledger is the subset of cost.Ledger the runner needs.
type Ledger interface {
	Record(ctx context.Context, sessionID, model string, feature store.FeatureType, usage store.TokenUsage, costUSD float64) (*store.CostRecord, error)
}

// CompletionProvider is the single non-streaming call a tick makes.
type CompletionProvider interface {
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error)
}

// Config holds the runner's tunables from the heartbeat configuration
// block.
type Config struct {
	Interval time.Duration
	// CronSchedule, when set, replaces the fixed interval with a cron
	// expression (standard five-field syntax).
	CronSchedule string
	Delivery     DeliveryMode
	Visibility   Visibility
	Model        string
}

// Runner drives the periodic check-in loop. Its budget tracker is a
// separate instance from the main daily/monthly tracker, with only a
// monthly cap, so heartbeat spend can never exhaust the interactive
// budget (and vice versa) while still landing in the shared ledger.
type Runner struct {
	cfg      Config
	store    Store
	ledger   Ledger
	budget   *cost.Tracker
	provider CompletionProvider
	channels *channel.Registry
	logger   *slog.Logger
}

// New constructs a Runner. monthlyCapUSD may be nil for uncapped.
func New(cfg Config, st Store, ledger Ledger, monthlyCapUSD *float64, prov CompletionProvider, channels *channel.Registry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.Delivery == "" {
		cfg.Delivery = DeliveryOnNextMessage
	}
	if cfg.Visibility == "" {
		cfg.Visibility = VisibilityNone
	}
	return &Runner{
		cfg:      cfg,
		store:    st,
		ledger:   ledger,
		budget:   cost.NewTracker(nil, monthlyCapUSD, logger),
		provider: prov,
		channels: channels,
		logger:   logger.With("component", "heartbeat"),
	}
}

// Run blocks until ctx is cancelled, firing Tick on the configured
// schedule. Tick errors are logged and never stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.CronSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(r.cfg.CronSchedule, func() { r.tickLogged(ctx) }); err != nil {
			return fmt.Errorf("heartbeat: invalid cron schedule %q: %w", r.cfg.CronSchedule, err)
		}
		c.Start()
		<-ctx.Done()
		stopped := c.Stop()
		<-stopped.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tickLogged(ctx)
		}
	}
}

func (r *Runner) tickLogged(ctx context.Context) {
	if err := r.Tick(ctx); err != nil {
		metrics.HeartbeatTicks.WithLabelValues("error").Inc()
		r.logger.Error("heartbeat tick failed", "error", err)
	}
}

// Tick runs one check-in pass: budget gate, then for each recently
// active session generate a check-in and deliver or queue it.
func (r *Runner) Tick(ctx context.Context) error {
	if err := r.budget.CheckBudget(); err != nil {
		metrics.HeartbeatTicks.WithLabelValues("skipped").Inc()
		r.logger.Warn("heartbeat skipped: monthly heartbeat budget reached")
		return nil
	}

	sessions, err := r.store.ListActiveSessions(ctx, maxSessionsPerTick)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		metrics.HeartbeatTicks.WithLabelValues("skipped").Inc()
		return nil
	}

	for _, sess := range sessions {
		if err := r.checkIn(ctx, sess); err != nil {
			r.logger.Error("heartbeat check-in failed", "error", err, "session_id", sess.ID)
		}
	}
	return nil
}

func (r *Runner) checkIn(ctx context.Context, sess *store.Session) error {
	history, err := r.store.SessionMessages(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}
	if len(history) > recentWindow {
		history = history[len(history)-recentWindow:]
	}

	var sb strings.Builder
	for _, m := range history {
		fmt.Fprintf(&sb, "%s: %s\n", roleLabel(m.Role), m.Content)
	}
	transcript := sb.String()

	r.showVisibility(ctx, sess)

	reply, err := r.provider.Complete(ctx, r.cfg.Model, heartbeatSystemPrompt, transcript)
	if err != nil {
		return err
	}

	usage := store.TokenUsage{
		InputTokens:  (len(heartbeatSystemPrompt) + len(transcript)) / 4,
		OutputTokens: len(reply) / 4,
	}
	costUSD := cost.Cost(r.cfg.Model, usage)
	if _, err := r.ledger.Record(ctx, sess.ID, r.cfg.Model, store.FeatureHeartbeat, usage, costUSD); err != nil {
		r.logger.Error("failed to record heartbeat cost", "error", err)
	} else {
		r.budget.RecordCost(costUSD)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" || strings.Contains(reply, noHeartbeatSentinel) {
		metrics.HeartbeatTicks.WithLabelValues("skipped").Inc()
		return nil
	}

	switch r.cfg.Delivery {
	case DeliveryImmediate:
		out, ok := r.channels.Outbound(sess.Channel)
		if !ok {
			return fmt.Errorf("heartbeat: no outbound adapter for channel %q", sess.Channel)
		}
		if _, err := out.Send(ctx, channel.OutboundMessage{Channel: sess.Channel, Sender: sess.UserTag, Text: reply, Final: true}); err != nil {
			return err
		}
		metrics.HeartbeatTicks.WithLabelValues("delivered").Inc()
	default:
		if _, err := r.store.Enqueue(ctx, pendingQueueName(sess.Channel, sess.UserTag), reply); err != nil {
			return err
		}
		metrics.HeartbeatTicks.WithLabelValues("queued").Inc()
	}
	return nil
}

// showVisibility surfaces the configured pre-delivery indicator, when
// the session's channel supports one. Presence is collapsed onto the
// typing indicator: no adapter in this tree distinguishes the two.
func (r *Runner) showVisibility(ctx context.Context, sess *store.Session) {
	if r.cfg.Visibility == VisibilityNone || r.cfg.Delivery != DeliveryImmediate {
		return
	}
	out, ok := r.channels.Outbound(sess.Channel)
	if !ok {
		return
	}
	if typing, ok := out.(channel.TypingAdapter); ok {
		if err := typing.SendTyping(ctx, sess.UserTag); err != nil {
			r.logger.Debug("typing indicator failed", "error", err, "channel", sess.Channel)
		}
	}
}

func roleLabel(role store.MessageRole) string {
	switch role {
	case store.RoleUser:
		return "User"
	case store.RoleAssistant:
		return "Assistant"
	case store.RoleSystem:
		return "System"
	default:
		return "Tool"
	}
}

// TakePending pops the oldest queued check-in for (channelName,
// sender), if any. The entry is acknowledged immediately: delivery is
// about to happen on the same inbound turn, and a duplicate check-in
// after a crash would be worse than a lost one.
func (r *Runner) TakePending(ctx context.Context, channelName, sender string) (string, bool) {
	entry, err := r.store.Dequeue(ctx, pendingQueueName(channelName, sender))
	if err != nil {
		r.logger.Error("failed to dequeue pending heartbeat", "error", err)
		return "", false
	}
	if entry == nil {
		return "", false
	}
	if err := r.store.Ack(ctx, entry.ID); err != nil {
		r.logger.Error("failed to ack pending heartbeat", "error", err)
	}
	return entry.Payload, true
}
