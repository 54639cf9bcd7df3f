// Package telegram implements a channel.Adapter over the go-telegram/bot
// long-polling client, limited to the capability surface
// channel.Registry actually consults.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/blufio/blufio/internal/channel"
)

// Config holds Telegram adapter construction parameters, sourced from
// the "channels.telegram" configuration block.
type Config struct {
	Token  string
	Logger *slog.Logger
}

// Adapter bridges a single Telegram bot token to the channel package's
// InboundAdapter/OutboundAdapter/LifecycleAdapter/HealthAdapter
// contracts.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	bot      *bot.Bot
	cancel   context.CancelFunc
	messages chan channel.InboundMessage

	lastErr   error
	connected bool
}

// New constructs a Telegram Adapter. The bot itself is not created
// until Start, since bot.New performs a getMe call.
func New(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		logger:   cfg.Logger.With("adapter", "telegram"),
		messages: make(chan channel.InboundMessage, 100),
	}
}

func (a *Adapter) Name() string { return "telegram" }

// Start creates the bot client and begins long polling in a background
// goroutine. Start returns once the bot is constructed; polling runs
// until Stop cancels the context it was given.
func (a *Adapter) Start(ctx context.Context) error {
	b, err := bot.New(a.cfg.Token)
	if err != nil {
		a.mu.Lock()
		a.lastErr = err
		a.mu.Unlock()
		return fmt.Errorf("telegram: create bot: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.bot = b
	a.cancel = cancel
	a.connected = true
	a.mu.Unlock()

	b.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleUpdate)

	go func() {
		defer close(a.messages)
		b.Start(runCtx)
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
	}()

	a.logger.Info("telegram adapter started")
	return nil
}

// Stop cancels the polling loop, which in turn closes the messages
// channel once bot.Start returns.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	msg := channel.InboundMessage{
		Channel: a.Name(),
		Sender:  strconv.FormatInt(update.Message.Chat.ID, 10),
		Text:    update.Message.Text,
	}
	select {
	case a.messages <- msg:
	case <-ctx.Done():
	default:
		a.logger.Warn("inbound buffer full, dropping message", "chat_id", update.Message.Chat.ID)
	}
}

func (a *Adapter) Messages() <-chan channel.InboundMessage { return a.messages }

// SupportsEdit reports that Telegram can edit a previously sent
// message in place, used for throttled streaming updates.
func (a *Adapter) SupportsEdit() bool { return true }

// Send delivers an OutboundMessage, either as a new message or (when
// EditOf names a prior Telegram message id) an edit of that message.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) (string, error) {
	a.mu.Lock()
	b := a.bot
	a.mu.Unlock()
	if b == nil {
		return "", fmt.Errorf("telegram: adapter not started")
	}

	chatID, err := strconv.ParseInt(msg.Sender, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: invalid chat id %q: %w", msg.Sender, err)
	}

	if msg.EditOf != "" {
		messageID, err := strconv.Atoi(msg.EditOf)
		if err != nil {
			return "", fmt.Errorf("telegram: invalid message id %q: %w", msg.EditOf, err)
		}
		_, err = b.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:    chatID,
			MessageID: messageID,
			Text:      msg.Text,
		})
		if err != nil {
			return "", fmt.Errorf("telegram: edit message: %w", err)
		}
		return msg.EditOf, nil
	}

	sent, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   msg.Text,
	})
	if err != nil {
		return "", fmt.Errorf("telegram: send message: %w", err)
	}
	return strconv.Itoa(sent.ID), nil
}

// SendTyping surfaces Telegram's "typing…" chat action to recipient.
func (a *Adapter) SendTyping(ctx context.Context, recipient string) error {
	a.mu.Lock()
	b := a.bot
	a.mu.Unlock()
	if b == nil {
		return fmt.Errorf("telegram: adapter not started")
	}
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", recipient, err)
	}
	_, err = b.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	})
	return err
}

// HealthCheck reports the last observed connection state. Telegram
// offers no lightweight ping beyond getMe, which this intentionally
// avoids calling on every health probe to not burn API rate budget.
func (a *Adapter) HealthCheck(context.Context) channel.HealthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	status := channel.HealthStatus{Healthy: a.connected, LastCheck: time.Now().UTC()}
	if a.lastErr != nil {
		status.Message = a.lastErr.Error()
	}
	return status
}
