// Package shell implements the interactive terminal channel adapter
// backing the `blufio shell` subcommand: stdin lines become inbound
// messages, replies print to stdout.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/blufio/blufio/internal/channel"
)

const channelName = "shell"

// localSender tags every inbound line; a terminal has exactly one user.
const localSender = "local"

// Adapter is the stdin/stdout channel adapter.
type Adapter struct {
	in  io.Reader
	out io.Writer

	messages chan channel.InboundMessage

	mu      sync.Mutex
	started bool
	stop    chan struct{}
}

// New constructs an Adapter reading from in and writing replies to out.
func New(in io.Reader, out io.Writer) *Adapter {
	return &Adapter{
		in:       in,
		out:      out,
		messages: make(chan channel.InboundMessage, 16),
		stop:     make(chan struct{}),
	}
}

// Name implements channel.Adapter.
func (a *Adapter) Name() string { return channelName }

// Start launches the stdin reader loop. Idempotent.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	a.started = true

	go func() {
		defer close(a.messages)
		scanner := bufio.NewScanner(a.in)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case a.messages <- channel.InboundMessage{Channel: channelName, Sender: localSender, Text: line}:
			case <-a.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop ends the reader loop.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		select {
		case <-a.stop:
		default:
			close(a.stop)
		}
	}
	return nil
}

// Messages implements channel.InboundAdapter.
func (a *Adapter) Messages() <-chan channel.InboundMessage { return a.messages }

// Send prints the reply. Only final messages are printed; the shell
// has no edit-in-place, so the scheduler buffers the full reply first.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) (string, error) {
	if !msg.Final {
		return "", nil
	}
	if _, err := fmt.Fprintf(a.out, "%s\n", msg.Text); err != nil {
		return "", err
	}
	return fmt.Sprintf("shell-%d", time.Now().UnixNano()), nil
}

// SupportsEdit implements channel.OutboundAdapter.
func (a *Adapter) SupportsEdit() bool { return false }

// HealthCheck implements channel.HealthAdapter.
func (a *Adapter) HealthCheck(ctx context.Context) channel.HealthStatus {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	return channel.HealthStatus{Healthy: started, Message: "interactive shell", LastCheck: time.Now().UTC()}
}
