// Package gateway implements a channel.Adapter over a WebSocket HTTP
// endpoint, the generic fallback channel for clients with no
// dedicated adapter (a CLI shell, a web console, a test harness).
// Each connection exchanges a single JSON frame kind in both
// directions.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/blufio/blufio/internal/channel"
)

const (
	maxPayloadBytes = 1 << 20
	writeWait       = 10 * time.Second
	pongWait        = 45 * time.Second
	pingInterval    = 30 * time.Second
)

// frame is the single wire shape exchanged over the socket: the client
// sends {"content": "..."}, and receives {"content": "...", "final": bool}
// chunks back, identified by the fixed per-connection sender id.
type frame struct {
	Content string `json:"content"`
	Final   bool   `json:"final,omitempty"`
}

// Config holds gateway adapter construction parameters.
type Config struct {
	ListenAddr string
	Logger     *slog.Logger
}

// Adapter serves a WebSocket endpoint where each connection is its own
// sender identity, multiplexed into the shared channel.InboundMessage
// stream like any other adapter.
type Adapter struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	messages chan channel.InboundMessage

	mu    sync.RWMutex
	conns map[string]*connection
}

type connection struct {
	conn *websocket.Conn
	send chan frame
}

// New constructs a gateway Adapter listening on cfg.ListenAddr.
func New(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		logger:   cfg.Logger.With("adapter", "gateway"),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		messages: make(chan channel.InboundMessage, 100),
		conns:    make(map[string]*connection),
	}
}

func (a *Adapter) Name() string { return "gateway" }

// Start begins serving the WebSocket endpoint in a background
// goroutine. It returns once the listener is bound.
func (a *Adapter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.serveWS)
	a.server = &http.Server{Addr: a.cfg.ListenAddr, Handler: mux}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.ListenAddr)
	if err != nil {
		return err
	}

	go func() {
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error("gateway server stopped", "error", err)
		}
	}()

	a.logger.Info("gateway adapter started", "addr", a.cfg.ListenAddr)
	return nil
}

// Stop shuts down the HTTP server, closing all active connections.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	err := a.server.Shutdown(ctx)
	// Shutdown does not touch hijacked (WebSocket) connections.
	a.mu.RLock()
	for _, c := range a.conns {
		_ = c.conn.Close()
	}
	a.mu.RUnlock()
	return err
}

func (a *Adapter) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sender := uuid.NewString()
	c := &connection{conn: conn, send: make(chan frame, 16)}

	a.mu.Lock()
	a.conns[sender] = c
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.conns, sender)
		a.mu.Unlock()
		close(c.send)
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go a.writeLoop(ctx, c)
	a.readLoop(ctx, conn, sender)
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, sender string) {
	conn.SetReadLimit(maxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		msg := channel.InboundMessage{Channel: a.Name(), Sender: sender, Text: f.Content}
		select {
		case a.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) writeLoop(ctx context.Context, c *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case f, ok := <-c.send:
			if !ok {
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (a *Adapter) Messages() <-chan channel.InboundMessage { return a.messages }

// SupportsEdit reports false: the gateway's frame protocol streams
// incremental chunks rather than editing a previously sent one.
func (a *Adapter) SupportsEdit() bool { return false }

// Send delivers one frame to the connection identified by msg.Sender.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) (string, error) {
	a.mu.RLock()
	c, ok := a.conns[msg.Sender]
	a.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("gateway: no connection for sender %q", msg.Sender)
	}
	select {
	case c.send <- frame{Content: msg.Text, Final: msg.Final}:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// HealthCheck reports healthy whenever the server is bound, regardless
// of current connection count (zero connections is a normal state).
func (a *Adapter) HealthCheck(context.Context) channel.HealthStatus {
	return channel.HealthStatus{Healthy: a.server != nil, LastCheck: time.Now().UTC()}
}
