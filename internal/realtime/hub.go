// Package realtime is the WebSocket transport for the A2A protocol.
//
// Each accepted socket becomes a registered connection. Inbound frames are
// dispatched one at a time, so responses leave in the order requests
// arrived; pushes from other components share the same outbound queue.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/jsonrpc"
	"github.com/babylonmarket/a2a/internal/logging"
)

// ErrSendBufferFull is returned by Send when the peer is not draining.
var ErrSendBufferFull = connection.ErrSendBufferFull

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Dispatcher answers one inbound frame. A nil response means nothing is
// written back (notifications).
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *connection.Conn, raw []byte) *jsonrpc.Response
}

// Config tunes the socket pumps.
type Config struct {
	SendBuffer      int
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	// AllowedOrigins lists browser origins accepted besides the serving
	// host. Requests without an Origin header are always accepted.
	AllowedOrigins []string
}

// DefaultConfig returns the pump settings used in production.
func DefaultConfig() Config {
	return Config{
		SendBuffer:      256,
		PingInterval:    30 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 512 * 1024,
	}
}

// Hub accepts WebSocket sessions and wires them to the registry and router.
type Hub struct {
	conns      *connection.Manager
	dispatcher Dispatcher
	logger     *slog.Logger
	cfg        Config
	upgrader   websocket.Upgrader

	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewHub creates a hub. Zero fields in cfg fall back to DefaultConfig.
func NewHub(conns *connection.Manager, dispatcher Dispatcher, cfg Config, logger *slog.Logger) *Hub {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}

	h := &Hub{
		conns:      conns,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host := r.Host
	if origin == "http://"+host || origin == "https://"+host {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request and starts the session pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.closing.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(ws, h.cfg.SendBuffer)
	conn, err := h.conns.Register(c)
	if err != nil {
		// The registry already counted the rejection.
		deadline := time.Now().Add(h.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(connection.ClosePolicyViolation, "server at capacity")
		_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = ws.Close()
		return
	}

	h.logger.Info("websocket connected", "connection_id", conn.ID, "remote", r.RemoteAddr)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.writePump(c)
	}()
	go func() {
		defer h.wg.Done()
		h.readPump(c, conn)
	}()
}

// Shutdown refuses new upgrades, closes every session with 1001 and waits
// for the pumps to exit or ctx to end.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.closing.Store(true)
	h.conns.CloseAll(connection.CloseGoingAway, "server shutting down")

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readPump dispatches inbound frames sequentially until the socket fails.
func (h *Hub) readPump(c *client, conn *connection.Conn) {
	ctx, cancel := context.WithCancel(logging.WithConnection(context.Background(), h.logger, conn.ID))
	code, reason := connection.CloseNormal, "peer closed"
	defer func() {
		cancel()
		h.conns.Close(conn.ID, code, reason)
	}()

	c.ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway) {
				code = connection.CloseGoingAway
			} else if !websocket.IsCloseError(err, normalCloseCodes...) && !c.isClosed() {
				h.logger.Debug("websocket read error", "connection_id", conn.ID, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		resp := h.dispatcher.Dispatch(ctx, conn, message)
		if resp == nil {
			continue
		}
		data, err := json.Marshal(resp)
		if err != nil {
			h.logger.Error("encode response failed", "connection_id", conn.ID, "error", err)
			continue
		}
		if err := conn.Send(data); err != nil {
			if errors.Is(err, ErrSendBufferFull) {
				code, reason = connection.CloseTryAgainLater, "send buffer full"
			}
			return
		}
	}
}

// writePump drains the outbound queue and keeps the socket alive with
// pings. On close it flushes what is queued and writes the close frame.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := h.write(c, websocket.TextMessage, message); err != nil {
				h.logger.Debug("websocket write error", "error", err)
				_ = c.Close(connection.CloseNormal, "write failed")
				return
			}

		case <-ticker.C:
			if err := h.write(c, websocket.PingMessage, nil); err != nil {
				h.logger.Debug("websocket ping failed", "error", err)
				_ = c.Close(connection.CloseNormal, "ping failed")
				return
			}

		case <-c.done:
		drain:
			for {
				select {
				case message := <-c.send:
					if h.write(c, websocket.TextMessage, message) != nil {
						return
					}
				default:
					break drain
				}
			}
			code, reason := c.closeFrame()
			_ = h.write(c, websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}
	}
}

func (h *Hub) write(c *client, messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// client is the connection.Transport side of one socket.
type client struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	once   sync.Once
	mu     sync.Mutex
	code   int
	reason string
}

func newClient(ws *websocket.Conn, buffer int) *client {
	return &client{
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send queues msg without blocking.
func (c *client) Send(msg []byte) error {
	select {
	case <-c.done:
		return connection.ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close asks the write pump to send a close frame and hang up. Only the
// first call takes effect.
func (c *client) Close(code int, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.code, c.reason = code, reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *client) closeFrame() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.reason
}
