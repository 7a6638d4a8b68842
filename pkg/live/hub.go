// Package live serves ingest output over HTTP: a WebSocket feed of
// records and failures, plus read-only JSON views of the store.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/josemorales956/dsn-base-station/pkg/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// Message is the frame sent to feed subscribers.
type Message struct {
	Type    string `json:"type"` // "reading", "failure" or "history"
	Payload any    `json:"payload"`
}

// Hub fans ingest output out to connected WebSocket clients. Publishing
// never blocks ingest: frames for a client whose buffer is full are
// dropped and the client is disconnected.
type Hub struct {
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	dropped atomic.Int64
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub. Call Run to start delivery.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		logger:     logger.With("component", "live"),
	}
}

// Run delivers frames until ctx is done, then disconnects every client.
// It must be called at most once.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.DebugContext(ctx, "feed client connected", "remote", c.conn.RemoteAddr().String())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.DebugContext(ctx, "feed client disconnected", "remote", c.conn.RemoteAddr().String())
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.WarnContext(ctx, "feed client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many frames were discarded because the hub's
// queue was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// WriteReading implements ingest.RecordWriter.
func (h *Hub) WriteReading(_ context.Context, rec telemetry.Record) error {
	return h.publish(Message{Type: "reading", Payload: rec})
}

// WriteFailure implements ingest.FailureWriter.
func (h *Hub) WriteFailure(_ context.Context, f telemetry.Failure) error {
	return h.publish(Message{Type: "failure", Payload: f})
}

func (h *Hub) publish(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("live feed: %w", err)
	}
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// attach registers conn and starts its pumps. history, if non-nil, is
// queued before any live frame.
func (h *Hub) attach(ctx context.Context, conn *websocket.Conn, history []byte) {
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	if history != nil {
		c.send <- history
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	case <-ctx.Done():
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump discards client frames; it exists to process control frames
// and notice disconnects.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("feed read error", "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
