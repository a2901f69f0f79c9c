// Package eventstream broadcasts stream lifecycle notifications to
// connected websocket clients. This is a purely additive surface: it never
// sits on the internal stream_started/stream_ended call path, it only
// observes it. One goroutine owns the connection set and all mutation
// happens via channels, so no lock is needed on the map itself.
package eventstream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one stream lifecycle notification broadcast to every connected
// client.
type Event struct {
	Type        string `json:"type"`
	StreamID    string `json:"stream_id"`
	ContainerID string `json:"container_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Hub owns the set of connected clients and fans broadcast events out to
// all of them.
type Hub struct {
	conns map[*conn]bool

	broadcastCh  chan Event
	registerCh   chan *conn
	unregisterCh chan *conn
	closeCh      chan struct{}
	closeOnce    sync.Once
}

type conn struct {
	ws   *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHub constructs a Hub and starts its event loop.
func NewHub() *Hub {
	h := &Hub{
		conns:        make(map[*conn]bool),
		broadcastCh:  make(chan Event, 256),
		registerCh:   make(chan *conn),
		unregisterCh: make(chan *conn),
		closeCh:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.registerCh:
			h.conns[c] = true
			slog.Debug("eventstream: client connected", "total", len(h.conns))

		case c := <-h.unregisterCh:
			if _, ok := h.conns[c]; ok {
				delete(h.conns, c)
				close(c.send)
				slog.Debug("eventstream: client disconnected", "total", len(h.conns))
			}

		case evt := <-h.broadcastCh:
			msg, err := json.Marshal(evt)
			if err != nil {
				slog.Error("eventstream: marshal event failed", "error", err)
				continue
			}
			for c := range h.conns {
				select {
				case c.send <- msg:
				default:
					// Slow client: drop rather than stall every other
					// subscriber.
					delete(h.conns, c)
					close(c.send)
				}
			}

		case <-h.closeCh:
			for c := range h.conns {
				close(c.send)
				delete(h.conns, c)
			}
			return
		}
	}
}

// Broadcast fans evt out to every connected client. Non-blocking: if the
// hub's internal queue is full, the event is dropped — this feed is
// best-effort, never the source of truth (the audit trail and registry are).
func (h *Hub) Broadcast(evt Event) {
	select {
	case h.broadcastCh <- evt:
	default:
		slog.Warn("eventstream: broadcast queue full, dropping event", "type", evt.Type, "stream_id", evt.StreamID)
	}
}

// Close shuts the hub down, dropping every connected client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.closeCh) })
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection with the hub. The feed is one-directional: the server only
// writes, it drains (and discards) anything the client sends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("eventstream: upgrade failed", "error", err)
		return
	}

	c := &conn{ws: ws, send: make(chan []byte, 64)}
	h.registerCh <- c

	go c.writePump()
	c.readPump(h)
}

func (c *conn) writePump() {
	defer c.ws.Close()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.mu.Lock()
			err := c.ws.WriteMessage(websocket.TextMessage, msg)
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) readPump(h *Hub) {
	defer func() {
		h.unregisterCh <- c
		c.ws.Close()
	}()
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}
