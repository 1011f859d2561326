package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/priceduel/roundengine/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventType tags a round-lifecycle broadcast.
type EventType string

const (
	EventRoundCreated EventType = "round.created"
	EventRoundLocked  EventType = "round.locked"
	EventRoundSettled EventType = "round.settled"
)

// WSEvent is one broadcast message.
type WSEvent struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// wsClient is one connected websocket subscriber. It receives every
// broadcast event; there is no per-client subscription filter, since the
// round feed is a single low-volume stream.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub fans round-lifecycle events out to every connected client, in the
// same register/unregister/broadcast shape the teacher uses for its peer
// event hub.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan *WSEvent
	register   chan *wsClient
	unregister chan *wsClient
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub constructs a hub. Call Run in its own goroutine to start it.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan *WSEvent, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		log:        logging.GetDefault().Component("ws"),
	}
}

// Run drives the hub's event loop until the process exits.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("marshal event failed", "error", err)
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.log.Warn("client send buffer full, dropping", "type", event.Type)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast emits an event to every connected client. It never blocks the
// caller: a full queue drops the event rather than stalling settlement or
// keeper ticks.
func (h *WSHub) Broadcast(eventType EventType, data interface{}, now int64) {
	event := &WSEvent{Type: eventType, Data: data, Timestamp: now}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("broadcast channel full, dropping event", "type", eventType)
	}
}

// ClientCount reports the number of connected websocket clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	s.hub.register <- c

	go c.writePump(s.hub)
	go c.readPump(s.hub)
}

func (c *wsClient) readPump(h *WSHub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *wsClient) writePump(h *WSHub) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
