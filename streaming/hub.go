package streaming

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxWSConnections = 200

// Hub broadcasts alert lifecycle events to WebSocket subscribers. Each
// client only receives events for its own tenant; operator-role clients
// subscribe with tenantID "*" and see everything.
type Hub struct {
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	events     chan Event
	mu         sync.RWMutex
}

type registration struct {
	conn     *websocket.Conn
	tenantID string
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan Event, 256),
	}
}

// Run is the hub's main loop; it owns the client map mutations.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("[HUB] connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.tenantID
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[HUB] client registered for tenant %s, total %d", reg.tenantID, total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// Publish implements Publisher. Dropping an event when the hub's buffer
// is full is acceptable: the stream is a convenience view, the alert rows
// are the record.
func (h *Hub) Publish(_ context.Context, topic, tenantID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		TenantID:  tenantID,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "pulse",
	}
	select {
	case h.events <- ev:
	default:
		log.Printf("[HUB] event buffer full, dropping %s for tenant %s", topic, tenantID)
	}
	return nil
}

func (h *Hub) Close() error {
	return nil
}

func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, tid := range h.clients {
		if tid != ev.TenantID && tid != "*" {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("[HUB] write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

// Register adds a subscriber scoped to one tenant ("*" for operators).
func (h *Hub) Register(conn *websocket.Conn, tenantID string) {
	h.register <- registration{conn: conn, tenantID: tenantID}
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
