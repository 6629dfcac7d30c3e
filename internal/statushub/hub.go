// Package statushub pushes ScheduleRecord status transitions to
// connected management-surface clients over WebSocket, grounded on
// control_plane/ws_hub.go's MetricsHub: a single goroutine owns the
// client map and a register/unregister/broadcast channel trio, so
// connection bookkeeping never needs its own mutex-protected hot path
// from request handlers. The teacher's per-tenant metrics poll-and-
// push loop is replaced here with an event-driven Publish — a
// ScheduleRecord transition is a point event, not a continuously
// recomputed metric, so there is nothing to poll.
package statushub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canvasflow/trigger-core/internal/metrics"
	"github.com/canvasflow/trigger-core/internal/store"
)

// maxClients caps connections the same way the teacher's hub does,
// to keep one hub goroutine from fanning out to an unbounded crowd.
const maxClients = 200

// StatusEvent is one ScheduleRecord transition pushed to subscribers
// of its owning uid.
type StatusEvent struct {
	RecordID   string              `json:"recordId"`
	ScheduleID *string             `json:"scheduleId,omitempty"`
	UID        string              `json:"uid"`
	Status     store.RecordStatus  `json:"status"`
	Trigger    store.TriggerType   `json:"trigger"`
	ErrorCode  *string             `json:"errorCode,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

type registration struct {
	conn *websocket.Conn
	uid  string
}

// Hub manages WebSocket connections and fans out StatusEvents to the
// clients subscribed to the event's uid.
type Hub struct {
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	events     chan StatusEvent
	mu         sync.RWMutex
	log        *slog.Logger
}

func New(log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan StatusEvent, 256),
		log:        log,
	}
}

// Run owns the client map until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxClients {
				h.mu.Unlock()
				reg.conn.Close()
				h.log.Warn("statushub: connection rejected, max clients reached", "max", maxClients)
				continue
			}
			h.clients[reg.conn] = reg.uid
			h.mu.Unlock()
			metrics.WSConnectedClients.Set(float64(h.ClientCount()))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			metrics.WSConnectedClients.Set(float64(h.ClientCount()))

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev StatusEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, uid := range h.clients {
		if uid != ev.UID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			h.log.Warn("statushub: write failed, unregistering client", "uid", uid, "err", err)
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

// Register adds a new client connection subscribed to uid's events.
func (h *Hub) Register(conn *websocket.Conn, uid string) {
	h.register <- registration{conn: conn, uid: uid}
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// Publish enqueues a status event for delivery; non-blocking up to the
// buffered channel capacity so a slow Run loop never backs up a caller
// on the execution-record write path.
func (h *Hub) Publish(ev StatusEvent) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn("statushub: event channel full, dropping event", "recordId", ev.RecordID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
