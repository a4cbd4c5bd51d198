// Package stream pushes compaction progress to websocket clients.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicktill/tinycompact/pkg/compaction"
	"github.com/nicktill/tinycompact/pkg/config"
	"github.com/nicktill/tinycompact/pkg/report"
)

// Event types
const (
	EventOutcome = "outcome"
	EventRun     = "run"
)

// Event is one message on the stream
type Event struct {
	Type      string              `json:"type"`
	RunID     string              `json:"run_id"`
	Timestamp int64               `json:"timestamp"`
	Outcome   *compaction.Outcome `json:"outcome,omitempty"`
	Summary   *report.Summary     `json:"summary,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Non-browser clients send no Origin
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// Hub fans events out to connected websocket clients
type Hub struct {
	log *zap.Logger

	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte

	mu sync.RWMutex
}

// NewHub creates a hub. Run must be started for events to flow.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
	}
}

// Run is the hub's main loop. It returns nil when ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return nil
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("stream client connected", zap.Int("clients", count))
		case conn := <-h.unregister:
			h.mu.Lock()
			if h.clients[conn] {
				delete(h.clients, conn)
				_ = conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("stream client disconnected", zap.Int("clients", count))
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.log.Debug("stream write failed", zap.Error(err))
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[conn] {
		delete(h.clients, conn)
		_ = conn.Close()
	}
}

// Broadcast queues an event for every client. Events are dropped when the
// queue is full; the stream is best effort.
func (h *Hub) Broadcast(ev Event) {
	if !h.HasClients() {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}

	message, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("failed to encode stream event", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- message:
	default:
		h.log.Warn("stream queue full, dropping event", zap.String("type", ev.Type))
	}
}

// PublishOutcome is an orchestrator.OutcomeFunc
func (h *Hub) PublishOutcome(runID string, out compaction.Outcome) {
	h.Broadcast(Event{Type: EventOutcome, RunID: runID, Outcome: &out})
}

// PublishRun announces a finished run
func (h *Hub) PublishRun(r report.Report) {
	summary := r.Summarize()
	h.Broadcast(Event{Type: EventRun, RunID: r.RunID, Summary: &summary})
}

// HasClients returns true if there are any connected clients
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// ServeHTTP upgrades the request and holds the connection until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	h.register <- conn

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		select {
		case h.unregister <- conn:
		default:
			h.drop(conn)
		}
	}()

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// WriteControl may run alongside the hub's writes
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	})

	// Clients never send data; reading only services control frames
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("stream client error", zap.Error(err))
			}
			return
		}
	}
}
