// Package feed streams scoring events to websocket subscribers.
package feed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"biomarker-risk/internal/metrics"
	"biomarker-risk/internal/scoring"
)

const (
	writeWait  = 5 * time.Second
	bufferSize = 100
)

// Event announces one scored batch.
type Event struct {
	Type      string               `json:"type"`
	BatchID   string               `json:"batch_id,omitempty"`
	Filename  string               `json:"filename,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
	Summary   scoring.BatchSummary `json:"summary"`
}

// EventBatchScored is the only event type published today.
const EventBatchScored = "batch_scored"

// Hub fans events out to every connected websocket client. The most recent
// event is replayed to new subscribers.
type Hub struct {
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	events    chan Event
	stop      chan struct{}
	last      *Event
	gauge     metrics.MetricsGauge

	mu      sync.Mutex
	running bool
}

// NewHub creates a hub. allowOrigin decides which browser origins may
// subscribe; nil allows all. gauge may be nil.
func NewHub(allowOrigin func(origin string) bool, gauge metrics.MetricsGauge) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			if allowOrigin == nil {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || allowOrigin(origin)
		}},
		clients: make(map[*websocket.Conn]bool),
		events:  make(chan Event, bufferSize),
		stop:    make(chan struct{}),
		gauge:   gauge,
	}
}

// Start launches the broadcaster.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	go h.broadcaster()
}

// Stop ends the broadcaster and disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.stop)

	h.clientsMu.Lock()
	for client := range h.clients {
		client.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	h.clientsMu.Unlock()
	h.setGauge(0)
}

// Publish queues ev for broadcast. It never blocks; when the buffer is full
// the event is dropped.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case h.events <- ev:
	default:
		log.Warn().Str("type", ev.Type).Msg("Feed buffer full, event dropped")
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcaster() {
	for {
		select {
		case ev := <-h.events:
			h.broadcast(ev)
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal feed event")
		return
	}

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.last = &ev

	for client := range h.clients {
		client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Msg("Dropping feed client")
			client.Close()
			delete(h.clients, client)
		}
	}
	h.setGauge(len(h.clients))
}

// ServeHTTP upgrades the request and keeps the subscriber registered until
// it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	h.clientsMu.Lock()
	h.clients[conn] = true
	if h.last != nil {
		if data, err := json.Marshal(h.last); err == nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}
	h.setGauge(len(h.clients))
	h.clientsMu.Unlock()

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.clientsMu.Lock()
	delete(h.clients, conn)
	h.setGauge(len(h.clients))
	h.clientsMu.Unlock()
}

func (h *Hub) setGauge(n int) {
	if h.gauge != nil {
		h.gauge.Set(float64(n))
	}
}
