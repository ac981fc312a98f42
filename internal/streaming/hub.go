package streaming

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mcpbench/mcpbench/internal/common/logger"
	"github.com/mcpbench/mcpbench/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The harness serves localhost dashboards; origin checks add nothing.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans events out to connected WebSocket clients.
type Hub struct {
	bus    events.Bus
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	unsubscribe func()
}

// NewHub attaches to the bus and starts forwarding every event.
func NewHub(bus events.Bus, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		bus:     bus,
		logger:  log,
		clients: make(map[*Client]bool),
	}
	unsub, err := bus.Subscribe(events.SubjectAll, h.broadcast)
	if err != nil {
		return nil, err
	}
	h.unsubscribe = unsub
	return h, nil
}

// ServeWS upgrades the request and runs the client pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 64),
		logger: h.logger,
		runIDs: make(map[int64]bool),
	}
	h.register(client)

	go client.WritePump()
	go client.ReadPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("WebSocket client connected", zap.Int("clients", h.ClientCount()))
}

// Unregister removes the client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches from the bus and disconnects every client.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to encode event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(ev.RunID) {
			continue
		}
		if !c.trySend(data) {
			h.logger.Warn("dropping event for slow WebSocket client",
				zap.String("subject", ev.Subject))
		}
	}
}
