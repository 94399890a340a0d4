package stream

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/metrics"
)

// ErrHubClosed is returned when a client connects after Close
var ErrHubClosed = errors.New("stream hub closed")

// Config holds hub configuration
type Config struct {
	// History is the number of recent payloads replayed to new clients
	History int

	// AllowedOrigins restricts browser origins; empty allows same-host only
	AllowedOrigins []string
}

// Hub fans encoded envelopes out to connected websocket clients. A client
// that cannot keep up is dropped instead of slowing the pipeline.
type Hub struct {
	config   Config
	logger   *logging.Logger
	metrics  *metrics.Collector
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
	history [][]byte
	closed  bool
}

// NewHub creates a hub
func NewHub(cfg Config, logger *logging.Logger, m *metrics.Collector) *Hub {
	if cfg.History < 0 {
		cfg.History = 0
	}
	if cfg.History > sendBuffer/2 {
		cfg.History = sendBuffer / 2
	}

	h := &Hub{
		config:  cfg,
		logger:  logger.WithComponent("stream"),
		metrics: m,
		clients: make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// ServeHTTP upgrades the request and attaches the connection as a client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	client := newClient(h, conn)
	if err := h.register(client); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Broadcast queues payload for every client and records it for replay
func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	if h.config.History > 0 {
		h.history = append(h.history, payload)
		if len(h.history) > h.config.History {
			h.history = h.history[len(h.history)-h.config.History:]
		}
	}

	var slow []*Client
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}

	for _, client := range slow {
		h.logger.Warn().Uint64("client", client.id).Msg("Dropping slow websocket client")
		h.removeLocked(client)
	}
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}

	for _, payload := range h.history {
		c.send <- payload
	}
	h.clients[c] = struct{}{}
	h.updateGauge()

	h.logger.Info().Uint64("client", c.id).Int("total_clients", len(h.clients)).Msg("Websocket client connected")
	return nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		h.removeLocked(c)
		h.logger.Info().Uint64("client", c.id).Int("total_clients", len(h.clients)).Msg("Websocket client disconnected")
	}
}

func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.updateGauge()
}

func (h *Hub) updateGauge() {
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(len(h.clients)))
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ClientIDs returns the connected client IDs in ascending order
func (h *Hub) ClientIDs() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]uint64, 0, len(h.clients))
	for c := range h.clients {
		ids = append(ids, c.id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	count := len(h.clients)
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.logger.Info().Int("clients_closed", count).Msg("Stream hub stopped")
	return nil
}
