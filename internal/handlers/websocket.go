package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local deployments and reverse proxies handle origin policy
	},
}

// WSMessage is the wire frame pushed to subscribers.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// wsClient is one subscriber connection. Progress frames are throttled per
// client; exceptions, status changes and completions always go through.
type wsClient struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	throttle *rate.Limiter
	tenantID int64
	jobID    int64
}

// WebSocketHandler fans events out to subscribed clients. A client
// subscribes to one (tenant, job) pair and immediately receives the
// retained progress snapshot so the UI never starts blank.
type WebSocketHandler struct {
	logger     arbor.ILogger
	events     interfaces.EventService
	throttle   time.Duration
	mu         sync.RWMutex
	clients    map[*wsClient]bool
	instanceID string
}

// NewWebSocketHandler wires the push channel onto the event service.
func NewWebSocketHandler(events interfaces.EventService, config *common.Config, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:     logger,
		events:     events,
		throttle:   time.Duration(config.Server.ProgressThrottleMS) * time.Millisecond,
		clients:    make(map[*wsClient]bool),
		instanceID: uuid.New().String(),
	}

	for _, t := range []interfaces.EventType{
		interfaces.EventProgress,
		interfaces.EventException,
		interfaces.EventStatus,
		interfaces.EventCompletion,
	} {
		if err := events.Subscribe(t, h.broadcast); err != nil {
			logger.Warn().Err(err).Str("event_type", string(t)).Msg("Websocket event subscription failed")
		}
	}

	logger.Info().Str("server_instance_id", h.instanceID).Msg("WebSocket handler initialized")
	return h
}

// HandleWebSocket upgrades the connection and registers the subscriber.
// Query parameters tenant_id and job_id scope the subscription.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := queryInt64(r, "tenant_id")
	jobID := queryInt64(r, "job_id")
	if tenantID == 0 {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:     conn,
		tenantID: tenantID,
		jobID:    jobID,
	}
	if h.throttle > 0 {
		client.throttle = rate.NewLimiter(rate.Every(h.throttle), 1)
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info().
		Int64("tenant_id", tenantID).
		Int64("job_id", jobID).
		Int("clients", count).
		Msg("WebSocket client connected")

	h.sendHello(client)
	h.sendSnapshot(client)
	go h.readLoop(client)
}

// sendHello identifies the server instance so clients can detect restarts
// and clear local state.
func (h *WebSocketHandler) sendHello(c *wsClient) {
	h.write(c, WSMessage{
		Type: "hello",
		Payload: map[string]string{
			"server_instance_id": h.instanceID,
		},
	})
}

// sendSnapshot replays the retained progress event, when one exists.
func (h *WebSocketHandler) sendSnapshot(c *wsClient) {
	if c.jobID == 0 {
		return
	}
	if event := h.events.LatestProgress(c.tenantID, c.jobID); event != nil {
		h.write(c, WSMessage{Type: string(event.Type), Payload: event})
	}
}

// readLoop drains client frames and handles pong liveness. Subscribers are
// read-only; any payload other than ping control frames is ignored.
func (h *WebSocketHandler) readLoop(c *wsClient) {
	defer h.drop(c)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})

	ticker := time.NewTicker(30 * time.Second)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	defer close(done)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// broadcast pushes one event to every subscriber scoped to it.
func (h *WebSocketHandler) broadcast(ctx context.Context, event interfaces.Event) error {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		if c.tenantID != event.TenantID {
			continue
		}
		if c.jobID != 0 && c.jobID != event.JobID {
			continue
		}
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if event.Type == interfaces.EventProgress && c.throttle != nil && !c.throttle.Allow() {
			continue
		}
		h.write(c, WSMessage{Type: string(event.Type), Payload: event})
	}
	return nil
}

func (h *WebSocketHandler) write(c *wsClient, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal websocket message")
		return
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		h.drop(c)
	}
}

func (h *WebSocketHandler) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	_ = c.conn.Close()
	h.logger.Info().
		Int64("tenant_id", c.tenantID).
		Int("clients", count).
		Msg("WebSocket client disconnected")
}

// Close disconnects every subscriber.
func (h *WebSocketHandler) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]bool)
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}
