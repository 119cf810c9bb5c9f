package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatwave-callkit/internal/call"
	"chatwave-callkit/pkg/constants"
	"chatwave-callkit/pkg/env"
	"chatwave-callkit/pkg/logger"
	"chatwave-callkit/pkg/metrics"
)

// EventHandler streams call lifecycle events to control surface clients.
// Each connected client gets its own subscription on the call manager; slow
// clients are disconnected rather than allowed to block event delivery.
type EventHandler struct {
	manager *call.Manager
	metrics *metrics.Metrics

	maxConnections int
	semaphore      chan struct{}
}

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients (no Origin header) are allowed; browsers
			// must match the configured origin list.
			return true
		}
		if env.GetBool("WS_ALLOW_ANY_ORIGIN", false) {
			return true
		}
		for _, allowed := range allowedOrigins() {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// NewEventHandler creates an event stream handler. Metrics may be nil.
func NewEventHandler(manager *call.Manager, m *metrics.Metrics) *EventHandler {
	maxConns := env.GetInt("WS_MAX_EVENT_CONNECTIONS", 64)
	if maxConns <= 0 {
		maxConns = 64
	}

	return &EventHandler{
		manager:        manager,
		metrics:        m,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// ServeWS handles WebSocket requests for the call event stream
// GET /v1/calls/events
func (h *EventHandler) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	conn, err := eventUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	events, cancel := h.manager.Subscribe()
	client := &eventClient{
		handler: h,
		conn:    conn,
		events:  events,
		cancel:  cancel,
	}

	if h.metrics != nil {
		h.metrics.IncrementWebSocketConnections()
	}

	go client.writePump()
	go client.readPump()
}

type eventClient struct {
	handler *EventHandler
	conn    *websocket.Conn
	events  chan call.Event
	cancel  func()
}

func (c *eventClient) close() {
	c.cancel()
	c.conn.Close()
	<-c.handler.semaphore
	if c.handler.metrics != nil {
		c.handler.metrics.DecrementWebSocketConnections()
	}
}

// readPump drains the connection so close frames and pongs are processed.
// Clients do not send application messages on this stream.
func (c *eventClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval + constants.WebSocketWriteTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval + constants.WebSocketWriteTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards manager events to the client and keeps the connection
// alive with pings.
func (c *eventClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			payload, err := json.Marshal(event)
			if err != nil {
				logger.Warn("Failed to marshal event", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// allowedOrigins returns the browser origins permitted to open the event
// stream, from WS_ALLOWED_ORIGINS (comma-separated).
func allowedOrigins() []string {
	return env.GetStringSlice("WS_ALLOWED_ORIGINS", []string{"http://localhost:3000"})
}
