// Package ws serves the realtime WebSocket: one connection hosts one
// logged-in party's session and speaks a JSON command/push protocol.
package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trainhub-realtime/internal/domain"
	"trainhub-realtime/internal/media/pion"
	"trainhub-realtime/internal/middleware"
	"trainhub-realtime/internal/port"
	"trainhub-realtime/internal/service/session"
	"trainhub-realtime/pkg/constants"
	"trainhub-realtime/pkg/logger"
	"trainhub-realtime/pkg/metrics"
)

// TransportFactory builds the media transport of one connection.
// sig relays SDP offers to that connection's client.
type TransportFactory func(sig pion.Signaler) port.MediaTransport

// HubConfig holds connection limits
type HubConfig struct {
	AllowedOrigins []string
	MaxConnections int
}

// SessionHub owns the live client connections
type SessionHub struct {
	deps         session.Deps
	newTransport TransportFactory
	metrics      *metrics.Metrics
	upgrader     websocket.Upgrader

	maxConnections int
	semaphore      chan struct{}

	mu      sync.Mutex
	clients map[*Client]struct{}
	wg      sync.WaitGroup
}

// NewSessionHub creates a hub
func NewSessionHub(deps session.Deps, newTransport TransportFactory, m *metrics.Metrics, cfg HubConfig) *SessionHub {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1000
	}
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}

	return &SessionHub{
		deps:         deps,
		newTransport: newTransport,
		metrics:      m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin.
				return origin == "" || allowed[origin]
			},
		},
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
		clients:        make(map[*Client]struct{}),
	}
}

// ServeWS upgrades an authenticated request and starts the party's session
func (h *SessionHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	client, ok := h.open(c)
	if !ok {
		<-h.semaphore
		return
	}

	h.register(client)
	client.watch()
	go client.writePump()
	go client.pushLoop()
	go client.readPump()

	logger.Info("Realtime session opened",
		zap.String("user_id", client.user.ID),
		zap.String("kind", string(client.user.Kind)))
}

// open upgrades the connection and starts the session. On failure it has
// already answered the request.
func (h *SessionHub) open(c *gin.Context) (*Client, bool) {
	user, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", zap.String("user_id", user.ID), zap.Error(err))
		return nil, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, constants.WebSocketSendBuffer),
		user:   user,
		ctx:    ctx,
		cancel: cancel,
		dirty:  make(chan struct{}, 1),
	}
	transport := h.newTransport(client)
	client.answerer, _ = transport.(sdpAnswerer)
	client.session = session.New(h.deps, user, transport)

	if err := client.session.Start(ctx); err != nil {
		logger.Error("Failed to start realtime session", zap.String("user_id", user.ID), zap.Error(err))
		client.session.Close(ctx)
		cancel()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"))
		_ = conn.Close()
		return nil, false
	}
	return client, true
}

func identity(c *gin.Context) (domain.Participant, bool) {
	id := c.GetString(middleware.ContextUserID)
	if id == "" {
		return domain.Participant{}, false
	}
	kind := domain.ParticipantKind(c.GetString(middleware.ContextKind))
	switch kind {
	case domain.ParticipantOperator, domain.ParticipantContact:
	case "":
		kind = domain.ParticipantContact
	default:
		return domain.Participant{}, false
	}
	name := c.GetString(middleware.ContextDisplayName)
	if name == "" {
		name = id
	}
	return domain.Participant{ID: id, DisplayName: name, Kind: kind, Online: true, Active: true}, true
}

func (h *SessionHub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	h.metrics.WebSocketConnected()
}

func (h *SessionHub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.metrics.WebSocketDisconnected()
	<-h.semaphore
	h.wg.Done()
}

// Connections returns the number of live clients
func (h *SessionHub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown disconnects every client and waits for their sessions to close
// (calls ended, presence cleared) or for ctx to expire.
func (h *SessionHub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for c := range h.clients {
		c.cancel()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
