package transport

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentroom/agentroom/internal/v1/logging"
	"github.com/agentroom/agentroom/internal/v1/protocol"
	"github.com/agentroom/agentroom/internal/v1/ratelimit"
)

// Server upgrades HTTP requests to WebSocket clients and tracks them for
// graceful shutdown.
type Server struct {
	router  Router
	limiter *ratelimit.Limiter

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewServer creates a transport server. limiter may be nil to disable
// handshake rate limiting.
func NewServer(router Router, limiter *ratelimit.Limiter) *Server {
	return &Server{
		router:  router,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; access
			// control happens in-band via authentication.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*Client]struct{}),
	}
}

// ServeWs is the gin handler for the WebSocket endpoint.
func (s *Server) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	if s.limiter != nil && !s.limiter.AllowWebSocket(c) {
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(ctx, "WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(ws, s.router, s.untrack)
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	s.router.HandleConnect(client)

	go client.writePump()
	go client.readPump()
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// Shutdown closes every live connection with a normal close frame.
func (s *Server) Shutdown() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Close(protocol.CloseNormal, "Server shutting down")
	}
}
