// Package ratelimit guards the WebSocket handshake with a per-IP limit.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/agentroom/agentroom/internal/v1/logging"
	"github.com/agentroom/agentroom/internal/v1/metrics"
)

// Limiter wraps the handshake rate limiter. All state is process-local;
// the service runs single-node, so the in-memory store suffices.
type Limiter struct {
	wsIP  *limiter.Limiter
	store limiter.Store
}

// New creates a Limiter from a formatted rate such as "100-M".
func New(wsIPRate string) (*Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(wsIPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	store := memory.NewStore()

	return &Limiter{
		wsIP:  limiter.New(store, rate),
		store: store,
	}, nil
}

// AllowWebSocket checks whether a new WebSocket handshake from this client
// IP should be allowed. Returns false after writing the 429 response.
func (l *Limiter) AllowWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := l.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return true // Fail open
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}
