package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentroom/agentroom/internal/v1/logging"
)

// RequestLogger logs each HTTP request with its status and latency. The
// WebSocket endpoint is skipped; connection lifecycle is logged by the
// session registry instead.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == "/ws" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		ctx := context.Background()
		if cid := c.GetString(string(logging.CorrelationIDKey)); cid != "" {
			ctx = context.WithValue(ctx, logging.CorrelationIDKey, cid)
		}

		logging.Info(ctx, "HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
