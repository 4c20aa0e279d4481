// AgentRoom server: real-time chat rooms over WebSocket with a read-only
// HTTP side-channel.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/agentroom/agentroom/internal/v1/config"
	"github.com/agentroom/agentroom/internal/v1/dispatcher"
	"github.com/agentroom/agentroom/internal/v1/logging"
	"github.com/agentroom/agentroom/internal/v1/middleware"
	"github.com/agentroom/agentroom/internal/v1/ratelimit"
	"github.com/agentroom/agentroom/internal/v1/room"
	"github.com/agentroom/agentroom/internal/v1/session"
	"github.com/agentroom/agentroom/internal/v1/tracing"
	"github.com/agentroom/agentroom/internal/v1/transport"
	"github.com/agentroom/agentroom/internal/v1/views"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal(context.Background(), "Configuration invalid", zap.Error(err))
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "agentroom", cfg.OtelCollectorAddr)
		if err != nil {
			logging.Fatal(ctx, "Tracer init failed", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	limiter, err := ratelimit.New(cfg.RateLimitWsIP)
	if err != nil {
		logging.Fatal(ctx, "Rate limiter init failed", zap.Error(err))
	}

	sessions := session.NewRegistry()
	rooms := room.NewRegistry(sessions)
	disp := dispatcher.New(sessions, rooms)
	wsServer := transport.NewServer(disp, limiter)

	go disp.Run(ctx)

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("agentroom"))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", middleware.HeaderXCorrelationID},
	}))

	router.GET("/ws", wsServer.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	views.NewHandler(sessions, rooms, time.Now().UTC()).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "AgentRoom server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(context.Background(), "HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logging.Info(context.Background(), "Shutting down")

	wsServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(context.Background(), "HTTP shutdown failed", zap.Error(err))
		os.Exit(1)
	}
}
