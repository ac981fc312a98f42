// Package server exposes the harness HTTP surface: the OTLP trace endpoint
// the agents export to, a small read-only run API, and the WebSocket stream.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mcpbench/mcpbench/internal/common/logger"
	"github.com/mcpbench/mcpbench/internal/store"
	"github.com/mcpbench/mcpbench/internal/streaming"
	"github.com/mcpbench/mcpbench/internal/telemetry"
)

// Config tunes the HTTP server.
type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server bundles the gin engine and its http.Server.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	logger *logger.Logger
}

// New assembles the router. The hub may be nil when streaming is disabled.
func New(cfg Config, st store.Store, receiver *telemetry.Receiver, hub *streaming.Hub, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		logger: log,
		srv: &http.Server{
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.POST("/v1/traces", receiver.Handler())
	if hub != nil {
		engine.GET("/ws", gin.WrapF(hub.ServeWS))
	}

	api := engine.Group("/api/v1")
	api.Use(RequestLogger(log))
	registerRunRoutes(api, st, log)
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Serve runs the server on the given listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
