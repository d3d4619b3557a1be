// Package server assembles the HTTP surface: the gin engine with its
// middleware stack, the health endpoint, and per-domain route registration
// for chat, sessions, MCP configuration, rules, and profiles.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/config"
	"github.com/parley/parley/internal/common/httpmw"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/version"
)

// Server owns the gin engine and the http.Server lifecycle.
type Server struct {
	engine  *gin.Engine
	httpSrv *http.Server
	logger  *logger.Logger
	started time.Time
}

// New builds the engine with the shared middleware stack and the health
// endpoint. Routes are registered by the caller through Router.
func New(cfg *config.Config, log *logger.Logger) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(httpmw.RequestID())
	engine.Use(httpmw.RequestLogger(log, "parley"))
	engine.Use(httpmw.OtelTracing("parley"))

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}

	s := &Server{
		engine: engine,
		httpSrv: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		},
		logger:  log.WithFields(zap.String("component", "server")),
		started: time.Now(),
	}
	engine.GET("/health", s.health)
	return s
}

// Router exposes the engine for route registration.
func (s *Server) Router() *gin.Engine {
	return s.engine
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.httpSrv.Addr
}

// Start blocks serving requests until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"version":        version.Get().Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}
