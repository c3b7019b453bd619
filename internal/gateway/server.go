// Package gateway is the HTTP surface of stagecast: the SSE streaming
// endpoint, the point-read status endpoint, health, and metrics.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stagecast/stagecast/internal/broadcast"
	"github.com/stagecast/stagecast/internal/config"
	"github.com/stagecast/stagecast/internal/logger"
	"github.com/stagecast/stagecast/internal/metrics"
	"github.com/stagecast/stagecast/pkg/stagelog"
)

// Server serves the gateway HTTP API.
type Server struct {
	client  *stagelog.Client
	manager *broadcast.Manager
	log     *logger.Logger
	metrics *metrics.Collector
	cfg     config.GatewayConfig

	engine *gin.Engine
	http   *http.Server
}

// New builds the gateway server and its routes.
func New(client *stagelog.Client, manager *broadcast.Manager, log *logger.Logger, collector *metrics.Collector, cfg config.GatewayConfig) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		client:  client,
		manager: manager,
		log:     log.With("component", "gateway"),
		metrics: collector,
		cfg:     cfg,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/stream/:job_id", s.handleStream)
	engine.GET("/status/:job_id", s.handleStatus)
	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(collector.Handler()))

	s.engine = engine
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.engine,
		ReadTimeout: 5 * time.Second,
		// No WriteTimeout: streaming sessions are long-lived and bounded
		// by MaxStreamWait instead.
	}

	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("gateway server error", "error", err)
		}
	}()

	s.log.Info("gateway listening", "addr", s.cfg.Addr)
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// handleHealth returns 200 when Redis is reachable, 503 otherwise.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
