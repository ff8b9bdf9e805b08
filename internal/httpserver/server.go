// Package httpserver exposes the agent's local operational surface:
// health, readiness, liveness, and Prometheus metrics. It never serves the
// controller's dashboard or API — it is a loopback-friendly sidecar the
// fleet's monitoring already knows how to scrape, grounded on the same
// gin-gonic handlers the controller's own health endpoints use.
package httpserver

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leaseshift/agent/pkg/logger"
)

// Server wraps a gin router and the http.Server bound to it.
type Server struct {
	addr       string
	httpServer *http.Server
	startTime  time.Time
	ready      atomic.Bool
}

// New builds the server bound to addr; it is not listening until Start runs.
func New(addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{addr: addr, startTime: time.Now()}

	router.GET("/health", s.healthCheck)
	router.HEAD("/health", s.healthCheck)
	router.GET("/ready", s.readinessCheck)
	router.GET("/live", s.livenessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.httpServer = &http.Server{Addr: addr, Handler: router}
	return s
}

// MarkReady flips the readiness probe to 200; called once the supervisor's
// startup sequence (through controller registration) has completed.
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

// Start runs the listener in the background. A bind failure is logged but
// not fatal: the local operational surface is an auxiliary, not a
// dependency of the agent's core loops.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("local http surface stopped unexpectedly", err, map[string]interface{}{
				"addr": s.addr,
			})
		}
	}()
}

// Shutdown gracefully stops the listener within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) readinessCheck(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}
