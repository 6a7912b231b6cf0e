// Package api exposes the orchestrator over HTTP and a websocket event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	syncpkg "github.com/kimhsiao/ledgersync/internal/sync"
	"github.com/kimhsiao/ledgersync/internal/sync/scheduler"
)

// Background is the part of the background trigger the API reports on.
type Background interface {
	GetStatus() scheduler.State
	TriggerNow(ctx context.Context) (scheduler.RunRecord, error)
}

// Server wires the routes.
type Server struct {
	orch       syncpkg.Orchestrator
	background Background
	hub        *Hub
	router     *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithBackground exposes the background trigger under /v1/background.
func WithBackground(b Background) Option {
	return func(s *Server) { s.background = b }
}

// WithHub sets the websocket hub.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// NewServer creates the HTTP surface over orch.
func NewServer(orch syncpkg.Orchestrator, opts ...Option) *Server {
	s := &Server{orch: orch}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(orch, DefaultHubConfig())
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	v1.POST("/queue", s.enqueue)
	v1.GET("/queue/:id", s.getItem)
	v1.POST("/operations", s.submitOperation)
	v1.GET("/stats", s.stats)
	v1.GET("/deadletters", s.listDeadLetters)
	v1.POST("/deadletters/:id/requeue", s.requeue)
	v1.GET("/conflicts", s.listConflicts)
	v1.POST("/sync", s.syncNow)
	v1.POST("/purge", s.purge)
	v1.GET("/background", s.backgroundStatus)
	v1.POST("/background/trigger", s.backgroundTrigger)
	v1.GET("/events", s.events)

	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("HTTP server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(errors.ErrInternal, "http server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(errors.ErrInternal, "http shutdown failed", err)
	}
	logging.Info("HTTP server stopped")
	return nil
}

// requestLogger logs each request through the structured logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

// statusFor maps an error code onto an HTTP status.
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrValidation:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrInvalidTransition, errors.ErrStaleState, errors.ErrDuplicate, errors.ErrWriteOnly:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.Error("Request failed", err, map[string]interface{}{"path": c.FullPath()})
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"code":  errors.CodeOf(err),
	})
}
