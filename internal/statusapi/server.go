// Package statusapi serves the trigger router's health, reliability stats
// and Prometheus metrics over HTTP.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hivemind-run/hivemind/internal/logging"
	"github.com/hivemind-run/hivemind/internal/monitoring"
	"github.com/hivemind-run/hivemind/internal/reliability"
)

const shutdownTimeout = 5 * time.Second

var (
	registerOnce sync.Once

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hivemind",
			Subsystem: "statusapi",
			Name:      "requests_total",
			Help:      "Status API requests by method, route and status code.",
		},
		[]string{"method", "path", "status"},
	)
)

// StatsSource supplies the reliability snapshot. *reliability.Stats
// satisfies it.
type StatsSource interface {
	Snapshot() reliability.Snapshot
}

// PaneSource supplies pane status and history. *monitoring.Tracker
// satisfies it.
type PaneSource interface {
	AllStatuses() []monitoring.StatusReport
	Performance(paneID string) monitoring.Performance
}

// OverrideSink pins and clears operator status overrides.
// *monitoring.Tracker satisfies it.
type OverrideSink interface {
	SetOverride(paneID string, status monitoring.PaneStatus, message string)
	ClearOverride(paneID string)
}

// DedupSource supplies the sequence store contents.
type DedupSource interface {
	Snapshot() map[string]map[string]int
}

// Options configures a Server. Stats is required.
type Options struct {
	Stats     StatsSource
	Panes     PaneSource
	Dedup     DedupSource
	// Overrides enables PUT and DELETE on /panes/:id/override.
	Overrides OverrideSink
	Logger    *slog.Logger
}

// Server is the status HTTP API.
type Server struct {
	opts   Options
	log    *slog.Logger
	engine *gin.Engine
}

// New builds the gin engine and registers the routes.
func New(opts Options) *Server {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequestsTotal)
	})
	reliability.RegisterMetrics()

	s := &Server{
		opts: opts,
		log:  logging.OrDefault(opts.Logger).With("component", "statusapi"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestIDMiddleware(), metricsMiddleware(), s.requestLogger())

	router.GET("/healthz", s.health)
	router.GET("/stats", s.stats)
	router.GET("/panes", s.panes)
	router.PUT("/panes/:id/override", s.setOverride)
	router.DELETE("/panes/:id/override", s.clearOverride)
	router.GET("/dedup", s.dedup)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("status API listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down status API: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// paneView is one pane in the /stats and /panes responses.
type paneView struct {
	monitoring.StatusReport
	Completions int64   `json:"completions"`
	Errors      int64   `json:"errors"`
	ErrorRate   float64 `json:"error_rate"`
	AvgMs       int64   `json:"avg_response_ms"`
}

func (s *Server) paneViews() []paneView {
	if s.opts.Panes == nil {
		return []paneView{}
	}
	reports := s.opts.Panes.AllStatuses()
	out := make([]paneView, 0, len(reports))
	for _, r := range reports {
		p := s.opts.Panes.Performance(r.PaneID)
		out = append(out, paneView{
			StatusReport: r,
			Completions:  p.Completions,
			Errors:       p.Errors,
			ErrorRate:    p.ErrorRate(),
			AvgMs:        p.AvgResponse.Milliseconds(),
		})
	}
	return out
}

func (s *Server) stats(c *gin.Context) {
	if s.opts.Stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reliability": s.opts.Stats.Snapshot(),
		"panes":       s.paneViews(),
	})
}

func (s *Server) panes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"panes": s.paneViews()})
}

// overrideRequest is the body of PUT /panes/:id/override.
type overrideRequest struct {
	Status  string `json:"status" binding:"required"`
	Message string `json:"message"`
}

func (s *Server) setOverride(c *gin.Context) {
	if s.opts.Overrides == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "overrides not available"})
		return
	}
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := monitoring.ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pane := c.Param("id")
	s.opts.Overrides.SetOverride(pane, status, req.Message)
	s.log.Info("status override set", "pane", pane, "status", status)
	c.JSON(http.StatusOK, gin.H{"pane_id": pane, "status": status})
}

func (s *Server) clearOverride(c *gin.Context) {
	if s.opts.Overrides == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "overrides not available"})
		return
	}
	pane := c.Param("id")
	s.opts.Overrides.ClearOverride(pane)
	s.log.Info("status override cleared", "pane", pane)
	c.Status(http.StatusNoContent)
}

func (s *Server) dedup(c *gin.Context) {
	if s.opts.Dedup == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "dedup state not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.opts.Dedup.Snapshot()})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		requestID, _ := c.Get("requestID")
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"request_id", requestID)
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, fmt.Sprintf("%d", c.Writer.Status())).Inc()
	}
}
