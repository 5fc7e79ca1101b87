// Package api exposes the runner over HTTP.
//
// Routes (all JSON unless noted):
//
//	GET  /api/health              liveness and number of active runs
//	GET  /api/version             build information
//	GET  /api/system              host resources (when a collector is set)
//	GET  /api/runs                recent runs, newest first (?limit=N)
//	POST /api/runs                start a run from an uploaded file or a path
//	GET  /api/runs/:id            one run
//	GET  /api/runs/:id/script     script source (text/plain)
//	GET  /api/runs/:id/log        log lines after ?offset=N
//	GET  /api/runs/:id/usage      CPU and memory of the live process
//	POST /api/runs/:id/stop       stop a running run
//	GET  /api/runs/:id/stream     websocket tail of the run log
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/stha-sanket/RPA-App/internal/runs"
	"github.com/stha-sanket/RPA-App/internal/stats"
)

const (
	defaultListLimit  = 50
	defaultRefresh    = time.Second
	defaultUploadSize = 10 << 20
)

// Config configures the HTTP server.
type Config struct {
	Addr string

	// AllowedOrigins lists browser origins for CORS and websocket upgrades.
	// Empty or "*" allows any origin.
	AllowedOrigins []string

	// RefreshInterval is how often the stream endpoint polls a run log.
	RefreshInterval time.Duration

	// MaxUploadBytes caps the request body of a script upload.
	MaxUploadBytes int64
}

// Server serves the runner API.
type Server struct {
	cfg      Config
	runs     *runs.Manager
	host     *stats.Collector
	logger   *slog.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
	srv      *http.Server
	addr     net.Addr
}

// New builds a Server and its routes. It does not listen until Start.
func New(cfg Config, manager *runs.Manager, logger *slog.Logger) *Server {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefresh
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultUploadSize
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		runs:   manager,
		logger: logger.With(slog.String("component", "api")),
		engine: gin.New(),
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}

	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.engine.Use(cors.New(s.corsConfig()))
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	{
		api.GET("/health", s.health)
		api.GET("/version", s.getVersion)
		api.GET("/system", s.getSystem)

		api.GET("/runs", s.listRuns)
		api.POST("/runs", s.createRun)
		api.GET("/runs/:id", s.getRun)
		api.GET("/runs/:id/script", s.getScript)
		api.GET("/runs/:id/log", s.getLog)
		api.GET("/runs/:id/usage", s.getUsage)
		api.POST("/runs/:id/stop", s.stopRun)
		api.GET("/runs/:id/stream", s.streamRun)
	}
}

// SetCollector enables GET /api/system.
func (s *Server) SetCollector(c *stats.Collector) {
	s.host = c
}

func (s *Server) allowAll() bool {
	return len(s.cfg.AllowedOrigins) == 0 || slices.Contains(s.cfg.AllowedOrigins, "*")
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	if s.allowAll() {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.cfg.AllowedOrigins
	}
	return cfg
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowAll() {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

// requestLogger logs each request at debug level, and server errors at error.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			s.logger.Error("request failed", attrs...)
			return
		}
		s.logger.Debug("request", attrs...)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	s.addr = ln.Addr()
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("http server listening", slog.String("addr", s.addr.String()))
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Open websocket streams end when their runs finish or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("http server shutting down")
	return s.srv.Shutdown(ctx)
}
