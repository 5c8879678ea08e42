// Package web provides the HTTP API of the batch service.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/vdyp-batch/internal/config"
	"github.com/JonMunkholm/vdyp-batch/internal/core"
	"github.com/JonMunkholm/vdyp-batch/internal/web/middleware"
)

// defaultMaxUploadSize bounds a multipart start request when Options leaves
// it unset.
const defaultMaxUploadSize = 2 << 30

// multipartMemory is the part of an upload kept in memory; the rest spills
// to temp files.
const multipartMemory = 32 << 20

// Options configures a Server.
type Options struct {
	Server        config.ServerConfig
	Security      config.SecurityConfig
	MaxUploadSize int64

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	Logger *slog.Logger
}

// Server is the HTTP server of the batch service.
type Server struct {
	service *core.Service
	opts    Options
	logger  *slog.Logger
	router  *chi.Mux
	server  *http.Server
	started time.Time
}

// NewServer creates a new Server instance.
func NewServer(service *core.Service, opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = defaultMaxUploadSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		service: service,
		opts:    opts,
		logger:  opts.Logger,
		router:  chi.NewRouter(),
		started: time.Now(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.opts.Security.TrustedProxies))
	s.router.Use(withClientIP)
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	if s.opts.MetricsHandler != nil {
		s.router.Handle("/metrics", s.opts.MetricsHandler)
	}

	s.router.Route("/api/batch", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(&s.opts.Security))

		r.Post("/start", s.handleStart)
		r.Post("/stop/{jobID}", s.handleStop)
		r.Get("/status/{jobID}", s.handleStatus)
		r.Get("/metrics/{jobID}", s.handleMetrics)
		r.Get("/progress/{jobID}", s.handleProgress)
		r.Get("/download/{jobID}", s.handleDownload)
		r.Get("/jobs", s.handleJobs)
		r.Get("/statistics", s.handleStatistics)
		r.Get("/health", s.handleBatchHealth)
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	cfg := s.opts.Server
	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.logger.Info("starting server", "addr", cfg.Addr())
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		requestLogger(r).Error("json encode error", "error", err)
	}
}
