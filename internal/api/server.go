package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"hacoordinator/internal/coordinator"
	"hacoordinator/internal/entries"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Source is what the server reports on
type Source interface {
	Coordinators() []coordinator.Managed
	Entries() []entries.Entry
	Stopping() bool
}

// ServerOption configures the API server
type ServerOption func(*Server)

// WithMetricsHandler mounts h at /metrics
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// Server provides HTTP API endpoints for the coordinator host
type Server struct {
	source  Source
	logger  *zap.Logger
	metrics http.Handler
	router  chi.Router
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(source Source, logger *zap.Logger, port int, opts ...ServerOption) *Server {
	s := &Server{
		source: source,
		logger: logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/entries", s.handleListEntries)
		r.Get("/coordinators", s.handleListCoordinators)
		r.Get("/coordinators/{name}", s.handleGetCoordinator)
		r.Post("/coordinators/{name}/refresh", s.handleRefresh)
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	s.router = r

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth reports ok, or 503 while the host is stopping
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.source.Stopping() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Entries())
}

func (s *Server) handleListCoordinators(w http.ResponseWriter, r *http.Request) {
	coords := s.source.Coordinators()
	statuses := make([]coordinator.Status, 0, len(coords))
	for _, c := range coords {
		statuses = append(statuses, c.Status())
	}
	s.writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) lookup(name string) coordinator.Managed {
	for _, c := range s.source.Coordinators() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// CoordinatorResponse is a coordinator status with its current data
type CoordinatorResponse struct {
	coordinator.Status
	Availability string `json:"availability"`
	Data         any    `json:"data,omitempty"`
}

func (s *Server) handleGetCoordinator(w http.ResponseWriter, r *http.Request) {
	c := s.lookup(chi.URLParam(r, "name"))
	if c == nil {
		s.writeError(w, http.StatusNotFound, "coordinator not found")
		return
	}

	data, _ := c.Value()
	s.writeJSON(w, http.StatusOK, CoordinatorResponse{
		Status:       c.Status(),
		Availability: coordinator.AvailabilityOf(c).String(),
		Data:         data,
	})
}

// handleRefresh requests a debounced refresh of one coordinator
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c := s.lookup(name)
	if c == nil {
		s.writeError(w, http.StatusNotFound, "coordinator not found")
		return
	}

	// The refresh outlives the request once 202 has been written
	if err := c.RequestRefresh(context.WithoutCancel(r.Context())); err != nil {
		if errors.Is(err, coordinator.ErrShutdown) {
			s.writeError(w, http.StatusConflict, "coordinator is shut down")
			return
		}
		s.logger.Warn("Refresh request failed", zap.String("coordinator", name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, c.Status())
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

func (s *Server) endpoints() []Endpoint {
	eps := []Endpoint{
		{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
		{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
		{Path: "/api/entries", Method: "GET", Description: "Config entries and their setup state"},
		{Path: "/api/coordinators", Method: "GET", Description: "Status of every loaded coordinator"},
		{Path: "/api/coordinators/{name}", Method: "GET", Description: "Status and data of one coordinator"},
		{Path: "/api/coordinators/{name}/refresh", Method: "POST", Description: "Request a debounced refresh"},
	}
	if s.metrics != nil {
		eps = append(eps, Endpoint{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"})
	}
	return eps
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	endpoints := s.endpoints()

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.writeJSON(w, http.StatusOK, endpoints)
		return
	}

	// Browsers get HTML, terminals get plain text
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>Coordinator API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Coordinator API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</body>\n</html>\n")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Coordinator API\n")
	fmt.Fprintf(w, "===============\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-34s %s\n", ep.Method, ep.Path, ep.Description)
	}
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
