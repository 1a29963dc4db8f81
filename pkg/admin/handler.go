// Package admin exposes the router and dispatcher over HTTP: agent and
// breaker inspection, breaker resets, dispatch, health and Prometheus
// metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/syntor/relay/pkg/dispatch"
	"github.com/syntor/relay/pkg/logging"
	"github.com/syntor/relay/pkg/models"
	"github.com/syntor/relay/pkg/router"
)

// Router is the part of *router.Server the admin surface reads and resets
type Router interface {
	Agents() []string
	Stats() router.ServerStats
	AgentStats(id string) (router.AgentStats, bool)
	AllAgentStats() []router.AgentStats
	ResetBreaker(id string) bool
	ResetAllBreakers()
}

// Dispatcher is the part of *dispatch.Dispatcher the admin surface uses
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) models.Result
	Stats() dispatch.Stats
}

// AgentsResponse is the body of GET /v1/agents
type AgentsResponse struct {
	Server router.ServerStats  `json:"server"`
	Agents []router.AgentStats `json:"agents"`
}

// ResetResponse is the body of the breaker reset routes
type ResetResponse struct {
	Reset []string `json:"reset"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// Option configures a Handler
type Option func(*Handler)

// WithDispatcher enables the dispatch routes
func WithDispatcher(d Dispatcher) Option {
	return func(h *Handler) { h.dispatcher = d }
}

// WithMetricsHandler serves h on /metrics
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithHealthChecker replaces the default checker
func WithHealthChecker(hc *HealthChecker) Option {
	return func(h *Handler) { h.health = hc }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// Handler serves the admin routes
type Handler struct {
	router     Router
	dispatcher Dispatcher
	metrics    http.Handler
	health     *HealthChecker
	logger     logging.Logger
	mux        *http.ServeMux
}

// NewHandler creates the admin handler for r
func NewHandler(r Router, opts ...Option) *Handler {
	h := &Handler{
		router: r,
		logger: logging.NewNop(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.health == nil {
		h.health = NewHealthChecker()
		h.health.RegisterCheck("agents", AgentsCheck(r))
		h.health.RegisterCheck("breakers", BreakersCheck(r))
	}

	h.mux.HandleFunc("GET /v1/agents", h.listAgents)
	h.mux.HandleFunc("GET /v1/agents/{id}", h.getAgent)
	h.mux.HandleFunc("POST /v1/breakers/reset", h.resetAllBreakers)
	h.mux.HandleFunc("POST /v1/breakers/{id}/reset", h.resetBreaker)
	h.mux.HandleFunc("POST /v1/dispatch", h.dispatch)
	h.mux.HandleFunc("GET /v1/dispatch/stats", h.dispatchStats)
	h.mux.Handle("GET /healthz", h.health)
	if h.metrics != nil {
		h.mux.Handle("GET /metrics", h.metrics)
	}
	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(rec, r)
	h.logger.Debug("Admin request",
		logging.String("method", r.Method),
		logging.String("path", r.URL.Path),
		logging.Int("status", rec.status),
		logging.Duration("duration", time.Since(start)))
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AgentsResponse{
		Server: h.router.Stats(),
		Agents: h.router.AllAgentStats(),
	})
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stats, ok := h.router.AgentStats(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not registered: "+id)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.router.ResetBreaker(id) {
		writeError(w, http.StatusNotFound, "agent not registered: "+id)
		return
	}
	h.logger.Info("Circuit breaker reset", logging.AgentID(id))
	writeJSON(w, http.StatusOK, ResetResponse{Reset: []string{id}})
}

func (h *Handler) resetAllBreakers(w http.ResponseWriter, r *http.Request) {
	h.router.ResetAllBreakers()
	ids := h.router.Agents()
	h.logger.Info("All circuit breakers reset", logging.Int("count", len(ids)))
	writeJSON(w, http.StatusOK, ResetResponse{Reset: ids})
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not configured")
		return
	}

	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	writeJSON(w, http.StatusOK, h.dispatcher.Dispatch(r.Context(), req))
}

func (h *Handler) dispatchStats(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.dispatcher.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Server runs the admin handler on an address
type Server struct {
	http   *http.Server
	logger logging.Logger
}

// NewServer creates an admin server listening on addr
func NewServer(addr string, handler http.Handler, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Admin server listening", logging.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("Admin server stopped")
	return nil
}
