// Package api exposes the orchestrator over HTTP: test submission, polling,
// cancellation, screenshot and report download, and live progress streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/browsertest/pkg/bus"
	bterrors "github.com/odvcencio/browsertest/pkg/errors"
	"github.com/odvcencio/browsertest/pkg/logging"
	"github.com/odvcencio/browsertest/pkg/orchestrator"
	"github.com/odvcencio/browsertest/pkg/storage"
	"github.com/odvcencio/browsertest/pkg/testcase"
)

const maxRequestBytes = 1 << 20

// ResultLister lists stored terminal results.
type ResultLister interface {
	ListResults(ctx context.Context, filter storage.ResultFilter) ([]storage.ResultSummary, error)
}

// Server is the browsertest HTTP API.
type Server struct {
	orch       *orchestrator.Orchestrator
	results    ResultLister
	eventBus   bus.MessageBus
	log        *logging.Logger
	origins    []string
	heartbeat  time.Duration
	now        func() time.Time
	router     chi.Router
	httpServer *http.Server
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Address to listen on (default: 127.0.0.1:8000)
	Address string

	// Orchestrator runs submitted tests. Required.
	Orchestrator *orchestrator.Orchestrator

	// Results backs GET /api/v1/tests (optional)
	Results ResultLister

	// EventBus feeds the SSE stream (optional)
	EventBus bus.MessageBus

	Logger *logging.Logger

	// AllowedOrigins for CORS and WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string

	ReadHeaderTimeout time.Duration

	// StreamHeartbeat is the SSE keep-alive interval (default: 15s)
	StreamHeartbeat time.Duration
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("api: orchestrator is required")
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8000"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.StreamHeartbeat <= 0 {
		cfg.StreamHeartbeat = 15 * time.Second
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}

	s := &Server{
		orch:      cfg.Orchestrator,
		results:   cfg.Results,
		eventBus:  cfg.EventBus,
		log:       cfg.Logger,
		origins:   cfg.AllowedOrigins,
		heartbeat: cfg.StreamHeartbeat,
		now:       time.Now,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)
	router.Use(s.loggingMiddleware)

	router.Get("/health", s.handleHealth)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Post("/run-test", s.handleRunTest)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/stream", s.handleStream)
		r.Route("/tests", func(r chi.Router) {
			r.Post("/", s.handleSubmitTest)
			r.Get("/", s.handleListTests)
			r.Get("/{testID}", s.handleGetTest)
			r.Post("/{testID}/cancel", s.handleCancelTest)
			r.Get("/{testID}/screenshots/{step}", s.handleScreenshot)
			r.Get("/{testID}/export", s.handleExport)
			r.Get("/{testID}/ws", s.handleProgressSocket)
		})
	})
	s.router = router

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"timestamp":   s.now().UTC().Format(time.RFC3339Nano),
		"active_runs": s.orch.Active(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// errorResponse is the body of every non-2xx JSON reply produced from an error.
type errorResponse struct {
	Error      string               `json:"error"`
	Code       bterrors.ErrorCode   `json:"code,omitempty"`
	Violations []testcase.Violation `json:"violations,omitempty"`
}

// writeAPIError maps an error to its HTTP status.
func (s *Server) writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := errorResponse{Error: "internal error", Code: bterrors.GetCode(err)}

	switch {
	case bterrors.IsValidation(err):
		status = http.StatusBadRequest
		body.Violations = testcase.ViolationsFrom(err)
	case bterrors.IsNotFound(err), errors.Is(err, orchestrator.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrRunFinished):
		status = http.StatusConflict
		body.Code = ""
	case errors.Is(err, orchestrator.ErrShuttingDown):
		status = http.StatusServiceUnavailable
		body.Code = ""
	}

	if e, ok := bterrors.As(err); ok {
		body.Error = e.Public()
	} else if status != http.StatusInternalServerError {
		body.Error = err.Error()
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, body)
}
