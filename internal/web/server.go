// Package web serves the read-only status API: runs, their execution
// history, and their invocation audit trail. It never mutates state.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/logging"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/service/discovery"
)

// Config holds the server configuration.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8790",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		CORSOrigins:     []string{"http://localhost:5173"},
	}
}

// Server exposes run state over HTTP.
type Server struct {
	manager    *discovery.Manager
	router     chi.Router
	httpServer *http.Server
	config     Config
	logger     *logging.Logger
}

// New creates a server over the given manager.
func New(cfg Config, manager *discovery.Manager, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		manager: manager,
		config:  cfg,
		logger:  logger,
	}
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})
	r.Use(corsMiddleware.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{runID}", s.handleGetRun)
		r.Get("/{runID}/history", s.handleRunHistory)
	})

	return r
}

// Start runs the server until the context is canceled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", s.config.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.manager.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := core.RunID(chi.URLParam(r, "runID"))
	snapshot, err := s.manager.Status(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	runID := core.RunID(chi.URLParam(r, "runID"))
	snapshot, err := s.manager.Status(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":      snapshot.Run.ID,
		"executions":  snapshot.Executions,
		"invocations": snapshot.Invocations,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	var derr *core.DomainError
	if errors.As(err, &derr) {
		code = derr.Code
		switch derr.Category {
		case core.ErrCatNotFound:
			status = http.StatusNotFound
		case core.ErrCatValidation:
			status = http.StatusBadRequest
		case core.ErrCatConflict:
			status = http.StatusConflict
		}
	}
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  code,
	})
}
