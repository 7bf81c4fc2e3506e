// Package server exposes the job trigger and the analysis history over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"watchlist-analyzer/internal/job"
	"watchlist-analyzer/internal/storage"
)

// Runner triggers one job run.
type Runner interface {
	Run(ctx context.Context) (job.Summary, error)
}

// Config holds server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Runner       Runner
	Analyses     storage.AnalysisStore
	Runs         storage.JobRunStore
	JobName      string
	Logger       zerolog.Logger
}

// Server is the HTTP front of the analyzer.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	runner   Runner
	analyses storage.AnalysisStore
	runs     storage.JobRunStore
	jobName  string
	log      zerolog.Logger
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		runner:   cfg.Runner,
		analyses: cfg.Analyses,
		runs:     cfg.Runs,
		jobName:  cfg.JobName,
		log:      cfg.Logger.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	// The trigger runs synchronously for up to the job deadline, so it sits
	// outside the request timeout applied to queries.
	s.router.Post("/jobs/analyze-watchlist", s.handleTrigger)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/analyses", s.handleListAnalyses)
		r.Get("/analyses/{ticker}/latest", s.handleLatestAnalysis)
		r.Get("/jobs/runs", s.handleListRuns)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
