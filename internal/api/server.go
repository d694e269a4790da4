// Package api exposes the job service over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/livinlefevreloca/jobservice/internal/job"
	"github.com/livinlefevreloca/jobservice/internal/service"
)

// JobService is the set of operations the API serves
type JobService interface {
	Create(ctx context.Context, req service.CreateRequest) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, f job.Filter) ([]*job.Job, error)
	Cancel(ctx context.Context, id string) (*job.Job, error)
	Reschedule(ctx context.Context, id string, fireAt time.Time) (*job.Job, error)
	Attempts(ctx context.Context, id string) ([]job.Attempt, error)
	Counts(ctx context.Context) (map[job.State]int64, error)
}

var _ JobService = (*service.Service)(nil)

// Server routes HTTP requests to the job service
type Server struct {
	jobs   JobService
	logger *slog.Logger
	stats  map[string]func() any

	mux    *http.ServeMux
	server *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithStats adds the snapshot returned by fn to GET /stats under name
func WithStats(name string, fn func() any) Option {
	return func(s *Server) { s.stats[name] = fn }
}

// NewServer creates the API server
func NewServer(jobs JobService, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		jobs:   jobs,
		logger: logger,
		stats:  make(map[string]func() any),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves the API on addr until Shutdown. It returns
// http.ErrServerClosed after Shutdown, even when Shutdown came first.
func (s *Server) ListenAndServe(addr string) error {
	s.server.Addr = addr
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("DELETE /jobs/{id}", s.handleCancelJob)
	s.mux.HandleFunc("PATCH /jobs/{id}", s.handleRescheduleJob)
	s.mux.HandleFunc("GET /jobs/{id}/attempts", s.handleListAttempts)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// statusRecorder captures the response code for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
