// Package server exposes a running workflow's command API over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/cycleflow/internal/broadcast"
	"github.com/me/cycleflow/pkg/model"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Scheduler is the command surface of a running workflow.
type Scheduler interface {
	Dump(ctx context.Context, patterns ...string) (*model.Dump, error)
	Broadcast(ctx context.Context, points, namespaces []string, settings []broadcast.Setting) ([]model.BroadcastRecord, error)
	ClearBroadcast(ctx context.Context, points, namespaces, keys []string) ([]model.BroadcastRecord, error)
	Hold(ctx context.Context, patterns []string) (int, error)
	HoldAfter(ctx context.Context, point string) error
	Release(ctx context.Context, patterns []string) (int, error)
	ReleaseHoldPoint(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	RequestStop(ctx context.Context, req model.StopRequestBody) error
	Trigger(ctx context.Context, patterns []string, flow string, wait bool) ([]string, error)
	SetOutputs(ctx context.Context, patterns, outputs []string, flow string) ([]string, error)
	Kill(ctx context.Context, patterns []string) ([]string, error)
	Remove(ctx context.Context, patterns []string) (int, error)
	TakeCheckpoint(ctx context.Context, name string) (int64, error)
	Subscribe(buf int) (<-chan model.TaskEvent, func())
	Done() <-chan struct{}
}

// Server is the cycleflow command API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	workflow  string
	token     string
	startTime time.Time
	scheduler Scheduler
	gatherer  prometheus.Gatherer

	// CommandTimeout bounds how long a request waits for the scheduler.
	commandTimeout time.Duration
	heartbeat      time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithToken requires every command request to carry token in the
// X-Cycleflow-Token header. Health stays open.
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

// WithGatherer serves the given registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithHeartbeat sets the interval of SSE keep-alive comments.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = d
	}
}

// New creates a new Server with all routes registered.
func New(workflow string, sched Scheduler, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		logger:         logger.With("component", "server"),
		workflow:       workflow,
		startTime:      time.Now(),
		scheduler:      sched,
		gatherer:       prometheus.DefaultGatherer,
		commandTimeout: 30 * time.Second,
		heartbeat:      15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(tokenAuthMiddleware(s.token, s.logger))

			r.Get("/dump", s.handleDump)
			r.Get("/events", s.handleEvents)
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

			r.Post("/broadcast", s.handleBroadcast)
			r.Delete("/broadcast", s.handleClearBroadcast)
			r.Post("/hold", s.handleHold)
			r.Post("/release", s.handleRelease)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/stop", s.handleStop)
			r.Post("/trigger", s.handleTrigger)
			r.Post("/set", s.handleSet)
			r.Post("/kill", s.handleKill)
			r.Post("/remove", s.handleRemove)
			r.Post("/checkpoint", s.handleCheckpoint)
		})
	})
}
