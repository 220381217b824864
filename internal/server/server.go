// Package server is the gocumulus HTTP API: health probes, version,
// prometheus metrics, job submission and the node table.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gocumulus/internal/errors"
	"github.com/3leaps/gocumulus/internal/observability"
	"github.com/3leaps/gocumulus/internal/server/handlers"
	"github.com/3leaps/gocumulus/internal/server/middleware"
)

// Option configures a Server.
type Option func(*Server)

// WithDispatcher mounts /v1/jobs.
func WithDispatcher(d handlers.Dispatcher) Option {
	return func(s *Server) { s.dispatcher = d }
}

// WithHistory lets GET /v1/jobs list finished jobs.
func WithHistory(h handlers.JobHistory) Option {
	return func(s *Server) { s.history = h }
}

// WithNodes mounts /v1/nodes.
func WithNodes(n handlers.NodeLister) Option {
	return func(s *Server) { s.nodes = n }
}

// WithMetrics mounts /metrics from the observability registry.
func WithMetrics() Option {
	return func(s *Server) { s.metrics = true }
}

// WithPprof mounts /debug/pprof.
func WithPprof() Option {
	return func(s *Server) { s.pprof = true }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTimeouts sets the http.Server timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.httpServer.ReadTimeout = read
		s.httpServer.WriteTimeout = write
		s.httpServer.IdleTimeout = idle
	}
}

type Server struct {
	host       string
	port       int
	router     chi.Router
	httpServer *http.Server
	logger     *zap.Logger

	dispatcher handlers.Dispatcher
	history    handlers.JobHistory
	nodes      handlers.NodeLister
	metrics    bool
	pprof      bool
}

// New builds the router. Port 0 picks a free port at Start.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:       host,
		port:       port,
		httpServer: &http.Server{ReadHeaderTimeout: 10 * time.Second},
		logger:     observability.CLILogger,
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	s.httpServer.Handler = s.router
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery)
	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.metrics {
		if h, err := observability.MetricsHandler(); err == nil {
			r.Method(http.MethodGet, "/metrics", h)
		} else {
			s.logger.Warn("Metrics endpoint disabled", zap.Error(err))
		}
	}
	if s.pprof {
		r.HandleFunc("/debug/pprof/*", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	r.Route("/v1", func(r chi.Router) {
		if s.dispatcher != nil {
			jobs := handlers.JobsAPI{Engine: s.dispatcher, History: s.history}
			r.Post("/jobs", jobs.Submit)
			r.Get("/jobs", jobs.List)
			r.Get("/jobs/{id}", jobs.Get)
		}
		nodes := handlers.NodesAPI{Nodes: s.nodes}
		r.Get("/nodes", nodes.List)
	})
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

// Port is the configured port, or the bound one after Start with port 0.
func (s *Server) Port() int { return s.port }

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.httpServer.Addr = ln.Addr().String()
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
