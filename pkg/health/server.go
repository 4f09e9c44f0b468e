// Package health serves the endpoints an orchestrator polls: liveness,
// readiness and Prometheus metrics. The server is meant to run as one of the
// runner's auxiliary tasks.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// DefaultPort is the port used when no address is configured.
const DefaultPort = 8080

// DefaultStopTimeout bounds how long Run waits for in-flight requests when
// its context is cancelled.
const DefaultStopTimeout = 2 * time.Second

// Route paths.
const (
	PathAlive   = "/isAlive"
	PathReady   = "/isReady"
	PathMetrics = "/metrics"
)

// Option configures a Server.
type Option func(*Server)

// WithPort listens on all interfaces on port.
func WithPort(port int) Option {
	return func(s *Server) {
		s.addr = fmt.Sprintf(":%d", port)
	}
}

// WithAddr sets the full listen address, e.g. "127.0.0.1:0".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithGatherer sets the metrics source for /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithRegistry exposes reg on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return WithGatherer(reg)
}

// WithReadiness sets the function consulted by /isReady.
func WithReadiness(ready func() bool) Option {
	return func(s *Server) {
		s.ready = ready
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logr.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithStopTimeout overrides DefaultStopTimeout.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.stopTimeout = d
	}
}

// Server is the liveness/readiness/metrics HTTP server.
type Server struct {
	addr        string
	gatherer    prometheus.Gatherer
	ready       func() bool
	logger      logr.Logger
	stopTimeout time.Duration

	started atomic.Bool
	srv     *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a server. Without WithGatherer the default Prometheus
// registry is exposed; without WithReadiness the server reports ready as
// soon as it has started.
func NewServer(opts ...Option) *Server {
	s := &Server{
		addr:        fmt.Sprintf(":%d", DefaultPort),
		gatherer:    prometheus.DefaultGatherer,
		logger:      logr.Discard(),
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathAlive, s.handleAlive)
	mux.HandleFunc("GET "+PathReady, s.handleReady)
	mux.Handle("GET "+PathMetrics, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handleAlive(w http.ResponseWriter, _ *http.Request) {
	if !s.started.Load() {
		writeText(w, http.StatusServiceUnavailable, "NOT ALIVE")
		return
	}
	writeText(w, http.StatusOK, "ALIVE")
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.isReady() {
		writeText(w, http.StatusServiceUnavailable, "NOT READY")
		return
	}
	writeText(w, http.StatusOK, "READY")
}

func (s *Server) isReady() bool {
	if !s.started.Load() {
		return false
	}
	if s.ready == nil {
		return true
	}
	return s.ready()
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, body)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting http server", "addr", ln.Addr().String())
	s.started.Store(true)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(err, "http server stopped")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.started.Store(false)
	return s.srv.Shutdown(ctx)
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run serves until ctx is cancelled and then shuts down within the stop
// timeout. It implements taskpool.Task.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting http server", "addr", ln.Addr().String())
		s.started.Store(true)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stopTimeout)
		defer cancel()
		s.logger.Info("stopping http server")
		return s.Stop(stopCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Name identifies the server in task logs.
func (s *Server) Name() string { return "health-server" }
