// Package server assembles the relay: the history store, the connection
// registry, the HTTP routes and the listener that serves them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tyrowin/chatrelay/internal/history"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/registry"
)

// Server is the composition root of the relay.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	history    *history.Store
	relay      *Relay
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

type options struct {
	logger   *slog.Logger
	clock    clockwork.Clock
	registry *prometheus.Registry
}

// Option configures a Server.
type Option func(*options)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the clock used to timestamp messages.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetricsRegistry registers the relay collectors on reg.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// New builds a Server from cfg and loads the history file.
func New(cfg Config, opts ...Option) *Server {
	o := options{
		logger:   slog.Default(),
		clock:    clockwork.NewRealClock(),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg = SanitizeConfig(cfg)
	m := metrics.New(o.registry)

	store := history.NewStore(cfg.HistoryFile, cfg.MaxHistory,
		history.WithClock(o.clock),
		history.WithMetrics(m),
		history.WithLogger(o.logger),
	)
	store.Load()

	s := &Server{
		cfg:     cfg,
		logger:  o.logger,
		metrics: m,
		history: store,
		relay:   NewRelay(registry.New(), store, m, o.logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     newOriginPolicy(cfg.AllowedOrigins, o.logger).checkOrigin,
	}
	// The upgrader clears these deadlines once a connection is hijacked.
	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      SetupRoutes(s),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Relay returns the server's relay.
func (s *Server) Relay() *Relay {
	return s.relay
}

// History returns the server's history store.
func (s *Server) History() *history.Store {
	return s.history
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled or the listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Relay configured",
		"addr", s.cfg.Addr(),
		"history_file", s.cfg.HistoryFile,
		"max_history", s.cfg.MaxHistory,
	)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
		}
	}

	if err := s.Shutdown(); err != nil && serveErr == nil {
		return err
	}
	return serveErr
}

// Shutdown stops the listener, closes all connections and the history file.
// Each step is bounded by the configured shutdown timeout.
func (s *Server) Shutdown() error {
	var errs []error

	s.logger.Info("Shutting down HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	if err := s.relay.Shutdown(s.cfg.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := s.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close history: %w", err))
	}
	return errors.Join(errs...)
}
