package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/flowsync/internal/config"
	"github.com/Tyrowin/flowsync/internal/room"
)

// Server wires the room registry, hub, and HTTP surface together.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *Metrics
	rooms    *room.Registry
	hub      *Hub
	handler  http.Handler
}

// New builds a Server for cfg. Nothing runs until Run or Hub().Run is
// called.
func New(cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(reg)

	rooms := room.NewRegistry(logger,
		room.WithPresenceLimit(cfg.MaxPresenceBytes),
		room.WithOnCreate(metrics.ObserveRoom),
	)
	hub := NewHub(cfg, rooms, metrics, logger)
	handlers := NewHandlers(hub, NewOriginPolicy(cfg.AllowedOrigins, logger), logger)

	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics,
		rooms:    rooms,
		hub:      hub,
		handler:  SetupRoutes(handlers, reg),
	}
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the session hub.
func (s *Server) Hub() *Hub { return s.hub }

// Rooms returns the room registry.
func (s *Server) Rooms() *room.Registry { return s.rooms }

// Gatherer exposes the server's metrics registry.
func (s *Server) Gatherer() prometheus.Gatherer { return s.registry }

// Run serves on the configured port until ctx is cancelled, then shuts the
// HTTP server and the hub down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := CreateServer(ln.Addr().String(), s.handler)
	go s.hub.Run()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown signal received")

		var errs []error
		if err := ShutdownServer(httpServer, s.cfg.ShutdownTimeout, s.logger); err != nil {
			errs = append(errs, err)
		}
		if err := s.hub.Shutdown(s.cfg.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, logger *zap.Logger) error {
	logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
		return fmt.Errorf("http shutdown: %w", err)
	}

	logger.Info("HTTP server shutdown completed")
	return nil
}
