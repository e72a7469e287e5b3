package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/tcprelay/internal/metrics"
)

// connectionRegistry is the read-only view of the relay registry served on /connections.
type connectionRegistry interface {
	IDs() []uint32
	LastID() uint32
}

// Server is the admin HTTP surface. It never touches relay traffic.
type Server struct {
	echo *echo.Echo
	addr string

	connections  connectionRegistry
	registry     *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	healthChecks []HealthCheck

	clock     clockwork.Clock
	startTime time.Time
}

func NewServer(addr string, connections connectionRegistry, reg *prometheus.Registry, m *metrics.HTTPMetrics, clock clockwork.Clock, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		addr:         addr,
		connections:  connections,
		registry:     reg,
		httpMetrics:  m,
		healthChecks: healthChecks,
		clock:        clock,
		startTime:    clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting admin server", "address", s.addr)
	if err := s.echo.Start(s.addr); err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	return nil
}
