package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/tcprelay/internal/adapter/httpserver"
	"github.com/pscheid92/tcprelay/internal/adapter/redis"
	"github.com/pscheid92/tcprelay/internal/listener"
	"github.com/pscheid92/tcprelay/internal/metrics"
	"github.com/pscheid92/tcprelay/internal/payload"
	"github.com/pscheid92/tcprelay/internal/platform/config"
	"github.com/pscheid92/tcprelay/internal/platform/logging"
	"github.com/pscheid92/tcprelay/internal/platform/version"
	"github.com/pscheid92/tcprelay/internal/relay"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupPayloadSource returns the configured source and a cleanup function.
func setupPayloadSource(ctx context.Context, cfg *config.Config, clock clockwork.Clock, reg prometheus.Registerer, m *metrics.PayloadMetrics) (payload.Source, func(), error) {
	switch cfg.PayloadSource {
	case config.PayloadSourceEcho:
		return payload.EchoSource{}, func() {}, nil

	case config.PayloadSourceRedis:
		redisMetrics := metrics.NewRedisMetrics(reg)
		rdb, err := redis.NewClient(ctx, cfg.RedisURL, redisMetrics, redis.NewCircuitBreakerHook(clock, redisMetrics))
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() { _ = rdb.Close() }
		return redis.NewPayloadStore(rdb, cfg.PayloadRedisKey, clock, m), cleanup, nil

	default:
		file := payload.NewFileSource(cfg.PayloadPath, m)
		return payload.NewGuardedSource(file, payload.DefaultBreakerSettings(), m), func() {}, nil
	}
}

func main() {
	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "build", version.Get())

	if err := run(cfg); err != nil {
		slog.Error("Relay stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	relayMetrics := metrics.NewRelayMetrics(reg)

	source, cleanup, err := setupPayloadSource(ctx, cfg, clock, reg, metrics.NewPayloadMetrics(reg))
	if err != nil {
		return fmt.Errorf("failed to set up payload source: %w", err)
	}
	defer cleanup()

	if err := source.Ready(ctx); err != nil {
		slog.Warn("Payload source not ready yet", "source", source.Name(), "error", err)
	}

	connections := relay.NewConnections(relayMetrics)
	handler := relay.NewStreamHandler(source, clock, relayMetrics,
		relay.WithReadBufferSize(cfg.ReadBufferSize),
		relay.WithRetryBackoff(cfg.RetryBackoff),
		relay.WithIncludeSender(cfg.IncludeSender),
		relay.WithTerminateOnPayloadError(cfg.PayloadErrorPolicy == config.PayloadErrorTerminate),
	)

	limits := listener.NewLimits(listener.LimitSettings{
		MaxConnections:      cfg.MaxConnections,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		RatePerSecond:       cfg.ConnectionRate,
		Burst:               cfg.ConnectionBurst,
	}, clock)

	srv := listener.New(listener.Settings{
		Address:      cfg.ListenAddress(),
		PollInterval: cfg.ReadPollInterval,
		WriteTimeout: cfg.WriteTimeout,
	}, connections, handler, limits, metrics.NewListenerMetrics(reg), clock)

	if err := srv.Listen(ctx); err != nil {
		return err
	}

	var admin *httpserver.Server
	if cfg.AdminAddr != "" {
		admin = httpserver.NewServer(cfg.AdminAddr, connections, reg, metrics.NewHTTPMetrics(reg), clock, []httpserver.HealthCheck{
			{Name: "listener", Check: func(context.Context) error {
				if srv.Addr() == nil {
					return errors.New("listener not bound")
				}
				return nil
			}},
			{Name: "payload", Check: source.Ready},
		})
		go func() {
			if err := admin.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Admin server error", "error", err)
			}
		}()
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received, cleaning up...")
	case serveErr = <-served:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Relay shutdown error", "error", err)
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			slog.Error("Admin shutdown error", "error", err)
		}
	}

	slog.Info("Relay stopped", "last_id", connections.LastID())
	return serveErr
}
