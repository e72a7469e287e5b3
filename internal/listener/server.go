package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	relayerrors "github.com/pscheid92/tcprelay/internal/errors"
	"github.com/pscheid92/tcprelay/internal/metrics"
	"github.com/pscheid92/tcprelay/internal/platform/correlation"
	"github.com/pscheid92/tcprelay/internal/platform/retry"
	"github.com/pscheid92/tcprelay/internal/relay"
)

// Settings configures a Server.
type Settings struct {
	Address      string
	PollInterval time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	settings    Settings
	connections *relay.Connections
	handler     *relay.StreamHandler
	limits      *Limits
	metrics     *metrics.ListenerMetrics
	acceptRetry retry.Policy

	mu       sync.Mutex
	ln       net.Listener
	cancel   context.CancelFunc
	closed   bool
	sessions sync.WaitGroup
}

func New(s Settings, connections *relay.Connections, handler *relay.StreamHandler, limits *Limits, m *metrics.ListenerMetrics, clock clockwork.Clock) *Server {
	srv := &Server{
		settings:    s,
		connections: connections,
		handler:     handler,
		limits:      limits,
		metrics:     m,
	}
	srv.acceptRetry = retry.Policy{
		MaxAttempts:    8,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     time.Second,
		Clock:          clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			m.AcceptErrors.Inc()
			slog.Warn("Accept failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
	return srv
}

// Listen binds the configured address. A bind failure is fatal for the caller.
func (s *Server) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.settings.Address)
	if err != nil {
		return relayerrors.TransportError("failed to bind", err).WithContext("address", s.settings.Address)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	slog.Info("Listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until Shutdown closes the listener or ctx is cancelled.
// Accept failures are retried with capped backoff for as long as the listener is open.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	if ln == nil {
		s.mu.Unlock()
		return errors.New("listener: Serve called before Listen")
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		endpoint, err := retry.Do[net.Conn](ctx, s.acceptRetry, classifyAcceptError, ln.Accept)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			// Keep serving through transient failures such as EMFILE.
			s.metrics.AcceptErrors.Inc()
			slog.Error("Accept keeps failing, pausing", "pause", s.acceptRetry.MaxBackoff, "error", err)
			if s.pauseAccept(ctx) != nil {
				return nil
			}
			continue
		}
		s.admit(sessionCtx, endpoint)
	}
}

func (s *Server) pauseAccept(ctx context.Context) error {
	timer := s.acceptRetry.Clock.NewTimer(s.acceptRetry.MaxBackoff)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyAcceptError(err error) retry.Action {
	if errors.Is(err, net.ErrClosed) {
		return retry.Stop
	}
	return retry.Retry
}

func (s *Server) admit(ctx context.Context, endpoint net.Conn) {
	ip := remoteIP(endpoint)
	if ok, reason := s.limits.Acquire(ip); !ok {
		s.metrics.RejectedTotal.WithLabelValues(reason).Inc()
		slog.Warn("Connection rejected", "remote_addr", endpoint.RemoteAddr().String(), "reason", reason)
		_ = endpoint.Close()
		return
	}
	s.metrics.AcceptedTotal.Inc()

	id := correlation.NewID()
	conn := relay.NewConn(endpoint, s.connections,
		relay.WithPollInterval(s.settings.PollInterval),
		relay.WithWriteTimeout(s.settings.WriteTimeout),
		relay.WithCorrelationID(id),
	)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.limits.Release(ip)
		_ = endpoint.Close()
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.sessions.Done()
		defer s.limits.Release(ip)
		defer func() { _ = endpoint.Close() }()

		if err := s.handler.HandleStream(ctx, conn); err != nil {
			slog.WarnContext(correlation.WithID(ctx, id), "Session ended with error",
				"error_type", string(relayerrors.TypeOf(err)),
				"error", err,
			)
		}
	}()
}

// Shutdown stops accepting, cancels every session and waits for them to unregister.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln, cancel := s.ln, s.cancel
	s.closed = true
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Warn("Failed to close listener", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with %d sessions registered: %w", s.connections.Len(), ctx.Err())
	}
}

func remoteIP(endpoint net.Conn) string {
	addr := endpoint.RemoteAddr()
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
