package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	relayerrors "github.com/pscheid92/tcprelay/internal/errors"
	"github.com/pscheid92/tcprelay/internal/metrics"
	"github.com/pscheid92/tcprelay/internal/payload"
	"github.com/pscheid92/tcprelay/internal/platform/correlation"
)

const (
	defaultReadBufferSize = 4096
	defaultRetryBackoff   = 10 * time.Millisecond
)

// Reasons a session reaches Removed, used for logs and metrics.
const (
	ReasonPeerClosed   = "peer_closed"
	ReasonHealthCheck  = "health_check"
	ReasonReadError    = "read_error"
	ReasonPayloadError = "payload_error"
	ReasonShutdown     = "shutdown"
	ReasonPanic        = "panic"
)

// StreamHandler drives sessions. One handler serves every connection of a listener.
type StreamHandler struct {
	source              payload.Source
	clock               clockwork.Clock
	metrics             *metrics.RelayMetrics
	readBufferSize      int
	retryBackoff        time.Duration
	includeSender       bool
	terminateOnFetchErr bool
}

type HandlerOption func(h *StreamHandler)

func WithReadBufferSize(n int) HandlerOption {
	return func(h *StreamHandler) {
		if n > 0 {
			h.readBufferSize = n
		}
	}
}

// WithRetryBackoff sets how long a session waits after a read found no data.
func WithRetryBackoff(d time.Duration) HandlerOption {
	return func(h *StreamHandler) {
		if d > 0 {
			h.retryBackoff = d
		}
	}
}

// WithIncludeSender controls whether the triggering connection receives its own broadcast.
func WithIncludeSender(include bool) HandlerOption {
	return func(h *StreamHandler) { h.includeSender = include }
}

// WithTerminateOnPayloadError ends the session when the payload cannot be fetched,
// instead of skipping that broadcast.
func WithTerminateOnPayloadError(terminate bool) HandlerOption {
	return func(h *StreamHandler) { h.terminateOnFetchErr = terminate }
}

func NewStreamHandler(source payload.Source, clock clockwork.Clock, m *metrics.RelayMetrics, opts ...HandlerOption) *StreamHandler {
	h := &StreamHandler{
		source:         source,
		clock:          clock,
		metrics:        m,
		readBufferSize: defaultReadBufferSize,
		retryBackoff:   defaultRetryBackoff,
		includeSender:  true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// HandleStream runs one session: Registering, Active until the peer closes, the transport fails
// or ctx is cancelled, then Terminating. The connection is always unregistered before returning.
// A nil error means an orderly end (peer close or shutdown).
func (h *StreamHandler) HandleStream(ctx context.Context, conn *Conn) (err error) {
	connections := conn.Connections()

	id := connections.Register(conn)
	if conn.CorrelationID() != "" {
		ctx = correlation.WithID(ctx, conn.CorrelationID())
	}
	ctx = correlation.WithConnID(ctx, id)
	slog.InfoContext(ctx, "Connected", "remote_addr", conn.RemoteAddr())

	stop := context.AfterFunc(ctx, conn.interrupt)
	reason := ReasonShutdown

	defer func() {
		stop()
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Session panic recovered", "panic", r)
			reason = ReasonPanic
			err = relayerrors.InternalError("session panic", fmt.Errorf("%v", r))
		}
		connections.Unregister(id)
		h.metrics.SessionsEnded.WithLabelValues(reason).Inc()
		slog.InfoContext(ctx, "Disconnected", "reason", reason)
	}()

	buf := make([]byte, h.readBufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if hcErr := conn.HealthCheck(); hcErr != nil {
			reason = ReasonHealthCheck
			return relayerrors.TransportError("health check failed", hcErr)
		}

		n, readErr := conn.Read(buf)
		if n > 0 {
			if fetchErr := h.relay(ctx, id, connections, buf[:n]); fetchErr != nil {
				reason = ReasonPayloadError
				return fetchErr
			}
		}

		var structured *relayerrors.Error
		switch {
		case readErr == nil:
			if n == 0 {
				reason = ReasonPeerClosed
				return nil
			}
		case errors.As(readErr, &structured) && structured.Recoverable():
			h.metrics.WouldBlockTotal.Inc()
			if h.wait(ctx) != nil {
				return nil
			}
		case errors.Is(readErr, io.EOF):
			reason = ReasonPeerClosed
			return nil
		default:
			if ctx.Err() != nil {
				return nil
			}
			reason = ReasonReadError
			return relayerrors.TransportError("read failed", readErr)
		}
	}
}

// relay fetches the payload and broadcasts it. A fetch error is returned only when the
// handler terminates on payload errors; otherwise that broadcast is skipped.
func (h *StreamHandler) relay(ctx context.Context, id uint32, connections *Connections, received []byte) error {
	data, err := h.source.Fetch(ctx, received)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		slog.WarnContext(ctx, "Payload fetch failed", "source", h.source.Name(), "error", err)
		if h.terminateOnFetchErr {
			return err
		}
		return nil
	}

	var report BroadcastReport
	if h.includeSender {
		report = connections.Broadcast(data)
	} else {
		report = connections.BroadcastExcept(id, data)
	}
	slog.DebugContext(ctx, "Broadcast complete",
		"bytes", len(data),
		"delivered", len(report.Delivered),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
	)
	return nil
}

// wait suspends the session on the clock; other goroutines keep running.
func (h *StreamHandler) wait(ctx context.Context) error {
	timer := h.clock.NewTimer(h.retryBackoff)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
