package payload

import (
	"context"
	"errors"
	"log/slog"
	"time"

	relayerrors "github.com/pscheid92/tcprelay/internal/errors"
	"github.com/pscheid92/tcprelay/internal/metrics"
	"github.com/sony/gobreaker"
)

// BreakerSettings tunes a GuardedSource.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// GuardedSource fails fast while the wrapped source keeps failing, so a missing payload
// does not cost one failed read per trigger.
type GuardedSource struct {
	next    Source
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.PayloadMetrics
}

var _ Source = (*GuardedSource)(nil)

func NewGuardedSource(next Source, settings BreakerSettings, m *metrics.PayloadMetrics) *GuardedSource {
	g := &GuardedSource{next: next, metrics: m}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: settings.HalfOpenRequests,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Payload circuit breaker state changed", "source", name, "from", from.String(), "to", to.String())
			m.BreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	m.BreakerState.WithLabelValues(next.Name()).Set(stateToFloat(gobreaker.StateClosed))
	return g
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (g *GuardedSource) Name() string { return g.next.Name() }

func (g *GuardedSource) Fetch(ctx context.Context, received []byte) ([]byte, error) {
	data, err := g.cb.Execute(func() (any, error) {
		return g.next.Fetch(ctx, received)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.metrics.FetchesTotal.WithLabelValues(g.Name(), "rejected").Inc()
			return nil, relayerrors.PayloadError("payload source unavailable", err)
		}
		return nil, err
	}
	return data.([]byte), nil
}

// Ready reports an open breaker as not ready without probing the source.
func (g *GuardedSource) Ready(ctx context.Context) error {
	if g.cb.State() == gobreaker.StateOpen {
		return relayerrors.PayloadError("payload source unavailable", gobreaker.ErrOpenState)
	}
	return g.next.Ready(ctx)
}

// State returns the breaker state.
func (g *GuardedSource) State() gobreaker.State {
	return g.cb.State()
}
