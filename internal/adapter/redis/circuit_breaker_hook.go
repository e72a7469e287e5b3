package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tcprelay/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// fallbackTTL bounds how stale a value served while the circuit is open may be.
const fallbackTTL = 5 * time.Minute

// CircuitBreakerHook implements redis.Hook to fail fast while redis is unavailable.
// While open, GET is answered from the last value read for the same key.
type CircuitBreakerHook struct {
	cb      circuitbreaker.CircuitBreaker[any]
	clock   clockwork.Clock
	metrics *metrics.RedisMetrics

	mu     sync.RWMutex
	values map[string]cachedValue
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

type cachedValue struct {
	data     string
	storedAt time.Time
}

// NewCircuitBreakerHook opens at a 60% failure rate over at least 5 requests in 10s,
// waits 30s before half-open and closes after 1 success.
func NewCircuitBreakerHook(clock clockwork.Clock, m *metrics.RedisMetrics) *CircuitBreakerHook {
	return newCircuitBreakerHook(30*time.Second, clock, m)
}

func newCircuitBreakerHook(delay time.Duration, clock clockwork.Clock, m *metrics.RedisMetrics) *CircuitBreakerHook {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "redis",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			m.CircuitBreakerStateChanges.WithLabelValues(e.NewState.String()).Inc()
			m.CircuitBreakerState.Set(stateToFloat(e.NewState))
		}).
		Build()

	return &CircuitBreakerHook{
		cb:      cb,
		clock:   clock,
		metrics: m,
		values:  make(map[string]cachedValue),
	}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("circuit breaker dial failed: %w", circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.cb.RecordError(err)
			return nil, fmt.Errorf("circuit breaker dial failed: %w", err)
		}
		h.cb.RecordSuccess()
		return conn, nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return h.fallback(cmd)
		}

		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, goredis.Nil) {
			h.cb.RecordError(err)
			return fmt.Errorf("circuit breaker process failed: %w", err)
		}
		h.cb.RecordSuccess()
		h.remember(cmd)
		return err
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
		}

		err := next(ctx, cmds)
		if err != nil {
			h.cb.RecordError(err)
			return fmt.Errorf("circuit breaker pipeline failed: %w", err)
		}
		h.cb.RecordSuccess()
		return nil
	}
}

func (h *CircuitBreakerHook) fallback(cmd goredis.Cmder) error {
	if c, ok := cmd.(*goredis.StringCmd); ok && cmd.Name() == "get" {
		if value, ok := h.lookup(cmd); ok {
			slog.Debug("Circuit breaker open, serving last known value", "args", cmd.Args())
			h.metrics.FallbackHits.Inc()
			c.SetVal(value)
			return nil
		}
	}
	return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
}

func (h *CircuitBreakerHook) remember(cmd goredis.Cmder) {
	c, ok := cmd.(*goredis.StringCmd)
	if !ok || cmd.Name() != "get" || len(cmd.Args()) < 2 {
		return
	}
	value, err := c.Result()
	if err != nil {
		return
	}

	h.mu.Lock()
	h.values[fmt.Sprint(cmd.Args()[1])] = cachedValue{data: value, storedAt: h.clock.Now()}
	h.mu.Unlock()
}

func (h *CircuitBreakerHook) lookup(cmd goredis.Cmder) (string, bool) {
	if len(cmd.Args()) < 2 {
		return "", false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	cached, ok := h.values[fmt.Sprint(cmd.Args()[1])]
	if !ok || h.clock.Since(cached.storedAt) > fallbackTTL {
		return "", false
	}
	return cached.data, true
}

// State returns the current state of the circuit breaker.
func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}
