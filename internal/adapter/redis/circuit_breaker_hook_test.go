package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/tcprelay/internal/metrics"
	"github.com/pscheid92/tcprelay/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(context.Context, goredis.Cmder) error { return errors.New("redis down") }

func tripBreaker(t *testing.T, hook *CircuitBreakerHook) {
	t.Helper()
	ctx := context.Background()
	process := hook.ProcessHook(failing)
	for i := 0; i < 5; i++ {
		_ = process(ctx, goredis.NewStringCmd(ctx, "get", "other"))
	}
	require.Equal(t, circuitbreaker.OpenState, hook.State())
}

func TestCircuitBreakerHook_NormalOperation(t *testing.T) {
	hook := NewCircuitBreakerHook(clockwork.NewFakeClock(), metrics.NewRedisMetrics(prometheus.NewRegistry()))
	ctx := context.Background()

	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return nil })
	for i := 0; i < 10; i++ {
		assert.NoError(t, process(ctx, goredis.NewStringCmd(ctx, "get", "key")))
	}

	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_NilIsNotAFailure(t *testing.T) {
	hook := NewCircuitBreakerHook(clockwork.NewFakeClock(), metrics.NewRedisMetrics(prometheus.NewRegistry()))
	ctx := context.Background()

	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return goredis.Nil })
	for i := 0; i < 10; i++ {
		err := process(ctx, goredis.NewStringCmd(ctx, "get", "key"))
		assert.ErrorIs(t, err, goredis.Nil)
	}

	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_OpensAfterSustainedFailures(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	hook := NewCircuitBreakerHook(clockwork.NewFakeClock(), m)

	tripBreaker(t, hook)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerStateChanges.WithLabelValues(circuitbreaker.OpenState.String())))
}

func TestCircuitBreakerHook_FailsFastWhenOpen(t *testing.T) {
	hook := NewCircuitBreakerHook(clockwork.NewFakeClock(), metrics.NewRedisMetrics(prometheus.NewRegistry()))
	tripBreaker(t, hook)
	ctx := context.Background()

	called := false
	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error {
		called = true
		return nil
	})

	err := process(ctx, goredis.NewStatusCmd(ctx, "set", "key", "value"))
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.False(t, called, "redis should not be called when the circuit is open")
}

func TestCircuitBreakerHook_ServesLastKnownGet(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	clock := clockwork.NewFakeClock()
	hook := NewCircuitBreakerHook(clock, m)
	ctx := context.Background()

	ok := hook.ProcessHook(func(_ context.Context, cmd goredis.Cmder) error {
		cmd.(*goredis.StringCmd).SetVal("frame")
		return nil
	})
	require.NoError(t, ok(ctx, goredis.NewStringCmd(ctx, "get", "relay:payload")))

	tripBreaker(t, hook)

	cmd := goredis.NewStringCmd(ctx, "get", "relay:payload")
	require.NoError(t, hook.ProcessHook(failing)(ctx, cmd))
	assert.Equal(t, "frame", cmd.Val())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbackHits))

	// Stale values are not served.
	clock.Advance(fallbackTTL + time.Second)
	cmd = goredis.NewStringCmd(ctx, "get", "relay:payload")
	assert.ErrorIs(t, hook.ProcessHook(failing)(ctx, cmd), circuitbreaker.ErrOpen)
}

func TestCircuitBreakerHook_RecoversAfterDelay(t *testing.T) {
	hook := newCircuitBreakerHook(50*time.Millisecond, clockwork.NewFakeClock(), metrics.NewRedisMetrics(prometheus.NewRegistry()))
	tripBreaker(t, hook)
	ctx := context.Background()

	time.Sleep(100 * time.Millisecond)

	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return nil })
	require.NoError(t, process(ctx, goredis.NewStringCmd(ctx, "get", "key")))
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_Pipeline(t *testing.T) {
	hook := NewCircuitBreakerHook(clockwork.NewFakeClock(), metrics.NewRedisMetrics(prometheus.NewRegistry()))
	tripBreaker(t, hook)

	err := hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error { return nil })(context.Background(), nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestClassifyFetchError(t *testing.T) {
	assert.Equal(t, retry.Stop, classifyFetchError(goredis.Nil))
	assert.Equal(t, retry.Stop, classifyFetchError(circuitbreaker.ErrOpen))
	assert.Equal(t, retry.Stop, classifyFetchError(context.Canceled))
	assert.NotEqual(t, retry.Stop, classifyFetchError(errors.New("connection reset")))
}
