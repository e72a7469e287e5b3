package redis

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/jonboulle/clockwork"
	relayerrors "github.com/pscheid92/tcprelay/internal/errors"
	"github.com/pscheid92/tcprelay/internal/metrics"
	"github.com/pscheid92/tcprelay/internal/payload"
	"github.com/pscheid92/tcprelay/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
)

const sourceName = "redis"

// PayloadStore serves the broadcast payload from a single redis string key.
type PayloadStore struct {
	rdb     goredis.Cmdable
	key     string
	policy  retry.Policy
	metrics *metrics.PayloadMetrics
}

var _ payload.Source = (*PayloadStore)(nil)

func NewPayloadStore(rdb goredis.Cmdable, key string, clock clockwork.Clock, m *metrics.PayloadMetrics) *PayloadStore {
	return &PayloadStore{
		rdb: rdb,
		key: key,
		policy: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
			Clock:          clock,
		},
		metrics: m,
	}
}

func (s *PayloadStore) Name() string { return sourceName }

// Fetch returns the current value of the payload key. Transient failures are retried;
// a missing key or an open circuit is not.
func (s *PayloadStore) Fetch(ctx context.Context, _ []byte) ([]byte, error) {
	start := time.Now()
	data, err := retry.Do(ctx, s.policy, classifyFetchError, func() ([]byte, error) {
		return s.rdb.Get(ctx, s.key).Bytes()
	})
	s.metrics.FetchDuration.WithLabelValues(sourceName).Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.FetchesTotal.WithLabelValues(sourceName, "error").Inc()
		if errors.Is(err, goredis.Nil) {
			return nil, relayerrors.PayloadError("payload key not set", err).WithContext("key", s.key)
		}
		return nil, relayerrors.PayloadError("failed to fetch payload from redis", err).WithContext("key", s.key)
	}

	s.metrics.FetchesTotal.WithLabelValues(sourceName, "success").Inc()
	return data, nil
}

// Put replaces the payload.
func (s *PayloadStore) Put(ctx context.Context, data []byte) error {
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return relayerrors.PayloadError("failed to store payload in redis", err).WithContext("key", s.key)
	}
	return nil
}

// Ready checks that redis answers and the payload key exists.
func (s *PayloadStore) Ready(ctx context.Context) error {
	n, err := s.rdb.Exists(ctx, s.key).Result()
	if err != nil {
		return relayerrors.PayloadError("redis unavailable", err)
	}
	if n == 0 {
		return relayerrors.PayloadError("payload key not set", nil).WithContext("key", s.key)
	}
	return nil
}

func classifyFetchError(err error) retry.Action {
	switch {
	case errors.Is(err, goredis.Nil),
		errors.Is(err, circuitbreaker.ErrOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return retry.Stop
	default:
		return retry.Retry
	}
}
