package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tcprelay"

// Delivery outcomes recorded per recipient of a broadcast.
const (
	OutcomeDelivered = "delivered"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayMetrics covers the connection registry and session loops.
type RelayMetrics struct {
	ActiveConnections  prometheus.Gauge
	RegistrationsTotal prometheus.Counter
	BroadcastsTotal    prometheus.Counter
	Deliveries         *prometheus.CounterVec
	BroadcastDuration  prometheus.Histogram
	SessionsEnded      *prometheus.CounterVec
	WouldBlockTotal    prometheus.Counter
}

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_connections",
			Help:      "Number of connections currently in the registry.",
		}),
		RegistrationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Total number of connections registered since start.",
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "total",
			Help:      "Total number of broadcast traversals.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Per-recipient broadcast outcomes (delivered, skipped, failed).",
		}, []string{"outcome"}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "duration_seconds",
			Help:      "Time spent holding the registry lock for one broadcast.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Sessions that reached Removed, by reason.",
		}, []string{"reason"}),
		WouldBlockTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "would_block_total",
			Help:      "Reads that found no data within the poll window.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.RegistrationsTotal,
		m.BroadcastsTotal,
		m.Deliveries,
		m.BroadcastDuration,
		m.SessionsEnded,
		m.WouldBlockTotal,
	)
	return m
}

// ListenerMetrics covers the accept loop and connection limits.
type ListenerMetrics struct {
	AcceptedTotal prometheus.Counter
	RejectedTotal *prometheus.CounterVec
	AcceptErrors  prometheus.Counter
}

// NewListenerMetrics creates and registers listener metrics on the given registry.
func NewListenerMetrics(reg prometheus.Registerer) *ListenerMetrics {
	m := &ListenerMetrics{
		AcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "accepted_total",
			Help:      "Total accepted TCP connections that passed the limits.",
		}),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "rejected_total",
			Help:      "Accepted TCP connections closed by a limit, by reason.",
		}, []string{"reason"}),
		AcceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "accept_errors_total",
			Help:      "Accept calls that returned an error.",
		}),
	}

	reg.MustRegister(m.AcceptedTotal, m.RejectedTotal, m.AcceptErrors)
	return m
}

// PayloadMetrics covers payload fetches for broadcasts.
type PayloadMetrics struct {
	FetchesTotal  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	SharedFetches prometheus.Counter
	BreakerState  *prometheus.GaugeVec
}

// NewPayloadMetrics creates and registers payload metrics on the given registry.
func NewPayloadMetrics(reg prometheus.Registerer) *PayloadMetrics {
	m := &PayloadMetrics{
		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payload",
			Name:      "fetches_total",
			Help:      "Payload fetches by source and status.",
		}, []string{"source", "status"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "payload",
			Name:      "fetch_duration_seconds",
			Help:      "Payload fetch latency by source.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, 1},
		}, []string{"source"}),
		SharedFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payload",
			Name:      "shared_fetches_total",
			Help:      "File fetches answered by an in-flight read of the same path.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "payload",
			Name:      "circuit_breaker_state",
			Help:      "Payload source circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"source"}),
	}

	reg.MustRegister(m.FetchesTotal, m.FetchDuration, m.SharedFetches, m.BreakerState)
	return m
}

// RedisMetrics covers the redis client used by the redis payload source.
type RedisMetrics struct {
	OpsTotal                   *prometheus.CounterVec
	OpDuration                 *prometheus.HistogramVec
	ConnectionErrors           prometheus.Counter
	CircuitBreakerState        prometheus.Gauge
	CircuitBreakerStateChanges *prometheus.CounterVec
	FallbackHits               prometheus.Counter
}

// NewRedisMetrics creates and registers redis metrics on the given registry.
func NewRedisMetrics(reg prometheus.Registerer) *RedisMetrics {
	m := &RedisMetrics{
		OpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Redis operations by operation and status.",
		}, []string{"operation", "status"}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Redis operation duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		ConnectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "connection_errors_total",
			Help:      "Total redis dial errors.",
		}),
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "circuit_breaker_state",
			Help:      "Redis command circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		CircuitBreakerStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Redis circuit breaker transitions by target state.",
		}, []string{"state"}),
		FallbackHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "fallback_hits_total",
			Help:      "Reads served from the last known value while the circuit was open.",
		}),
	}

	reg.MustRegister(m.OpsTotal, m.OpDuration, m.ConnectionErrors, m.CircuitBreakerState,
		m.CircuitBreakerStateChanges, m.FallbackHits)
	return m
}
