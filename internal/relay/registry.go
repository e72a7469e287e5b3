package relay

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pscheid92/tcprelay/internal/metrics"
)

// Connections is the registry of live sessions. One instance is shared by every session of a
// listener. The id counter and the map are guarded by separate locks.
type Connections struct {
	counterMu sync.Mutex
	counter   uint32

	mu    sync.Mutex
	conns map[uint32]*Conn

	metrics *metrics.RelayMetrics
}

// BroadcastReport lists the per-recipient outcome of one broadcast, in traversal order.
type BroadcastReport struct {
	Delivered []uint32
	Skipped   []uint32
	Failed    map[uint32]error
}

// Attempts is the number of recipients visited.
func (r BroadcastReport) Attempts() int {
	return len(r.Delivered) + len(r.Skipped) + len(r.Failed)
}

func NewConnections(m *metrics.RelayMetrics) *Connections {
	return &Connections{
		conns:   make(map[uint32]*Conn),
		metrics: m,
	}
}

// Register assigns conn the next id and inserts it. Ids start at 1 and are never reused.
func (c *Connections) Register(conn *Conn) uint32 {
	c.counterMu.Lock()
	defer c.counterMu.Unlock()

	c.counter++
	id := c.counter

	c.mu.Lock()
	c.conns[id] = conn
	size := len(c.conns)
	c.mu.Unlock()

	c.metrics.RegistrationsTotal.Inc()
	c.metrics.ActiveConnections.Set(float64(size))
	return id
}

// Unregister removes id. Removing an absent id is a no-op.
func (c *Connections) Unregister(id uint32) {
	c.mu.Lock()
	delete(c.conns, id)
	size := len(c.conns)
	c.mu.Unlock()

	c.metrics.ActiveConnections.Set(float64(size))
}

// Broadcast writes payload to every registered connection. It never fails as a whole.
func (c *Connections) Broadcast(payload []byte) BroadcastReport {
	return c.broadcast(payload, 0)
}

// BroadcastExcept writes payload to every registered connection other than sender.
func (c *Connections) BroadcastExcept(sender uint32, payload []byte) BroadcastReport {
	return c.broadcast(payload, sender)
}

// broadcast holds the map lock for the whole traversal so membership cannot change midway.
// exclude == 0 excludes nobody since ids start at 1.
func (c *Connections) broadcast(payload []byte, exclude uint32) BroadcastReport {
	start := time.Now()
	report := BroadcastReport{Failed: make(map[uint32]error)}

	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		c.metrics.BroadcastsTotal.Inc()
		c.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	}()

	for _, id := range slices.Sorted(maps.Keys(c.conns)) {
		if id == exclude {
			continue
		}

		n, skipped, err := c.conns[id].tryWrite(payload)
		switch {
		case skipped:
			report.Skipped = append(report.Skipped, id)
			c.metrics.Deliveries.WithLabelValues(metrics.OutcomeSkipped).Inc()
			slog.Debug("Skipped busy connection", "conn_id", id)
		case err != nil:
			report.Failed[id] = err
			c.metrics.Deliveries.WithLabelValues(metrics.OutcomeFailed).Inc()
			slog.Debug("Error writing to connection", "conn_id", id, "bytes", n, "error", err)
		default:
			report.Delivered = append(report.Delivered, id)
			c.metrics.Deliveries.WithLabelValues(metrics.OutcomeDelivered).Inc()
			slog.Debug("Wrote to connection", "conn_id", id, "bytes", n)
		}
	}

	return report
}

// Len returns the number of registered connections.
func (c *Connections) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// IDs returns the registered ids in ascending order.
func (c *Connections) IDs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.conns))
}

// LastID returns the most recently assigned id, 0 if none.
func (c *Connections) LastID() uint32 {
	c.counterMu.Lock()
	defer c.counterMu.Unlock()
	return c.counter
}
