package relay

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/tcprelay/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *metrics.RelayMetrics {
	return metrics.NewRelayMetrics(prometheus.NewRegistry())
}

// expectPayload reads exactly len(want) bytes from client in the background.
func expectPayload(client net.Conn, size int) <-chan []byte {
	ch := make(chan []byte, 1)
	go func() {
		buf := make([]byte, size)
		if _, err := io.ReadFull(client, buf); err != nil {
			close(ch)
			return
		}
		ch <- buf
	}()
	return ch
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "client read failed")
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func TestConnections_RegisterAssignsSequentialIDs(t *testing.T) {
	m := newTestMetrics()
	connections := NewConnections(m)

	for want := uint32(1); want <= 3; want++ {
		conn, _ := newPipeConn(t, connections)
		assert.Equal(t, want, connections.Register(conn))
	}

	assert.Equal(t, 3, connections.Len())
	assert.Equal(t, []uint32{1, 2, 3}, connections.IDs())
	assert.Equal(t, uint32(3), connections.LastID())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RegistrationsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveConnections))
}

func TestConnections_ConcurrentRegisterUnique(t *testing.T) {
	connections := NewConnections(newTestMetrics())
	const n = 100

	start := make(chan struct{})
	ids := make(chan uint32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ids <- connections.Register(NewConn(nil, connections))
		}()
	}
	close(start)
	wg.Wait()
	close(ids)

	seen := make(map[uint32]bool, n)
	for id := range ids {
		assert.False(t, seen[id], "id %d assigned twice", id)
		assert.True(t, id >= 1 && id <= n)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, connections.Len())
}

func TestConnections_IDsNeverReused(t *testing.T) {
	connections := NewConnections(newTestMetrics())

	first := connections.Register(NewConn(nil, connections))
	connections.Unregister(first)
	second := connections.Register(NewConn(nil, connections))

	assert.Equal(t, uint32(1), first)
	assert.Equal(t, uint32(2), second)
}

func TestConnections_UnregisterIsIdempotent(t *testing.T) {
	m := newTestMetrics()
	connections := NewConnections(m)
	id := connections.Register(NewConn(nil, connections))

	connections.Unregister(id)
	connections.Unregister(id)
	connections.Unregister(42)

	assert.Equal(t, 0, connections.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveConnections))
}

func TestConnections_BroadcastReachesEveryConnection(t *testing.T) {
	m := newTestMetrics()
	connections := NewConnections(m)
	payload := []byte("frame")

	var received []<-chan []byte
	for i := 0; i < 3; i++ {
		conn, client := newPipeConn(t, connections)
		connections.Register(conn)
		received = append(received, expectPayload(client, len(payload)))
	}

	report := connections.Broadcast(payload)
	assert.Equal(t, []uint32{1, 2, 3}, report.Delivered)
	assert.Empty(t, report.Skipped)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 3, report.Attempts())

	for _, ch := range received {
		assert.Equal(t, payload, receive(t, ch))
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.OutcomeDelivered)))
}

func TestConnections_BroadcastSkipsUnregistered(t *testing.T) {
	connections := NewConnections(newTestMetrics())
	payload := []byte{0xAA, 0xBB}

	conn1, client1 := newPipeConn(t, connections)
	conn2, client2 := newPipeConn(t, connections, WithWriteTimeout(50*time.Millisecond))
	conn3, client3 := newPipeConn(t, connections)
	connections.Register(conn1)
	id2 := connections.Register(conn2)
	connections.Register(conn3)

	first := []<-chan []byte{
		expectPayload(client1, len(payload)),
		expectPayload(client2, len(payload)),
		expectPayload(client3, len(payload)),
	}
	report := connections.Broadcast(payload)
	assert.Equal(t, []uint32{1, 2, 3}, report.Delivered)
	for _, ch := range first {
		assert.Equal(t, payload, receive(t, ch))
	}

	connections.Unregister(id2)
	assert.Equal(t, []uint32{1, 3}, connections.IDs())

	got1 := expectPayload(client1, len(payload))
	got3 := expectPayload(client3, len(payload))

	report = connections.Broadcast(payload)
	assert.Equal(t, []uint32{1, 3}, report.Delivered)
	assert.Empty(t, report.Skipped)
	assert.Empty(t, report.Failed)
	assert.Equal(t, payload, receive(t, got1))
	assert.Equal(t, payload, receive(t, got3))
}

func TestConnections_BroadcastSkipsBusyConnection(t *testing.T) {
	m := newTestMetrics()
	connections := NewConnections(m)
	payload := []byte("frame")

	busy, _ := newPipeConn(t, connections)
	idle, client := newPipeConn(t, connections)
	busyID := connections.Register(busy)
	idleID := connections.Register(idle)
	got := expectPayload(client, len(payload))

	busy.mu.Lock()
	report := connections.Broadcast(payload)
	busy.mu.Unlock()

	assert.Equal(t, []uint32{busyID}, report.Skipped)
	assert.Equal(t, []uint32{idleID}, report.Delivered)
	assert.Equal(t, payload, receive(t, got))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.OutcomeSkipped)))
}

func TestConnections_BroadcastContinuesPastFailures(t *testing.T) {
	m := newTestMetrics()
	connections := NewConnections(m)
	payload := []byte("frame")

	broken, brokenClient := newPipeConn(t, connections)
	healthy, client := newPipeConn(t, connections)
	brokenID := connections.Register(broken)
	healthyID := connections.Register(healthy)
	require.NoError(t, brokenClient.Close())
	got := expectPayload(client, len(payload))

	report := connections.Broadcast(payload)

	require.Contains(t, report.Failed, brokenID)
	assert.Error(t, report.Failed[brokenID])
	assert.Equal(t, []uint32{healthyID}, report.Delivered)
	assert.Equal(t, payload, receive(t, got))
	assert.Equal(t, 2, connections.Len(), "broadcast must not unregister failed connections")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.OutcomeFailed)))
}

func TestConnections_BroadcastExceptSender(t *testing.T) {
	connections := NewConnections(newTestMetrics())
	payload := []byte("frame")

	sender, _ := newPipeConn(t, connections)
	peer, client := newPipeConn(t, connections)
	senderID := connections.Register(sender)
	peerID := connections.Register(peer)
	got := expectPayload(client, len(payload))

	report := connections.BroadcastExcept(senderID, payload)

	assert.Equal(t, []uint32{peerID}, report.Delivered)
	assert.Equal(t, 1, report.Attempts())
	assert.Equal(t, payload, receive(t, got))
}

func TestConnections_BroadcastEmptyRegistry(t *testing.T) {
	connections := NewConnections(newTestMetrics())
	report := connections.Broadcast([]byte("frame"))
	assert.Equal(t, 0, report.Attempts())
}
