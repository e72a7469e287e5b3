package relay

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	relayerrors "github.com/pscheid92/tcprelay/internal/errors"
)

// ErrWouldBlock is returned by Conn.Read when no data arrived within the poll window.
// It is recoverable: the session backs off and reads again.
var ErrWouldBlock = &relayerrors.Error{Type: relayerrors.TypeWouldBlock, Message: "no data available yet"}

// Conn wraps one accepted endpoint. Read, Write and HealthCheck share a single lock.
type Conn struct {
	mu            sync.Mutex
	endpoint      net.Conn
	connections   *Connections
	correlationID string
	pollInterval  time.Duration
	writeTimeout  time.Duration
}

type ConnOption func(c *Conn)

// WithPollInterval bounds how long one Read holds the endpoint lock waiting for data.
// Zero means a Read waits until data or an error arrives.
func WithPollInterval(d time.Duration) ConnOption {
	return func(c *Conn) { c.pollInterval = d }
}

// WithWriteTimeout bounds a single write once the endpoint lock is acquired. Zero disables it.
func WithWriteTimeout(d time.Duration) ConnOption {
	return func(c *Conn) { c.writeTimeout = d }
}

// WithCorrelationID tags the connection for logging before it has a registry id.
func WithCorrelationID(id string) ConnOption {
	return func(c *Conn) { c.correlationID = id }
}

// NewConn wraps endpoint. connections is shared, not owned.
func NewConn(endpoint net.Conn, connections *Connections, opts ...ConnOption) *Conn {
	c := &Conn{
		endpoint:    endpoint,
		connections: connections,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Connections returns the registry this connection belongs to.
func (c *Conn) Connections() *Connections {
	return c.connections
}

func (c *Conn) CorrelationID() string {
	return c.correlationID
}

func (c *Conn) RemoteAddr() string {
	if addr := c.endpoint.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Read waits for the endpoint lock and reads into buf. It returns ErrWouldBlock when the poll
// window elapses without data, and (0, io.EOF) when the peer closed the stream.
func (c *Conn) Read(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pollInterval > 0 {
		_ = c.endpoint.SetReadDeadline(time.Now().Add(c.pollInterval))
	}
	n, err := c.endpoint.Read(buf)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		if n > 0 {
			return n, nil
		}
		return 0, ErrWouldBlock
	}
	return n, err
}

// Write delivers buf if the endpoint is free. When a concurrent read or write holds it,
// the write is skipped and reports 0 bytes with no error.
func (c *Conn) Write(buf []byte) (int, error) {
	n, _, err := c.tryWrite(buf)
	return n, err
}

func (c *Conn) tryWrite(buf []byte) (n int, skipped bool, err error) {
	if !c.mu.TryLock() {
		return 0, true, nil
	}
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.endpoint.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err = c.endpoint.Write(buf)
	return n, false, err
}

// HealthCheck reports the endpoint's pending transport error, if any, without consuming data.
func (c *Conn) HealthCheck() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return socketError(c.endpoint)
}

// interrupt expires the current read wait so a blocked Read returns promptly.
// It does not take the endpoint lock.
func (c *Conn) interrupt() {
	_ = c.endpoint.SetReadDeadline(time.Now())
}
