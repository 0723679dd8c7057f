package base

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dObj/rpc/common"
	"github.com/ValentinKolb/dObj/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the socket specific client operations
type IClientConnector interface {
	// Connect dials a single connection to endpoint
	Connect(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies socket options to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

type responseResult struct {
	data []byte
	err  error
}

// clientConnection is one socket to one endpoint
type clientConnection struct {
	endpoint string
	parent   *clientTransport
	pending  *xsync.MapOf[uint64, chan responseResult]
	stopCh   chan struct{} // closed by clientTransport.Close

	connMu sync.Mutex // guards conn and serializes frame writes
	conn   net.Conn
}

// clientTransport multiplexes requests over connections to all endpoints
type clientTransport struct {
	connector IClientConnector
	config    common.ClientConfig

	connectionsMu sync.RWMutex
	connections   []*clientConnection
	nextConnIndex atomic.Uint64 // round robin
	nextRequestID atomic.Uint64
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix)
// -----------------------------------------------------------

// NewBaseClientTransport creates a client transport dialing through connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{connector: connector}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}
	t.closeConnections()
	t.config = config

	perEndpoint := max(config.ConnectionsPerEndpoint, 1)
	total := len(config.Endpoints) * perEndpoint
	connections := make([]*clientConnection, 0, total)

	for _, endpoint := range config.Endpoints {
		for i := 0; i < perEndpoint; i++ {
			c := &clientConnection{
				endpoint: endpoint,
				parent:   t,
				pending:  xsync.NewMapOf[uint64, chan responseResult](),
				stopCh:   make(chan struct{}),
			}
			if err := c.reconnect(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, perEndpoint, err)
				continue
			}
			connections = append(connections, c)
			go c.readResponses()
		}
	}

	if len(connections) == 0 {
		return fmt.Errorf("failed to connect to any endpoint")
	}

	t.connectionsMu.Lock()
	t.connections = connections
	t.connectionsMu.Unlock()

	Logger.Infof("Connected %d of %d connections to %d endpoints using %s transport",
		len(connections), total, len(config.Endpoints), t.connector.GetName())
	return nil
}

func (t *clientTransport) Send(req []byte) ([]byte, error) {
	if len(req) > maxFrameSize {
		return nil, errFrameTooLarge
	}

	attempts := max(t.config.RetryCount, 1)
	backoffMs := 50
	var lastErr error

	for i := 0; i < attempts; i++ {
		c := t.nextConnection()
		if c == nil {
			return nil, fmt.Errorf("no active connections available")
		}

		data, written, err := c.roundTrip(t.nextRequestID.Add(1), req)
		if err == nil {
			return data, nil
		}
		if written {
			return nil, err
		}

		lastErr = err
		Logger.Debugf("Request attempt %d/%d failed: %v", i+1, attempts, err)

		if i < attempts-1 {
			// exponential backoff with +-10% jitter
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			time.Sleep(time.Duration(jitter) * time.Millisecond)
			backoffMs *= 2
		}
	}

	return nil, fmt.Errorf("failed to send request after %d attempts: %w", attempts, lastErr)
}

func (t *clientTransport) Close() error {
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// nextConnection selects the next connection via round robin
func (t *clientTransport) nextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	switch len(t.connections) {
	case 0:
		return nil
	case 1:
		return t.connections[0]
	}
	return t.connections[t.nextConnIndex.Add(1)%uint64(len(t.connections))]
}

func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	defer t.connectionsMu.Unlock()

	for _, c := range t.connections {
		close(c.stopCh)
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.failPending(fmt.Errorf("transport closed"))
	}
	t.connections = nil
}

// roundTrip writes one request and waits for its response. written reports
// whether the frame reached the socket.
func (c *clientConnection) roundTrip(requestID uint64, req []byte) (data []byte, written bool, err error) {
	respCh := make(chan responseResult, 1)
	c.pending.Store(requestID, respCh)
	defer c.pending.Delete(requestID)

	timeout := time.Duration(c.parent.config.TimeoutSecond) * time.Second

	c.connMu.Lock()
	conn := c.conn
	if conn == nil {
		c.connMu.Unlock()
		return nil, false, fmt.Errorf("connection to %s is closed", c.endpoint)
	}
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err = writeFrame(conn, requestID, req)
	c.connMu.Unlock()
	if err != nil {
		return nil, false, err
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case result := <-respCh:
		return result.data, true, result.err
	case <-timeoutCh:
		return nil, true, fmt.Errorf("request to %s timed out after %s", c.endpoint, timeout)
	}
}

// readResponses hands every response frame to the request waiting for it.
// A read error fails all pending requests of the connection and triggers a
// reconnect.
func (c *clientConnection) readResponses() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		requestID, data, err := readFrame(conn, nil)
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			Logger.Warningf("Lost connection to %s: %v", c.endpoint, err)
			c.failPending(fmt.Errorf("connection to %s lost: %w", c.endpoint, err))
			if err := c.reconnect(); err != nil {
				Logger.Errorf("Failed to reconnect to %s: %v", c.endpoint, err)
				return
			}
			continue
		}

		respCh, ok := c.pending.Load(requestID)
		if !ok {
			Logger.Warningf("Received response for unknown request ID %d", requestID)
			continue
		}
		select {
		case respCh <- responseResult{data: data}:
		default:
		}
	}
}

func (c *clientConnection) failPending(err error) {
	c.pending.Range(func(_ uint64, respCh chan responseResult) bool {
		select {
		case respCh <- responseResult{err: err}:
		default:
		}
		return true
	})
}

// reconnect establishes or restores the connection to the endpoint
func (c *clientConnection) reconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	select {
	case <-c.stopCh:
		return fmt.Errorf("transport closed")
	default:
	}

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	conn, err := c.parent.connector.Connect(c.endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to upgrade connection to %s: %w", c.endpoint, err)
	}

	c.conn = conn
	return nil
}
