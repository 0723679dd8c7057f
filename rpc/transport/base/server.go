package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dObj/rpc/common"
	"github.com/ValentinKolb/dObj/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
)

// writeTimeout bounds writing one response frame.
const writeTimeout = 10 * time.Second

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the socket specific server operations
type IServerConnector interface {
	// Listen creates the listener for config.Endpoint
	Listen(config common.ServerConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

type serverTransport struct {
	connector      IServerConnector
	handler        transport.ServerHandleFunc
	config         common.ServerConfig
	bufferPool     *sync.Pool
	workersPerConn int

	requests *metrics.Counter
	errors   *metrics.Counter
	duration *metrics.Histogram
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix)
// -----------------------------------------------------------

// NewBaseServerTransport creates a server transport listening through
// connector. Each connection reads into pooled buffers of bufferSize bytes.
func NewBaseServerTransport(connector IServerConnector, bufferSize int) transport.IRPCServerTransport {
	name := connector.GetName()
	return &serverTransport{
		connector: connector,
		bufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, bufferSize)
			},
		},
		requests: metrics.GetOrCreateCounter(fmt.Sprintf(`dobj_rpc_socket_requests_total{transport=%q}`, name)),
		errors:   metrics.GetOrCreateCounter(fmt.Sprintf(`dobj_rpc_socket_errors_total{transport=%q}`, name)),
		duration: metrics.GetOrCreateHistogram(fmt.Sprintf(`dobj_rpc_socket_request_duration_seconds{transport=%q}`, name)),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(ctx context.Context, config common.ServerConfig) error {
	t.config = config
	t.workersPerConn = max(config.TransportWorkers, 1)

	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	Logger.Infof("Starting %s server on %s with %d workers per connection",
		t.connector.GetName(), config.Endpoint, t.workersPerConn)
	return t.serve(ctx, listener)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// serve accepts connections until ctx is done, then closes the listener and
// every open connection and waits for their handlers.
func (t *serverTransport) serve(ctx context.Context, listener net.Listener) error {
	var (
		mu    sync.Mutex
		conns = map[net.Conn]struct{}{}
		wg    sync.WaitGroup
	)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		_ = listener.Close()
		mu.Lock()
		for conn := range conns {
			_ = conn.Close()
		}
		mu.Unlock()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				wg.Wait()
				return err
			}
			Logger.Errorf("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		mu.Lock()
		if ctx.Err() != nil {
			mu.Unlock()
			_ = conn.Close()
			continue
		}
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			t.handleConnection(conn)
			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
		}()
	}
}

// handleConnection serves the requests of one connection
func (t *serverTransport) handleConnection(conn net.Conn) {
	defer conn.Close()

	// counting semaphore limiting the workers of this connection
	workers := make(chan struct{}, t.workersPerConn)
	var wg sync.WaitGroup
	var writeMu sync.Mutex

	respond := func(requestID uint64, data []byte) {
		start := time.Now()
		t.requests.Inc()
		resp := t.handler(data)
		t.duration.UpdateDuration(start)

		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			t.errors.Inc()
			Logger.Errorf("Failed to set write deadline: %v", err)
			return
		}
		if err := writeFrame(conn, requestID, resp); err != nil {
			t.errors.Inc()
			Logger.Errorf("Failed to write response: %v", err)
		}
	}

	for {
		buf := t.bufferPool.Get().([]byte)
		requestID, data, err := readFrame(conn, buf)
		if err != nil {
			t.bufferPool.Put(buf)
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				Logger.Debugf("Connection closed by %s", conn.RemoteAddr())
			default:
				t.errors.Inc()
				Logger.Errorf("Error reading request from %s: %v", conn.RemoteAddr(), err)
			}
			break
		}

		workers <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				t.bufferPool.Put(buf)
				<-workers
				wg.Done()
			}()
			respond(requestID, data)
		}()
	}

	// finish in-flight requests before the connection closes
	wg.Wait()
}
