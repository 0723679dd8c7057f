package base

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dObj/rpc/common"
	"github.com/ValentinKolb/dObj/rpc/transport"
	"github.com/google/go-cmp/cmp"
)

// loopbackConnector serves on a prepared tcp listener.
type loopbackConnector struct {
	listener net.Listener
}

func (c *loopbackConnector) GetName() string { return "loopback" }

func (c *loopbackConnector) Listen(common.ServerConfig) (net.Listener, error) { return c.listener, nil }

func (c *loopbackConnector) Connect(endpoint string) (net.Conn, error) {
	return net.Dial("tcp", endpoint)
}

func (c *loopbackConnector) UpgradeConnection(net.Conn, common.ClientConfig) error { return nil }

// startServer serves handler on a loopback port until the test ends.
func startServer(t *testing.T, workers int, handler transport.ServerHandleFunc) (*loopbackConnector, context.CancelFunc, <-chan error) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	conn := &loopbackConnector{listener: l}
	st := NewBaseServerTransport(conn, 64)
	st.RegisterHandler(handler)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- st.Listen(ctx, common.ServerConfig{Endpoint: l.Addr().String(), TransportWorkers: workers})
	}()
	t.Cleanup(cancel)
	return conn, cancel, errCh
}

func connect(t *testing.T, conn *loopbackConnector, config common.ClientConfig) transport.IRPCClientTransport {
	t.Helper()
	config.Endpoints = []string{conn.listener.Addr().String()}
	ct := NewBaseClientTransport(conn)
	if err := ct.Connect(config); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { ct.Close() })
	return ct
}

func TestFrames(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		buf     []byte
	}{
		{name: "empty", payload: []byte{}},
		{name: "fits buffer", payload: []byte("hello"), buf: make([]byte, 16)},
		{name: "larger than buffer", payload: bytes.Repeat([]byte("x"), 100), buf: make([]byte, 16)},
		{name: "no buffer", payload: []byte("hello")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b bytes.Buffer
			if err := writeFrame(&b, 42, tt.payload); err != nil {
				t.Fatalf("writeFrame() error = %v", err)
			}
			if b.Len() != headerSize+len(tt.payload) {
				t.Errorf("frame size = %d, want %d", b.Len(), headerSize+len(tt.payload))
			}
			id, data, err := readFrame(&b, tt.buf)
			if err != nil {
				t.Fatalf("readFrame() error = %v", err)
			}
			if id != 42 {
				t.Errorf("request id = %d, want 42", id)
			}
			if diff := cmp.Diff(tt.payload, data); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}

	// a header announcing too much data is rejected before reading it
	var b bytes.Buffer
	b.Write([]byte{0, 0, 0, 0, 0, 0, 0, 1, 0xff, 0xff, 0xff, 0xff})
	if _, _, err := readFrame(&b, nil); !errors.Is(err, errFrameTooLarge) {
		t.Errorf("readFrame() of oversized frame error = %v", err)
	}
	if err := writeFrame(&b, 1, make([]byte, maxFrameSize+1)); !errors.Is(err, errFrameTooLarge) {
		t.Errorf("writeFrame() of oversized frame error = %v", err)
	}
}

func TestConcurrentRequests(t *testing.T) {
	conn, _, _ := startServer(t, 4, func(req []byte) []byte {
		return bytes.ToUpper(req)
	})
	ct := connect(t, conn, common.ClientConfig{TimeoutSecond: 5, RetryCount: 1, ConnectionsPerEndpoint: 2})

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := fmt.Sprintf("request-%d", i)
			resp, err := ct.Send([]byte(req))
			if err != nil {
				errs <- err
				return
			}
			if want := bytes.ToUpper([]byte(req)); !bytes.Equal(resp, want) {
				errs <- fmt.Errorf("Send(%q) = %q, want %q", req, resp, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	conn, _, _ := startServer(t, 1, func(req []byte) []byte {
		<-release
		return req
	})
	ct := connect(t, conn, common.ClientConfig{TimeoutSecond: 1, RetryCount: 3})

	start := time.Now()
	if _, err := ct.Send([]byte("slow")); err == nil {
		t.Fatal("Send() to a stuck handler succeeded")
	}
	// a written request is not retried
	if d := time.Since(start); d > 3*time.Second {
		t.Errorf("Send() took %s, want a single timeout", d)
	}
}

func TestShutdown(t *testing.T) {
	conn, cancel, errCh := startServer(t, 1, func(req []byte) []byte { return req })
	ct := connect(t, conn, common.ClientConfig{TimeoutSecond: 5})
	if _, err := ct.Send([]byte("ping")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Listen() after shutdown = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listen() did not return after the context was cancelled")
	}

	if _, err := ct.Send([]byte("late")); err == nil {
		t.Error("Send() after server shutdown succeeded")
	}
}

func TestClientErrors(t *testing.T) {
	ct := NewBaseClientTransport(&loopbackConnector{})
	if err := ct.Connect(common.ClientConfig{}); err == nil {
		t.Error("Connect() without endpoints succeeded")
	}
	if _, err := ct.Send([]byte("x")); err == nil {
		t.Error("Send() before Connect() succeeded")
	}

	// nothing listens on a closed listener's port
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	if err := ct.Connect(common.ClientConfig{Endpoints: []string{addr}}); err == nil {
		t.Error("Connect() to a closed port succeeded")
	}
}
