package http

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ValentinKolb/dObj/rpc/common"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := &httpServerTransport{}
	st.RegisterHandler(func(req []byte) []byte {
		return bytes.ToUpper(req)
	})
	srv := httptest.NewServer(st.routes())
	t.Cleanup(srv.Close)
	return srv
}

func TestSendRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	ct := NewHttpClientTransport()
	if err := ct.Connect(common.ClientConfig{Endpoints: []string{srv.URL}, TimeoutSecond: 5, RetryCount: 1}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ct.Close()

	resp, err := ct.Send([]byte("hello"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if string(resp) != "HELLO" {
		t.Errorf("Send() = %q, want %q", resp, "HELLO")
	}
}

func TestSendFailsOverToNextEndpoint(t *testing.T) {
	srv := newTestServer(t)

	// the first endpoint refuses connections
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	ct := NewHttpClientTransport()
	cfg := common.ClientConfig{Endpoints: []string{srv.URL, deadURL}, TimeoutSecond: 5, RetryCount: 2}
	if err := ct.Connect(cfg); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ct.Close()

	// the counter starts at the dead endpoint, the retry reaches the live one
	for i := 0; i < 3; i++ {
		if _, err := ct.Send([]byte("x")); err != nil {
			t.Fatalf("Send() #%d error = %v", i, err)
		}
	}
}

func TestSendErrors(t *testing.T) {
	ct := NewHttpClientTransport()
	if _, err := ct.Send([]byte("x")); err == nil {
		t.Error("Send() before Connect() succeeded")
	}
	if err := ct.Connect(common.ClientConfig{}); err == nil {
		t.Error("Connect() without endpoints succeeded")
	}

	// wrong path answers 404 which is not retried into success
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if err := ct.Connect(common.ClientConfig{Endpoints: []string{srv.URL}, TimeoutSecond: 5}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := ct.Send([]byte("x")); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("Send() error = %v, want http 404", err)
	}
}

func TestRoutes(t *testing.T) {
	srv := newTestServer(t)

	// only POST is routed to the handler
	resp, err := http.Get(srv.URL + "/rpc")
	if err != nil {
		t.Fatalf("GET /rpc error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /rpc status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}

	resp, err = http.Post(srv.URL+"/rpc", "application/octet-stream", strings.NewReader("ping"))
	if err != nil {
		t.Fatalf("POST /rpc error = %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "dobj_rpc_requests_total") {
		t.Errorf("metrics output lacks dobj_rpc_requests_total:\n%s", body)
	}
}
