package gateway

import (
	"bytes"
	"crypto/rand"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aduggleby/octoporty-sub001/internal/config"
	"github.com/aduggleby/octoporty-sub001/pkg/tunnel"
)

// edgeRequest issues a request against the gateway with the given Host.
func edgeRequest(t *testing.T, gw *testGateway, method, host, path string, body io.Reader) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, gw.srv.URL+path, body)
	require.NoError(t, err)
	req.Host = host

	resp, err := gw.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouter_ProxiesRequest(t *testing.T) {
	gw := startTestGateway(t, nil)

	conn := gw.dialAgent(t)
	gw.authAgent(t, conn, "1.0")
	gw.syncMappings(t, conn, []tunnel.PortMapping{testMapping("m-1", "app.example.test")})
	go serveAgentEcho(conn)

	resp := edgeRequest(t, gw, http.MethodGet, "app.example.test", "/hello?x=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET", resp.Header.Get("X-Echo-Method"))
	assert.Equal(t, "/hello?x=1", resp.Header.Get("X-Echo-Path"))
}

func TestRouter_UnknownHostIs404(t *testing.T) {
	gw := startTestGateway(t, nil)

	conn := gw.dialAgent(t)
	gw.authAgent(t, conn, "1.0")
	gw.syncMappings(t, conn, []tunnel.PortMapping{testMapping("m-1", "app.example.test")})

	resp := edgeRequest(t, gw, http.MethodGet, "nobody.example.test", "/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_DisabledMappingIs404(t *testing.T) {
	gw := startTestGateway(t, nil)

	conn := gw.dialAgent(t)
	gw.authAgent(t, conn, "1.0")

	disabled := testMapping("m-1", "app.example.test")
	disabled.Enabled = false
	gw.syncMappings(t, conn, []tunnel.PortMapping{disabled})

	resp := edgeRequest(t, gw, http.MethodGet, "app.example.test", "/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_NoTunnelIs502(t *testing.T) {
	gw := startTestGateway(t, nil)

	// A snapshot without a session: mapping resolves, forwarding cannot.
	gw.manager.ApplySnapshot(tunnel.NewConfigSnapshot([]tunnel.PortMapping{
		testMapping("m-1", "app.example.test"),
	}))

	resp := edgeRequest(t, gw, http.MethodGet, "app.example.test", "/", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestRouter_EchoesRequestBody(t *testing.T) {
	gw := startTestGateway(t, nil)

	conn := gw.dialAgent(t)
	gw.authAgent(t, conn, "1.0")
	gw.syncMappings(t, conn, []tunnel.PortMapping{testMapping("m-1", "app.example.test")})
	go serveAgentEcho(conn)

	payload := []byte("a small inline body")
	resp := edgeRequest(t, gw, http.MethodPost, "app.example.test", "/submit", bytes.NewReader(payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRouter_StreamsLargeRequestBody(t *testing.T) {
	gw := startTestGateway(t, func(cfg *config.Config) { cfg.ChunkSize = 1024 })

	conn := gw.dialAgent(t)
	gw.authAgent(t, conn, "1.0")
	gw.syncMappings(t, conn, []tunnel.PortMapping{testMapping("m-1", "app.example.test")})
	go serveAgentEcho(conn)

	// Several chunks plus a partial tail.
	payload := make([]byte, 1024*5+300)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	resp := edgeRequest(t, gw, http.MethodPost, "app.example.test", "/upload", bytes.NewReader(payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRouter_StreamedResponseBody(t *testing.T) {
	gw := startTestGateway(t, nil)

	conn := gw.dialAgent(t)
	gw.authAgent(t, conn, "1.0")
	gw.syncMappings(t, conn, []tunnel.PortMapping{testMapping("m-1", "app.example.test")})

	go func() {
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				return
			}
			req, ok := frame.(*tunnel.Request)
			if !ok {
				continue
			}
			_ = conn.WriteFrame(&tunnel.Response{
				RequestID:   req.RequestID,
				Status:      http.StatusOK,
				Headers:     map[string]string{"Content-Type": "text/plain"},
				Body:        []byte("part-0;"),
				HasMoreBody: true,
			})
			_ = conn.WriteFrame(&tunnel.ResponseBodyChunk{RequestID: req.RequestID, Data: []byte("part-1;")})
			_ = conn.WriteFrame(&tunnel.ResponseBodyChunk{RequestID: req.RequestID, Data: []byte("part-2"), Final: true})
		}
	}()

	resp := edgeRequest(t, gw, http.MethodGet, "app.example.test", "/stream", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "part-0;part-1;part-2", string(got))
}

func TestRouter_SilentAgentIs504(t *testing.T) {
	gw := startTestGateway(t, func(cfg *config.Config) {
		cfg.RequestTimeout = 300 * time.Millisecond
		cfg.ChunkInactivityTimeout = 300 * time.Millisecond
	})

	conn := gw.dialAgent(t)
	gw.authAgent(t, conn, "1.0")
	gw.syncMappings(t, conn, []tunnel.PortMapping{testMapping("m-1", "app.example.test")})
	// No responder: the request head is consumed and ignored.
	go func() {
		for {
			if _, err := conn.ReadFrame(); err != nil {
				return
			}
		}
	}()

	resp := edgeRequest(t, gw, http.MethodGet, "app.example.test", "/", nil)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	// A timed-out request does not cost the session.
	assert.True(t, gw.manager.HasActiveConnection())
	sess := gw.manager.ActiveConnection()
	require.NotNil(t, sess)
	assert.Equal(t, 0, sess.PendingCount())
}

func TestRouter_SessionLossMidRequestIs502(t *testing.T) {
	gw := startTestGateway(t, nil)

	conn := gw.dialAgent(t)
	gw.authAgent(t, conn, "1.0")
	gw.syncMappings(t, conn, []tunnel.PortMapping{testMapping("m-1", "app.example.test")})

	// Drop the connection as soon as the request arrives.
	go func() {
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				return
			}
			if _, ok := frame.(*tunnel.Request); ok {
				_ = conn.Close()
				return
			}
		}
	}()

	resp := edgeRequest(t, gw, http.MethodGet, "app.example.test", "/", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestRouter_HopByHopHeadersStripped(t *testing.T) {
	gw := startTestGateway(t, nil)

	conn := gw.dialAgent(t)
	gw.authAgent(t, conn, "1.0")
	gw.syncMappings(t, conn, []tunnel.PortMapping{testMapping("m-1", "app.example.test")})

	seen := make(chan map[string]string, 1)
	go func() {
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				return
			}
			if req, ok := frame.(*tunnel.Request); ok {
				seen <- req.Headers
				_ = conn.WriteFrame(&tunnel.Response{RequestID: req.RequestID, Status: http.StatusNoContent})
			}
		}
	}()

	req, err := http.NewRequest(http.MethodGet, gw.srv.URL+"/", nil)
	require.NoError(t, err)
	req.Host = "app.example.test"
	req.Header.Set("X-Custom", "kept")
	req.Header.Set("Proxy-Authorization", "dropped")

	resp, err := gw.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case headers := <-seen:
		assert.Equal(t, "kept", headers["X-Custom"])
		assert.NotContains(t, headers, "Proxy-Authorization")
		assert.NotContains(t, headers, "Connection")
	case <-time.After(2 * time.Second):
		t.Fatal("agent never saw the request")
	}
}

func TestStatusHandler_ReflectsConnection(t *testing.T) {
	gw := startTestGateway(t, nil)

	resp, err := gw.srv.Client().Get(gw.srv.URL + "/status")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"connected":false`)

	conn := gw.dialAgent(t)
	gw.authAgent(t, conn, "3.1.4")

	resp, err = gw.srv.Client().Get(gw.srv.URL + "/status")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `"connected":true`)
	assert.Contains(t, string(body), `"agentVersion":"3.1.4"`)
}

func TestRouter_AgentErrorMidStreamEndsResponse(t *testing.T) {
	gw := startTestGateway(t, nil)

	conn := gw.dialAgent(t)
	gw.authAgent(t, conn, "1.0")
	gw.syncMappings(t, conn, []tunnel.PortMapping{testMapping("m-1", "app.example.test")})

	// The agent aborts after one chunk instead of finishing the stream.
	go func() {
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				return
			}
			req, ok := frame.(*tunnel.Request)
			if !ok {
				continue
			}
			_ = conn.WriteFrame(&tunnel.Response{
				RequestID:   req.RequestID,
				Status:      http.StatusOK,
				Headers:     map[string]string{"Content-Type": "text/plain"},
				Body:        []byte("part-0;"),
				HasMoreBody: true,
			})
			_ = conn.WriteFrame(&tunnel.ResponseBodyChunk{RequestID: req.RequestID, Data: []byte("part-1;")})
			_ = conn.WriteFrame(&tunnel.Error{
				RequestID: req.RequestID,
				Code:      tunnel.ErrorCodeInternal,
				Message:   "upstream body read failed",
			})
		}
	}()

	start := time.Now()
	resp := edgeRequest(t, gw, http.MethodGet, "app.example.test", "/stream", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The delivered prefix arrives, then the stream ends without waiting for
	// a final chunk that will never come.
	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "part-0;part-1;", string(got))
	assert.Less(t, time.Since(start), gw.cfg.RequestTimeout)
}
