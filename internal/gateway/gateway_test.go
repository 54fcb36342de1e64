package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/aduggleby/octoporty-sub001/internal/config"
	"github.com/aduggleby/octoporty-sub001/internal/events"
	"github.com/aduggleby/octoporty-sub001/pkg/tunnel"
)

func testConfig() *config.Config {
	return &config.Config{
		APIKey:                 strings.Repeat("k", 40),
		HeartbeatInterval:      30 * time.Second,
		HeartbeatTimeout:       90 * time.Second,
		MaxFrameSize:           16 << 20,
		ChunkSize:              64 << 10,
		EdgeAdminURL:           "http://localhost:2019",
		EdgeServerName:         "srv0",
		UpstreamAddr:           "localhost:8480",
		RequestTimeout:         5 * time.Second,
		ChunkInactivityTimeout: 2 * time.Second,
		ReconcileProbeInterval: time.Minute,
	}
}

type testGateway struct {
	cfg     *config.Config
	manager *Manager
	srv     *httptest.Server
}

func startTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	manager := NewManager(events.NewHub(), cfg.TunnelTakeover, cfg.HeartbeatTimeout)
	tunnelServer := NewTunnelServer(cfg, manager, nil)
	router := NewRouter(cfg, manager)

	engine := gin.New()
	engine.GET("/tunnel/connect", tunnelServer.HandleConnect)
	engine.GET("/status", NewStatusHandler(manager, nil).Handle)
	engine.NoRoute(router.Handle)

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return &testGateway{cfg: cfg, manager: manager, srv: srv}
}

func (g *testGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/tunnel/connect"
}

// dialAgent opens an agent-side websocket with the configured key.
func (g *testGateway) dialAgent(t *testing.T) *tunnel.Conn {
	t.Helper()

	header := http.Header{}
	header.Set(HeaderAPIKey, g.cfg.APIKey)
	ws, resp, err := websocket.DefaultDialer.Dial(g.wsURL(), header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	conn := tunnel.NewConn(ws, tunnel.NewCodec())
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// authAgent completes the Auth handshake and waits for the session to claim
// the active slot.
func (g *testGateway) authAgent(t *testing.T, conn *tunnel.Conn, version string) {
	t.Helper()

	require.NoError(t, conn.WriteFrame(&tunnel.Auth{APIKey: g.cfg.APIKey, AgentVersion: version}))

	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	result, ok := frame.(*tunnel.AuthResult)
	require.True(t, ok, "expected auth result, got %T", frame)
	require.True(t, result.Success)

	require.Eventually(t, g.manager.HasActiveConnection, 2*time.Second, 10*time.Millisecond)
}

// syncMappings pushes a config sync and waits for the ack.
func (g *testGateway) syncMappings(t *testing.T, conn *tunnel.Conn, mappings []tunnel.PortMapping) {
	t.Helper()

	hash := tunnel.HashMappings(mappings)
	require.NoError(t, conn.WriteFrame(&tunnel.ConfigSync{Mappings: mappings, ConfigHash: hash}))

	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	ack, ok := frame.(*tunnel.ConfigAck)
	require.True(t, ok, "expected config ack, got %T", frame)
	require.True(t, ack.Success)
	require.Equal(t, hash, ack.ConfigHash)
}

func testMapping(id, domain string) tunnel.PortMapping {
	return tunnel.PortMapping{
		ID:             id,
		ExternalDomain: domain,
		InternalHost:   "10.0.0.5",
		InternalPort:   8080,
		Enabled:        true,
	}
}

// serveAgentEcho answers every proxied request with a 200 echoing the full
// request body, reassembling chunked bodies first.
func serveAgentEcho(conn *tunnel.Conn) {
	heads := make(map[string]*tunnel.Request)
	bodies := make(map[string][]byte)

	reply := func(req *tunnel.Request, body []byte) {
		_ = conn.WriteFrame(&tunnel.Response{
			RequestID: req.RequestID,
			Status:    http.StatusOK,
			Headers: map[string]string{
				"Content-Type":  "text/plain",
				"X-Echo-Method": req.Method,
				"X-Echo-Path":   req.Path,
			},
			Body: body,
		})
	}

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		switch msg := frame.(type) {
		case *tunnel.Request:
			if !msg.HasMoreBody {
				reply(msg, msg.Body)
				continue
			}
			heads[msg.RequestID] = msg
			bodies[msg.RequestID] = append([]byte(nil), msg.Body...)
		case *tunnel.RequestBodyChunk:
			bodies[msg.RequestID] = append(bodies[msg.RequestID], msg.Data...)
			if msg.Final {
				reply(heads[msg.RequestID], bodies[msg.RequestID])
				delete(heads, msg.RequestID)
				delete(bodies, msg.RequestID)
			}
		}
	}
}
