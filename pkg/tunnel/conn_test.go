package tunnel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		for {
			mt, message, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if err := conn.WriteMessage(mt, message); err != nil {
				break
			}
		}
	}))
}

func dialTestConn(t *testing.T, server *httptest.Server) *Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	return NewConn(ws, NewCodec())
}

func TestConn_WriteReadFrame(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()

	conn := dialTestConn(t, server)
	defer func() { _ = conn.Close() }()

	frame := &Request{
		RequestID: "req-1",
		MappingID: "m-1",
		Method:    "GET",
		Path:      "/ping",
		Headers:   map[string]string{"Accept": "text/plain"},
	}

	require.NoError(t, conn.WriteFrame(frame))

	echoed, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, frame, echoed)
}

func TestConn_CloseRejectsWrites(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()

	conn := dialTestConn(t, server)
	assert.False(t, conn.IsClosed())

	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())

	err := conn.WriteFrame(&Heartbeat{Timestamp: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestIsExpectedCloseError(t *testing.T) {
	assert.False(t, IsExpectedCloseError(nil))
	assert.True(t, IsExpectedCloseError(ErrConnClosed))
	assert.True(t, IsExpectedCloseError(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.False(t, IsExpectedCloseError(&websocket.CloseError{Code: websocket.CloseProtocolError}))
	assert.False(t, IsExpectedCloseError(assert.AnError))
}
