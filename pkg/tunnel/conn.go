package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout bounds a single frame write on the transport.
const DefaultWriteTimeout = 10 * time.Second

// ErrConnClosed is returned when writing to an already-closed connection.
var ErrConnClosed = errors.New("tunnel connection closed")

// Conn wraps a WebSocket connection with the frame codec. Frames travel as
// whole binary messages; the transport guarantees message boundaries.
type Conn struct {
	ws           *websocket.Conn
	codec        *Codec
	writeTimeout time.Duration

	writeMu  sync.Mutex
	closed   bool
	closedMu sync.RWMutex
}

// NewConn wraps an established WebSocket connection.
func NewConn(ws *websocket.Conn, codec *Codec) *Conn {
	if codec == nil {
		codec = NewCodec()
	}
	return &Conn{
		ws:           ws,
		codec:        codec,
		writeTimeout: DefaultWriteTimeout,
	}
}

// WriteFrame encodes and sends a single frame.
func (c *Conn) WriteFrame(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.IsClosed() {
		return ErrConnClosed
	}

	data, err := c.codec.Encode(frame)
	if err != nil {
		return err
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.markClosed()
		return err
	}
	return nil
}

// ReadFrame blocks for the next frame from the peer.
func (c *Conn) ReadFrame() (Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.markClosed()
		}
		return nil, err
	}
	return c.codec.Decode(data)
}

// Close closes the underlying transport. Safe to call more than once.
func (c *Conn) Close() error {
	c.markClosed()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Close()
}

// IsClosed reports whether the connection has been closed locally.
func (c *Conn) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

func (c *Conn) markClosed() {
	c.closedMu.Lock()
	c.closed = true
	c.closedMu.Unlock()
}

// IsExpectedCloseError returns true for normal teardown errors that should
// not be logged as failures.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, ErrConnClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
