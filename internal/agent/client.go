package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/aduggleby/octoporty-sub001/internal/config"
	"github.com/aduggleby/octoporty-sub001/pkg/tunnel"
)

// State names the phases of the agent's session lifecycle.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateSyncing        State = "syncing"
	StateConnected      State = "connected"
)

// HeaderAPIKey carries the pre-shared key on the websocket dial.
const HeaderAPIKey = "X-Octoporty-Api-Key"

const (
	sendQueueSize    = 256
	handshakeTimeout = 10 * time.Second
)

// Status is the operator-visible client state.
type Status struct {
	State          State     `json:"state"`
	GatewayVersion string    `json:"gatewayVersion,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt,omitzero"`
	LastError      string    `json:"lastError,omitempty"`
	MappingCount   int       `json:"mappingCount"`
}

// Client maintains the single tunnel session to the gateway, reconnecting
// with jittered exponential backoff whenever it drops.
type Client struct {
	cfg    *config.Config
	source *Source
	codec  *tunnel.Codec

	mu             sync.RWMutex
	state          State
	gatewayVersion string
	connectedAt    time.Time
	lastError      string
}

// NewClient creates the agent-side tunnel client.
func NewClient(cfg *config.Config, source *Source) *Client {
	return &Client{
		cfg:    cfg,
		source: source,
		codec:  tunnel.NewCodecWithLimit(cfg.MaxFrameSize),
		state:  StateDisconnected,
	}
}

// Status returns a snapshot of the client state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		State:          c.state,
		GatewayVersion: c.gatewayVersion,
		ConnectedAt:    c.connectedAt,
		LastError:      c.lastError,
		MappingCount:   len(c.source.Snapshot()),
	}
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	if state == StateConnected {
		c.connectedAt = time.Now()
		c.lastError = ""
	}
	c.mu.Unlock()
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

// Run connects and keeps reconnecting until the context ends. Every failure
// path, including rejected credentials, retries on the same backoff so a
// rotated key recovers without a restart.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0.2

	for {
		err := c.runSession(ctx, bo.Reset)
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.setError(err)
		}

		wait := bo.NextBackOff()
		slog.WarnContext(ctx, "Tunnel session ended; reconnecting",
			"error", err,
			"retry_in", wait,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runSession runs one connection attempt end to end. onConnected fires once
// the session reaches Connected, which resets the reconnect backoff.
func (c *Client) runSession(ctx context.Context, onConnected func()) error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set(HeaderAPIKey, c.cfg.APIKey)

	ws, resp, err := dialer.DialContext(ctx, c.cfg.GatewayURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return fmt.Errorf("dialing gateway: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dialing gateway: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	conn := tunnel.NewConn(ws, c.codec)
	defer conn.Close()

	if err := c.authenticate(ctx, conn); err != nil {
		return err
	}

	if err := c.syncConfig(ctx, conn); err != nil {
		return err
	}

	c.setState(StateConnected)
	onConnected()
	slog.InfoContext(ctx, "Tunnel connected",
		"gateway", c.cfg.GatewayURL,
		"gateway_version", c.gatewayVersion,
		"mappings", len(c.source.Snapshot()),
	)

	return c.runConnected(ctx, conn)
}

// authenticate sends the Auth frame and waits for the gateway's verdict.
func (c *Client) authenticate(ctx context.Context, conn *tunnel.Conn) error {
	c.setState(StateAuthenticating)

	if err := conn.WriteFrame(&tunnel.Auth{APIKey: c.cfg.APIKey, AgentVersion: config.Version}); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	frame, err := readFrameTimeout(ctx, conn, handshakeTimeout)
	if err != nil {
		return fmt.Errorf("waiting for auth result: %w", err)
	}
	result, ok := frame.(*tunnel.AuthResult)
	if !ok {
		return fmt.Errorf("expected auth result, got %s", frame.Kind())
	}
	if !result.Success {
		return fmt.Errorf("gateway rejected credentials: %s", result.Error)
	}

	c.mu.Lock()
	c.gatewayVersion = result.GatewayVersion
	c.mu.Unlock()
	return nil
}

// syncConfig pushes the current mapping set and waits for the matching ack.
func (c *Client) syncConfig(ctx context.Context, conn *tunnel.Conn) error {
	c.setState(StateSyncing)

	mappings := c.source.Snapshot()
	hash := tunnel.HashMappings(mappings)
	if err := conn.WriteFrame(&tunnel.ConfigSync{Mappings: mappings, ConfigHash: hash}); err != nil {
		return fmt.Errorf("sending config sync: %w", err)
	}

	frame, err := readFrameTimeout(ctx, conn, handshakeTimeout)
	if err != nil {
		return fmt.Errorf("waiting for config ack: %w", err)
	}
	ack, ok := frame.(*tunnel.ConfigAck)
	if !ok {
		return fmt.Errorf("expected config ack, got %s", frame.Kind())
	}
	if !ack.Success {
		return fmt.Errorf("gateway rejected config: %s", ack.Error)
	}
	if ack.ConfigHash != hash {
		return fmt.Errorf("config ack hash mismatch: sent %s, acked %s", hash, ack.ConfigHash)
	}
	return nil
}

// connectedSession is the per-attempt shared state of the connected phase.
// The queue is created fresh every attempt; a stale queue is never reused.
type connectedSession struct {
	conn   *tunnel.Conn
	sendCh chan tunnel.Frame

	heartbeatQueued atomic.Bool
	lastActivity    atomic.Int64 // unix nanos
}

func (s *connectedSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *connectedSession) sinceActivity() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// enqueue blocks for back-pressure; response frames are never dropped.
func (s *connectedSession) enqueue(ctx context.Context, frame tunnel.Frame) error {
	select {
	case s.sendCh <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runConnected drives the concurrent activities of an established session and
// returns when any of them fails.
func (c *Client) runConnected(ctx context.Context, conn *tunnel.Conn) error {
	sess := &connectedSession{
		conn:   conn,
		sendCh: make(chan tunnel.Frame, sendQueueSize),
	}
	sess.touch()

	executor := NewExecutor(c.cfg, c.lookupMapping, sess.enqueue)
	defer executor.CancelAll()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.receiveLoop(gctx, sess, executor) })
	g.Go(func() error { return c.sendLoop(gctx, sess) })
	g.Go(func() error { return c.heartbeatLoop(gctx, sess) })
	g.Go(func() error { return c.resyncLoop(gctx, sess) })

	// Unblocks the receive loop when any other activity fails first.
	go func() {
		<-gctx.Done()
		_ = conn.Close()
	}()

	return g.Wait()
}

func (c *Client) lookupMapping(id string) (tunnel.PortMapping, bool) {
	for _, m := range c.source.Snapshot() {
		if m.ID == id {
			return m, true
		}
	}
	return tunnel.PortMapping{}, false
}

// receiveLoop decodes inbound frames and dispatches them. Request execution
// runs on its own goroutine per request so a slow upstream never stalls the
// frame stream; the in-flight entry is registered before this loop reads the
// next frame so the request's own body chunks always find it.
func (c *Client) receiveLoop(ctx context.Context, sess *connectedSession, executor *Executor) error {
	for {
		frame, err := sess.conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("tunnel receive: %w", err)
		}
		sess.touch()

		switch msg := frame.(type) {
		case *tunnel.Request:
			executor.Dispatch(ctx, msg)
		case *tunnel.RequestBodyChunk:
			executor.DeliverBodyChunk(ctx, msg)
		case *tunnel.HeartbeatAck:
			// Liveness already recorded by touch.
		case *tunnel.ConfigAck:
			if !msg.Success {
				slog.WarnContext(ctx, "Gateway rejected config resync", "error", msg.Error)
			} else {
				slog.InfoContext(ctx, "Config resync acknowledged", "config_hash", msg.ConfigHash)
			}
		case *tunnel.Disconnect:
			return fmt.Errorf("gateway closed session: %s", msg.Reason)
		case *tunnel.Error:
			if msg.RequestID != "" {
				executor.Cancel(msg.RequestID)
			} else {
				slog.WarnContext(ctx, "Gateway reported session error", "code", msg.Code, "error", msg.Message)
			}
		default:
			return fmt.Errorf("unexpected frame from gateway: %s", frame.Kind())
		}
	}
}

// sendLoop drains the outbound queue onto the transport.
func (c *Client) sendLoop(ctx context.Context, sess *connectedSession) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-sess.sendCh:
			if frame.Kind() == tunnel.KindHeartbeat {
				sess.heartbeatQueued.Store(false)
			}
			if err := sess.conn.WriteFrame(frame); err != nil {
				return fmt.Errorf("tunnel send: %w", err)
			}
		}
	}
}

// heartbeatLoop emits a heartbeat on the configured interval and enforces the
// liveness window. A heartbeat is skipped while one is still queued; it is a
// probe, not a delivery guarantee.
func (c *Client) heartbeatLoop(ctx context.Context, sess *connectedSession) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if sess.sinceActivity() > c.cfg.HeartbeatTimeout {
				return errors.New("no traffic from gateway within the liveness window")
			}
			if !sess.heartbeatQueued.CompareAndSwap(false, true) {
				continue
			}
			select {
			case sess.sendCh <- &tunnel.Heartbeat{Timestamp: time.Now().UnixMilli()}:
			default:
				// Queue full of response traffic; that traffic is liveness too.
				sess.heartbeatQueued.Store(false)
			}
		}
	}
}

// resyncLoop pushes a fresh ConfigSync whenever the mapping source changes.
// In-flight requests keep running against the mapping they resolved.
func (c *Client) resyncLoop(ctx context.Context, sess *connectedSession) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.source.Changes():
			mappings := c.source.Snapshot()
			sync := &tunnel.ConfigSync{Mappings: mappings, ConfigHash: tunnel.HashMappings(mappings)}
			if err := sess.enqueue(ctx, sync); err != nil {
				return err
			}
			slog.InfoContext(ctx, "Mapping set changed; resyncing", "mappings", len(mappings))
		}
	}
}

// readFrameTimeout reads one frame with an upper bound on the wait.
func readFrameTimeout(ctx context.Context, conn *tunnel.Conn, timeout time.Duration) (tunnel.Frame, error) {
	type result struct {
		frame tunnel.Frame
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		frame, err := conn.ReadFrame()
		resCh <- result{frame: frame, err: err}
	}()

	select {
	case res := <-resCh:
		return res.frame, res.err
	case <-time.After(timeout):
		_ = conn.Close()
		return nil, errors.New("timed out waiting for frame")
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	}
}
