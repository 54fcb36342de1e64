package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/aduggleby/octoporty-sub001/internal/config"
	"github.com/aduggleby/octoporty-sub001/pkg/tunnel"
)

// HeaderAPIKey carries the pre-shared key on the websocket upgrade request.
const HeaderAPIKey = "X-Octoporty-Api-Key"

// handshakeTimeout bounds the wait for the Auth frame after upgrade.
const handshakeTimeout = 10 * time.Second

var tunnelUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TunnelServer accepts agent connections, authenticates them, and services
// the control and response frames of the active session.
type TunnelServer struct {
	cfg        *config.Config
	manager    *Manager
	reconciler *EdgeReconciler
	codec      *tunnel.Codec
}

// NewTunnelServer creates the gateway-side tunnel server.
func NewTunnelServer(cfg *config.Config, manager *Manager, reconciler *EdgeReconciler) *TunnelServer {
	return &TunnelServer{
		cfg:        cfg,
		manager:    manager,
		reconciler: reconciler,
		codec:      tunnel.NewCodecWithLimit(cfg.MaxFrameSize),
	}
}

// HandleConnect is the websocket handler for agent connections, registered at
// /tunnel/connect. The pre-shared key is validated in constant time before
// the upgrade is accepted.
func (s *TunnelServer) HandleConnect(c *gin.Context) {
	ctx := c.Request.Context()

	key := c.GetHeader(HeaderAPIKey)
	if key == "" {
		key = c.Query("api_key")
	}
	if !s.validKey(key) {
		slog.WarnContext(ctx, "Tunnel connection rejected: bad api key", "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}

	ws, err := tunnelUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to upgrade tunnel connection", "error", err)
		return
	}

	conn := tunnel.NewConn(ws, s.codec)
	s.serveConn(ctx, conn, c.ClientIP())
}

// validKey compares the presented key against the configured one in constant
// time. Length mismatch short-circuits, which reveals nothing useful.
func (s *TunnelServer) validKey(key string) bool {
	return len(key) >= config.MinAPIKeyLength &&
		subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) == 1
}

// serveConn runs the auth handshake and then the session message loop.
func (s *TunnelServer) serveConn(ctx context.Context, conn *tunnel.Conn, remoteAddr string) {
	sess, err := s.handshake(ctx, conn, remoteAddr)
	if err != nil {
		slog.WarnContext(ctx, "Tunnel handshake failed", "remote", remoteAddr, "error", err)
		_ = conn.Close()
		return
	}

	if err := s.manager.Register(ctx, sess); err != nil {
		slog.InfoContext(ctx, "Rejecting second agent session", "remote", remoteAddr)
		_ = conn.WriteFrame(&tunnel.Disconnect{Reason: tunnel.DisconnectReasonReplaced})
		_ = conn.Close()
		return
	}

	slog.InfoContext(ctx, "Agent connected", "remote", remoteAddr, "agent_version", sess.AgentVersion())

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go sess.runSendLoop(sessCtx)
	go s.watchdog(sessCtx, sess)

	defer func() {
		sess.close("")
		s.manager.Unregister(sess)
		slog.InfoContext(ctx, "Agent disconnected", "remote", remoteAddr)
	}()

	s.messageLoop(sessCtx, sess)
}

// handshake expects the Auth frame first and answers it.
func (s *TunnelServer) handshake(ctx context.Context, conn *tunnel.Conn, remoteAddr string) (*Session, error) {
	deadline := time.Now().Add(handshakeTimeout)
	type result struct {
		frame tunnel.Frame
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		frame, err := conn.ReadFrame()
		resCh <- result{frame: frame, err: err}
	}()

	var first tunnel.Frame
	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, res.err
		}
		first = res.frame
	case <-time.After(time.Until(deadline)):
		return nil, errors.New("timed out waiting for auth frame")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	auth, ok := first.(*tunnel.Auth)
	if !ok {
		return nil, errors.New("first frame must be auth")
	}

	// The transport header already proved the key; the in-band copy must
	// still match so a misconfigured agent fails loudly.
	if !s.validKey(auth.APIKey) {
		_ = conn.WriteFrame(&tunnel.AuthResult{
			Success:        false,
			Error:          "invalid api key",
			GatewayVersion: config.Version,
		})
		return nil, errors.New("auth frame carried an invalid api key")
	}

	if err := conn.WriteFrame(&tunnel.AuthResult{
		Success:        true,
		GatewayVersion: config.Version,
	}); err != nil {
		return nil, err
	}

	return newSession(conn, remoteAddr, auth.AgentVersion), nil
}

// messageLoop dispatches inbound frames until the session ends.
func (s *TunnelServer) messageLoop(ctx context.Context, sess *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			return
		default:
		}

		frame, err := sess.conn.ReadFrame()
		if err != nil {
			s.handleReadError(ctx, sess, err)
			return
		}

		sess.Touch()

		switch msg := frame.(type) {
		case *tunnel.ConfigSync:
			s.handleConfigSync(ctx, sess, msg)
		case *tunnel.Heartbeat:
			s.handleHeartbeat(ctx, sess, msg)
		case *tunnel.Response:
			sess.deliver(ctx, msg.RequestID, responsePart{head: msg})
		case *tunnel.ResponseBodyChunk:
			sess.deliver(ctx, msg.RequestID, responsePart{chunk: msg})
		case *tunnel.Disconnect:
			slog.InfoContext(ctx, "Agent requested disconnect", "reason", msg.Reason)
			return
		case *tunnel.Error:
			if msg.RequestID != "" {
				sess.deliver(ctx, msg.RequestID, responsePart{err: errors.New(msg.Message)})
			} else {
				slog.WarnContext(ctx, "Agent reported session error", "code", msg.Code, "error", msg.Message)
			}
		case *tunnel.HeartbeatAck:
			// Gateway heartbeats are passive; any traffic already counted.
		default:
			// Auth and gateway-direction frames are protocol violations here.
			slog.WarnContext(ctx, "Unexpected frame from agent", "kind", frame.Kind().String())
			s.closeWithProtocolError(sess, "unexpected frame: "+frame.Kind().String())
			return
		}
	}
}

func (s *TunnelServer) handleReadError(ctx context.Context, sess *Session, err error) {
	switch {
	case errors.Is(err, tunnel.ErrUnknownTag),
		errors.Is(err, tunnel.ErrMalformedFrame),
		errors.Is(err, tunnel.ErrPayloadTooLarge):
		slog.WarnContext(ctx, "Protocol error on tunnel session", "remote", sess.RemoteAddr(), "error", err)
		s.closeWithProtocolError(sess, err.Error())
	default:
		if !tunnel.IsExpectedCloseError(err) {
			slog.WarnContext(ctx, "Error receiving from tunnel session", "remote", sess.RemoteAddr(), "error", err)
		}
	}
}

func (s *TunnelServer) closeWithProtocolError(sess *Session, message string) {
	_ = sess.conn.WriteFrame(&tunnel.Error{Message: message, Code: tunnel.ErrorCodeProtocol})
	sess.close("")
}

// handleConfigSync validates the snapshot, swaps it in, kicks the edge
// reconciler, and acks with the echoed hash. Invalid entries are ignored;
// reconcile failures are retried on the next trigger and do not block the ack.
func (s *TunnelServer) handleConfigSync(ctx context.Context, sess *Session, sync *tunnel.ConfigSync) {
	valid := make([]tunnel.PortMapping, 0, len(sync.Mappings))
	for _, m := range sync.Mappings {
		if err := m.Validate(); err != nil {
			slog.WarnContext(ctx, "Ignoring invalid mapping in config sync", "mapping_id", m.ID, "error", err)
			continue
		}
		valid = append(valid, m)
	}

	snap := tunnel.NewConfigSnapshot(valid)
	s.manager.ApplySnapshot(snap)
	sess.SetConfigHash(sync.ConfigHash)

	if s.reconciler != nil {
		reconcileCtx := context.WithoutCancel(ctx)
		go func() {
			if err := s.reconciler.Reconcile(reconcileCtx, snap.Mappings); err != nil {
				slog.WarnContext(reconcileCtx, "Edge reconcile failed; will retry on next trigger", "error", err)
			}
		}()
	}

	if err := sess.enqueue(ctx, &tunnel.ConfigAck{Success: true, ConfigHash: sync.ConfigHash}); err != nil {
		slog.WarnContext(ctx, "Failed to ack config sync", "error", err)
	}

	slog.InfoContext(ctx, "Applied config snapshot",
		"mappings", len(snap.Mappings),
		"config_hash", sync.ConfigHash,
	)
}

func (s *TunnelServer) handleHeartbeat(ctx context.Context, sess *Session, hb *tunnel.Heartbeat) {
	ack := &tunnel.HeartbeatAck{
		PeerTimestamp:   hb.Timestamp,
		ServerTimestamp: time.Now().UnixMilli(),
	}
	if err := sess.enqueue(ctx, ack); err != nil {
		slog.WarnContext(ctx, "Failed to send heartbeat ack", "error", err)
	}
}

// watchdog closes the session when the peer has been silent past the
// heartbeat window.
func (s *TunnelServer) watchdog(ctx context.Context, sess *Session) {
	interval := s.cfg.HeartbeatTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			return
		case <-ticker.C:
			if sess.Stale(s.cfg.HeartbeatTimeout) {
				slog.WarnContext(ctx, "Closing tunnel session after heartbeat timeout",
					"remote", sess.RemoteAddr(),
					"last_activity", sess.LastActivity(),
				)
				sess.close("")
				return
			}
		}
	}
}
