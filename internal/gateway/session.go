package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aduggleby/octoporty-sub001/pkg/tunnel"
)

const (
	// sendQueueSize bounds the per-session outbound queue.
	sendQueueSize = 256
	// partBuffer bounds the per-request response part channel.
	partBuffer = 32
)

// partDeliveryTimeout bounds how long an inbound frame waits for the pending
// consumer before the request is failed. Overridable in tests.
var partDeliveryTimeout = 5 * time.Second

var (
	// ErrSessionClosed is returned when enqueueing onto a closed session.
	ErrSessionClosed = errors.New("tunnel session closed")
	// ErrResponseStalled marks a pending request whose consumer stopped
	// draining response parts in time.
	ErrResponseStalled = errors.New("response consumer stalled")
)

// responsePart is one element of a pending request's response stream: the
// head, a body chunk, or a terminal failure.
type responsePart struct {
	head  *tunnel.Response
	chunk *tunnel.ResponseBodyChunk
	err   error
}

// pendingRequest tracks an in-flight request awaiting its response frames.
type pendingRequest struct {
	id      string
	parts   chan responsePart
	failed  chan error
	created time.Time
}

// fail marks the request as terminally failed. The dedicated channel means the
// verdict lands even when the parts buffer is full.
func (p *pendingRequest) fail(err error) {
	select {
	case p.failed <- err:
	default:
	}
}

// Session is one authenticated agent connection on the gateway side.
type Session struct {
	conn         *tunnel.Conn
	remoteAddr   string
	agentVersion string
	connectedAt  time.Time

	sendCh    chan tunnel.Frame
	done      chan struct{}
	closeOnce sync.Once

	pending sync.Map // requestID -> *pendingRequest

	mu             sync.RWMutex
	lastConfigHash string
	lastActivity   time.Time
}

func newSession(conn *tunnel.Conn, remoteAddr, agentVersion string) *Session {
	now := time.Now()
	return &Session{
		conn:         conn,
		remoteAddr:   remoteAddr,
		agentVersion: agentVersion,
		connectedAt:  now,
		lastActivity: now,
		sendCh:       make(chan tunnel.Frame, sendQueueSize),
		done:         make(chan struct{}),
	}
}

// AgentVersion returns the version string the agent presented at auth.
func (s *Session) AgentVersion() string {
	return s.agentVersion
}

// RemoteAddr returns the peer address of the underlying transport.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// ConnectedAt returns when the session was authenticated.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Touch records peer traffic for liveness accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last observed peer traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Stale reports whether the peer has been silent longer than the window.
func (s *Session) Stale(window time.Duration) bool {
	return time.Since(s.LastActivity()) > window
}

// SetConfigHash records the hash of the last acked snapshot.
func (s *Session) SetConfigHash(hash string) {
	s.mu.Lock()
	s.lastConfigHash = hash
	s.mu.Unlock()
}

// ConfigHash returns the hash of the last acked snapshot.
func (s *Session) ConfigHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastConfigHash
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// PendingCount returns the number of requests awaiting responses.
func (s *Session) PendingCount() int {
	count := 0
	s.pending.Range(func(any, any) bool {
		count++
		return true
	})
	return count
}

// registerPending creates the rendezvous entry for a request id. The id is a
// fresh uuid per request, so a collision indicates a caller bug.
func (s *Session) registerPending(id string) (*pendingRequest, error) {
	entry := &pendingRequest{
		id:      id,
		parts:   make(chan responsePart, partBuffer),
		failed:  make(chan error, 1),
		created: time.Now(),
	}
	if _, loaded := s.pending.LoadOrStore(id, entry); loaded {
		return nil, errors.New("duplicate request id")
	}
	return entry, nil
}

func (s *Session) releasePending(id string) {
	s.pending.Delete(id)
}

// deliver routes one response part to the pending consumer. Parts for unknown
// ids are dropped with a warning; a known id whose consumer stalls beyond the
// delivery timeout has its request failed outright. Losing a single part would
// hand the edge client a body with a hole in it, so the whole stream dies.
func (s *Session) deliver(ctx context.Context, id string, part responsePart) {
	raw, ok := s.pending.Load(id)
	if !ok {
		slog.WarnContext(ctx, "Received response frame for unknown request", "request_id", id)
		return
	}
	entry := raw.(*pendingRequest)

	select {
	case entry.parts <- part:
	case <-ctx.Done():
	case <-s.done:
	case <-time.After(partDeliveryTimeout):
		slog.WarnContext(ctx, "Response consumer stalled; failing request",
			"request_id", id,
			"timeout", partDeliveryTimeout,
		)
		s.releasePending(id)
		entry.fail(ErrResponseStalled)
	}
}

// enqueue places a frame on the outbound queue, blocking for back-pressure.
func (s *Session) enqueue(ctx context.Context, frame tunnel.Frame) error {
	select {
	case s.sendCh <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runSendLoop drains the outbound queue onto the transport. Any write error
// tears the session down.
func (s *Session) runSendLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case frame := <-s.sendCh:
			if err := s.conn.WriteFrame(frame); err != nil {
				if !tunnel.IsExpectedCloseError(err) {
					slog.WarnContext(ctx, "Failed to write frame to agent", "kind", frame.Kind().String(), "error", err)
				}
				s.close("")
				return
			}
		}
	}
}

// close tears the session down once: optional polite Disconnect, transport
// close, and synthetic failure of every pending entry.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		if reason != "" {
			// Best effort; the peer may already be gone.
			_ = s.conn.WriteFrame(&tunnel.Disconnect{Reason: reason})
		}
		close(s.done)
		_ = s.conn.Close()
		s.failAllPending()
	})
}

func (s *Session) failAllPending() {
	s.pending.Range(func(key, value any) bool {
		value.(*pendingRequest).fail(ErrSessionClosed)
		s.pending.Delete(key)
		return true
	})
}
