package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aduggleby/octoporty-sub001/internal/events"
	"github.com/aduggleby/octoporty-sub001/pkg/tunnel"
)

var (
	// ErrNoActiveTunnel is returned when no agent session is connected.
	ErrNoActiveTunnel = errors.New("no active tunnel")
	// ErrSessionReplaced is returned to a newcomer rejected in favor of a
	// healthy incumbent.
	ErrSessionReplaced = errors.New("an active session already exists")
)

// Manager owns the single active session slot and the mapping snapshot the
// router matches requests against. Swaps of either happen atomically.
type Manager struct {
	hub              *events.Hub
	takeover         bool
	heartbeatTimeout time.Duration

	mu     sync.Mutex
	active *Session

	snapshot atomic.Pointer[tunnel.ConfigSnapshot]
}

// NewManager creates a connection manager. With takeover enabled a valid
// newcomer always replaces the incumbent; otherwise the incumbent wins while
// healthy.
func NewManager(hub *events.Hub, takeover bool, heartbeatTimeout time.Duration) *Manager {
	m := &Manager{
		hub:              hub,
		takeover:         takeover,
		heartbeatTimeout: heartbeatTimeout,
	}
	m.snapshot.Store(tunnel.NewConfigSnapshot(nil))
	return m
}

// Register claims the active slot for a freshly authenticated session.
// Policy: incumbent wins while healthy; a stale incumbent (silent past the
// heartbeat window) or takeover mode hands the slot to the newcomer.
func (m *Manager) Register(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		if !m.takeover && !m.active.Stale(m.heartbeatTimeout) {
			return ErrSessionReplaced
		}

		slog.InfoContext(ctx, "Replacing tunnel session",
			"old_remote", m.active.RemoteAddr(),
			"new_remote", s.RemoteAddr(),
			"stale", m.active.Stale(m.heartbeatTimeout),
		)
		m.active.close(tunnel.DisconnectReasonReplaced)
		m.hub.Publish(events.Event{Type: events.TypeSessionReplaced})
	}

	m.active = s
	m.hub.Publish(events.Event{Type: events.TypeSessionConnected, AgentVersion: s.AgentVersion()})
	return nil
}

// Unregister releases the slot if the given session still owns it.
func (m *Manager) Unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != s {
		return
	}
	m.active = nil
	m.hub.Publish(events.Event{Type: events.TypeSessionDisconnected})
}

// HasActiveConnection reports whether an agent session is live.
func (m *Manager) HasActiveConnection() bool {
	return m.ActiveConnection() != nil
}

// ActiveConnection returns the active session, or nil.
func (m *Manager) ActiveConnection() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	select {
	case <-m.active.done:
		return nil
	default:
		return m.active
	}
}

// Snapshot returns the current mapping snapshot. Never nil.
func (m *Manager) Snapshot() *tunnel.ConfigSnapshot {
	return m.snapshot.Load()
}

// ApplySnapshot atomically swaps the mapping snapshot. Requests accepted
// before the swap keep matching against the snapshot they captured.
func (m *Manager) ApplySnapshot(snap *tunnel.ConfigSnapshot) {
	m.snapshot.Store(snap)
	m.hub.Publish(events.Event{Type: events.TypeConfigApplied, ConfigHash: snap.Hash})
}

// ForwardedRequest is the router's handle on one dispatched request: it
// streams request body chunks out and response parts back.
type ForwardedRequest struct {
	sess  *Session
	entry *pendingRequest
}

// ForwardRequest registers a pending entry on the active session and sends
// the request head. The caller must Release the returned handle.
func (m *Manager) ForwardRequest(ctx context.Context, req *tunnel.Request) (*ForwardedRequest, error) {
	sess := m.ActiveConnection()
	if sess == nil {
		return nil, ErrNoActiveTunnel
	}

	entry, err := sess.registerPending(req.RequestID)
	if err != nil {
		return nil, err
	}

	if err := sess.enqueue(ctx, req); err != nil {
		sess.releasePending(req.RequestID)
		return nil, err
	}

	m.hub.Publish(events.Event{
		Type:      events.TypeMappingActivity,
		MappingID: req.MappingID,
		RequestID: req.RequestID,
	})

	return &ForwardedRequest{sess: sess, entry: entry}, nil
}

// SendBodyChunk streams one request body chunk to the agent.
func (f *ForwardedRequest) SendBodyChunk(ctx context.Context, data []byte, final bool) error {
	return f.sess.enqueue(ctx, &tunnel.RequestBodyChunk{
		RequestID: f.entry.id,
		Data:      data,
		Final:     final,
	})
}

// Parts returns the response part stream for this request.
func (f *ForwardedRequest) Parts() <-chan responsePart {
	return f.entry.parts
}

// Failed yields the terminal error when the session fails this request
// (teardown, stalled consumer). It bypasses the part buffer.
func (f *ForwardedRequest) Failed() <-chan error {
	return f.entry.failed
}

// SessionDone is closed when the underlying session ends.
func (f *ForwardedRequest) SessionDone() <-chan struct{} {
	return f.sess.Done()
}

// Release removes the pending entry. With notifyAgent set a best-effort
// cancellation frame is sent so the agent can abandon the upstream call.
func (f *ForwardedRequest) Release(notifyAgent bool) {
	f.sess.releasePending(f.entry.id)
	if notifyAgent {
		select {
		case f.sess.sendCh <- &tunnel.Error{
			RequestID: f.entry.id,
			Message:   "request canceled",
			Code:      tunnel.ErrorCodeCanceled,
		}:
		default:
		}
	}
}
