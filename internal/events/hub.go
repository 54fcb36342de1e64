package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies a state transition or activity tick published on the hub.
type Type string

const (
	// TypeSessionConnected fires when an agent session becomes active.
	TypeSessionConnected Type = "session_connected"
	// TypeSessionDisconnected fires when the active session ends.
	TypeSessionDisconnected Type = "session_disconnected"
	// TypeSessionReplaced fires when a newcomer takes over the active slot.
	TypeSessionReplaced Type = "session_replaced"
	// TypeConfigApplied fires when a config snapshot has been acked.
	TypeConfigApplied Type = "config_applied"
	// TypeMappingActivity fires when a request is dispatched for a mapping.
	TypeMappingActivity Type = "mapping_activity"
)

// Event is one hub notification. Fields beyond Type are set as applicable.
type Event struct {
	Type         Type      `json:"type"`
	AgentVersion string    `json:"agentVersion,omitempty"`
	ConfigHash   string    `json:"configHash,omitempty"`
	MappingID    string    `json:"mappingId,omitempty"`
	RequestID    string    `json:"requestId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const subscriberBuffer = 64

// Hub fans out session state transitions and per-mapping activity to
// observers (status endpoint, UI bridges). Publishing never blocks; slow
// subscribers lose events rather than stalling the tunnel.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers an observer. The returned cancel function must be
// called to release the subscription.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			slog.Debug("Dropping hub event for slow subscriber", "type", evt.Type)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
