// ABOUTME: In-memory fan-out hub for live subscriber connections
// ABOUTME: Sends a history snapshot on connect and pushes every new message

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/2389/relay-gateway/internal/store"
)

// DefaultSnapshotSize is the number of recent messages sent to a newly
// connected subscriber when the config does not override it.
const DefaultSnapshotSize = 20

// Conn is the narrow capability the hub needs from a transport. Anything
// with an open/writable check and a payload send qualifies; the hub never
// sees the concrete websocket type.
type Conn interface {
	IsOpen() bool
	Send(payload []byte) error
}

// HistorySource supplies the recent-message snapshot for new connections.
type HistorySource interface {
	ListMessages(ctx context.Context, limit int) ([]*store.Message, error)
}

// Event is the wire envelope pushed to subscribers.
type Event struct {
	Type     string           `json:"type"`
	Message  *store.Message   `json:"message,omitempty"`
	Messages []*store.Message `json:"messages,omitempty"`
}

// Event type constants for the subscriber channel.
const (
	EventInitialMessages = "initial_messages"
	EventNewMessage      = "new_message"
)

// Hub is the connection registry. Membership only: broadcast is global to
// all connections, not conversation-scoped.
type Hub struct {
	mu           sync.RWMutex
	conns        map[Conn]struct{}
	history      HistorySource
	snapshotSize int
	logger       *slog.Logger
}

// New creates a hub. snapshotSize <= 0 falls back to DefaultSnapshotSize;
// pass nil logger for default.
func New(history HistorySource, snapshotSize int, logger *slog.Logger) *Hub {
	if snapshotSize <= 0 {
		snapshotSize = DefaultSnapshotSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:        make(map[Conn]struct{}),
		history:      history,
		snapshotSize: snapshotSize,
		logger:       logger.With("component", "hub"),
	}
}

// OnConnect adds the connection to the registry and immediately sends it the
// snapshot of recent history as a single initial_messages event.
func (h *Hub) OnConnect(ctx context.Context, conn Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.Debug("subscriber connected", "connections", total)

	messages, err := h.history.ListMessages(ctx, h.snapshotSize)
	if err != nil {
		h.logger.Error("failed to load history snapshot", "error", err)
		messages = nil
	}
	if messages == nil {
		messages = []*store.Message{}
	}

	payload, err := json.Marshal(Event{Type: EventInitialMessages, Messages: messages})
	if err != nil {
		h.logger.Error("failed to marshal snapshot", "error", err)
		return
	}
	if conn.IsOpen() {
		if err := conn.Send(payload); err != nil {
			h.logger.Debug("snapshot send failed", "error", err)
		}
	}
}

// OnDisconnect removes the connection. Safe to call multiple times and for
// connections that were never registered.
func (h *Hub) OnDisconnect(conn Conn) {
	h.mu.Lock()
	_, present := h.conns[conn]
	delete(h.conns, conn)
	total := len(h.conns)
	h.mu.Unlock()

	if present {
		h.logger.Debug("subscriber disconnected", "connections", total)
	}
}

// Broadcast serializes msg as a new_message event and pushes it to every
// open connection. Unwritable connections are skipped, not errors; dead ones
// are cleaned up by their own disconnect signal.
func (h *Hub) Broadcast(msg *store.Message) {
	payload, err := json.Marshal(Event{Type: EventNewMessage, Message: msg})
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err, "message_id", msg.ID)
		return
	}

	// Copy membership under read lock; sends are enqueue-only and happen
	// outside it.
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.IsOpen() {
			continue
		}
		if err := c.Send(payload); err != nil {
			h.logger.Debug("dropped message for subscriber", "error", err, "message_id", msg.ID)
		}
	}
}

// Len reports the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
