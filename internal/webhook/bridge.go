// ABOUTME: Outbound webhook relay to the external automation endpoint
// ABOUTME: Fire-and-forget POST of user messages; failures are logged, never retried

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/relay-gateway/internal/store"
)

const deliverTimeout = 10 * time.Second

// OutboundPayload is the minimal shape POSTed to the automation endpoint.
type OutboundPayload struct {
	Message     string    `json:"message"`
	MessageType string    `json:"messageType"`
	AudioURL    *string   `json:"audioUrl,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Bridge relays persisted user messages to a configured external endpoint.
// An empty endpoint disables the relay silently.
type Bridge struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// New creates a bridge for the given endpoint URL. Pass nil logger for
// default and nil client for a default client with the delivery timeout.
func New(endpoint string, client *http.Client, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: deliverTimeout}
	}
	return &Bridge{
		endpoint: endpoint,
		client:   client,
		logger:   logger.With("component", "webhook"),
	}
}

// Enabled reports whether an outbound endpoint is configured.
func (b *Bridge) Enabled() bool {
	return b.endpoint != ""
}

// Deliver POSTs the message to the external endpoint. Failures are logged
// and dropped: no retry, and nothing reaches the original sender.
func (b *Bridge) Deliver(ctx context.Context, msg *store.Message) {
	if !b.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	payload := OutboundPayload{
		Message:     msg.Content,
		MessageType: msg.MessageType,
		AudioURL:    msg.AudioURL,
		Timestamp:   msg.Timestamp,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("failed to marshal outbound payload", "error", err, "message_id", msg.ID)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		b.logger.Error("failed to build outbound request", "error", err, "message_id", msg.ID)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("outbound webhook delivery failed", "error", err, "message_id", msg.ID)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b.logger.Warn("outbound webhook rejected message",
			"status", resp.StatusCode,
			"message_id", msg.ID)
		return
	}

	b.logger.Debug("outbound webhook delivered",
		"message_id", msg.ID,
		"status", resp.StatusCode)
}
