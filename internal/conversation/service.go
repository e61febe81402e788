// ABOUTME: Message ingest service - validates, persists, and fans out messages
// ABOUTME: All messages flow through here; the store is the source of truth

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/store"
)

// ErrInvalidMessage is returned when an ingest request fails validation.
// Nothing is persisted when it is returned.
var ErrInvalidMessage = errors.New("invalid message")

// MessageStore defines what the service needs from storage
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *store.Message) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetActiveConversationByUser(ctx context.Context, userID string) (*store.Conversation, error)
	LatestActiveConversation(ctx context.Context) (*store.Conversation, error)
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	UpdateConversationLastMessage(ctx context.Context, id string, at time.Time) error
	ListMessages(ctx context.Context, limit int) ([]*store.Message, error)
	ListMessagesByConversation(ctx context.Context, conversationID string) ([]*store.Message, error)
}

// Broadcaster receives every persisted message for fan-out to live
// subscribers. Implementations must not block and must not fail the caller.
type Broadcaster interface {
	Broadcast(msg *store.Message)
}

// Relay receives persisted user messages for delivery to the external
// automation endpoint. Called on a detached goroutine; outcomes never reach
// the original sender.
type Relay interface {
	Deliver(ctx context.Context, msg *store.Message)
}

// IngestRequest carries everything needed to persist one message.
type IngestRequest struct {
	ConversationID string
	Content        string
	Sender         string
	MessageType    string
	AudioURL       *string
	AudioDuration  *string
	IsFromWebhook  bool
}

// Service is the central ingest layer. It validates and persists incoming
// messages, then notifies the broadcast hub and the webhook relay. Fan-out
// and relay failures never fail an ingest.
type Service struct {
	store       MessageStore
	broadcaster Broadcaster
	relay       Relay
	logger      *slog.Logger

	defaultTitle string
	resolveLocks *userLocks

	// ingestMu makes stamping and persisting one message atomic, so
	// timestamps never decrease in insertion order and fan-out order
	// matches persistence order.
	ingestMu sync.Mutex
}

// New creates the ingest service. Pass nil logger for default; broadcaster
// and relay may be nil (fan-out and relay are then disabled).
func New(s MessageStore, broadcaster Broadcaster, relay Relay, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        s,
		broadcaster:  broadcaster,
		relay:        relay,
		logger:       logger.With("component", "conversation"),
		defaultTitle: DefaultTitle,
		resolveLocks: newUserLocks(),
	}
}

// validate checks an ingest request against the message invariants.
// The request is normalized in place (default type, trimmed nothing).
func validate(req *IngestRequest) error {
	if req.Content == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	if req.Sender != store.SenderUser && req.Sender != store.SenderAgent {
		return fmt.Errorf("%w: sender must be %q or %q", ErrInvalidMessage, store.SenderUser, store.SenderAgent)
	}
	if req.MessageType == "" {
		req.MessageType = store.MessageTypeText
	}
	if req.MessageType != store.MessageTypeText && req.MessageType != store.MessageTypeAudio {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, req.MessageType)
	}
	if req.MessageType == store.MessageTypeAudio && (req.AudioURL == nil || *req.AudioURL == "") {
		return fmt.Errorf("%w: audio messages require audioUrl", ErrInvalidMessage)
	}
	return nil
}

// Ingest validates and persists a message, stamping identity and the server
// timestamp, then triggers fan-out and (for user messages) the outbound
// webhook relay. The returned message is exactly what the store now holds.
func (s *Service) Ingest(ctx context.Context, req *IngestRequest) (*store.Message, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversationId is required", ErrInvalidMessage)
	}
	if _, err := s.store.GetConversation(ctx, req.ConversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}

	msg, err := s.commit(req)
	if err != nil {
		return nil, err
	}

	if s.relay != nil && msg.Sender == store.SenderUser {
		go s.relay.Deliver(context.Background(), msg)
	}

	return msg, nil
}

// commit stamps, persists, and fans out one message under the ingest mutex.
// Stamping the timestamp inside the same critical section as the insert is
// what keeps timestamps non-decreasing in insertion order across both stores.
func (s *Service) commit(req *IngestRequest) (*store.Message, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	now := time.Now().UTC()
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Sender:         req.Sender,
		MessageType:    req.MessageType,
		AudioURL:       req.AudioURL,
		AudioDuration:  req.AudioDuration,
		Timestamp:      now,
		IsFromWebhook:  req.IsFromWebhook,
	}

	// Persist with a detached timeout context so a client disconnect
	// mid-flight does not abandon the write.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.CreateMessage(saveCtx, msg); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}

	if err := s.store.UpdateConversationLastMessage(saveCtx, msg.ConversationID, now); err != nil {
		// The message is already durable; a stale last-message time is
		// not worth failing the ingest for.
		s.logger.Warn("failed to bump conversation last-message time",
			"error", err,
			"conversation_id", msg.ConversationID)
	}

	s.logger.Debug("message recorded",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender", msg.Sender,
		"type", msg.MessageType)

	if s.broadcaster != nil {
		s.broadcaster.Broadcast(msg)
	}

	return msg, nil
}

// TargetConversation resolves the conversation a message should land in.
// A non-empty id wins; otherwise the most recently active conversation is
// used, matching the single-tenant behavior of clients that never name one.
func (s *Service) TargetConversation(ctx context.Context, conversationID string) (string, error) {
	if conversationID != "" {
		return conversationID, nil
	}
	conv, err := s.store.LatestActiveConversation(ctx)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// History returns up to limit recent messages across all conversations,
// oldest-first.
func (s *Service) History(ctx context.Context, limit int) ([]*store.Message, error) {
	return s.store.ListMessages(ctx, limit)
}

// ConversationHistory returns all messages for one conversation, oldest-first.
func (s *Service) ConversationHistory(ctx context.Context, conversationID string) ([]*store.Message, error) {
	return s.store.ListMessagesByConversation(ctx, conversationID)
}
