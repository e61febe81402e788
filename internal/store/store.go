// ABOUTME: Store interface and data types for relay-gateway persistence
// ABOUTME: Defines User, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicatePhone is returned when creating a user with a phone number
// that already belongs to another user
var ErrDuplicatePhone = errors.New("phone number already registered")

// Sender constants for message authorship
const (
	SenderUser  = "user"
	SenderAgent = "agent"
)

// MessageType constants for message content kinds
const (
	MessageTypeText  = "text"
	MessageTypeAudio = "audio"
)

// Conversation status constants
const (
	ConversationActive = "active"
	ConversationClosed = "closed"
)

// User represents a chat participant identified by phone number.
// Users are created on first login and never deleted.
type User struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phoneNumber"`
	Name        string    `json:"name"`
	IsVerified  bool      `json:"isVerified"`
	CreatedAt   time.Time `json:"createdAt"`
	LastLoginAt time.Time `json:"lastLoginAt"`
}

// Conversation represents a message thread owned by a single user.
// At most one conversation per user is active at any time; the resolver
// enforces this, not the store.
type Conversation struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Title         string    `json:"title"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// Message is a single immutable chat message. Timestamp is assigned at
// persistence time and is monotonically non-decreasing per insertion order.
// AudioURL and AudioDuration are present iff MessageType is "audio".
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	Sender         string    `json:"sender"`
	MessageType    string    `json:"messageType"`
	AudioURL       *string   `json:"audioUrl"`
	AudioDuration  *string   `json:"audioDuration"`
	Timestamp      time.Time `json:"timestamp"`
	IsFromWebhook  bool      `json:"isFromWebhook"`
}

// Store defines the persistence contract for users, conversations and
// messages. Implementations must not expose partial writes: an entity is
// either fully inserted with all server-assigned fields or not at all.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByPhone(ctx context.Context, phoneNumber string) (*User, error)
	UpdateUserLogin(ctx context.Context, id string, at time.Time) error

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetActiveConversationByUser(ctx context.Context, userID string) (*Conversation, error)
	LatestActiveConversation(ctx context.Context) (*Conversation, error)
	UpdateConversationLastMessage(ctx context.Context, id string, at time.Time) error
	CloseConversation(ctx context.Context, id string) error

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, limit int) ([]*Message, error)
	ListMessagesByConversation(ctx context.Context, conversationID string) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
