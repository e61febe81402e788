// ABOUTME: In-memory implementation of the Store interface
// ABOUTME: Volatile map-backed storage guarded by a RWMutex, default for serve

package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. It is the single source
// of truth within a process lifetime; nothing survives a restart. Messages
// keep insertion order so listings can tie-break equal timestamps.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	usersByPhone  map[string]string // phone -> user id
	conversations map[string]*Conversation
	messages      map[string]*Message
	messageOrder  []string // message ids in insertion order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*User),
		usersByPhone:  make(map[string]string),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
	}
}

// CreateUser inserts a user. The phone number must be unique.
func (s *MemoryStore) CreateUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.usersByPhone[user.PhoneNumber]; taken {
		return ErrDuplicatePhone
	}

	u := *user
	s.users[u.ID] = &u
	s.usersByPhone[u.PhoneNumber] = u.ID
	return nil
}

// GetUser returns the user with the given id.
func (s *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

// GetUserByPhone looks up a user by phone number in O(1).
func (s *MemoryStore) GetUserByPhone(ctx context.Context, phoneNumber string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByPhone[phoneNumber]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s.users[id]
	return &copied, nil
}

// UpdateUserLogin bumps the user's last-login time.
func (s *MemoryStore) UpdateUserLogin(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.LastLoginAt = at
	return nil
}

// CreateConversation inserts a conversation.
func (s *MemoryStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *conv
	s.conversations[c.ID] = &c
	return nil
}

// GetConversation returns the conversation with the given id.
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

// GetActiveConversationByUser returns the user's conversation with
// status=active, or ErrNotFound.
func (s *MemoryStore) GetActiveConversationByUser(ctx context.Context, userID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.conversations {
		if c.UserID == userID && c.Status == ConversationActive {
			copied := *c
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// LatestActiveConversation returns the active conversation with the most
// recent last-message time, or ErrNotFound when no conversation is active.
func (s *MemoryStore) LatestActiveConversation(ctx context.Context) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Conversation
	for _, c := range s.conversations {
		if c.Status != ConversationActive {
			continue
		}
		if latest == nil || c.LastMessageAt.After(latest.LastMessageAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

// UpdateConversationLastMessage bumps the conversation's last-message time.
func (s *MemoryStore) UpdateConversationLastMessage(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.LastMessageAt = at
	return nil
}

// CloseConversation transitions a conversation to status=closed.
func (s *MemoryStore) CloseConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = ConversationClosed
	return nil
}

// CreateMessage inserts a message and records its insertion order.
func (s *MemoryStore) CreateMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := *msg
	s.messages[m.ID] = &m
	s.messageOrder = append(s.messageOrder, m.ID)
	return nil
}

// GetMessage returns the message with the given id.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *m
	return &copied, nil
}

// ListMessages returns up to limit of the most recent messages across all
// conversations, oldest-first. A limit <= 0 returns everything.
func (s *MemoryStore) ListMessages(ctx context.Context, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Message, 0, len(s.messageOrder))
	for _, id := range s.messageOrder {
		copied := *s.messages[id]
		out = append(out, &copied)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ListMessagesByConversation returns all messages for a conversation in
// insertion order (oldest-first).
func (s *MemoryStore) ListMessagesByConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, id := range s.messageOrder {
		m := s.messages[id]
		if m.ConversationID == conversationID {
			copied := *m
			out = append(out, &copied)
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
