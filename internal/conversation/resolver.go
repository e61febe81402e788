// ABOUTME: Active conversation resolution - one active conversation per user
// ABOUTME: Check-then-create serialized per user so concurrent logins can't race

package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/store"
)

// DefaultTitle is given to conversations created lazily on first login.
const DefaultTitle = "Conversation"

// userLocks hands out one mutex per user id so that the lookup-then-create
// sequence in ActiveConversation is serialized per user. Entries are never
// reclaimed; the set of users in a process lifetime is small.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *userLocks) get(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	return m
}

// ActiveConversation returns the user's active conversation, creating one
// with the default title when none exists. Repeated calls return the same
// conversation; concurrent calls for the same user are serialized so
// duplicates cannot be created.
func (s *Service) ActiveConversation(ctx context.Context, userID string) (*store.Conversation, error) {
	lock := s.resolveLocks.get(userID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.store.GetActiveConversationByUser(ctx, userID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up active conversation: %w", err)
	}

	now := time.Now().UTC()
	conv = &store.Conversation{
		ID:            uuid.New().String(),
		UserID:        userID,
		Title:         s.defaultTitle,
		Status:        store.ConversationActive,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("conversation created", "conversation_id", conv.ID, "user_id", userID)
	return conv, nil
}
