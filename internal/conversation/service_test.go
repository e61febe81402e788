// ABOUTME: Tests for the message ingest service
// ABOUTME: Covers validation, stamping, fan-out triggers, and history ordering

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/store"
)

// recordingBroadcaster captures broadcast messages in order.
type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []*store.Message
}

func (b *recordingBroadcaster) Broadcast(msg *store.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
}

func (b *recordingBroadcaster) all() []*store.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*store.Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// recordingRelay captures delivered messages and signals each delivery.
type recordingRelay struct {
	mu        sync.Mutex
	messages  []*store.Message
	delivered chan struct{}
}

func newRecordingRelay() *recordingRelay {
	return &recordingRelay{delivered: make(chan struct{}, 16)}
}

func (r *recordingRelay) Deliver(_ context.Context, msg *store.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	r.delivered <- struct{}{}
}

func (r *recordingRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recordingRelay) waitForDelivery(t *testing.T) {
	t.Helper()
	select {
	case <-r.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay delivery")
	}
}

func newTestService(t *testing.T) (*Service, store.Store, *recordingBroadcaster, *recordingRelay) {
	t.Helper()
	s := store.NewMemoryStore()
	broadcaster := &recordingBroadcaster{}
	relay := newRecordingRelay()
	svc := New(s, broadcaster, relay, nil)
	return svc, s, broadcaster, relay
}

func createTestConversation(t *testing.T, s store.Store) *store.Conversation {
	t.Helper()
	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:            "conv-1",
		UserID:        "user-1",
		Title:         "Conversation",
		Status:        store.ConversationActive,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return conv
}

func TestIngestPersistsAndStamps(t *testing.T) {
	svc, s, _, _ := newTestService(t)
	conv := createTestConversation(t, s)

	before := time.Now().UTC()
	msg, err := svc.Ingest(context.Background(), &IngestRequest{
		ConversationID: conv.ID,
		Content:        "hello",
		Sender:         store.SenderUser,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, conv.ID, msg.ConversationID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, store.SenderUser, msg.Sender)
	assert.Equal(t, store.MessageTypeText, msg.MessageType, "type defaults to text")
	assert.False(t, msg.Timestamp.Before(before), "timestamp is server-assigned")
	assert.False(t, msg.IsFromWebhook)

	// Exactly what the store holds.
	stored, err := s.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg, stored)
}

func TestIngestAssignsUniqueIDs(t *testing.T) {
	svc, s, _, _ := newTestService(t)
	conv := createTestConversation(t, s)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		msg, err := svc.Ingest(context.Background(), &IngestRequest{
			ConversationID: conv.ID,
			Content:        "x",
			Sender:         store.SenderUser,
		})
		require.NoError(t, err)
		assert.False(t, seen[msg.ID], "duplicate message id %s", msg.ID)
		seen[msg.ID] = true
	}
}

func TestIngestValidation(t *testing.T) {
	svc, s, _, _ := newTestService(t)
	conv := createTestConversation(t, s)

	audioURL := "https://example.com/a.mp3"

	tests := []struct {
		name string
		req  *IngestRequest
	}{
		{
			name: "empty content",
			req:  &IngestRequest{ConversationID: conv.ID, Content: "", Sender: store.SenderUser},
		},
		{
			name: "unknown sender",
			req:  &IngestRequest{ConversationID: conv.ID, Content: "hi", Sender: "robot"},
		},
		{
			name: "unknown message type",
			req:  &IngestRequest{ConversationID: conv.ID, Content: "hi", Sender: store.SenderUser, MessageType: "video"},
		},
		{
			name: "audio without url",
			req:  &IngestRequest{ConversationID: conv.ID, Content: "hi", Sender: store.SenderUser, MessageType: store.MessageTypeAudio},
		},
		{
			name: "missing conversation id",
			req:  &IngestRequest{Content: "hi", Sender: store.SenderUser},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Ingest(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidMessage)
		})
	}

	// Valid audio passes.
	msg, err := svc.Ingest(context.Background(), &IngestRequest{
		ConversationID: conv.ID,
		Content:        "voice note",
		Sender:         store.SenderUser,
		MessageType:    store.MessageTypeAudio,
		AudioURL:       &audioURL,
	})
	require.NoError(t, err)
	assert.Equal(t, store.MessageTypeAudio, msg.MessageType)
}

func TestIngestRejectionLeavesStoreUnchanged(t *testing.T) {
	svc, s, broadcaster, relay := newTestService(t)
	conv := createTestConversation(t, s)

	_, err := svc.Ingest(context.Background(), &IngestRequest{
		ConversationID: conv.ID,
		Content:        "voice note",
		Sender:         store.SenderUser,
		MessageType:    store.MessageTypeAudio,
		// no AudioURL
	})
	require.ErrorIs(t, err, ErrInvalidMessage)

	messages, err := s.ListMessages(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, messages, "rejected ingest must not persist")
	assert.Empty(t, broadcaster.all(), "rejected ingest must not broadcast")
	assert.Zero(t, relay.count(), "rejected ingest must not relay")
}

func TestIngestUnknownConversation(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Ingest(context.Background(), &IngestRequest{
		ConversationID: "no-such-conv",
		Content:        "hi",
		Sender:         store.SenderUser,
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngestBroadcastsEveryMessage(t *testing.T) {
	svc, s, broadcaster, _ := newTestService(t)
	conv := createTestConversation(t, s)

	for _, sender := range []string{store.SenderUser, store.SenderAgent} {
		_, err := svc.Ingest(context.Background(), &IngestRequest{
			ConversationID: conv.ID,
			Content:        "from " + sender,
			Sender:         sender,
		})
		require.NoError(t, err)
	}

	got := broadcaster.all()
	require.Len(t, got, 2, "both senders fan out")
	assert.Equal(t, "from user", got[0].Content)
	assert.Equal(t, "from agent", got[1].Content)
}

func TestIngestRelaysOnlyUserMessages(t *testing.T) {
	svc, s, _, relay := newTestService(t)
	conv := createTestConversation(t, s)

	_, err := svc.Ingest(context.Background(), &IngestRequest{
		ConversationID: conv.ID,
		Content:        "user speaks",
		Sender:         store.SenderUser,
	})
	require.NoError(t, err)
	relay.waitForDelivery(t)

	_, err = svc.Ingest(context.Background(), &IngestRequest{
		ConversationID: conv.ID,
		Content:        "agent replies",
		Sender:         store.SenderAgent,
	})
	require.NoError(t, err)

	// Agent messages never go back out; give a stray delivery a moment to
	// show up before asserting.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, relay.count())
}

func TestIngestBumpsConversationLastMessage(t *testing.T) {
	svc, s, _, _ := newTestService(t)
	conv := createTestConversation(t, s)

	msg, err := svc.Ingest(context.Background(), &IngestRequest{
		ConversationID: conv.ID,
		Content:        "hello",
		Sender:         store.SenderUser,
	})
	require.NoError(t, err)

	updated, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Timestamp, updated.LastMessageAt)
}

func TestHistoryOrderedOldestFirst(t *testing.T) {
	svc, s, _, _ := newTestService(t)
	conv := createTestConversation(t, s)

	contents := []string{"one", "two", "three", "four"}
	for _, c := range contents {
		_, err := svc.Ingest(context.Background(), &IngestRequest{
			ConversationID: conv.ID,
			Content:        c,
			Sender:         store.SenderUser,
		})
		require.NoError(t, err)
	}

	messages, err := svc.History(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, messages, len(contents))
	for i, c := range contents {
		assert.Equal(t, c, messages[i].Content)
	}

	// Timestamps never go backwards in listed order.
	for i := 1; i < len(messages); i++ {
		assert.False(t, messages[i].Timestamp.Before(messages[i-1].Timestamp))
	}
}

// gatedStore blocks the first CreateMessage until released, letting tests
// force a second ingest to arrive while the first is mid-persist.
type gatedStore struct {
	store.Store
	entered  chan struct{}
	release  chan struct{}
	gateOnce sync.Once
}

func newGatedStore(s store.Store) *gatedStore {
	return &gatedStore{
		Store:   s,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedStore) CreateMessage(ctx context.Context, msg *store.Message) error {
	g.gateOnce.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Store.CreateMessage(ctx, msg)
}

func TestIngestStampsAndPersistsAtomically(t *testing.T) {
	mem := store.NewMemoryStore()
	gated := newGatedStore(mem)
	svc := New(gated, nil, nil, nil)
	conv := createTestConversation(t, mem)

	done := make(chan struct{}, 2)

	// First ingest stalls inside the store write.
	go func() {
		_, err := svc.Ingest(context.Background(), &IngestRequest{
			ConversationID: conv.ID,
			Content:        "slow",
			Sender:         store.SenderUser,
		})
		assert.NoError(t, err)
		done <- struct{}{}
	}()

	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first ingest never reached the store")
	}

	// Second ingest arrives while the first is stalled. It must not stamp
	// a timestamp until the first one is persisted.
	go func() {
		_, err := svc.Ingest(context.Background(), &IngestRequest{
			ConversationID: conv.ID,
			Content:        "fast",
			Sender:         store.SenderUser,
		})
		assert.NoError(t, err)
		done <- struct{}{}
	}()

	time.Sleep(50 * time.Millisecond)
	close(gated.release)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("ingest never finished")
		}
	}

	messages, err := mem.ListMessages(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "slow", messages[0].Content, "stalled ingest persists first")
	assert.Equal(t, "fast", messages[1].Content)
	assert.False(t, messages[1].Timestamp.Before(messages[0].Timestamp),
		"timestamps must not decrease in insertion order")
}

func TestIngestConcurrentTimestampOrder(t *testing.T) {
	svc, s, _, _ := newTestService(t)
	conv := createTestConversation(t, s)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Ingest(context.Background(), &IngestRequest{
				ConversationID: conv.ID,
				Content:        "concurrent",
				Sender:         store.SenderUser,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	messages, err := s.ListMessages(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, messages, workers)
	for i := 1; i < len(messages); i++ {
		assert.False(t, messages[i].Timestamp.Before(messages[i-1].Timestamp),
			"timestamp decreased between positions %d and %d", i-1, i)
	}
}

func TestTargetConversation(t *testing.T) {
	svc, s, _, _ := newTestService(t)

	// No conversations yet: fallback has nothing to resolve.
	_, err := svc.TargetConversation(context.Background(), "")
	require.ErrorIs(t, err, store.ErrNotFound)

	conv := createTestConversation(t, s)

	// Explicit id wins even if it does not exist; ingest validates it later.
	id, err := svc.TargetConversation(context.Background(), "explicit-id")
	require.NoError(t, err)
	assert.Equal(t, "explicit-id", id)

	// Empty id falls back to the most recently active conversation.
	id, err = svc.TargetConversation(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, id)
}
