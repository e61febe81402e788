// ABOUTME: HTTP handler tests covering login, message CRUD, and the inbound webhook
// ABOUTME: Exercises the full wiring through an in-memory store

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{HTTPAddr: "localhost:0"},
		Auth:   config.AuthConfig{JWTSecret: "test-secret"},
		Chat:   config.ChatConfig{SnapshotSize: 20},
	}
	srv, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.store.Close() })
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func login(t *testing.T, srv *Server, phone string) LoginResponse {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/api/auth/login", LoginRequest{PhoneNumber: phone})
	require.Equal(t, http.StatusOK, w.Code, "login failed: %s", w.Body.String())
	return decode[LoginResponse](t, w)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginCreatesUserAndConversation(t *testing.T) {
	srv := newTestServer(t)

	resp := login(t, srv, "+15550001111")
	require.NotNil(t, resp.User)
	assert.NotEmpty(t, resp.User.ID)
	assert.Equal(t, "+15550001111", resp.User.PhoneNumber)
	assert.Equal(t, "Student", resp.User.Name, "name defaults when omitted")
	assert.True(t, resp.User.IsVerified)
	assert.NotEmpty(t, resp.Token)
	assert.NotEmpty(t, resp.ConversationID)

	// The token round-trips back to the user.
	userID, err := srv.tokens.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.User.ID, userID)
}

func TestLoginIsIdempotent(t *testing.T) {
	srv := newTestServer(t)

	first := login(t, srv, "+15550001111")
	second := login(t, srv, "+15550001111")

	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.False(t, second.User.LastLoginAt.Before(first.User.LastLoginAt))
}

// firstLoginRaceStore simulates losing the create race: a rival login
// registers the phone number first, then CreateUser reports the duplicate.
type firstLoginRaceStore struct {
	store.Store
}

func (s *firstLoginRaceStore) CreateUser(ctx context.Context, user *store.User) error {
	rival := *user
	rival.ID = "rival-user"
	rival.LastLoginAt = user.LastLoginAt.Add(-time.Hour)
	if err := s.Store.CreateUser(ctx, &rival); err != nil {
		return err
	}
	return store.ErrDuplicatePhone
}

func TestLoginRecoversFromCreateRace(t *testing.T) {
	srv := newTestServer(t)
	srv.store = &firstLoginRaceStore{Store: srv.store}

	before := time.Now().UTC().Add(-time.Minute)
	resp := login(t, srv, "+15550001111")

	assert.Equal(t, "rival-user", resp.User.ID, "the rival's user is returned")
	assert.True(t, resp.User.LastLoginAt.After(before), "recovered login still bumps last-login")

	stored, err := srv.store.GetUser(context.Background(), "rival-user")
	require.NoError(t, err)
	assert.True(t, stored.LastLoginAt.After(before), "bump is persisted, not just echoed")
}

func TestLoginWithName(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/auth/login",
		LoginRequest{PhoneNumber: "+15550002222", Name: "Ada"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[LoginResponse](t, w)
	assert.Equal(t, "Ada", resp.User.Name)
}

func TestLoginRequiresPhoneNumber(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/auth/login", LoginRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogout(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]bool](t, w)
	assert.True(t, resp["success"])
}

func TestCreateAndListMessages(t *testing.T) {
	srv := newTestServer(t)
	session := login(t, srv, "+15550001111")

	w := doJSON(t, srv, http.MethodPost, "/api/messages", CreateMessageRequest{
		ConversationID: session.ConversationID,
		Content:        "first",
		Sender:         store.SenderUser,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	created := decode[store.Message](t, w)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, store.MessageTypeText, created.MessageType)

	w = doJSON(t, srv, http.MethodPost, "/api/messages", CreateMessageRequest{
		ConversationID: session.ConversationID,
		Content:        "second",
		Sender:         store.SenderAgent,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/api/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	messages := decode[[]store.Message](t, w)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content, "oldest first")
	assert.Equal(t, "second", messages[1].Content)
}

func TestCreateMessageWithoutConversationFallsBack(t *testing.T) {
	srv := newTestServer(t)
	session := login(t, srv, "+15550001111")

	w := doJSON(t, srv, http.MethodPost, "/api/messages", CreateMessageRequest{
		Content: "no id given",
		Sender:  store.SenderUser,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	created := decode[store.Message](t, w)
	assert.Equal(t, session.ConversationID, created.ConversationID)
}

func TestCreateMessageErrors(t *testing.T) {
	srv := newTestServer(t)
	session := login(t, srv, "+15550001111")

	tests := []struct {
		name string
		req  CreateMessageRequest
		want int
	}{
		{
			name: "missing content",
			req:  CreateMessageRequest{ConversationID: session.ConversationID, Sender: store.SenderUser},
			want: http.StatusBadRequest,
		},
		{
			name: "bad sender",
			req:  CreateMessageRequest{ConversationID: session.ConversationID, Content: "x", Sender: "robot"},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown conversation",
			req:  CreateMessageRequest{ConversationID: "no-such", Content: "x", Sender: store.SenderUser},
			want: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, srv, http.MethodPost, "/api/messages", tt.req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestListMessagesEmpty(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestConversationMessages(t *testing.T) {
	srv := newTestServer(t)
	first := login(t, srv, "+15550001111")
	second := login(t, srv, "+15550002222")

	for _, convID := range []string{first.ConversationID, second.ConversationID} {
		w := doJSON(t, srv, http.MethodPost, "/api/messages", CreateMessageRequest{
			ConversationID: convID,
			Content:        "in " + convID,
			Sender:         store.SenderUser,
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doJSON(t, srv, http.MethodGet, "/api/messages/"+first.ConversationID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	messages := decode[[]store.Message](t, w)
	require.Len(t, messages, 1, "scoped to the one conversation")
	assert.Equal(t, first.ConversationID, messages[0].ConversationID)
}

func TestConversationMessagesNotFound(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/messages/no-such-conv", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInboundWebhook(t *testing.T) {
	srv := newTestServer(t)
	session := login(t, srv, "+15550001111")

	w := doJSON(t, srv, http.MethodPost, "/api/webhook/inbound", InboundWebhookRequest{
		Message: "agent says hi",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[InboundWebhookResponse](t, w)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Message)
	assert.Equal(t, store.SenderAgent, resp.Message.Sender, "webhook payloads always land as agent")
	assert.True(t, resp.Message.IsFromWebhook)
	assert.Equal(t, session.ConversationID, resp.Message.ConversationID)
}

func TestInboundWebhookRequiresMessage(t *testing.T) {
	srv := newTestServer(t)
	login(t, srv, "+15550001111")

	w := doJSON(t, srv, http.MethodPost, "/api/webhook/inbound", InboundWebhookRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInboundWebhookNoActiveConversation(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/webhook/inbound", InboundWebhookRequest{
		Message: "nobody home",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLoginSendReplyListScenario(t *testing.T) {
	srv := newTestServer(t)

	session := login(t, srv, "+15550001111")

	w := doJSON(t, srv, http.MethodPost, "/api/messages", CreateMessageRequest{
		Content: "hi agent",
		Sender:  store.SenderUser,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/api/webhook/inbound", InboundWebhookRequest{
		Message: "hi user",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/api/messages/"+session.ConversationID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	messages := decode[[]store.Message](t, w)
	require.Len(t, messages, 2)

	assert.Equal(t, "hi agent", messages[0].Content)
	assert.Equal(t, store.SenderUser, messages[0].Sender)
	assert.False(t, messages[0].IsFromWebhook)

	assert.Equal(t, "hi user", messages[1].Content)
	assert.Equal(t, store.SenderAgent, messages[1].Sender)
	assert.True(t, messages[1].IsFromWebhook)

	assert.False(t, messages[1].Timestamp.Before(messages[0].Timestamp))
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/auth/login"},
		{http.MethodGet, "/api/auth/logout"},
		{http.MethodDelete, "/api/messages"},
		{http.MethodGet, "/api/webhook/inbound"},
	} {
		w := doJSON(t, srv, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "%s %s", tc.method, tc.path)
	}
}
