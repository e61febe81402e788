// ABOUTME: HTTP handlers for auth, message CRUD, and the inbound webhook
// ABOUTME: Maps sentinel errors from the ingest layer onto HTTP status codes

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/conversation"
	"github.com/2389/relay-gateway/internal/store"
)

// LoginRequest is the JSON request body for POST /api/auth/login.
type LoginRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Name        string `json:"name,omitempty"`
}

// LoginResponse is the JSON response for POST /api/auth/login.
type LoginResponse struct {
	User           *store.User `json:"user"`
	Token          string      `json:"token"`
	ConversationID string      `json:"conversationId"`
}

// CreateMessageRequest is the JSON request body for POST /api/messages.
// It carries the same fields as the send_message wire verb.
type CreateMessageRequest struct {
	ConversationID string  `json:"conversationId,omitempty"`
	Content        string  `json:"content"`
	Sender         string  `json:"sender"`
	MessageType    string  `json:"messageType,omitempty"`
	AudioURL       *string `json:"audioUrl,omitempty"`
	AudioDuration  *string `json:"audioDuration,omitempty"`
}

// InboundWebhookRequest is the JSON request body for POST /api/webhook/inbound.
type InboundWebhookRequest struct {
	Message        string `json:"message"`
	MessageType    string `json:"messageType,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// InboundWebhookResponse is the JSON response for POST /api/webhook/inbound.
type InboundWebhookResponse struct {
	Success bool           `json:"success"`
	Message *store.Message `json:"message"`
}

// sendJSON writes a JSON response with the given status.
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

// ingestStatus maps an ingest error to an HTTP status code.
func ingestStatus(err error) int {
	switch {
	case errors.Is(err, conversation.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// handleLogin handles POST /api/auth/login. First login by a phone number
// creates the user (auto-verified) and its conversation; later logins bump
// the last-login time. Responds with the user, a session token, and the
// active conversation id.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PhoneNumber == "" {
		s.sendJSONError(w, http.StatusBadRequest, "phoneNumber is required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	user, err := s.store.GetUserByPhone(ctx, req.PhoneNumber)
	switch {
	case errors.Is(err, store.ErrNotFound):
		name := req.Name
		if name == "" {
			name = "Student"
		}
		user = &store.User{
			ID:          uuid.New().String(),
			PhoneNumber: req.PhoneNumber,
			Name:        name,
			IsVerified:  true,
			CreatedAt:   now,
			LastLoginAt: now,
		}
		if err := s.store.CreateUser(ctx, user); err != nil {
			if errors.Is(err, store.ErrDuplicatePhone) {
				// Lost a race with a concurrent first login; the user
				// exists now, so treat this as a repeat login.
				user, err = s.store.GetUserByPhone(ctx, req.PhoneNumber)
				if err == nil {
					if err := s.store.UpdateUserLogin(ctx, user.ID, now); err != nil {
						s.logger.Error("failed to update last login", "error", err, "user_id", user.ID)
						s.sendJSONError(w, http.StatusInternalServerError, "login failed")
						return
					}
					user.LastLoginAt = now
					break
				}
			}
			s.logger.Error("failed to create user", "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "login failed")
			return
		}
	case err != nil:
		s.logger.Error("failed to look up user", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "login failed")
		return
	default:
		if err := s.store.UpdateUserLogin(ctx, user.ID, now); err != nil {
			s.logger.Error("failed to update last login", "error", err, "user_id", user.ID)
			s.sendJSONError(w, http.StatusInternalServerError, "login failed")
			return
		}
		user.LastLoginAt = now
	}

	conv, err := s.conversation.ActiveConversation(ctx, user.ID)
	if err != nil {
		s.logger.Error("failed to resolve conversation", "error", err, "user_id", user.ID)
		s.sendJSONError(w, http.StatusInternalServerError, "login failed")
		return
	}

	token, err := s.tokens.Mint(user.ID, auth.DefaultSessionTTL)
	if err != nil {
		s.logger.Error("failed to mint session token", "error", err, "user_id", user.ID)
		s.sendJSONError(w, http.StatusInternalServerError, "login failed")
		return
	}

	s.logger.Info("user logged in", "user_id", user.ID, "conversation_id", conv.ID)
	s.sendJSON(w, http.StatusOK, LoginResponse{
		User:           user,
		Token:          token,
		ConversationID: conv.ID,
	})
}

// handleLogout handles POST /api/auth/logout. Token invalidation is out of
// scope; the endpoint exists so clients can end sessions uniformly.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleMessages handles GET and POST /api/messages.
// GET returns the recent global message list oldest-first; POST persists a
// message and fans it out like any other ingest.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		messages, err := s.conversation.History(r.Context(), 0)
		if err != nil {
			s.logger.Error("failed to list messages", "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "failed to fetch messages")
			return
		}
		if messages == nil {
			messages = []*store.Message{}
		}
		s.sendJSON(w, http.StatusOK, messages)

	case http.MethodPost:
		var req CreateMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		conversationID, err := s.conversation.TargetConversation(r.Context(), req.ConversationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.sendJSONError(w, http.StatusNotFound, "no active conversation")
				return
			}
			s.logger.Error("failed to resolve target conversation", "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "failed to create message")
			return
		}

		msg, err := s.conversation.Ingest(r.Context(), &conversation.IngestRequest{
			ConversationID: conversationID,
			Content:        req.Content,
			Sender:         req.Sender,
			MessageType:    req.MessageType,
			AudioURL:       req.AudioURL,
			AudioDuration:  req.AudioDuration,
		})
		if err != nil {
			status := ingestStatus(err)
			if status == http.StatusInternalServerError {
				s.logger.Error("failed to create message", "error", err)
				s.sendJSONError(w, status, "failed to create message")
				return
			}
			s.sendJSONError(w, status, err.Error())
			return
		}
		s.sendJSON(w, http.StatusOK, msg)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleConversationMessages handles GET /api/messages/{conversationId}.
func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	conversationID := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	if conversationID == "" || strings.Contains(conversationID, "/") {
		s.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	if _, err := s.store.GetConversation(r.Context(), conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("failed to get conversation", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	messages, err := s.conversation.ConversationHistory(r.Context(), conversationID)
	if err != nil {
		s.logger.Error("failed to list conversation messages", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}
	s.sendJSON(w, http.StatusOK, messages)
}

// handleInboundWebhook handles POST /api/webhook/inbound. Payloads from the
// external automation system are always stored as agent messages flagged
// isFromWebhook, then fanned out to subscribers like any other ingest.
func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req InboundWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		s.sendJSONError(w, http.StatusBadRequest, "message content required")
		return
	}

	conversationID, err := s.conversation.TargetConversation(r.Context(), req.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "no active conversation")
			return
		}
		s.logger.Error("failed to resolve target conversation", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	msg, err := s.conversation.Ingest(r.Context(), &conversation.IngestRequest{
		ConversationID: conversationID,
		Content:        req.Message,
		Sender:         store.SenderAgent,
		MessageType:    req.MessageType,
		IsFromWebhook:  true,
	})
	if err != nil {
		status := ingestStatus(err)
		if status == http.StatusBadRequest {
			s.sendJSONError(w, status, err.Error())
			return
		}
		s.logger.Error("inbound webhook ingest failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	s.sendJSON(w, http.StatusOK, InboundWebhookResponse{Success: true, Message: msg})
}
