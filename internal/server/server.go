// ABOUTME: Server orchestrator wiring store, ingest, hub, and webhook bridge
// ABOUTME: Owns the HTTP mux and manages startup and graceful shutdown

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/conversation"
	"github.com/2389/relay-gateway/internal/hub"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/webhook"
)

// Server orchestrates the relay-gateway components. All shared mutable state
// (entity store, connection registry) is constructed here and injected; there
// are no ambient globals.
type Server struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	hub          *hub.Hub
	bridge       *webhook.Bridge
	tokens       *auth.TokenMinter
	httpServer   *http.Server
	logger       *slog.Logger
}

// initStore creates a store based on config. An empty database path selects
// the volatile in-memory store.
func initStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Path == "" {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Server instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	bridge := webhook.New(cfg.Webhook.OutboundURL, nil, logger)
	if bridge.Enabled() {
		logger.Info("outbound webhook relay enabled", "endpoint", cfg.Webhook.OutboundURL)
	} else {
		logger.Info("outbound webhook relay disabled")
	}

	h := hub.New(s, cfg.Chat.SnapshotSize, logger)
	convService := conversation.New(s, h, bridge, logger)

	srv := &Server{
		config:       cfg,
		store:        s,
		conversation: convService,
		hub:          h,
		bridge:       bridge,
		tokens:       auth.NewTokenMinter([]byte(cfg.Auth.JWTSecret)),
		logger:       logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/api/auth/login", srv.handleLogin)
	mux.HandleFunc("/api/auth/logout", srv.handleLogout)
	mux.HandleFunc("/api/messages", srv.handleMessages)
	mux.HandleFunc("/api/messages/", srv.handleConversationMessages)
	mux.HandleFunc("/api/webhook/inbound", srv.handleInboundWebhook)
	mux.HandleFunc("/ws", srv.handleWebSocket)

	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
