// Package server implements the assistant side of the chat protocol: a
// websocket endpoint for live sessions and HTTP fallback endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/confchat/internal/identity"
	"github.com/ashureev/confchat/internal/protocol"
	"github.com/ashureev/confchat/internal/store"
	"github.com/ashureev/confchat/internal/transcript"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// Options configures a Server.
type Options struct {
	Repo          store.Repository
	Auth          *identity.Authenticator
	Assistant     Assistant
	Transcript    *transcript.Logger
	AllowedOrigin string
	IsDev         bool
}

// Server serves chat sessions.
type Server struct {
	repo          store.Repository
	auth          *identity.Authenticator
	assistant     Assistant
	transcript    *transcript.Logger
	registry      *Registry
	allowedOrigin string
	isDev         bool
}

// New creates a server. A nil assistant uses the scripted assistant.
func New(opts Options) *Server {
	assistant := opts.Assistant
	if assistant == nil {
		assistant = NewScriptedAssistant(DefaultScriptedConfig())
	}
	return &Server{
		repo:          opts.Repo,
		auth:          opts.Auth,
		assistant:     assistant,
		transcript:    opts.Transcript,
		registry:      NewRegistry(),
		allowedOrigin: opts.AllowedOrigin,
		isDev:         opts.IsDev,
	}
}

// Registry returns the live connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// RegisterRoutes registers the websocket and fallback routes.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/health/ready", s.HandleHealth)
	r.Get("/ws/chat", s.ServeWS)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/chat", s.HandleAsk)
		r.Post("/chat/stream", s.HandleStream)
		r.Get("/conversations", s.HandleListConversations)
	})
}

// Close terminates every live connection.
func (s *Server) Close() {
	s.registry.CloseAll()
}

// ServeWS upgrades the request and runs one chat session. Requests without
// valid credentials are accepted and answered with auth_error so the client
// can tell an auth failure from a network failure.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	user, authErr := s.auth.Authenticate(r)
	if authErr != nil && !errors.Is(authErr, identity.ErrMissingToken) && !errors.Is(authErr, identity.ErrInvalidToken) {
		slog.Error("Failed to authenticate websocket request", "error", authErr, "ip", identity.IPFromRequest(r))
		identity.WriteAuthError(w, authErr)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}

	if authErr != nil {
		slog.Info("WebSocket rejected", "reason", authErr, "ip", identity.IPFromRequest(r))
		s.rejectUnauthenticated(r.Context(), ws, authErr)
		return
	}

	slog.Info("WebSocket connection request", "user_id", user.UserID, "ip", identity.IPFromRequest(r))
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", user.UserID)
		}
	}()

	c := newConn(r.Context(), s, ws, user)
	s.registry.Register(c)
	defer s.registry.Unregister(c)

	if err := c.serve(); err != nil {
		slog.Warn("Chat session ended with error", "error", err, "user_id", user.UserID, "connection_id", c.id)
		return
	}
	slog.Info("Chat session ended", "user_id", user.UserID, "connection_id", c.id)
}

func (s *Server) rejectUnauthenticated(ctx context.Context, ws *websocket.Conn, reason error) {
	frame, err := protocol.Encode(protocol.AuthError, protocol.ErrorPayload{
		Code:    identity.CodeAuthRequired,
		Message: "Please sign in to use the assistant (" + reason.Error() + ").",
	})
	if err == nil {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := ws.Write(writeCtx, websocket.MessageText, frame); err != nil {
			slog.Debug("Failed to send auth_error", "error", err)
		}
		cancel()
	}
	_ = ws.Close(websocket.StatusPolicyViolation, "authentication required")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowedOrigin == "" || s.allowedOrigin == "*" {
		return true
	}
	if origin == s.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.allowedOrigin)
	return false
}
