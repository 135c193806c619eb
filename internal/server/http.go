package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/confchat/internal/domain"
	"github.com/ashureev/confchat/internal/fallback"
	"github.com/ashureev/confchat/internal/identity"
	"github.com/google/uuid"
)

const maxRequestBodySize = 64 * 1024

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response of the form {"error": {"code", "message"}}.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (fallback.Request, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req fallback.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, codeInvalidInput, "request body too large")
			return req, false
		}
		Error(w, http.StatusBadRequest, codeInvalidInput, "invalid request body")
		return req, false
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		Error(w, http.StatusBadRequest, codeInvalidInput, "message is required")
		return req, false
	}
	if req.ConversationID != "" {
		if _, err := s.repo.GetConversation(r.Context(), identity.UserIDFromContext(r.Context()), req.ConversationID); err != nil {
			s.writeStoreError(w, err)
			return req, false
		}
	}
	return req, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	var ce *commandError
	if errors.As(storeError(err, ""), &ce) {
		status := http.StatusNotFound
		if ce.code != codeNotFound {
			status = http.StatusForbidden
		}
		Error(w, status, ce.code, ce.message)
		return
	}
	slog.Error("Store request failed", "error", err)
	Error(w, http.StatusInternalServerError, codeInternal, "internal error")
}

// persistExchange stores the prompt and answer when the request names a conversation.
func (s *Server) persistExchange(r *http.Request, req fallback.Request, a *Answer) {
	if req.ConversationID == "" {
		return
	}
	userID := identity.UserIDFromContext(r.Context())
	ctx := r.Context()
	userMsg := domain.Message{ID: uuid.NewString(), Text: req.Message, IsFromUser: true, Kind: domain.KindText, CreatedAt: time.Now()}
	if err := s.repo.AppendMessage(ctx, userID, req.ConversationID, userMsg); err != nil {
		slog.Warn("Failed to persist fallback prompt", "error", err, "conversation_id", req.ConversationID)
		return
	}
	if a == nil {
		return
	}
	if err := s.repo.AppendMessage(ctx, userID, req.ConversationID, storedAnswer(a)); err != nil {
		slog.Warn("Failed to persist fallback answer", "error", err, "conversation_id", req.ConversationID)
	}
}

// HandleAsk handles POST /api/chat: one prompt, one complete result.
func (s *Server) HandleAsk(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	prompt := Prompt{
		UserID:         identity.UserIDFromContext(r.Context()),
		ConversationID: req.ConversationID,
		Text:           req.Message,
		Language:       req.Language,
	}

	var answer *Answer
	for reply, err := range s.assistant.Chat(r.Context(), prompt) {
		if err != nil {
			writeAssistantError(w, err)
			return
		}
		if reply.Result != nil {
			answer = reply.Result
		}
	}
	if answer == nil {
		Error(w, http.StatusBadGateway, "ASSISTANT_ERROR", defaultAssistantErrorText)
		return
	}
	s.persistExchange(r, req, answer)
	JSON(w, http.StatusOK, fallbackResult(answer))
}

func writeAssistantError(w http.ResponseWriter, err error) {
	var ae *AssistantError
	if errors.As(err, &ae) {
		Error(w, http.StatusServiceUnavailable, ae.Code, ae.Message)
		return
	}
	slog.Error("Assistant request failed", "error", err)
	Error(w, http.StatusBadGateway, "ASSISTANT_ERROR", defaultAssistantErrorText)
}

// fallbackResult maps an answer onto the type-discriminated HTTP result.
func fallbackResult(a *Answer) fallback.Result {
	res := fallback.Result{Type: fallback.TypeText, Message: a.Text}
	switch {
	case a.Action != nil && a.Action.Type == domain.ActionNavigate && a.Action.Navigate != nil:
		res.Type = fallback.TypeNavigation
		res.Path = a.Action.Navigate.Path
	case a.Type == fallback.TypeChart:
		res.Type = fallback.TypeChart
		res.Data = a.Data
	}
	return res
}

// HandleStream handles POST /api/chat/stream: the answer as SSE data lines
// terminated by [DONE].
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, codeInternal, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	prompt := Prompt{
		UserID:         identity.UserIDFromContext(r.Context()),
		ConversationID: req.ConversationID,
		Text:           req.Message,
		Language:       req.Language,
	}

	chunks := 0
	var answer *Answer
	for reply, err := range s.assistant.Chat(r.Context(), prompt) {
		if err != nil {
			code, msg := "ASSISTANT_ERROR", defaultAssistantErrorText
			var ae *AssistantError
			if errors.As(err, &ae) {
				code, msg = ae.Code, ae.Message
			}
			data, _ := json.Marshal(map[string]string{"error": msg, "code": code})
			if writeErr := writeSSE(w, "error", string(data)); writeErr != nil {
				slog.Warn("failed to write SSE error event", "error", writeErr)
			}
			flusher.Flush()
			return
		}
		switch {
		case reply.Chunk != "":
			chunks++
			data, _ := json.Marshal(map[string]string{"textChunk": reply.Chunk})
			if err := writeSSE(w, "chunk", string(data)); err != nil {
				slog.Warn("failed to write SSE chunk", "error", err)
				return
			}
			flusher.Flush()
		case reply.Result != nil:
			answer = reply.Result
		}
	}

	s.persistExchange(r, req, answer)
	if err := writeSSE(w, "done", "[DONE]"); err != nil {
		slog.Warn("failed to write SSE done marker", "error", err)
		return
	}
	flusher.Flush()
	slog.Info("Fallback stream completed", "user_id", prompt.UserID, "chunks", chunks)
}

// HandleListConversations handles GET /api/conversations.
func (s *Server) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.repo.ListConversations(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"conversations": list})
}

// HandleHealth reports database reachability and the live connection count.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"api": "ok", "database": "ok"}
	status := map[string]interface{}{
		"status":      "healthy",
		"checks":      checks,
		"connections": s.registry.Count(),
	}
	statusCode := http.StatusOK
	if err := s.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	}
	JSON(w, statusCode, status)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
