package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/confchat/internal/domain"
	"github.com/ashureev/confchat/internal/protocol"
	"github.com/ashureev/confchat/internal/store"
	"github.com/google/uuid"
)

// Error codes sent for recoverable command failures.
const (
	codeInvalidInput = "INVALID_INPUT"
	codeNotFound     = "NOT_FOUND"
	codeInternal     = "INTERNAL_ERROR"
	codeUnknownEvent = "UNKNOWN_EVENT"
)

const titleMaxRunes = 40

type commandFunc func(ctx context.Context, data json.RawMessage) error

func (c *conn) commands() map[protocol.EventName]commandFunc {
	return map[protocol.EventName]commandFunc{
		protocol.GetInitialConversations: c.onListConversations,
		protocol.SendMessage:             c.onSendMessage,
		protocol.LoadConversation:        c.onLoadConversation,
		protocol.StartNewConversation:    c.onStartNewConversation,
		protocol.DeleteConversation:      c.onDeleteConversation,
		protocol.ClearConversation:       c.onClearConversation,
		protocol.RenameConversation:      c.onRenameConversation,
		protocol.PinConversation:         c.onPinConversation,
		protocol.UserConfirmEmail:        c.onConfirmEmail,
		protocol.UserCancelEmail:         c.onCancelEmail,
	}
}

// dispatch runs one client command. Failures are reported to the client as
// chat_error and never end the connection.
func (c *conn) dispatch(ctx context.Context, env protocol.Envelope) {
	fn, ok := c.commands()[env.Event]
	if !ok {
		slog.Warn("[WS] Unknown command", "event", env.Event, "connection_id", c.id)
		c.sendError(protocol.ChatError, codeUnknownEvent, "Unsupported request: "+string(env.Event), "")
		return
	}
	if err := fn(ctx, env.Data); err != nil {
		c.reportError(env.Event, err)
	}
}

// commandError carries the code and conversation for a failed command.
type commandError struct {
	code           string
	message        string
	conversationID string
}

func (e *commandError) Error() string { return e.code + ": " + e.message }

func invalid(msg string) error {
	return &commandError{code: codeInvalidInput, message: msg}
}

// storeError maps repository errors to client error codes.
func storeError(err error, conversationID string) error {
	switch {
	case errors.Is(err, store.ErrForbidden):
		return &commandError{code: protocol.CodeAccessDenied, message: "You do not have access to this conversation.", conversationID: conversationID}
	case errors.Is(err, store.ErrNotFound):
		return &commandError{code: codeNotFound, message: "This conversation no longer exists.", conversationID: conversationID}
	}
	return err
}

func (c *conn) reportError(event protocol.EventName, err error) {
	var ce *commandError
	if errors.As(err, &ce) {
		slog.Info("[WS] Command rejected", "event", event, "code", ce.code, "connection_id", c.id)
		c.sendError(protocol.ChatError, ce.code, ce.message, ce.conversationID)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	slog.Error("[WS] Command failed", "event", event, "error", err, "connection_id", c.id)
	c.sendError(protocol.ChatError, codeInternal, "Something went wrong on our side. Please try again.", "")
}

func (c *conn) sendDirectory(ctx context.Context) error {
	list, err := c.srv.repo.ListConversations(ctx, c.user.UserID)
	if err != nil {
		return err
	}
	infos := make([]protocol.ConversationInfo, 0, len(list))
	for _, conv := range list {
		infos = append(infos, conversationInfo(conv))
	}
	return c.send(protocol.ConversationList, protocol.ConversationListPayload{Conversations: infos})
}

func conversationInfo(conv domain.Conversation) protocol.ConversationInfo {
	return protocol.ConversationInfo{
		ID:           conv.ID,
		Title:        conv.Title,
		LastActivity: protocol.Timestamp{Time: conv.LastActivity},
		IsPinned:     conv.IsPinned,
	}
}

func (c *conn) onListConversations(ctx context.Context, _ json.RawMessage) error {
	return c.sendDirectory(ctx)
}

func titleFrom(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= titleMaxRunes {
		return text
	}
	return strings.TrimSpace(string(runes[:titleMaxRunes])) + "…"
}

func (c *conn) onSendMessage(ctx context.Context, data json.RawMessage) error {
	var p protocol.SendMessagePayload
	if err := protocol.DecodeData(data, &p); err != nil {
		return invalid("Malformed message.")
	}
	text := strings.TrimSpace(p.UserInput)
	if text == "" {
		return invalid("Message cannot be empty.")
	}

	convID := c.activeConversation()
	if convID == "" {
		// The first message of a session opens a conversation without
		// resetting the client's transcript.
		convID = uuid.NewString()
		conv := domain.Conversation{ID: convID, Title: titleFrom(text), LastActivity: time.Now()}
		if err := c.srv.repo.CreateConversation(ctx, c.user.UserID, conv); err != nil {
			return err
		}
		c.setActive(convID)
		for _, other := range c.srv.registry.Connections(c.user.UserID) {
			if err := other.sendDirectory(ctx); err != nil {
				slog.Debug("Failed to refresh directory", "error", err, "connection_id", other.id)
			}
		}
	}

	userMsg := domain.Message{
		ID:         uuid.NewString(),
		Text:       text,
		IsFromUser: true,
		Kind:       domain.KindText,
		CreatedAt:  time.Now(),
	}
	if err := c.srv.repo.AppendMessage(ctx, c.user.UserID, convID, userMsg); err != nil {
		return storeError(err, convID)
	}

	c.startTurn(Prompt{
		UserID:         c.user.UserID,
		ConversationID: convID,
		Text:           text,
		Language:       p.Language,
	}, p.IsStreaming)
	return nil
}

func (c *conn) onLoadConversation(ctx context.Context, data json.RawMessage) error {
	var p protocol.ConversationRef
	if err := protocol.DecodeData(data, &p); err != nil || p.ConversationID == "" {
		return invalid("A conversation id is required.")
	}
	msgs, err := c.srv.repo.Messages(ctx, c.user.UserID, p.ConversationID)
	if err != nil {
		return storeError(err, p.ConversationID)
	}

	c.cancelTurn()
	c.setActive(p.ConversationID)
	return c.sendHistory(p.ConversationID, msgs)
}

func (c *conn) sendHistory(conversationID string, msgs []domain.Message) error {
	out := make([]protocol.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		hm := protocol.HistoryMessage{
			ID:         m.ID,
			Text:       m.Text,
			IsFromUser: m.IsFromUser,
			Kind:       string(m.Kind),
			Thoughts:   m.Thoughts,
			CreatedAt:  protocol.Timestamp{Time: m.CreatedAt},
		}
		if raw, ok := m.Aux.(json.RawMessage); ok {
			hm.Aux = raw
		}
		out = append(out, hm)
	}
	return c.send(protocol.InitialHistory, protocol.HistoryPayload{ConversationID: conversationID, Messages: out})
}

func (c *conn) onStartNewConversation(ctx context.Context, _ json.RawMessage) error {
	c.cancelTurn()

	now := time.Now()
	conv := domain.Conversation{ID: uuid.NewString(), Title: domain.DefaultConversationTitle, LastActivity: now}
	if err := c.srv.repo.CreateConversation(ctx, c.user.UserID, conv); err != nil {
		return err
	}
	c.setActive(conv.ID)

	ts := protocol.Timestamp{Time: now}
	return c.send(protocol.NewConversationStarted, protocol.NewConversationPayload{
		ConversationID: conv.ID,
		Title:          conv.Title,
		LastActivity:   &ts,
	})
}

func (c *conn) onDeleteConversation(ctx context.Context, data json.RawMessage) error {
	var p protocol.ConversationRef
	if err := protocol.DecodeData(data, &p); err != nil || p.ConversationID == "" {
		return invalid("A conversation id is required.")
	}
	if err := c.srv.repo.DeleteConversation(ctx, c.user.UserID, p.ConversationID); err != nil {
		return storeError(err, p.ConversationID)
	}

	for _, other := range c.srv.registry.Connections(c.user.UserID) {
		other.forget(p.ConversationID)
	}
	c.broadcast(protocol.ConversationDeleted, p)
	return nil
}

// forget drops id as the active conversation and stops its turn.
func (c *conn) forget(id string) {
	c.mu.Lock()
	match := c.active == id
	if match {
		c.active = ""
	}
	c.mu.Unlock()
	if match {
		c.cancelTurn()
	}
}

func (c *conn) onClearConversation(ctx context.Context, data json.RawMessage) error {
	var p protocol.ConversationRef
	if err := protocol.DecodeData(data, &p); err != nil || p.ConversationID == "" {
		return invalid("A conversation id is required.")
	}
	if err := c.srv.repo.ClearMessages(ctx, c.user.UserID, p.ConversationID); err != nil {
		return storeError(err, p.ConversationID)
	}

	if c.activeConversation() == p.ConversationID {
		c.cancelTurn()
	}
	if err := c.send(protocol.ConversationCleared, p); err != nil {
		return err
	}
	if c.activeConversation() == p.ConversationID {
		return c.sendHistory(p.ConversationID, nil)
	}
	return nil
}

func (c *conn) onRenameConversation(ctx context.Context, data json.RawMessage) error {
	var p protocol.RenamePayload
	if err := protocol.DecodeData(data, &p); err != nil || p.ConversationID == "" {
		return invalid("A conversation id is required.")
	}
	p.NewTitle = strings.TrimSpace(p.NewTitle)
	if p.NewTitle == "" {
		return invalid("A conversation title cannot be empty.")
	}
	if err := c.srv.repo.RenameConversation(ctx, c.user.UserID, p.ConversationID, p.NewTitle); err != nil {
		return storeError(err, p.ConversationID)
	}
	c.broadcast(protocol.ConversationRenamed, p)
	return nil
}

func (c *conn) onPinConversation(ctx context.Context, data json.RawMessage) error {
	var p protocol.PinPayload
	if err := protocol.DecodeData(data, &p); err != nil || p.ConversationID == "" {
		return invalid("A conversation id is required.")
	}
	if err := c.srv.repo.SetPinned(ctx, c.user.UserID, p.ConversationID, p.IsPinned); err != nil {
		return storeError(err, p.ConversationID)
	}
	c.broadcast(protocol.ConversationPinStatusChanged, p)
	return nil
}

// Email confirmation statuses.
const (
	emailStatusSuccess   = "success"
	emailStatusCancelled = "cancelled"
	emailStatusError     = "error"
)

func (c *conn) takePending(id string) (EmailDraft, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	draft, ok := c.pending[id]
	delete(c.pending, id)
	return draft, ok
}

func (c *conn) onConfirmEmail(_ context.Context, data json.RawMessage) error {
	var p protocol.ConfirmationRef
	if err := protocol.DecodeData(data, &p); err != nil || p.ConfirmationID == "" {
		return invalid("A confirmation id is required.")
	}
	res := protocol.EmailResultPayload{ConfirmationID: p.ConfirmationID}
	if draft, ok := c.takePending(p.ConfirmationID); ok {
		slog.Info("[WS] Email confirmed", "user_id", c.user.UserID, "to", draft.To)
		res.Status = emailStatusSuccess
		res.Message = "Email sent to " + draft.To + "."
	} else {
		res.Status = emailStatusError
		res.Message = "That email is no longer waiting for confirmation."
	}
	return c.send(protocol.EmailConfirmationResult, res)
}

func (c *conn) onCancelEmail(_ context.Context, data json.RawMessage) error {
	var p protocol.ConfirmationRef
	if err := protocol.DecodeData(data, &p); err != nil || p.ConfirmationID == "" {
		return invalid("A confirmation id is required.")
	}
	c.takePending(p.ConfirmationID)
	return c.send(protocol.EmailConfirmationResult, protocol.EmailResultPayload{
		ConfirmationID: p.ConfirmationID,
		Status:         emailStatusCancelled,
		Message:        "Email discarded.",
	})
}
