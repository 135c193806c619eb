package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/confchat/internal/domain"
)

// SendMessagePayload is the body of send_message.
type SendMessagePayload struct {
	UserInput   string `json:"userInput"`
	IsStreaming bool   `json:"isStreaming"`
	Language    string `json:"language"`
}

// ConversationRef is the body of every command and event addressing one conversation.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// RenamePayload is the body of rename_conversation and conversation_renamed.
type RenamePayload struct {
	ConversationID string `json:"conversationId"`
	NewTitle       string `json:"newTitle"`
}

// PinPayload is the body of pin_conversation and conversation_pin_status_changed.
type PinPayload struct {
	ConversationID string `json:"conversationId"`
	IsPinned       bool   `json:"isPinned"`
}

// ConfirmationRef is the body of user_confirm_email and user_cancel_email.
type ConfirmationRef struct {
	ConfirmationID string `json:"confirmationId"`
}

// StatusPayload is the body of status_update.
type StatusPayload struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

// ChunkPayload is the body of chat_update.
type ChunkPayload struct {
	TextChunk string `json:"textChunk"`
}

// ResultPayload is the body of chat_result. Action stays raw so that an
// unknown tag does not invalidate the rest of the result.
type ResultPayload struct {
	Message  *string          `json:"message,omitempty"`
	Type     string           `json:"type,omitempty"`
	Data     json.RawMessage  `json:"data,omitempty"`
	Thoughts []domain.Thought `json:"thoughts,omitempty"`
	Action   json.RawMessage  `json:"action,omitempty"`
}

// ParsedAction decodes the action union. It returns nil, nil when absent.
func (r ResultPayload) ParsedAction() (*domain.Action, error) {
	raw := bytes.TrimSpace(r.Action)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var a domain.Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ErrorPayload is the body of chat_error and auth_error.
type ErrorPayload struct {
	Message string          `json:"message"`
	Step    string          `json:"step,omitempty"`
	Code    string          `json:"code,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// DetailConversationID extracts details.conversationId when present.
func (e ErrorPayload) DetailConversationID() string {
	if len(e.Details) == 0 {
		return ""
	}
	var ref ConversationRef
	if err := json.Unmarshal(e.Details, &ref); err != nil {
		return ""
	}
	return ref.ConversationID
}

// ConversationInfo is one directory entry on the wire.
type ConversationInfo struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastActivity Timestamp `json:"lastActivity"`
	IsPinned     bool      `json:"isPinned"`
}

// Domain converts the wire entry.
func (c ConversationInfo) Domain() domain.Conversation {
	title := c.Title
	if title == "" {
		title = domain.DefaultConversationTitle
	}
	return domain.Conversation{
		ID:           c.ID,
		Title:        title,
		LastActivity: c.LastActivity.Time,
		IsPinned:     c.IsPinned,
	}
}

// ConversationListPayload accepts either a bare array or {"conversations": [...]}.
type ConversationListPayload struct {
	Conversations []ConversationInfo `json:"conversations"`
}

// UnmarshalJSON implements both accepted shapes.
func (p *ConversationListPayload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &p.Conversations)
	}
	type wrapped ConversationListPayload
	var w wrapped
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return err
	}
	p.Conversations = w.Conversations
	return nil
}

// HistoryMessage is a stored message as replayed by initial_history.
type HistoryMessage struct {
	ID         string           `json:"id,omitempty"`
	Text       string           `json:"text"`
	IsFromUser bool             `json:"isFromUser"`
	Kind       string           `json:"kind,omitempty"`
	Aux        json.RawMessage  `json:"auxPayload,omitempty"`
	Thoughts   []domain.Thought `json:"thoughts,omitempty"`
	CreatedAt  Timestamp        `json:"createdAt,omitempty"`
}

// HistoryPayload is the body of initial_history.
type HistoryPayload struct {
	ConversationID string           `json:"conversationId"`
	Messages       []HistoryMessage `json:"messages"`
}

// NewConversationPayload is the body of new_conversation_started.
type NewConversationPayload struct {
	ConversationID string     `json:"conversationId"`
	Title          string     `json:"title,omitempty"`
	LastActivity   *Timestamp `json:"lastActivity,omitempty"`
	IsPinned       bool       `json:"isPinned,omitempty"`
}

// EmailResultPayload is the body of email_confirmation_result.
type EmailResultPayload struct {
	ConfirmationID string `json:"confirmationId"`
	Status         string `json:"status"`
	Message        string `json:"message"`
}

// ReadyPayload is the body of connection_ready.
type ReadyPayload struct {
	ConnectionID string `json:"connectionId,omitempty"`
	UserID       string `json:"userId,omitempty"`
}

// Timestamp accepts RFC 3339 strings, epoch milliseconds, or numeric strings.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements the accepted encodings.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if s[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		if ms, err := strconv.ParseInt(unq, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, unq)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

// MarshalJSON writes RFC 3339, or null for the zero time.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
