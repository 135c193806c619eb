package server

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ashureev/confchat/internal/domain"
	"github.com/ashureev/confchat/internal/protocol"
	"github.com/google/uuid"
)

// Prompt is one user turn handed to the assistant.
type Prompt struct {
	UserID         string
	ConversationID string
	Text           string
	Language       string
}

// Reply is one step of an assistant answer. Exactly one field is set.
type Reply struct {
	Status *protocol.StatusPayload
	Chunk  string
	Result *Answer
}

// Answer is the final result of a turn.
type Answer struct {
	Text     string
	Type     string
	Data     json.RawMessage
	Thoughts []domain.Thought
	Action   *domain.Action
	// Email is the draft held until the user confirms.
	Email *EmailDraft
}

// EmailDraft is the payload of a confirmEmailSend action.
type EmailDraft struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// AssistantError is a failed turn reported to the client as chat_error.
type AssistantError struct {
	Code    string
	Message string
}

func (e *AssistantError) Error() string {
	return fmt.Sprintf("assistant error (%s): %s", e.Code, e.Message)
}

// Assistant produces answers for user prompts.
type Assistant interface {
	Chat(ctx context.Context, p Prompt) iter.Seq2[*Reply, error]
}

// ScriptedConfig paces the scripted assistant's output.
type ScriptedConfig struct {
	ChunkDelay time.Duration
	ThinkPause time.Duration
	JitterMax  time.Duration
}

// DefaultScriptedConfig returns default pacing.
func DefaultScriptedConfig() ScriptedConfig {
	return ScriptedConfig{
		ChunkDelay: 40 * time.Millisecond,
		ThinkPause: 300 * time.Millisecond,
		JitterMax:  15 * time.Millisecond,
	}
}

// ScriptedAssistant answers from keyword rules. It exists so the client can
// be exercised end to end without a model backend.
type ScriptedAssistant struct {
	cfg ScriptedConfig
}

// NewScriptedAssistant creates a scripted assistant.
func NewScriptedAssistant(cfg ScriptedConfig) *ScriptedAssistant {
	return &ScriptedAssistant{cfg: cfg}
}

// Chat yields a status update, the answer text in word-sized chunks, then the result.
func (a *ScriptedAssistant) Chat(ctx context.Context, p Prompt) iter.Seq2[*Reply, error] {
	return func(yield func(*Reply, error) bool) {
		if !yield(&Reply{Status: &protocol.StatusPayload{Step: "thinking", Message: "Looking that up..."}}, nil) {
			return
		}
		if err := a.sleep(ctx, a.cfg.ThinkPause); err != nil {
			yield(nil, err)
			return
		}

		answer, err := compose(p)
		if err != nil {
			yield(nil, err)
			return
		}

		if !yield(&Reply{Status: &protocol.StatusPayload{Step: "generating", Message: "Writing the answer..."}}, nil) {
			return
		}
		for _, chunk := range strings.SplitAfter(answer.Text, " ") {
			if chunk == "" {
				continue
			}
			if err := a.sleep(ctx, a.cfg.ChunkDelay); err != nil {
				yield(nil, err)
				return
			}
			if !yield(&Reply{Chunk: chunk}, nil) {
				return
			}
		}
		yield(&Reply{Result: answer}, nil)
	}
}

func (a *ScriptedAssistant) sleep(ctx context.Context, d time.Duration) error {
	if a.cfg.JitterMax > 0 {
		d += rand.N(a.cfg.JitterMax)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// compose picks the scripted answer for the prompt.
func compose(p Prompt) (*Answer, error) {
	text := strings.ToLower(p.Text)
	thoughts := []domain.Thought{{Step: "intent", Content: "matched keywords in: " + p.Text}}

	switch {
	case containsAny(text, "fail", "crash"):
		return nil, &AssistantError{Code: "ASSISTANT_UNAVAILABLE", Message: "The assistant could not answer right now. Please try again."}

	case containsAny(text, "email", "mail me", "send me"):
		draft := &EmailDraft{
			To:      p.UserID + "@attendees.example.org",
			Subject: "Your conference notes",
			Body:    p.Text,
		}
		payload, err := json.Marshal(draft)
		if err != nil {
			return nil, fmt.Errorf("encode email draft: %w", err)
		}
		return &Answer{
			Text:     fmt.Sprintf("I drafted an email to %s. Please confirm before I send it.", draft.To),
			Thoughts: thoughts,
			Action: &domain.Action{
				Type: domain.ActionConfirmEmailSend,
				ConfirmEmail: &domain.ConfirmEmailAction{
					ConfirmationID: uuid.NewString(),
					Payload:        payload,
				},
			},
			Email: draft,
		}, nil

	case containsAny(text, "where", "map", "room", "hall"):
		location := "Main Hall"
		if strings.Contains(text, "workshop") {
			location = "Workshop Room B"
		}
		return &Answer{
			Text:     fmt.Sprintf("%s is on the ground floor. I opened it on the map.", location),
			Thoughts: thoughts,
			Action: &domain.Action{
				Type:    domain.ActionOpenMap,
				OpenMap: &domain.OpenMapAction{Location: location, Query: p.Text},
			},
		}, nil

	case containsAny(text, "schedule", "agenda", "speakers"):
		path := "/schedule"
		if strings.Contains(text, "speakers") {
			path = "/speakers"
		}
		return &Answer{
			Text:     "Here is the page you asked for.",
			Thoughts: thoughts,
			Action: &domain.Action{
				Type:     domain.ActionNavigate,
				Navigate: &domain.NavigateAction{Path: path},
			},
		}, nil

	case containsAny(text, "chart", "stats", "attendance"):
		spec := json.RawMessage(`{"mark":"bar","data":{"values":[{"day":"Mon","attendees":420},{"day":"Tue","attendees":510},{"day":"Wed","attendees":380}]},"encoding":{"x":{"field":"day"},"y":{"field":"attendees"}}}`)
		return &Answer{
			Text:     "Attendance peaked on Tuesday.",
			Type:     "chart",
			Data:     spec,
			Thoughts: thoughts,
		}, nil
	}

	return &Answer{
		Text: fmt.Sprintf("You asked: %q. Try asking about the schedule, a room, attendance stats, or to email yourself the notes.", p.Text),
	}, nil
}
