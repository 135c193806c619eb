package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/confchat/internal/domain"
	"github.com/ashureev/confchat/internal/protocol"
	"github.com/google/uuid"
)

const defaultAssistantErrorText = "The assistant could not answer. Please try again."

// startTurn cancels the running turn and answers p on a new goroutine.
func (c *conn) startTurn(p Prompt, streaming bool) {
	ctx, cancel := context.WithCancel(c.ctx)

	c.mu.Lock()
	prev := c.turnCancel
	c.turnCancel = cancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}

	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		defer cancel()
		c.runTurn(ctx, p, streaming)
	}()
}

func (c *conn) runTurn(ctx context.Context, p Prompt, streaming bool) {
	start := time.Now()
	chunks := 0
	for reply, err := range c.srv.assistant.Chat(ctx, p) {
		if err != nil {
			if ctx.Err() != nil {
				slog.Debug("[TURN] Cancelled", "conversation_id", p.ConversationID, "connection_id", c.id)
				return
			}
			c.turnFailed(p, err)
			return
		}
		switch {
		case reply.Status != nil:
			if c.send(protocol.StatusUpdate, reply.Status) != nil {
				return
			}
		case reply.Chunk != "":
			if !streaming {
				continue
			}
			chunks++
			if c.send(protocol.ChatUpdate, protocol.ChunkPayload{TextChunk: reply.Chunk}) != nil {
				return
			}
		case reply.Result != nil:
			if ctx.Err() != nil {
				return
			}
			c.finishTurn(ctx, p, reply.Result)
			slog.Info("[TURN] Completed",
				"conversation_id", p.ConversationID,
				"chunks", chunks,
				"duration", time.Since(start))
			return
		}
	}
}

func (c *conn) turnFailed(p Prompt, err error) {
	code, msg := "ASSISTANT_ERROR", defaultAssistantErrorText
	var ae *AssistantError
	if errors.As(err, &ae) {
		code, msg = ae.Code, ae.Message
	}
	slog.Warn("[TURN] Assistant failed", "error", err, "conversation_id", p.ConversationID)
	c.sendError(protocol.ChatError, code, msg, "")
}

// finishTurn persists the answer and sends chat_result.
func (c *conn) finishTurn(ctx context.Context, p Prompt, a *Answer) {
	msg := storedAnswer(a)
	if err := c.srv.repo.AppendMessage(ctx, c.user.UserID, p.ConversationID, msg); err != nil {
		slog.Error("[TURN] Failed to persist answer", "error", err, "conversation_id", p.ConversationID)
	}

	if a.Email != nil && a.Action != nil && a.Action.ConfirmEmail != nil {
		c.mu.Lock()
		c.pending[a.Action.ConfirmEmail.ConfirmationID] = *a.Email
		c.mu.Unlock()
	}

	result := protocol.ResultPayload{
		Message:  &a.Text,
		Type:     a.Type,
		Data:     a.Data,
		Thoughts: a.Thoughts,
	}
	if a.Action != nil {
		raw, err := json.Marshal(a.Action)
		if err != nil {
			slog.Error("[TURN] Failed to encode action", "error", err, "action", a.Action.Type)
		} else {
			result.Action = raw
		}
	}
	if err := c.send(protocol.ChatResult, result); err != nil {
		slog.Debug("Failed to send chat_result", "error", err, "connection_id", c.id)
	}
}

// storedAnswer builds the message replayed by initial_history, using the
// same kinds and payloads the client renders live.
func storedAnswer(a *Answer) domain.Message {
	m := domain.Message{
		ID:        uuid.NewString(),
		Text:      a.Text,
		Kind:      domain.KindText,
		Thoughts:  a.Thoughts,
		CreatedAt: time.Now(),
	}
	if a.Type == "chart" && len(a.Data) > 0 {
		m.Kind = domain.KindChart
		m.Aux = domain.ChartPayload{Spec: a.Data}
	}
	if a.Action == nil {
		return m
	}
	switch a.Action.Type {
	case domain.ActionNavigate:
		if a.Action.Navigate != nil {
			m.Kind = domain.KindNavigation
			m.Aux = domain.NavigationPayload{Path: a.Action.Navigate.Path}
		}
	case domain.ActionOpenMap:
		if a.Action.OpenMap != nil {
			m.Kind = domain.KindMap
			m.Aux = domain.MapPayload(*a.Action.OpenMap)
		}
	}
	return m
}
