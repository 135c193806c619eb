package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashureev/confchat/internal/domain"
	"github.com/ashureev/confchat/internal/protocol"
	"github.com/ashureev/confchat/internal/transcript"
	"github.com/ashureev/confchat/internal/transport"
)

const (
	placeholderPrefix     = "streaming-"
	defaultErrorText      = "Something went wrong. Please try again."
	emailSentStatus       = "success"
	connectFailedTemplate = "Connection failed: %v"
)

type eventFunc func(data json.RawMessage) error

// EventHandler is the protocol state machine. Every entry point runs under
// the client lock.
type EventHandler struct {
	*core
	routes map[protocol.EventName]eventFunc
}

func newEventHandler(c *core) *EventHandler {
	h := &EventHandler{core: c}
	h.routes = map[protocol.EventName]eventFunc{
		protocol.StatusUpdate:                 h.onStatus,
		protocol.ChatUpdate:                   h.onChunk,
		protocol.ChatResult:                   h.onResult,
		protocol.ChatError:                    h.onChatError,
		protocol.AuthError:                    h.onAuthError,
		protocol.ConnectionReady:              h.onReady,
		protocol.ConversationList:             h.onConversationList,
		protocol.InitialHistory:               h.onHistory,
		protocol.NewConversationStarted:       h.onNewConversation,
		protocol.ConversationDeleted:          h.onDeleted,
		protocol.ConversationCleared:          h.onCleared,
		protocol.ConversationRenamed:          h.onRenamed,
		protocol.ConversationPinStatusChanged: h.onPinned,
		protocol.EmailConfirmationResult:      h.onEmailResult,
	}
	return h
}

// Handlers returns the transport callbacks bound to this handler.
func (h *EventHandler) Handlers() transport.Handlers {
	return transport.Handlers{
		OnConnect:      h.HandleConnect,
		OnDisconnect:   h.HandleDisconnect,
		OnConnectError: h.HandleConnectError,
		OnEvent:        h.HandleEvent,
	}
}

// HandleEvent applies one inbound event. Unknown events are ignored.
func (h *EventHandler) HandleEvent(name protocol.EventName, data json.RawMessage) {
	h.lock()
	defer h.unlock()

	h.record(transcript.Inbound, name, data)

	route, ok := h.routes[name]
	if !ok {
		h.logger.Debug("[CHAT] Ignoring unknown event", "event", name)
		return
	}
	if err := route(data); err != nil {
		h.logger.Warn("[CHAT] Event rejected", "event", name, "error", err)
	}
}

// HandleConnect records a new connection and requests the directory.
func (h *EventHandler) HandleConnect(connectionID string) {
	h.lock()
	defer h.unlock()

	h.logger.Info("[CHAT] Connected", "connection_id", connectionID)
	h.store.SetConnected(connectionID)
	if err := h.emit(context.Background(), protocol.GetInitialConversations, nil); err != nil {
		h.logger.Warn("[CHAT] Directory request failed", "error", err)
	}
}

// HandleDisconnect drops the connection flag and cancels the turn.
func (h *EventHandler) HandleDisconnect(reason error) {
	h.lock()
	defer h.unlock()

	h.logger.Info("[CHAT] Disconnected", "reason", reason)
	h.store.SetDisconnected()
	h.abortTurn()
	h.store.ResetLoading()
}

// HandleConnectError classifies a failed connection attempt and renders it.
func (h *EventHandler) HandleConnectError(err error) {
	h.lock()
	defer h.unlock()

	severity := protocol.ClassifyConnectError(err)
	h.logger.Warn("[CHAT] Connect error", "error", err, "severity", severity)

	kind := domain.KindWarning
	if severity == protocol.Fatal {
		h.markFatal()
		kind = domain.KindError
	}
	h.appendProblem(fmt.Sprintf(connectFailedTemplate, err), kind, domain.ErrorPayload{
		Step:  "connect",
		Fatal: severity == protocol.Fatal,
	})
}

func (h *EventHandler) markFatal() {
	h.store.SetFatalError()
	h.conn.BlockUntilNewToken()
}

func (h *EventHandler) onStatus(data json.RawMessage) error {
	var p protocol.StatusPayload
	if err := protocol.DecodeData(data, &p); err != nil {
		return err
	}
	h.store.SetLoading(domain.LoadingState{IsLoading: true, Step: p.Step, Message: p.Message})
	h.setTurn(h.turn.onStatus())
	return nil
}

func (h *EventHandler) onChunk(data json.RawMessage) error {
	var p protocol.ChunkPayload
	if err := protocol.DecodeData(data, &p); err != nil {
		return err
	}
	if p.TextChunk == "" {
		return nil
	}

	if !h.turn.AwaitingFinalResult() {
		if h.reveal.IsStreaming() {
			// The previous answer is still catching up; it is already final.
			h.reveal.Stop()
		}
		placeholder := h.newMessage("", domain.KindText)
		placeholder.ID = placeholderPrefix + uuid.NewString()
		h.store.AppendMessage(placeholder)
		if err := h.reveal.Start(placeholder.ID); err != nil {
			return err
		}
	}
	h.setTurn(TurnStreaming)
	h.reveal.ProcessFragment(p.TextChunk)
	return nil
}

func (h *EventHandler) onResult(data json.RawMessage) error {
	var p protocol.ResultPayload
	if err := protocol.DecodeData(data, &p); err != nil {
		return err
	}

	expectPlaceholder := h.turn.AwaitingFinalResult()
	h.setTurn(TurnIdle)

	assembled := h.reveal.Complete()
	placeholderID := h.reveal.CurrentID()

	text := assembled
	if p.Message != nil && *p.Message != "" {
		text = *p.Message
	}

	final := h.newMessage(text, domain.KindText)
	final.Thoughts = p.Thoughts
	if p.Type == string(domain.KindChart) && len(p.Data) > 0 {
		final.Kind = domain.KindChart
		final.Aux = domain.ChartPayload{Spec: p.Data}
	}
	h.applyAction(&final, p)

	switch {
	case placeholderID != "" && h.store.ReplaceMessage(placeholderID, final):
	case expectPlaceholder || placeholderID != "":
		h.logger.Warn("[CHAT] Streaming placeholder missing at result, appending",
			"placeholder_id", placeholderID,
			"message_id", final.ID,
		)
		h.store.AppendMessage(final)
	default:
		h.store.AppendMessage(final)
	}

	h.store.ResetLoading()
	if active := h.store.ActiveConversation(); active != "" {
		h.store.TouchConversation(active, final.CreatedAt)
	}
	return nil
}

// applyAction interprets the action attached to a result. An unknown or
// malformed action leaves the message as plain text.
func (h *EventHandler) applyAction(m *domain.Message, p protocol.ResultPayload) {
	action, err := p.ParsedAction()
	if err != nil {
		h.logger.Warn("[CHAT] Ignoring result action", "error", err)
		return
	}
	if action == nil {
		return
	}

	switch action.Type {
	case domain.ActionNavigate:
		if action.Navigate == nil || action.Navigate.Path == "" {
			h.logger.Warn("[CHAT] Navigate action without path")
			return
		}
		target, err := NavigationURL(h.cfg.BaseURL, h.cfg.Locale, action.Navigate.Path)
		if err != nil {
			h.logger.Warn("[CHAT] Navigate action rejected", "path", action.Navigate.Path, "error", err)
			return
		}
		m.Kind = domain.KindNavigation
		m.Aux = domain.NavigationPayload{Path: action.Navigate.Path, URL: target}
		if nav := h.navigator; nav != nil {
			h.afterUnlock(func() {
				if err := nav.Open(target); err != nil {
					h.logger.Warn("[CHAT] Navigation failed", "url", target, "error", err)
				}
			})
		}

	case domain.ActionOpenMap:
		if action.OpenMap == nil {
			return
		}
		m.Kind = domain.KindMap
		m.Aux = domain.MapPayload(*action.OpenMap)

	case domain.ActionConfirmEmailSend:
		if action.ConfirmEmail == nil || action.ConfirmEmail.ConfirmationID == "" {
			h.logger.Warn("[CHAT] Confirmation action without id")
			return
		}
		req := domain.ConfirmationRequest{
			ConfirmationID: action.ConfirmEmail.ConfirmationID,
			Payload:        action.ConfirmEmail.Payload,
		}
		h.store.SetConfirmation(req)
		if prompter := h.prompter; prompter != nil {
			h.afterUnlock(func() { prompter.PromptConfirmation(req) })
		}
	}
}

func (h *EventHandler) onChatError(data json.RawMessage) error {
	var p protocol.ErrorPayload
	if err := protocol.DecodeData(data, &p); err != nil {
		return err
	}
	h.handleError(p)
	return nil
}

func (h *EventHandler) onAuthError(data json.RawMessage) error {
	var p protocol.ErrorPayload
	if err := protocol.DecodeData(data, &p); err != nil {
		return err
	}
	if p.Code == "" {
		p.Code = protocol.CodeAuthRequired
	}
	h.handleError(p)
	return nil
}

func (h *EventHandler) handleError(p protocol.ErrorPayload) {
	h.dropEmptyPlaceholder()
	h.abortTurn()
	h.store.ResetLoading()

	severity := protocol.ClassifyCode(p.Code)
	h.logger.Warn("[CHAT] Server error",
		"code", p.Code,
		"step", p.Step,
		"severity", severity,
		"message", p.Message,
	)

	if severity == protocol.Fatal {
		h.markFatal()
	}
	if strings.EqualFold(p.Code, protocol.CodeAccessDenied) {
		if id := p.DetailConversationID(); id != "" && id == h.store.ActiveConversation() {
			h.store.ResetConversation()
		}
	}

	text := p.Message
	if text == "" {
		text = defaultErrorText
	}
	kind := domain.KindWarning
	if severity == protocol.Fatal {
		kind = domain.KindError
	}
	h.appendProblem(text, kind, domain.ErrorPayload{
		Code:  p.Code,
		Step:  p.Step,
		Fatal: severity == protocol.Fatal,
	})
}

// dropEmptyPlaceholder removes a placeholder that never showed any text.
func (h *EventHandler) dropEmptyPlaceholder() {
	id := h.reveal.CurrentID()
	if id == "" {
		return
	}
	if m, ok := h.store.Message(id); ok && m.Text == "" {
		h.store.RemoveMessage(id)
	}
}

func (h *EventHandler) onReady(data json.RawMessage) error {
	var p protocol.ReadyPayload
	if err := protocol.DecodeData(data, &p); err != nil {
		return err
	}
	h.store.SetIdentity(p.ConnectionID, p.UserID)
	return nil
}

func (h *EventHandler) onConversationList(data json.RawMessage) error {
	var p protocol.ConversationListPayload
	if err := protocol.DecodeData(data, &p); err != nil {
		return err
	}
	list := make([]domain.Conversation, 0, len(p.Conversations))
	for _, info := range p.Conversations {
		list = append(list, info.Domain())
	}
	h.store.SetConversations(list)
	return nil
}

func (h *EventHandler) onHistory(data json.RawMessage) error {
	var p protocol.HistoryPayload
	if err := protocol.DecodeData(data, &p); err != nil {
		return err
	}
	if p.ConversationID == "" {
		return errors.New("initial_history without conversationId")
	}

	h.abortTurn()
	msgs := make([]domain.Message, 0, len(p.Messages))
	for _, hm := range p.Messages {
		msgs = append(msgs, h.historyMessage(hm))
	}
	h.store.ShowHistory(p.ConversationID, msgs)
	h.store.ResetLoading()
	return nil
}

func (h *EventHandler) historyMessage(hm protocol.HistoryMessage) domain.Message {
	m := domain.Message{
		ID:         hm.ID,
		Text:       hm.Text,
		IsFromUser: hm.IsFromUser,
		Kind:       domain.MessageKind(hm.Kind),
		Thoughts:   hm.Thoughts,
		CreatedAt:  hm.CreatedAt.Time,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if !m.Kind.Valid() {
		m.Kind = domain.KindText
	}
	if len(hm.Aux) > 0 {
		m.Aux = decodeAux(m.Kind, hm.Aux)
	}
	return m
}

// decodeAux maps a stored payload onto the type used for its kind. Payloads
// that do not decode are kept raw.
func decodeAux(kind domain.MessageKind, raw json.RawMessage) any {
	var target any
	switch kind {
	case domain.KindMap:
		target = &domain.MapPayload{}
	case domain.KindNavigation:
		target = &domain.NavigationPayload{}
	case domain.KindError, domain.KindWarning:
		target = &domain.ErrorPayload{}
	case domain.KindChart:
		return domain.ChartPayload{Spec: raw}
	default:
		return raw
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return raw
	}
	switch v := target.(type) {
	case *domain.MapPayload:
		return *v
	case *domain.NavigationPayload:
		return *v
	case *domain.ErrorPayload:
		return *v
	}
	return raw
}

func (h *EventHandler) onNewConversation(data json.RawMessage) error {
	var p protocol.NewConversationPayload
	if err := protocol.DecodeData(data, &p); err != nil {
		return err
	}
	if p.ConversationID == "" {
		return errors.New("new_conversation_started without conversationId")
	}

	h.abortTurn()
	h.store.EnterConversation(p.ConversationID, true)
	h.store.ClearConfirmation("")
	h.store.ResetLoading()

	conv := protocol.ConversationInfo{
		ID:       p.ConversationID,
		Title:    p.Title,
		IsPinned: p.IsPinned,
	}.Domain()
	conv.LastActivity = h.now().UTC()
	if p.LastActivity != nil && !p.LastActivity.IsZero() {
		conv.LastActivity = p.LastActivity.Time
	}
	h.store.UpsertConversation(conv)
	return nil
}

func (h *EventHandler) onDeleted(data json.RawMessage) error {
	var p protocol.ConversationRef
	if err := protocol.DecodeData(data, &p); err != nil {
		return err
	}
	h.store.RemoveConversation(p.ConversationID)
	if p.ConversationID != "" && p.ConversationID == h.store.ActiveConversation() {
		h.abortTurn()
		h.store.ResetConversation()
		h.store.ResetLoading()
	}
	return nil
}

// onCleared leaves the transcript alone: the initial_history that follows
// is what empties it.
func (h *EventHandler) onCleared(data json.RawMessage) error {
	var p protocol.ConversationRef
	if err := protocol.DecodeData(data, &p); err != nil {
		return err
	}
	if p.ConversationID == h.store.ActiveConversation() && h.reveal.IsStreaming() {
		h.abortTurn()
	}
	return nil
}

func (h *EventHandler) onRenamed(data json.RawMessage) error {
	var p protocol.RenamePayload
	if err := protocol.DecodeData(data, &p); err != nil {
		return err
	}
	if !h.store.RenameConversation(p.ConversationID, p.NewTitle) {
		h.logger.Debug("[CHAT] Rename for unknown conversation", "conversation_id", p.ConversationID)
	}
	return nil
}

func (h *EventHandler) onPinned(data json.RawMessage) error {
	var p protocol.PinPayload
	if err := protocol.DecodeData(data, &p); err != nil {
		return err
	}
	if !h.store.SetConversationPinned(p.ConversationID, p.IsPinned) {
		h.logger.Debug("[CHAT] Pin for unknown conversation", "conversation_id", p.ConversationID)
	}
	return nil
}

func (h *EventHandler) onEmailResult(data json.RawMessage) error {
	var p protocol.EmailResultPayload
	if err := protocol.DecodeData(data, &p); err != nil {
		return err
	}
	h.store.ClearConfirmation(p.ConfirmationID)
	h.store.ResetLoading()

	text := p.Message
	if strings.EqualFold(p.Status, emailSentStatus) {
		if text == "" {
			text = "Email sent."
		}
		h.store.AppendMessage(h.newMessage(text, domain.KindText))
		return nil
	}
	if text == "" {
		text = "Email was not sent."
	}
	h.appendProblem(text, domain.KindWarning, domain.ErrorPayload{Step: "email_confirmation"})
	return nil
}
