package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/confchat/internal/domain"
	"github.com/ashureev/confchat/internal/protocol"
)

var (
	// ErrFatal rejects actions after a fatal error until a new connection succeeds.
	ErrFatal = errors.New("session blocked by a fatal error")
	// ErrNotConnected rejects actions while the channel is down.
	ErrNotConnected = errors.New("not connected")
	// ErrEmptyMessage rejects blank user input.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrEmptyTitle rejects blank conversation titles.
	ErrEmptyTitle = errors.New("title is empty")
	// ErrMissingConversation rejects actions without a conversation id.
	ErrMissingConversation = errors.New("conversation id is required")
	// ErrNoPendingConfirmation is returned by confirm/cancel when nothing awaits approval.
	ErrNoPendingConfirmation = errors.New("no pending confirmation")
)

const (
	localErrorCode   = "LOCAL"
	fatalBlockedText = "The session was stopped by an authentication error. Sign in again to continue."
	notConnectedText = "Not connected to the assistant. Please wait while we reconnect."
)

// Dispatcher validates preconditions and emits outbound commands.
type Dispatcher struct {
	*core
}

// ready checks the connection preconditions and renders a local error when
// they fail.
func (d *Dispatcher) ready(action string) error {
	conn := d.store.Connection()
	switch {
	case conn.HasFatalError:
		d.rejectLocal(action, fatalBlockedText)
		return fmt.Errorf("%s: %w", action, ErrFatal)
	case !conn.IsConnected:
		d.rejectLocal(action, notConnectedText)
		return fmt.Errorf("%s: %w", action, ErrNotConnected)
	}
	return nil
}

func (d *Dispatcher) rejectLocal(action, text string) {
	d.logger.Info("[CHAT] Action rejected locally", "action", action, "reason", text)
	d.appendProblem(text, domain.KindError, domain.ErrorPayload{Code: localErrorCode, Step: action})
}

func (d *Dispatcher) emitFailed(action string, err error) error {
	d.appendProblem("Request could not be sent. Please try again.", domain.KindWarning,
		domain.ErrorPayload{Code: localErrorCode, Step: action})
	return fmt.Errorf("%s: %w", action, err)
}

// SendMessage appends the user's message and asks the assistant to answer it.
func (d *Dispatcher) SendMessage(ctx context.Context, text string) error {
	d.lock()
	defer d.unlock()

	if err := d.ready("send_message"); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		d.rejectLocal("send_message", "Please type a message first.")
		return ErrEmptyMessage
	}

	d.abortTurn()
	userMsg := d.newMessage(text, domain.KindText)
	userMsg.IsFromUser = true
	d.store.AppendMessage(userMsg)
	d.store.SetLoading(domain.LoadingState{IsLoading: true, Step: domain.StepSending})
	d.setTurn(TurnSending)

	err := d.emit(ctx, protocol.SendMessage, protocol.SendMessagePayload{
		UserInput:   text,
		IsStreaming: d.cfg.Streaming,
		Language:    d.cfg.Language,
	})
	if err != nil {
		d.setTurn(TurnIdle)
		d.store.ResetLoading()
		return d.emitFailed("send_message", err)
	}
	if active := d.store.ActiveConversation(); active != "" {
		d.store.TouchConversation(active, userMsg.CreatedAt)
	}
	return nil
}

// LoadConversation switches to id and requests its history. Loading the
// conversation already shown is a no-op.
func (d *Dispatcher) LoadConversation(ctx context.Context, id string) error {
	d.lock()
	defer d.unlock()

	if id == "" {
		return ErrMissingConversation
	}
	if d.store.ActiveConversation() == id && d.store.HistoryLoaded(id) {
		d.logger.Debug("[CHAT] Conversation already loaded", "conversation_id", id)
		return nil
	}
	if err := d.ready("load_conversation"); err != nil {
		return err
	}

	d.abortTurn()
	d.store.EnterConversation(id, false)
	d.store.SetLoading(domain.LoadingState{IsLoading: true, Step: domain.StepLoadingHistory})

	if err := d.emit(ctx, protocol.LoadConversation, protocol.ConversationRef{ConversationID: id}); err != nil {
		d.store.ResetLoading()
		return d.emitFailed("load_conversation", err)
	}
	return nil
}

// StartNewConversation clears the transcript immediately and asks the server
// for a fresh conversation.
func (d *Dispatcher) StartNewConversation(ctx context.Context) error {
	d.lock()
	defer d.unlock()

	if err := d.ready("start_new_conversation"); err != nil {
		return err
	}

	d.abortTurn()
	d.store.ResetConversation()
	d.store.ClearConfirmation("")
	d.store.ResetLoading()

	if err := d.emit(ctx, protocol.StartNewConversation, nil); err != nil {
		return d.emitFailed("start_new_conversation", err)
	}
	return nil
}

// ConfirmPendingAction approves the stored confirmation request.
func (d *Dispatcher) ConfirmPendingAction(ctx context.Context) error {
	return d.answerConfirmation(ctx, protocol.UserConfirmEmail, true)
}

// CancelPendingAction declines the stored confirmation request.
func (d *Dispatcher) CancelPendingAction(ctx context.Context) error {
	return d.answerConfirmation(ctx, protocol.UserCancelEmail, false)
}

func (d *Dispatcher) answerConfirmation(ctx context.Context, event protocol.EventName, approve bool) error {
	d.lock()
	defer d.unlock()

	action := string(event)
	if err := d.ready(action); err != nil {
		return err
	}
	req, ok := d.store.Confirmation()
	if !ok {
		d.rejectLocal(action, "There is nothing waiting for confirmation.")
		return ErrNoPendingConfirmation
	}

	d.abortTurn()
	if err := d.emit(ctx, event, protocol.ConfirmationRef{ConfirmationID: req.ConfirmationID}); err != nil {
		return d.emitFailed(action, err)
	}
	d.store.ClearConfirmation(req.ConfirmationID)
	if approve {
		d.store.SetLoading(domain.LoadingState{IsLoading: true, Step: domain.StepConfirming})
	}
	return nil
}

// DeleteConversation asks the server to delete id. The directory changes
// when conversation_deleted arrives.
func (d *Dispatcher) DeleteConversation(ctx context.Context, id string) error {
	d.lock()
	defer d.unlock()

	if id == "" {
		return ErrMissingConversation
	}
	if err := d.ready("delete_conversation"); err != nil {
		return err
	}
	d.abortTurn()
	if err := d.emit(ctx, protocol.DeleteConversation, protocol.ConversationRef{ConversationID: id}); err != nil {
		return d.emitFailed("delete_conversation", err)
	}
	return nil
}

// ClearConversation asks the server to empty id. The transcript changes
// when the following initial_history arrives.
func (d *Dispatcher) ClearConversation(ctx context.Context, id string) error {
	d.lock()
	defer d.unlock()

	if id == "" {
		return ErrMissingConversation
	}
	if err := d.ready("clear_conversation"); err != nil {
		return err
	}
	d.abortTurn()
	if err := d.emit(ctx, protocol.ClearConversation, protocol.ConversationRef{ConversationID: id}); err != nil {
		return d.emitFailed("clear_conversation", err)
	}
	return nil
}

// RenameConversation asks the server to retitle id.
func (d *Dispatcher) RenameConversation(ctx context.Context, id, title string) error {
	d.lock()
	defer d.unlock()

	if id == "" {
		return ErrMissingConversation
	}
	if err := d.ready("rename_conversation"); err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		d.rejectLocal("rename_conversation", "A conversation title cannot be empty.")
		return ErrEmptyTitle
	}
	d.abortTurn()
	if err := d.emit(ctx, protocol.RenameConversation, protocol.RenamePayload{ConversationID: id, NewTitle: title}); err != nil {
		return d.emitFailed("rename_conversation", err)
	}
	return nil
}

// PinConversation asks the server to pin or unpin id.
func (d *Dispatcher) PinConversation(ctx context.Context, id string, pinned bool) error {
	d.lock()
	defer d.unlock()

	if id == "" {
		return ErrMissingConversation
	}
	if err := d.ready("pin_conversation"); err != nil {
		return err
	}
	d.abortTurn()
	if err := d.emit(ctx, protocol.PinConversation, protocol.PinPayload{ConversationID: id, IsPinned: pinned}); err != nil {
		return d.emitFailed("pin_conversation", err)
	}
	return nil
}

// RefreshConversations requests the directory again.
func (d *Dispatcher) RefreshConversations(ctx context.Context) error {
	d.lock()
	defer d.unlock()

	if err := d.ready("get_initial_conversations"); err != nil {
		return err
	}
	d.abortTurn()
	if err := d.emit(ctx, protocol.GetInitialConversations, nil); err != nil {
		return d.emitFailed("get_initial_conversations", err)
	}
	return nil
}
