// Package protocol defines the named-event wire protocol spoken between the
// chat client and the assistant server.
package protocol

// EventName identifies a frame on the channel.
type EventName string

// Outbound commands (client to server).
const (
	SendMessage             EventName = "send_message"
	LoadConversation        EventName = "load_conversation"
	StartNewConversation    EventName = "start_new_conversation"
	DeleteConversation      EventName = "delete_conversation"
	ClearConversation       EventName = "clear_conversation"
	RenameConversation      EventName = "rename_conversation"
	PinConversation         EventName = "pin_conversation"
	UserConfirmEmail        EventName = "user_confirm_email"
	UserCancelEmail         EventName = "user_cancel_email"
	GetInitialConversations EventName = "get_initial_conversations"
)

// Inbound events (server to client).
const (
	StatusUpdate                 EventName = "status_update"
	ChatUpdate                   EventName = "chat_update"
	ChatResult                   EventName = "chat_result"
	ChatError                    EventName = "chat_error"
	AuthError                    EventName = "auth_error"
	ConversationList             EventName = "conversation_list"
	InitialHistory               EventName = "initial_history"
	NewConversationStarted       EventName = "new_conversation_started"
	ConversationDeleted          EventName = "conversation_deleted"
	ConversationCleared          EventName = "conversation_cleared"
	ConversationRenamed          EventName = "conversation_renamed"
	ConversationPinStatusChanged EventName = "conversation_pin_status_changed"
	EmailConfirmationResult      EventName = "email_confirmation_result"
	ConnectionReady              EventName = "connection_ready"
)

// IsOutbound reports whether name is a client command.
func (n EventName) IsOutbound() bool {
	switch n {
	case SendMessage, LoadConversation, StartNewConversation, DeleteConversation,
		ClearConversation, RenameConversation, PinConversation, UserConfirmEmail,
		UserCancelEmail, GetInitialConversations:
		return true
	}
	return false
}
