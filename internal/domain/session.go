package domain

import "encoding/json"

// Loading steps set locally. Servers may send any other step string.
const (
	StepSending        = "sending"
	StepLoadingHistory = "loading_history"
	StepConfirming     = "confirming"
)

// LoadingState is replaced wholesale on every status-bearing event.
type LoadingState struct {
	IsLoading bool   `json:"isLoading"`
	Step      string `json:"step,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ConfirmationRequest is a pending action awaiting explicit user approval.
type ConfirmationRequest struct {
	ConfirmationID string          `json:"confirmationId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ConnectionState describes the channel as seen by action preconditions.
// HasFatalError is sticky and overrides IsConnected.
type ConnectionState struct {
	IsConnected   bool   `json:"isConnected"`
	ConnectionID  string `json:"connectionId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	HasFatalError bool   `json:"hasFatalError"`
}

// CanAct reports whether outbound actions may be emitted.
func (c ConnectionState) CanAct() bool {
	return c.IsConnected && !c.HasFatalError
}
