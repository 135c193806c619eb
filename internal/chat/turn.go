package chat

// TurnState tracks one request/response exchange with the assistant.
type TurnState int

const (
	TurnIdle TurnState = iota
	// TurnSending: the user message is out, nothing has come back yet.
	TurnSending
	// TurnAwaitingFirstFragment: the server reported progress but no text yet.
	TurnAwaitingFirstFragment
	// TurnStreaming: a placeholder exists and fragments are flowing into it.
	TurnStreaming
	// TurnAwaitingResult: a placeholder exists and the server is doing
	// something other than emitting text (a status update arrived mid-stream).
	TurnAwaitingResult
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnSending:
		return "sending"
	case TurnAwaitingFirstFragment:
		return "awaiting_first_fragment"
	case TurnStreaming:
		return "streaming"
	case TurnAwaitingResult:
		return "awaiting_result"
	}
	return "unknown"
}

// AwaitingFinalResult is true once a placeholder has been created for the
// turn. A further chat_update must not create another one.
func (s TurnState) AwaitingFinalResult() bool {
	return s == TurnStreaming || s == TurnAwaitingResult
}

// onStatus is the transition for a status_update.
func (s TurnState) onStatus() TurnState {
	switch s {
	case TurnSending:
		return TurnAwaitingFirstFragment
	case TurnStreaming:
		return TurnAwaitingResult
	}
	return s
}
