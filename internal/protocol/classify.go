package protocol

import "strings"

// Error codes the server may attach to chat_error.
const (
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeAccessDenied     = "ACCESS_DENIED"
	CodeFatalServerError = "FATAL_SERVER_ERROR"
)

// Severity separates errors that only abort a turn from errors that block the session.
type Severity int

const (
	Recoverable Severity = iota
	Fatal
)

func (s Severity) String() string {
	if s == Fatal {
		return "fatal"
	}
	return "recoverable"
}

var authSubstrings = []string{"auth", "token", "unauthorized", "forbidden", "jwt"}

// ClassifyCode maps a server error code to a severity.
func ClassifyCode(code string) Severity {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case CodeAuthRequired, CodeAccessDenied, CodeFatalServerError:
		return Fatal
	}
	return Recoverable
}

// ClassifyConnectError treats connection failures that mention credentials as fatal.
func ClassifyConnectError(err error) Severity {
	if err == nil {
		return Recoverable
	}
	msg := strings.ToLower(err.Error())
	for _, s := range authSubstrings {
		if strings.Contains(msg, s) {
			return Fatal
		}
	}
	return Recoverable
}
