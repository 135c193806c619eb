package domain

import (
	"errors"
	"sort"
	"time"
)

// ErrUnknownAction is returned when an action tag is not recognised.
var ErrUnknownAction = errors.New("unknown action type")

// DefaultConversationTitle is used when the server does not name a new conversation.
const DefaultConversationTitle = "New Conversation"

// Conversation is the directory entry for one conversation.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastActivity time.Time `json:"lastActivity"`
	IsPinned     bool      `json:"isPinned"`
}

// SortConversations orders pinned entries first, then most recent activity.
func SortConversations(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.After(b.LastActivity)
		}
		return a.ID < b.ID
	})
}
