package session

import (
	"time"

	"github.com/ashureev/confchat/internal/domain"
)

// SetConversations replaces the directory. Duplicate ids keep the last entry.
func (s *Store) SetConversations(list []domain.Conversation) {
	s.mutate(func() bool {
		byID := make(map[string]int, len(list))
		out := make([]domain.Conversation, 0, len(list))
		for _, c := range list {
			if c.ID == "" {
				continue
			}
			if i, ok := byID[c.ID]; ok {
				out[i] = c
				continue
			}
			byID[c.ID] = len(out)
			out = append(out, c)
		}
		domain.SortConversations(out)
		s.conversations = out
		return true
	})
}

// UpsertConversation inserts or replaces one directory entry.
func (s *Store) UpsertConversation(c domain.Conversation) {
	s.mutate(func() bool {
		s.upsertLocked(c)
		return true
	})
}

func (s *Store) upsertLocked(c domain.Conversation) {
	for i := range s.conversations {
		if s.conversations[i].ID == c.ID {
			s.conversations[i] = c
			domain.SortConversations(s.conversations)
			return
		}
	}
	s.conversations = append(s.conversations, c)
	domain.SortConversations(s.conversations)
}

// updateConversation applies fn to the entry with id and re-sorts.
func (s *Store) updateConversation(id string, fn func(*domain.Conversation)) bool {
	return s.mutate(func() bool {
		for i := range s.conversations {
			if s.conversations[i].ID == id {
				fn(&s.conversations[i])
				domain.SortConversations(s.conversations)
				return true
			}
		}
		return false
	})
}

// RenameConversation updates a title.
func (s *Store) RenameConversation(id, title string) bool {
	return s.updateConversation(id, func(c *domain.Conversation) { c.Title = title })
}

// SetConversationPinned updates the pin flag.
func (s *Store) SetConversationPinned(id string, pinned bool) bool {
	return s.updateConversation(id, func(c *domain.Conversation) { c.IsPinned = pinned })
}

// TouchConversation records activity at t.
func (s *Store) TouchConversation(id string, t time.Time) bool {
	return s.updateConversation(id, func(c *domain.Conversation) { c.LastActivity = t })
}

// RemoveConversation deletes a directory entry.
func (s *Store) RemoveConversation(id string) bool {
	return s.mutate(func() bool {
		for i := range s.conversations {
			if s.conversations[i].ID == id {
				s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
				return true
			}
		}
		return false
	})
}

// Conversations returns the sorted directory.
func (s *Store) Conversations() []domain.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Conversation(nil), s.conversations...)
}

// ActiveConversation returns the active id.
func (s *Store) ActiveConversation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// HistoryLoaded reports whether the transcript reflects conversation id.
func (s *Store) HistoryLoaded(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return id != "" && s.historyLoaded == id
}

// ResetConversation clears the transcript, active id and history marker together.
func (s *Store) ResetConversation() {
	s.mutate(func() bool {
		s.messages = nil
		s.active = ""
		s.historyLoaded = ""
		return true
	})
}

// EnterConversation atomically shows an empty transcript for id.
func (s *Store) EnterConversation(id string, loaded bool) {
	s.mutate(func() bool {
		s.messages = nil
		s.active = id
		s.historyLoaded = ""
		if loaded {
			s.historyLoaded = id
		}
		return true
	})
}

// ShowHistory replaces the transcript with msgs and marks it as the loaded
// history of conversation id, in one update.
func (s *Store) ShowHistory(id string, msgs []domain.Message) {
	s.mutate(func() bool {
		s.messages = cloneMessages(msgs)
		s.active = id
		s.historyLoaded = id
		return true
	})
}
