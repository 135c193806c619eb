package session

import "github.com/ashureev/confchat/internal/domain"

// AppendMessage adds m at the end of the transcript.
func (s *Store) AppendMessage(m domain.Message) {
	s.mutate(func() bool {
		s.messages = append(s.messages, m.Clone())
		return true
	})
}

// ReplaceMessage swaps the message with the given id for m, keeping its
// position. It reports false when no message has that id.
func (s *Store) ReplaceMessage(id string, m domain.Message) bool {
	return s.mutate(func() bool {
		for i := range s.messages {
			if s.messages[i].ID == id {
				s.messages[i] = m.Clone()
				return true
			}
		}
		return false
	})
}

// UpdateMessageText overwrites the text of the message with the given id.
func (s *Store) UpdateMessageText(id, text string) bool {
	return s.mutate(func() bool {
		for i := range s.messages {
			if s.messages[i].ID == id {
				if s.messages[i].Text == text {
					return false
				}
				s.messages[i].Text = text
				return true
			}
		}
		return false
	})
}

// AppendUnlessDuplicate appends m unless the last message is a problem
// message of the same kind with identical text. It reports whether m was added.
func (s *Store) AppendUnlessDuplicate(m domain.Message) bool {
	return s.mutate(func() bool {
		if n := len(s.messages); n > 0 {
			last := s.messages[n-1]
			if last.Kind.IsProblem() && last.Kind == m.Kind && last.Text == m.Text && !last.IsFromUser {
				return false
			}
		}
		s.messages = append(s.messages, m.Clone())
		return true
	})
}

// RemoveMessage deletes the message with the given id.
func (s *Store) RemoveMessage(id string) bool {
	return s.mutate(func() bool {
		for i := range s.messages {
			if s.messages[i].ID == id {
				s.messages = append(s.messages[:i], s.messages[i+1:]...)
				return true
			}
		}
		return false
	})
}

// ClearMessages empties the transcript.
func (s *Store) ClearMessages() {
	s.mutate(func() bool {
		if len(s.messages) == 0 {
			return false
		}
		s.messages = nil
		return true
	})
}

// Messages returns a copy of the transcript.
func (s *Store) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.messages)
}

// Message looks up one message by id.
func (s *Store) Message(id string) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return domain.Message{}, false
}

// LastMessage returns the final transcript entry.
func (s *Store) LastMessage() (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return domain.Message{}, false
	}
	return s.messages[len(s.messages)-1].Clone(), true
}
