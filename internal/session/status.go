package session

import "github.com/ashureev/confchat/internal/domain"

// SetLoading overwrites the loading state wholesale.
func (s *Store) SetLoading(l domain.LoadingState) {
	s.mutate(func() bool {
		if s.loading == l {
			return false
		}
		s.loading = l
		return true
	})
}

// ResetLoading clears the loading indicator.
func (s *Store) ResetLoading() {
	s.SetLoading(domain.LoadingState{})
}

// Loading returns the loading state.
func (s *Store) Loading() domain.LoadingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// SetConfirmation stores a pending confirmation.
func (s *Store) SetConfirmation(c domain.ConfirmationRequest) {
	s.mutate(func() bool {
		s.confirmation = &c
		return true
	})
}

// ClearConfirmation removes the pending confirmation. When id is non-empty
// only a matching confirmation is removed.
func (s *Store) ClearConfirmation(id string) bool {
	return s.mutate(func() bool {
		if s.confirmation == nil {
			return false
		}
		if id != "" && s.confirmation.ConfirmationID != id {
			return false
		}
		s.confirmation = nil
		return true
	})
}

// Confirmation returns the pending confirmation, if any.
func (s *Store) Confirmation() (domain.ConfirmationRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.confirmation == nil {
		return domain.ConfirmationRequest{}, false
	}
	return *s.confirmation, true
}

// SetConnected records a fresh successful connection. It clears the sticky
// fatal flag because a new connection cycle has authenticated.
func (s *Store) SetConnected(connectionID string) {
	s.mutate(func() bool {
		s.connection.IsConnected = true
		s.connection.ConnectionID = connectionID
		s.connection.HasFatalError = false
		return true
	})
}

// SetIdentity records the authenticated identity announced by the server.
func (s *Store) SetIdentity(connectionID, userID string) {
	s.mutate(func() bool {
		if connectionID != "" {
			s.connection.ConnectionID = connectionID
		}
		s.connection.UserID = userID
		return true
	})
}

// SetDisconnected clears the connected flag, keeping the fatal flag.
func (s *Store) SetDisconnected() {
	s.mutate(func() bool {
		if !s.connection.IsConnected && s.connection.ConnectionID == "" {
			return false
		}
		s.connection.IsConnected = false
		s.connection.ConnectionID = ""
		return true
	})
}

// SetFatalError raises the sticky fatal flag.
func (s *Store) SetFatalError() {
	s.mutate(func() bool {
		if s.connection.HasFatalError {
			return false
		}
		s.connection.HasFatalError = true
		return true
	})
}

// Connection returns the connection state.
func (s *Store) Connection() domain.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connection
}
