package server

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks the live chat connections of every user.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]map[string]*conn),
	}
}

// Register adds a connection for its user. A connection with the same id is
// replaced and closed.
func (m *Registry) Register(c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[c.user.UserID]; !exists {
		m.active[c.user.UserID] = make(map[string]*conn)
	}
	if existing, exists := m.active[c.user.UserID][c.id]; exists && existing != c {
		_ = existing.ws.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	m.active[c.user.UserID][c.id] = c
	slog.Info("Chat connection registered", "user_id", c.user.UserID, "connection_id", c.id)
}

// Unregister removes c if it is still the registered connection for its id.
func (m *Registry) Unregister(c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[c.user.UserID]; ok {
		if current, exists := conns[c.id]; exists && current == c {
			delete(conns, c.id)
			if len(conns) == 0 {
				delete(m.active, c.user.UserID)
			}
			slog.Info("Chat connection unregistered", "user_id", c.user.UserID, "connection_id", c.id)
		}
	}
}

// Connections returns a snapshot of the user's connections.
func (m *Registry) Connections(userID string) []*conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := m.active[userID]
	out := make([]*conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (m *Registry) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, conns := range m.active {
		n += len(conns)
	}
	return n
}

// CloseUser terminates every connection of a user.
func (m *Registry) CloseUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.active[userID]
	if !ok {
		return
	}
	for id, c := range conns {
		_ = c.ws.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Chat connection closed", "user_id", userID, "connection_id", id)
	}
	delete(m.active, userID)
}

// CloseAll terminates every connection.
func (m *Registry) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, conns := range m.active {
		for _, c := range conns {
			_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(m.active, userID)
	}
}
