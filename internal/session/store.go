// Package session holds the authoritative in-memory state of one chat session.
// It has no protocol knowledge: the chat package drives it and UIs read it.
package session

import (
	"sync"

	"github.com/ashureev/confchat/internal/domain"
)

// Snapshot is an immutable copy of the store handed to readers and subscribers.
type Snapshot struct {
	Messages           []domain.Message
	Conversations      []domain.Conversation
	ActiveConversation string
	HistoryLoadedFor   string
	Loading            domain.LoadingState
	Confirmation       *domain.ConfirmationRequest
	Connection         domain.ConnectionState
}

// Listener is notified after every mutation with the resulting snapshot.
// Listeners run on the mutating goroutine and must not call back into the
// chat client synchronously.
type Listener func(Snapshot)

// Store is a mutex-guarded state container. Every exported mutation is a
// single critical section, so compound updates such as replace-by-id are
// atomic with respect to concurrent event sources.
type Store struct {
	mu            sync.RWMutex
	messages      []domain.Message
	conversations []domain.Conversation
	active        string
	historyLoaded string
	loading       domain.LoadingState
	confirmation  *domain.ConfirmationRequest
	connection    domain.ConnectionState

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{listeners: make(map[int]Listener)}
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.listeners, id)
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Messages:           cloneMessages(s.messages),
		Conversations:      append([]domain.Conversation(nil), s.conversations...),
		ActiveConversation: s.active,
		HistoryLoadedFor:   s.historyLoaded,
		Loading:            s.loading,
		Connection:         s.connection,
	}
	if s.confirmation != nil {
		c := *s.confirmation
		snap.Confirmation = &c
	}
	return snap
}

// mutate runs fn under the write lock and notifies listeners outside it when
// fn reports a change.
func (s *Store) mutate(fn func() bool) bool {
	s.mu.Lock()
	changed := fn()
	var snap Snapshot
	if changed {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notify(snap)
	}
	return changed
}

func (s *Store) notify(snap Snapshot) {
	s.listenersMu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.listenersMu.Unlock()
	for _, l := range ls {
		l(snap)
	}
}

func cloneMessages(in []domain.Message) []domain.Message {
	if in == nil {
		return nil
	}
	out := make([]domain.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
