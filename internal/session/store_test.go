package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/confchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id, text string) domain.Message {
	return domain.Message{ID: id, Text: text, Kind: domain.KindText}
}

func TestReplaceMessagePreservesOrder(t *testing.T) {
	s := NewStore()
	s.AppendMessage(msg("a", "1"))
	s.AppendMessage(msg("b", "2"))
	s.AppendMessage(msg("c", "3"))

	require.True(t, s.ReplaceMessage("b", msg("b2", "final")))
	got := s.Messages()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b2", "c"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, "final", got[1].Text)

	assert.False(t, s.ReplaceMessage("missing", msg("x", "")))
	assert.Len(t, s.Messages(), 3)
}

func TestConcurrentUpdatesOnSameMessageAreAtomic(t *testing.T) {
	s := NewStore()
	s.AppendMessage(msg("before", ""))
	s.AppendMessage(msg("streaming", ""))
	s.AppendMessage(msg("after", ""))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.UpdateMessageText("streaming", fmt.Sprintf("partial %d", i))
		}
	}()
	go func() {
		defer wg.Done()
		s.ReplaceMessage("streaming", msg("final", "done"))
	}()
	wg.Wait()

	got := s.Messages()
	require.Len(t, got, 3)
	assert.Equal(t, "before", got[0].ID)
	assert.Equal(t, "final", got[1].ID)
	assert.Equal(t, "done", got[1].Text)
	assert.Equal(t, "after", got[2].ID)
}

func TestAppendUnlessDuplicateSuppressesConsecutiveErrors(t *testing.T) {
	s := NewStore()
	e := domain.Message{ID: "e1", Text: "Not connected", Kind: domain.KindError}
	require.True(t, s.AppendUnlessDuplicate(e))
	e.ID = "e2"
	assert.False(t, s.AppendUnlessDuplicate(e))

	s.AppendMessage(msg("m", "hello"))
	e.ID = "e3"
	assert.True(t, s.AppendUnlessDuplicate(e), "not consecutive anymore")
	assert.Len(t, s.Messages(), 3)
}

func TestDirectoryIsSorted(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.SetConversations([]domain.Conversation{
		{ID: "old", LastActivity: now.Add(-time.Hour)},
		{ID: "new", LastActivity: now},
		{ID: "pinned-old", LastActivity: now.Add(-48 * time.Hour), IsPinned: true},
		{ID: "", LastActivity: now},
	})
	ids := func() []string {
		var out []string
		for _, c := range s.Conversations() {
			out = append(out, c.ID)
		}
		return out
	}
	assert.Equal(t, []string{"pinned-old", "new", "old"}, ids())

	require.True(t, s.TouchConversation("old", now.Add(time.Minute)))
	assert.Equal(t, []string{"pinned-old", "old", "new"}, ids())

	require.True(t, s.SetConversationPinned("pinned-old", false))
	assert.Equal(t, []string{"old", "new", "pinned-old"}, ids())

	require.True(t, s.RenameConversation("new", "Renamed"))
	require.True(t, s.RemoveConversation("old"))
	assert.False(t, s.RemoveConversation("old"))
	assert.Equal(t, []string{"new", "pinned-old"}, ids())
	assert.Equal(t, "Renamed", s.Conversations()[0].Title)

	s.UpsertConversation(domain.Conversation{ID: "fresh", LastActivity: now.Add(time.Hour)})
	assert.Equal(t, "fresh", ids()[0])
}

func TestFatalFlagIsStickyUntilConnected(t *testing.T) {
	s := NewStore()
	s.SetConnected("c1")
	s.SetFatalError()
	assert.False(t, s.Connection().CanAct())

	s.SetDisconnected()
	assert.True(t, s.Connection().HasFatalError)

	s.SetConnected("c2")
	conn := s.Connection()
	assert.False(t, conn.HasFatalError)
	assert.True(t, conn.CanAct())
	assert.Equal(t, "c2", conn.ConnectionID)
}

func TestConfirmationClearMatchesID(t *testing.T) {
	s := NewStore()
	s.SetConfirmation(domain.ConfirmationRequest{ConfirmationID: "c1"})
	assert.False(t, s.ClearConfirmation("other"))
	_, ok := s.Confirmation()
	assert.True(t, ok)
	assert.True(t, s.ClearConfirmation("c1"))
	_, ok = s.Confirmation()
	assert.False(t, ok)
}

func TestSubscribersSeeSnapshots(t *testing.T) {
	s := NewStore()
	var mu sync.Mutex
	var seen []Snapshot
	unsubscribe := s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, snap)
	})

	s.AppendMessage(msg("a", "x"))
	s.SetLoading(domain.LoadingState{IsLoading: true, Step: "sending"})
	s.SetLoading(domain.LoadingState{IsLoading: true, Step: "sending"})

	mu.Lock()
	require.Len(t, seen, 2)
	seen[0].Messages[0].Text = "mutated"
	mu.Unlock()
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, "x", s.Messages()[0].Text, "snapshots do not alias store state")

	unsubscribe()
	s.ClearMessages()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2, "no-op updates and post-unsubscribe updates are not delivered")
	assert.Len(t, seen[0].Messages, 1)
	assert.True(t, seen[1].Loading.IsLoading)
}

func TestEnterAndResetConversation(t *testing.T) {
	s := NewStore()
	s.AppendMessage(msg("a", "x"))
	s.EnterConversation("42", true)
	assert.Empty(t, s.Messages())
	assert.Equal(t, "42", s.ActiveConversation())
	assert.True(t, s.HistoryLoaded("42"))

	s.ResetConversation()
	assert.Empty(t, s.ActiveConversation())
	assert.False(t, s.HistoryLoaded("42"))
	assert.False(t, s.HistoryLoaded(""))
}

func TestShowHistoryAndRemoveMessage(t *testing.T) {
	s := NewStore()
	s.AppendMessage(msg("old", "stale"))

	var snaps []Snapshot
	unsub := s.Subscribe(func(snap Snapshot) { snaps = append(snaps, snap) })
	defer unsub()

	s.ShowHistory("7", []domain.Message{msg("h1", "one"), msg("h2", "two")})
	require.Len(t, snaps, 1, "history replacement is a single update")
	assert.Equal(t, "7", snaps[0].ActiveConversation)
	assert.Equal(t, "7", snaps[0].HistoryLoadedFor)
	assert.Len(t, snaps[0].Messages, 2)

	assert.True(t, s.RemoveMessage("h1"))
	assert.False(t, s.RemoveMessage("h1"))
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, "h2", s.Messages()[0].ID)
}
