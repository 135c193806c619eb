package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/confchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func conv(id string, at time.Time) domain.Conversation {
	return domain.Conversation{ID: id, Title: "Talk " + id, LastActivity: at}
}

func TestUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.UpsertUser(ctx, &domain.User{UserID: "alice", Username: "Alice", LastSeenAt: now, CreatedAt: now}))
	later := now.Add(time.Minute)
	require.NoError(t, s.UpsertUser(ctx, &domain.User{UserID: "alice", Username: "Alice L.", LastSeenAt: later, CreatedAt: later}))

	got, err = s.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Alice L.", got.Username)
	assert.True(t, got.LastSeenAt.Equal(later))
	assert.True(t, got.CreatedAt.Equal(now), "created_at is kept on update")
}

func TestListConversationsOrdersPinnedThenRecent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Now()

	require.NoError(t, s.CreateConversation(ctx, "alice", conv("old", base.Add(-2*time.Hour))))
	require.NoError(t, s.CreateConversation(ctx, "alice", conv("new", base)))
	require.NoError(t, s.CreateConversation(ctx, "alice", conv("pinned", base.Add(-5*time.Hour))))
	require.NoError(t, s.CreateConversation(ctx, "bob", conv("bobs", base)))
	require.NoError(t, s.SetPinned(ctx, "alice", "pinned", true))

	list, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"pinned", "new", "old"}, ids)
	assert.True(t, list[0].IsPinned)

	empty, err := s.ListConversations(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestConversationOwnership(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateConversation(ctx, "alice", conv("c1", time.Now())))

	_, err := s.GetConversation(ctx, "bob", "c1")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = s.GetConversation(ctx, "alice", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.RenameConversation(ctx, "bob", "c1", "mine now"), ErrForbidden)
	assert.ErrorIs(t, s.DeleteConversation(ctx, "bob", "c1"), ErrForbidden)
	assert.ErrorIs(t, s.AppendMessage(ctx, "bob", "c1", domain.Message{ID: "m"}), ErrForbidden)
	_, err = s.Messages(ctx, "bob", "c1")
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := s.GetConversation(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Talk c1", got.Title)
}

func TestCreateConversationDefaultTitle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateConversation(ctx, "alice", domain.Conversation{ID: "c1", LastActivity: time.Now()}))

	got, err := s.GetConversation(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultConversationTitle, got.Title)

	require.NoError(t, s.RenameConversation(ctx, "alice", "c1", "Keynotes"))
	got, err = s.GetConversation(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Keynotes", got.Title)
}

func TestMessagesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	start := time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateConversation(ctx, "alice", conv("c1", start)))

	sent := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.AppendMessage(ctx, "alice", "c1", domain.Message{
		ID: "u1", Text: "where is the keynote?", IsFromUser: true, Kind: domain.KindText, CreatedAt: sent,
	}))
	require.NoError(t, s.AppendMessage(ctx, "alice", "c1", domain.Message{
		ID:        "b1",
		Text:      "Hall A",
		Kind:      domain.KindMap,
		Aux:       domain.MapPayload{Location: "Hall A"},
		Thoughts:  []domain.Thought{{Step: "lookup", Content: "venue map"}},
		CreatedAt: sent.Add(time.Second),
	}))

	msgs, err := s.Messages(ctx, "alice", "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "u1", msgs[0].ID)
	assert.True(t, msgs[0].IsFromUser)
	assert.Nil(t, msgs[0].Aux)

	assert.Equal(t, domain.KindMap, msgs[1].Kind)
	raw, ok := msgs[1].Aux.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"location":"Hall A"}`, string(raw))
	assert.Equal(t, []domain.Thought{{Step: "lookup", Content: "venue map"}}, msgs[1].Thoughts)

	got, err := s.GetConversation(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, got.LastActivity.Equal(sent.Add(time.Second)), "append bumps last activity")
}

func TestClearAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateConversation(ctx, "alice", conv("c1", time.Now())))
	require.NoError(t, s.AppendMessage(ctx, "alice", "c1", domain.Message{ID: "m1", Text: "hi"}))

	require.NoError(t, s.ClearMessages(ctx, "alice", "c1"))
	msgs, err := s.Messages(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, s.DeleteConversation(ctx, "alice", "c1"))
	_, err = s.GetConversation(ctx, "alice", "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteConversation(ctx, "alice", "c1"), ErrNotFound)
}

func TestDeleteIdleConversationsKeepsPinned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.CreateConversation(ctx, "alice", conv("stale", stale)))
	require.NoError(t, s.CreateConversation(ctx, "alice", conv("stale-pinned", stale)))
	require.NoError(t, s.CreateConversation(ctx, "alice", conv("fresh", time.Now())))
	require.NoError(t, s.SetPinned(ctx, "alice", "stale-pinned", true))

	deleted, err := s.DeleteIdleConversations(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	list, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "stale-pinned", list[0].ID)
	assert.Equal(t, "fresh", list[1].ID)
}

func TestRetentionWorkerSweepsAndStops(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateConversation(context.Background(), "alice", conv("stale", time.Now().Add(-time.Hour))))

	ctx, cancel := context.WithCancel(context.Background())
	swept := make(chan int64, 1)
	done := StartRetentionWorker(ctx, s, time.Minute, 5*time.Millisecond, func(n int64) {
		select {
		case swept <- n:
		default:
		}
	})

	select {
	case n := <-swept:
		assert.Equal(t, int64(1), n)
	case <-time.After(2 * time.Second):
		t.Fatal("retention worker did not sweep")
	}
	cancel()
	<-done
}

func TestIsBusyError(t *testing.T) {
	assert.False(t, IsBusyError(nil))
	assert.True(t, IsBusyError(errors.New("database is locked")))
	assert.True(t, IsBusyError(fmt.Errorf("exec: %w", errors.New("SQLITE_BUSY"))))
	assert.False(t, IsBusyError(errors.New("no such table")))
}

func TestWithBusyRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := withBusyRetry(ctx, "test", func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	permanent := errors.New("constraint failed")
	err = withBusyRetry(ctx, "test", func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)

	calls = 0
	err = withBusyRetry(ctx, "test", func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	assert.True(t, IsBusyError(err))
	assert.Equal(t, busyRetries, calls)
}
