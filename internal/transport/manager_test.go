package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/confchat/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeChannel struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeChannel) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Write(_ context.Context, data []byte) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeChannel) Close(string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) push(t *testing.T, event protocol.EventName, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	c.frames <- frame
}

type dialResult struct {
	ch  *fakeChannel
	err error
}

type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	dials   []string
	tokens  []string
}

func (d *fakeDialer) queue(r ...dialResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, r...)
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL, token string) (Channel, error) {
	d.mu.Lock()
	d.dials = append(d.dials, rawURL)
	d.tokens = append(d.tokens, token)
	if len(d.results) == 0 {
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	d.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.ch, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

type recorded struct {
	mu          sync.Mutex
	connects    []string
	disconnects int
	connectErrs []error
	events      []protocol.EventName
}

func (r *recorded) handlers() Handlers {
	return Handlers{
		OnConnect: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connects = append(r.connects, id)
		},
		OnDisconnect: func(error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnects++
		},
		OnConnectError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connectErrs = append(r.connectErrs, err)
		},
		OnEvent: func(name protocol.EventName, _ json.RawMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, name)
		},
	}
}

func (r *recorded) snapshot() (connects, disconnects, connectErrs int, events []protocol.EventName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connects), r.disconnects, len(r.connectErrs), append([]protocol.EventName(nil), r.events...)
}

func quickBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(5 * time.Millisecond)
}

func newTestManager(d Dialer) *Manager {
	return NewManager(d,
		WithBackOff(quickBackOff),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestManager_ConnectDispatchAndEmit(t *testing.T) {
	ch := newFakeChannel()
	d := &fakeDialer{}
	d.queue(dialResult{ch: ch})

	m := newTestManager(d)
	defer m.Close()
	rec := &recorded{}
	m.SetHandlers(rec.handlers())

	require.ErrorIs(t, m.Emit(context.Background(), protocol.SendMessage, nil), ErrNotConnected)

	m.Configure(Options{URL: "ws://chat.local/ws", Token: "t1", Enabled: true})
	require.Eventually(t, func() bool { return m.State().Connected }, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, m.State().ConnectionID)

	ch.push(t, protocol.StatusUpdate, protocol.StatusPayload{Step: "thinking"})
	require.Eventually(t, func() bool {
		_, _, _, events := rec.snapshot()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Emit(context.Background(), protocol.SendMessage, protocol.SendMessagePayload{UserInput: "hi"}))
	ch.mu.Lock()
	require.Len(t, ch.written, 1)
	env, err := protocol.Decode(ch.written[0])
	ch.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, protocol.SendMessage, env.Event)

	connects, _, _, _ := rec.snapshot()
	assert.Equal(t, 1, connects)
	d.mu.Lock()
	assert.Equal(t, []string{"t1"}, d.tokens)
	d.mu.Unlock()
}

func TestManager_ConfigureUnchangedDoesNotRedial(t *testing.T) {
	d := &fakeDialer{}
	d.queue(dialResult{ch: newFakeChannel()})

	m := newTestManager(d)
	defer m.Close()

	opts := Options{URL: "ws://chat.local/ws", Token: "t1", Enabled: true}
	m.Configure(opts)
	require.Eventually(t, func() bool { return m.State().Connected }, time.Second, 5*time.Millisecond)

	m.Configure(opts)
	m.SetHandlers(Handlers{})
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, d.dialCount())
	assert.True(t, m.State().Connected)
}

func TestManager_ReplacingHandlersKeepsChannel(t *testing.T) {
	ch := newFakeChannel()
	d := &fakeDialer{}
	d.queue(dialResult{ch: ch})

	m := newTestManager(d)
	defer m.Close()
	first := &recorded{}
	m.SetHandlers(first.handlers())
	m.Configure(Options{URL: "ws://chat.local/ws", Enabled: true})
	require.Eventually(t, func() bool { return m.State().Connected }, time.Second, 5*time.Millisecond)

	second := &recorded{}
	m.SetHandlers(second.handlers())
	ch.push(t, protocol.ChatUpdate, protocol.ChunkPayload{TextChunk: "x"})

	require.Eventually(t, func() bool {
		_, _, _, events := second.snapshot()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)
	_, _, _, firstEvents := first.snapshot()
	assert.Empty(t, firstEvents)
	assert.Equal(t, 1, d.dialCount())
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	first, second := newFakeChannel(), newFakeChannel()
	d := &fakeDialer{}
	d.queue(dialResult{ch: first}, dialResult{ch: second})

	m := newTestManager(d)
	defer m.Close()
	rec := &recorded{}
	m.SetHandlers(rec.handlers())
	m.Configure(Options{URL: "ws://chat.local/ws", Enabled: true})
	require.Eventually(t, func() bool { return m.State().Connected }, time.Second, 5*time.Millisecond)
	firstID := m.State().ConnectionID

	require.NoError(t, first.Close("server restart"))

	require.Eventually(t, func() bool {
		connects, disconnects, _, _ := rec.snapshot()
		return connects == 2 && disconnects == 1
	}, time.Second, 5*time.Millisecond)
	assert.NotEqual(t, firstID, m.State().ConnectionID)
}

func TestManager_FatalConnectErrorBlocksUntilNewToken(t *testing.T) {
	d := &fakeDialer{}
	d.queue(dialResult{err: ErrUnauthorized})

	m := newTestManager(d)
	defer m.Close()
	rec := &recorded{}
	m.SetHandlers(rec.handlers())
	m.Configure(Options{URL: "ws://chat.local/ws", Token: "expired", Enabled: true})

	require.Eventually(t, m.Blocked, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	_, _, connectErrs, _ := rec.snapshot()
	assert.Equal(t, 1, connectErrs)

	// Re-applying the blocked token changes nothing else, so it stays blocked.
	m.Configure(Options{URL: "ws://chat.local/ws", Token: "expired", Enabled: false})
	m.Configure(Options{URL: "ws://chat.local/ws", Token: "expired", Enabled: true})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())

	d.queue(dialResult{ch: newFakeChannel()})
	m.Configure(Options{URL: "ws://chat.local/ws", Token: "fresh", Enabled: true})
	require.Eventually(t, func() bool { return m.State().Connected }, time.Second, 5*time.Millisecond)
	assert.False(t, m.Blocked())
}

func TestManager_RecoverableConnectErrorRetries(t *testing.T) {
	d := &fakeDialer{}
	d.queue(dialResult{err: errors.New("connection refused")}, dialResult{ch: newFakeChannel()})

	m := newTestManager(d)
	defer m.Close()
	m.Configure(Options{URL: "ws://chat.local/ws", Enabled: true})

	require.Eventually(t, func() bool { return m.State().Connected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, d.dialCount())
	assert.False(t, m.Blocked())
}

func TestManager_SupersededChannelIsClosedAndSilenced(t *testing.T) {
	old, fresh := newFakeChannel(), newFakeChannel()
	d := &fakeDialer{}
	d.queue(dialResult{ch: old}, dialResult{ch: fresh})

	m := newTestManager(d)
	defer m.Close()
	rec := &recorded{}
	m.SetHandlers(rec.handlers())

	m.Configure(Options{URL: "ws://a.local/ws", Enabled: true})
	require.Eventually(t, func() bool { return m.State().Connected }, time.Second, 5*time.Millisecond)

	m.Configure(Options{URL: "ws://b.local/ws", Enabled: true})
	assert.True(t, old.closed())
	require.Eventually(t, func() bool { return m.State().Connected }, time.Second, 5*time.Millisecond)

	// The superseded channel's teardown does not report a disconnect.
	_, disconnects, _, _ := rec.snapshot()
	assert.Equal(t, 0, disconnects)

	fresh.push(t, protocol.StatusUpdate, protocol.StatusPayload{Step: "x"})
	require.Eventually(t, func() bool {
		_, _, _, events := rec.snapshot()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)
}

// hookedChannel runs onClose before closing, like a close handshake that
// needs the read goroutine to make progress.
type hookedChannel struct {
	*fakeChannel
	onClose func()
}

func (c *hookedChannel) Close(reason string) error {
	c.onClose()
	return c.fakeChannel.Close(reason)
}

func TestManager_ReconfigureClosesChannelOutsideLock(t *testing.T) {
	ch := &hookedChannel{fakeChannel: newFakeChannel()}
	d := &hookedDialer{ch: ch}
	m := newTestManager(d)
	defer m.Close()
	ch.onClose = func() { m.Blocked() }

	m.Configure(Options{URL: "ws://chat.local/ws", Token: "t1", Enabled: true})
	require.Eventually(t, func() bool { return m.State().Connected }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Configure(Options{URL: "ws://chat.local/ws", Token: "t1", Enabled: false})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Configure blocked while closing the superseded channel")
	}
	assert.True(t, ch.closed())
}

type hookedDialer struct {
	ch *hookedChannel
}

func (d *hookedDialer) Dial(context.Context, string, string) (Channel, error) {
	return d.ch, nil
}

func TestManager_DisableTearsDown(t *testing.T) {
	ch := newFakeChannel()
	d := &fakeDialer{}
	d.queue(dialResult{ch: ch})

	m := newTestManager(d)
	defer m.Close()
	m.Configure(Options{URL: "ws://chat.local/ws", Enabled: true})
	require.Eventually(t, func() bool { return m.State().Connected }, time.Second, 5*time.Millisecond)

	m.Configure(Options{URL: "ws://chat.local/ws", Enabled: false})
	assert.True(t, ch.closed())
	assert.False(t, m.State().Connected)
	assert.ErrorIs(t, m.Emit(context.Background(), protocol.SendMessage, nil), ErrNotConnected)
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	d.queue(dialResult{ch: newFakeChannel()})
	m := newTestManager(d)
	m.Configure(Options{URL: "ws://chat.local/ws", Enabled: true})
	require.Eventually(t, func() bool { return m.State().Connected }, time.Second, 5*time.Millisecond)

	m.Close()
	m.Close()
	assert.ErrorIs(t, m.Emit(context.Background(), protocol.SendMessage, nil), ErrClosed)
}

func TestManager_WebSocketRoundTrip(t *testing.T) {
	var gotAuth, gotQuery string
	var authMu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authMu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("token")
		authMu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil || env.Event != protocol.GetInitialConversations {
			return
		}
		reply, _ := protocol.Encode(protocol.ConversationList, []protocol.ConversationInfo{{ID: "c1", Title: "First"}})
		if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
			return
		}
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	m := NewManager(WebSocketDialer{}, WithBackOff(quickBackOff),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer m.Close()

	got := make(chan json.RawMessage, 1)
	m.SetHandlers(Handlers{
		OnConnect: func(string) {
			go func() {
				_ = m.Emit(context.Background(), protocol.GetInitialConversations, nil)
			}()
		},
		OnEvent: func(name protocol.EventName, data json.RawMessage) {
			if name == protocol.ConversationList {
				got <- data
			}
		},
	})
	m.Configure(Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Token: "secret", Enabled: true})

	select {
	case data := <-got:
		var list protocol.ConversationListPayload
		require.NoError(t, json.Unmarshal(data, &list))
		require.Len(t, list.Conversations, 1)
		assert.Equal(t, "c1", list.Conversations[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("conversation_list not received")
	}

	authMu.Lock()
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "secret", gotQuery)
	authMu.Unlock()
}

func TestWebSocketDialer_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := WebSocketDialer{}.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "bad")
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, protocol.Fatal, protocol.ClassifyConnectError(err))
}
