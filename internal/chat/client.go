// Package chat drives a session: it interprets server events into session
// state and turns user actions into outbound commands.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/confchat/internal/domain"
	"github.com/ashureev/confchat/internal/protocol"
	"github.com/ashureev/confchat/internal/reveal"
	"github.com/ashureev/confchat/internal/session"
	"github.com/ashureev/confchat/internal/transcript"
	"github.com/ashureev/confchat/internal/transport"
)

// Connection is the part of transport.Manager the client depends on.
type Connection interface {
	Emit(ctx context.Context, event protocol.EventName, payload any) error
	SetHandlers(h transport.Handlers)
	BlockUntilNewToken()
}

// Navigator opens pages requested by the assistant.
type Navigator interface {
	Open(url string) error
}

// ConfirmationPrompter asks the user to approve a pending action.
type ConfirmationPrompter interface {
	PromptConfirmation(req domain.ConfirmationRequest)
}

// Transcript receives every event crossing the channel.
type Transcript interface {
	Log(e transcript.Entry)
}

// Config holds client behaviour settings.
type Config struct {
	// BaseURL and Locale prefix relative navigation paths.
	BaseURL string
	Locale  string
	// Language is sent with every message.
	Language string
	// Streaming asks the server for chat_update fragments.
	Streaming   bool
	EmitTimeout time.Duration
}

const defaultEmitTimeout = 5 * time.Second

// Client owns one session: its store, its reveal controller and the
// handlers registered on the connection.
type Client struct {
	*Dispatcher

	core   *core
	events *EventHandler
}

// core is the state shared by the event handler and the dispatcher. mu
// serializes every inbound event and user action.
type core struct {
	mu sync.Mutex

	cfg        Config
	store      *session.Store
	reveal     *reveal.Controller
	conn       Connection
	navigator  Navigator
	prompter   ConfirmationPrompter
	transcript Transcript
	logger     *slog.Logger
	now        func() time.Time

	turn      TurnState
	sessionID string

	// effects run after mu is released so collaborators may call back in.
	effects []func()
}

// Option customises a Client.
type Option func(*options)

type options struct {
	cfg        Config
	revealCfg  reveal.Config
	navigator  Navigator
	prompter   ConfirmationPrompter
	transcript Transcript
	logger     *slog.Logger
	now        func() time.Time
}

// WithConfig sets behaviour settings.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithRevealConfig sets the reveal pacing.
func WithRevealConfig(cfg reveal.Config) Option {
	return func(o *options) { o.revealCfg = cfg }
}

// WithNavigator sets the page opener used by navigate actions.
func WithNavigator(n Navigator) Option {
	return func(o *options) { o.navigator = n }
}

// WithConfirmationPrompter sets the collaborator shown confirmation requests.
func WithConfirmationPrompter(p ConfirmationPrompter) Option {
	return func(o *options) { o.prompter = p }
}

// WithTranscript records every event.
func WithTranscript(t Transcript) Option {
	return func(o *options) { o.transcript = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewClient wires a session onto conn and installs its handlers. The
// caller keeps ownership of conn and of store.
func NewClient(conn Connection, store *session.Store, opts ...Option) *Client {
	o := options{
		cfg:       Config{Streaming: true},
		revealCfg: reveal.DefaultConfig(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.cfg.EmitTimeout <= 0 {
		o.cfg.EmitTimeout = defaultEmitTimeout
	}
	if store == nil {
		store = session.NewStore()
	}

	c := &core{
		cfg:        o.cfg,
		store:      store,
		conn:       conn,
		navigator:  o.navigator,
		prompter:   o.prompter,
		transcript: o.transcript,
		logger:     o.logger,
		now:        o.now,
		sessionID:  uuid.NewString(),
	}
	c.reveal = reveal.NewController(o.revealCfg, func(messageID, text string) {
		store.UpdateMessageText(messageID, text)
	}, o.logger)

	client := &Client{
		Dispatcher: &Dispatcher{core: c},
		core:       c,
		events:     newEventHandler(c),
	}
	conn.SetHandlers(client.events.Handlers())
	return client
}

// Store returns the session state read by the UI.
func (c *Client) Store() *session.Store {
	return c.core.store
}

// Turn returns the current turn state.
func (c *Client) Turn() TurnState {
	c.core.mu.Lock()
	defer c.core.mu.Unlock()
	return c.core.turn
}

// StreamingID returns the id of the message being revealed, or "".
func (c *Client) StreamingID() string {
	return c.core.reveal.CurrentID()
}

// Close detaches the client from its connection and cancels any reveal.
func (c *Client) Close() {
	c.core.conn.SetHandlers(transport.Handlers{})
	c.core.reveal.Stop()
}

func (c *core) lock() {
	c.mu.Lock()
}

// unlock releases mu and then runs queued effects in order.
func (c *core) unlock() {
	effects := c.effects
	c.effects = nil
	c.mu.Unlock()
	for _, fn := range effects {
		fn()
	}
}

func (c *core) afterUnlock(fn func()) {
	c.effects = append(c.effects, fn)
}

// abortTurn cancels any reveal and returns the turn to idle.
func (c *core) abortTurn() {
	c.reveal.Stop()
	c.setTurn(TurnIdle)
}

func (c *core) setTurn(s TurnState) {
	if c.turn == s {
		return
	}
	c.logger.Debug("[TURN] Transition", "from", c.turn, "to", s)
	c.turn = s
}

// emit sends one command with the configured timeout and records it.
func (c *core) emit(ctx context.Context, event protocol.EventName, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EmitTimeout)
	defer cancel()
	if err := c.conn.Emit(ctx, event, payload); err != nil {
		c.logger.Warn("[CHAT] Emit failed", "event", event, "error", err)
		return err
	}
	c.record(transcript.Outbound, event, payload)
	return nil
}

func (c *core) record(direction string, event protocol.EventName, payload any) {
	if c.transcript == nil {
		return
	}
	var data json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	case nil:
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			c.logger.Debug("[CHAT] Transcript encode failed", "event", event, "error", err)
			return
		}
		data = raw
	}
	c.transcript.Log(transcript.Entry{
		Timestamp:      c.now().UTC(),
		SessionID:      c.sessionID,
		ConversationID: c.store.ActiveConversation(),
		Direction:      direction,
		Event:          string(event),
		Data:           data,
	})
}

func (c *core) newMessage(text string, kind domain.MessageKind) domain.Message {
	return domain.Message{
		ID:        uuid.NewString(),
		Text:      text,
		Kind:      kind,
		CreatedAt: c.now().UTC(),
	}
}

// appendProblem renders an error or warning, suppressing an identical
// message directly before it.
func (c *core) appendProblem(text string, kind domain.MessageKind, payload domain.ErrorPayload) {
	m := c.newMessage(text, kind)
	m.Aux = payload
	if !c.store.AppendUnlessDuplicate(m) {
		c.logger.Debug("[CHAT] Duplicate problem message suppressed", "kind", kind, "text", text)
	}
}
