// Package transport owns the lifecycle of the duplex channel to the chat server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/confchat/internal/protocol"
)

var (
	// ErrNotConnected is returned by Emit when no channel is active.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection manager closed")
)

// Options select the channel. The manager reconnects only when one of them changes.
type Options struct {
	URL     string
	Token   string
	Enabled bool
}

// State is the externally visible connection status.
type State struct {
	Connected    bool
	ConnectionID string
}

// Manager maintains at most one live channel and dispatches its events
// through a replaceable handler table.
type Manager struct {
	dialer     Dialer
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
	handlers   handlerTable

	mu           sync.Mutex
	opts         Options
	configured   bool
	current      *cycle
	blocked      bool
	blockedToken string
	closed       bool
	wg           sync.WaitGroup
}

// cycle is one connect/read/reconnect loop. Its pointer identity is the
// guard against events from a superseded connection.
type cycle struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ch     Channel
	connID string
}

func (c *cycle) channel() (Channel, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch, c.connID
}

// Option customises a Manager.
type Option func(*Manager)

// WithBackOff sets the reconnect policy factory. A policy returning
// backoff.Stop ends reconnection for the cycle.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(m *Manager) {
		m.newBackOff = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// DefaultBackOff reconnects after 500ms, doubling up to 10s, forever.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// NewManager creates an idle manager. Nothing is dialed until Configure.
func NewManager(dialer Dialer, opts ...Option) *Manager {
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	m := &Manager{
		dialer:     dialer,
		logger:     slog.Default(),
		newBackOff: DefaultBackOff,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHandlers replaces the callback table without touching the channel.
func (m *Manager) SetHandlers(h Handlers) {
	m.handlers.set(h)
}

// Configure applies opts. The channel is torn down and re-established only
// when URL, token or Enabled differ from the previous call. A token that
// differs from the one blocked by a fatal error lifts the block.
func (m *Manager) Configure(opts Options) {
	m.mu.Lock()
	stale, changed := m.configureLocked(opts)
	m.mu.Unlock()

	if changed {
		m.closeCycle(stale, "reconfigured")
	}
}

// configureLocked applies opts and returns the detached cycle, whose channel
// the caller closes once m.mu is released.
func (m *Manager) configureLocked(opts Options) (*cycle, bool) {
	if m.closed {
		return nil, false
	}
	if m.configured && opts == m.opts {
		return nil, false
	}
	if m.blocked && opts.Token != m.blockedToken {
		m.logger.Info("[CONN] New token supplied, lifting fatal block")
		m.blocked = false
		m.blockedToken = ""
	}

	m.opts = opts
	m.configured = true
	stale := m.detachCycleLocked()

	switch {
	case !opts.Enabled || opts.URL == "":
		m.logger.Info("[CONN] Channel disabled")
	case m.blocked:
		m.logger.Warn("[CONN] Connect suppressed until a new token is supplied")
	default:
		m.startCycleLocked()
	}
	return stale, true
}

// BlockUntilNewToken stops automatic reconnection after a fatal error.
// The current channel is left to the server; once it drops it is not redialed.
func (m *Manager) BlockUntilNewToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocked {
		return
	}
	m.blocked = true
	m.blockedToken = m.opts.Token
	m.logger.Warn("[CONN] Fatal error, reconnection blocked until token changes")
}

// Blocked reports whether reconnection is blocked by a fatal error.
func (m *Manager) Blocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked
}

// State returns the current connection status.
func (m *Manager) State() State {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil {
		return State{}
	}
	ch, id := c.channel()
	return State{Connected: ch != nil, ConnectionID: id}
}

// Emit sends one named event on the active channel.
func (m *Manager) Emit(ctx context.Context, event protocol.EventName, payload any) error {
	m.mu.Lock()
	c := m.current
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if c == nil {
		return ErrNotConnected
	}
	ch, _ := c.channel()
	if ch == nil {
		return ErrNotConnected
	}

	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	if err := ch.Write(ctx, frame); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	m.logger.Debug("[CONN] Emitted", "event", event, "bytes", len(frame))
	return nil
}

// Close tears down the channel and waits for the connection loop to exit.
// It must not be called from inside a handler.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stale := m.detachCycleLocked()
	m.mu.Unlock()

	m.closeCycle(stale, "client closed")
	m.wg.Wait()
}

func (m *Manager) startCycleLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c := &cycle{opts: m.opts, ctx: ctx, cancel: cancel}
	m.current = c
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(c)
	}()
}

// detachCycleLocked cancels and unpublishes the current cycle. Its channel
// is closed by closeCycle after m.mu is released, so a handler running on the
// read goroutine can still take m.mu while the close handshake completes.
func (m *Manager) detachCycleLocked() *cycle {
	c := m.current
	if c == nil {
		return nil
	}
	m.current = nil
	c.cancel()
	return c
}

func (m *Manager) closeCycle(c *cycle, reason string) {
	if c == nil {
		return
	}
	if ch, _ := c.channel(); ch != nil {
		if err := ch.Close(reason); err != nil {
			m.logger.Debug("[CONN] Close of superseded channel failed", "error", err)
		}
	}
}

func (m *Manager) isCurrent(c *cycle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == c
}

func (m *Manager) reconnectAllowed(c *cycle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == c && !m.blocked && !m.closed
}

// activate publishes ch on c if c is still current.
func (m *Manager) activate(c *cycle, ch Channel, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != c {
		return false
	}
	c.mu.Lock()
	c.ch = ch
	c.connID = connID
	c.mu.Unlock()
	return true
}

// deactivate clears ch from c and reports whether c was still current.
func (m *Manager) deactivate(c *cycle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.mu.Lock()
	c.ch = nil
	c.connID = ""
	c.mu.Unlock()
	return m.current == c
}

func (m *Manager) run(c *cycle) {
	b := m.newBackOff()
	b.Reset()

	for {
		if c.ctx.Err() != nil {
			return
		}

		ch, err := m.dialer.Dial(c.ctx, c.opts.URL, c.opts.Token)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			m.logger.Warn("[CONN] Connect failed", "url", c.opts.URL, "error", err)
			if !m.isCurrent(c) {
				return
			}
			m.handlers.connectError(err)
			if protocol.ClassifyConnectError(err) == protocol.Fatal {
				m.BlockUntilNewToken()
				return
			}
			if !m.wait(c, b) {
				return
			}
			continue
		}

		b.Reset()
		connID := uuid.NewString()
		if !m.activate(c, ch, connID) {
			if closeErr := ch.Close("superseded"); closeErr != nil {
				m.logger.Debug("[CONN] Close of superseded channel failed", "error", closeErr)
			}
			return
		}
		m.logger.Info("[CONN] Connected", "url", c.opts.URL, "connection_id", connID)
		m.handlers.connect(connID)

		reason := m.readLoop(c, ch)

		if closeErr := ch.Close("read loop ended"); closeErr != nil {
			m.logger.Debug("[CONN] Channel close failed", "error", closeErr)
		}
		if !m.deactivate(c) {
			return
		}
		m.logger.Info("[CONN] Disconnected", "connection_id", connID, "reason", reason)
		m.handlers.disconnect(reason)

		if !m.wait(c, b) {
			return
		}
	}
}

func (m *Manager) readLoop(c *cycle, ch Channel) error {
	for {
		frame, err := ch.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("closed by server (%s): %w", status, err)
			}
			return err
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			m.logger.Warn("[CONN] Dropping malformed frame", "error", err, "bytes", len(frame))
			continue
		}
		if !m.isCurrent(c) {
			m.logger.Debug("[CONN] Dropping event from superseded channel", "event", env.Event)
			continue
		}
		m.handlers.event(env.Event, env.Data)
	}
}

// wait sleeps for the next backoff interval. It returns false when the
// cycle must end instead of redialing.
func (m *Manager) wait(c *cycle, b backoff.BackOff) bool {
	if !m.reconnectAllowed(c) {
		return false
	}
	d := b.NextBackOff()
	if d == backoff.Stop {
		m.logger.Warn("[CONN] Reconnect attempts exhausted", "url", c.opts.URL)
		return false
	}
	m.logger.Debug("[CONN] Reconnecting", "delay", d)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return m.reconnectAllowed(c)
	}
}
