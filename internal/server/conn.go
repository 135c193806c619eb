package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/confchat/internal/domain"
	"github.com/ashureev/confchat/internal/protocol"
	"github.com/ashureev/confchat/internal/transcript"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const outboundBuffer = 64

var errConnClosed = errors.New("connection closed")

// conn is one client channel. Commands are handled in arrival order on the
// read goroutine; a single write goroutine owns the socket writes.
type conn struct {
	srv  *Server
	ws   *websocket.Conn
	id   string
	user domain.User
	out  chan []byte

	// ctx ends when either loop exits.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	active     string
	turnCancel context.CancelFunc
	pending    map[string]EmailDraft
	turns      sync.WaitGroup
}

func newConn(ctx context.Context, srv *Server, ws *websocket.Conn, user domain.User) *conn {
	ctx, cancel := context.WithCancel(ctx)
	return &conn{
		srv:     srv,
		ws:      ws,
		id:      uuid.NewString(),
		user:    user,
		out:     make(chan []byte, outboundBuffer),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]EmailDraft),
	}
}

// serve runs the read and write loops until either fails.
func (c *conn) serve() error {
	defer c.cancel()
	g, gctx := errgroup.WithContext(c.ctx)

	g.Go(func() error {
		defer c.cancel()
		return c.writeLoop(gctx)
	})
	g.Go(func() error {
		defer c.cancel()
		return c.readLoop(gctx)
	})

	if err := c.send(protocol.ConnectionReady, protocol.ReadyPayload{
		ConnectionID: c.id,
		UserID:       c.user.UserID,
	}); err != nil {
		slog.Debug("Failed to queue connection_ready", "error", err, "connection_id", c.id)
	}

	err := g.Wait()
	c.cancelTurn()
	c.turns.Wait()
	return err
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		_, frame, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", c.user.UserID, "connection_id", c.id)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			slog.Warn("[WS] Dropping malformed frame", "error", err, "connection_id", c.id)
			continue
		}
		c.record(transcript.Inbound, env.Event, env.Data)
		c.dispatch(ctx, env)
	}
}

func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.out:
			if err := c.ws.Write(ctx, websocket.MessageText, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("write frame: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// send queues one event for the write loop.
func (c *conn) send(event protocol.EventName, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	select {
	case c.out <- frame:
	case <-c.ctx.Done():
		return errConnClosed
	}
	if raw, err := json.Marshal(payload); err == nil {
		c.record(transcript.Outbound, event, raw)
	}
	return nil
}

func (c *conn) sendError(event protocol.EventName, code, message, conversationID string) {
	p := protocol.ErrorPayload{Code: code, Message: message}
	if conversationID != "" {
		p.Details, _ = json.Marshal(protocol.ConversationRef{ConversationID: conversationID})
	}
	if err := c.send(event, p); err != nil {
		slog.Debug("Failed to send error", "error", err, "code", code, "connection_id", c.id)
	}
}

func (c *conn) record(dir string, event protocol.EventName, data json.RawMessage) {
	c.srv.transcript.Log(transcript.Entry{
		SessionID:      c.id,
		ConversationID: c.activeConversation(),
		Direction:      dir,
		Event:          string(event),
		Data:           data,
	})
}

func (c *conn) activeConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *conn) setActive(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = id
}

// cancelTurn stops the running assistant turn, if any.
func (c *conn) cancelTurn() {
	c.mu.Lock()
	cancel := c.turnCancel
	c.turnCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// broadcast sends event to every connection of the user, including c.
func (c *conn) broadcast(event protocol.EventName, payload any) {
	for _, other := range c.srv.registry.Connections(c.user.UserID) {
		if err := other.send(event, payload); err != nil {
			slog.Debug("Broadcast skipped closed connection", "event", event, "connection_id", other.id)
		}
	}
}
