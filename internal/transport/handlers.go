package transport

import (
	"encoding/json"
	"sync/atomic"

	"github.com/ashureev/confchat/internal/protocol"
)

// Handlers are the caller-supplied callback slots. Any slot may be nil.
type Handlers struct {
	OnConnect      func(connectionID string)
	OnDisconnect   func(reason error)
	OnConnectError func(err error)
	OnEvent        func(name protocol.EventName, data json.RawMessage)
}

// handlerTable is the indirection between the read loop and the callbacks.
// The loop never captures a Handlers value; it loads the current one on
// every dispatch, so replacing handlers never requires reconnecting.
type handlerTable struct {
	current atomic.Pointer[Handlers]
}

func (t *handlerTable) set(h Handlers) {
	t.current.Store(&h)
}

func (t *handlerTable) load() Handlers {
	if h := t.current.Load(); h != nil {
		return *h
	}
	return Handlers{}
}

func (t *handlerTable) connect(id string) {
	if fn := t.load().OnConnect; fn != nil {
		fn(id)
	}
}

func (t *handlerTable) disconnect(reason error) {
	if fn := t.load().OnDisconnect; fn != nil {
		fn(reason)
	}
}

func (t *handlerTable) connectError(err error) {
	if fn := t.load().OnConnectError; fn != nil {
		fn(err)
	}
}

func (t *handlerTable) event(name protocol.EventName, data json.RawMessage) {
	if fn := t.load().OnEvent; fn != nil {
		fn(name, data)
	}
}
