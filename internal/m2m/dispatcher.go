package m2m

import (
	"github.com/dataplicity/agent/internal/logx"
	"github.com/dataplicity/agent/internal/protocol"
)

// Handler processes one decoded packet.
type Handler func(*protocol.Packet)

// Dispatcher maps packet types to handlers. Handlers are registered at
// construction time and the table is never mutated afterwards, so Dispatch
// needs no locking.
type Dispatcher struct {
	handlers map[protocol.Type]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[protocol.Type]Handler),
	}
}

// Register binds a packet type to a handler. Registering the same type
// twice replaces the earlier handler.
func (d *Dispatcher) Register(t protocol.Type, h Handler) {
	d.handlers[t] = h
}

// Dispatch routes a packet to its registered handler on the calling
// goroutine. Unknown types are dropped with a debug log; a panicking
// handler is logged and does not take the caller down.
func (d *Dispatcher) Dispatch(pkt *protocol.Packet) {
	h, ok := d.handlers[pkt.Type]
	if !ok {
		logx.Debug("no handler for %s packet, dropping", pkt.Type)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logx.Error("handler for %s packet panicked: %v", pkt.Type, r)
		}
	}()
	h(pkt)
}
