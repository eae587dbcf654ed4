package m2m

import (
	"testing"

	"github.com/dataplicity/agent/internal/protocol"
)

func TestDispatcherRoutesToHandler(t *testing.T) {
	d := NewDispatcher()

	var got *protocol.Packet
	d.Register(protocol.TypePing, func(pkt *protocol.Packet) { got = pkt })

	pkt := protocol.MustNew(protocol.TypePing, []byte("x"))
	d.Dispatch(pkt)

	if got != pkt {
		t.Fatal("handler did not receive the packet")
	}
}

func TestDispatcherDropsUnknownType(t *testing.T) {
	d := NewDispatcher()
	// Must not panic or block.
	d.Dispatch(protocol.MustNew(protocol.TypePong, []byte("x")))
}

func TestDispatcherRecoversHandlerPanic(t *testing.T) {
	d := NewDispatcher()
	d.Register(protocol.TypePing, func(*protocol.Packet) { panic("handler bug") })

	d.Dispatch(protocol.MustNew(protocol.TypePing, []byte("x"))) // must not panic

	// The dispatcher remains usable afterwards.
	called := false
	d.Register(protocol.TypeWelcome, func(*protocol.Packet) { called = true })
	d.Dispatch(protocol.MustNew(protocol.TypeWelcome))
	if !called {
		t.Fatal("dispatcher stopped working after a handler panic")
	}
}
