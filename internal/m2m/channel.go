package m2m

import (
	"errors"
	"sync"
	"time"

	"github.com/dataplicity/agent/internal/logx"
	"github.com/dataplicity/agent/internal/protocol"
)

// ErrChannelClosed is returned by Write after the channel has been closed
// by either side.
var ErrChannelClosed = errors.New("channel is closed")

// Channel is one logical bidirectional byte stream inside the WebSocket
// link. The broker picks the channel number when it opens one; local code
// obtains the same Channel through Client.GetChannel.
//
// Inbound bytes are buffered in a FIFO until a data callback is installed
// with SetCallbacks, after which they are delivered directly on the read
// loop's goroutine. The back-reference to the owning client is non-owning:
// a channel never keeps its client alive.
type Channel struct {
	client *Client
	number int

	mu        sync.Mutex
	closed    bool
	fifo      [][]byte
	dataAvail chan struct{}
	onData    func([]byte)
	onClose   func()
	onControl func([]byte)

	// deliverMu serializes inbound delivery with the backlog handoff in
	// SetCallbacks: a route arriving on the read loop cannot overtake
	// older buffered bytes still being drained into a freshly installed
	// callback. Callbacks run under deliverMu but never under mu, so a
	// callback is free to call Write.
	deliverMu sync.Mutex
}

func newChannel(client *Client, number int) *Channel {
	return &Channel{
		client:    client,
		number:    number,
		dataAvail: make(chan struct{}, 1),
	}
}

// Number returns the broker-assigned channel number.
func (c *Channel) Number() int { return c.number }

// Write enqueues the data as a send-req on the owning client.
func (c *Channel) Write(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if err := c.client.Send(protocol.TypeSend, c.number, data); err != nil {
		return err
	}
	logx.Stats.AddSent(len(data))
	return nil
}

// Read returns up to count bytes from the inbound FIFO. If block is set and
// the FIFO is empty, it waits up to timeout for data; on timeout it returns
// nil. Partial reads are allowed; leftover bytes remain at the head of the
// FIFO for the next read.
func (c *Channel) Read(count int, timeout time.Duration, block bool) []byte {
	if block {
		c.mu.Lock()
		empty := len(c.fifo) == 0 && !c.closed
		c.mu.Unlock()
		if empty {
			select {
			case <-c.dataAvail:
			case <-time.After(timeout):
				return nil
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []byte
	remaining := count
	for len(c.fifo) > 0 && remaining > 0 {
		head := c.fifo[0]
		n := min(remaining, len(head))
		out = append(out, head[:n]...)
		remaining -= n
		if n == len(head) {
			c.fifo = c.fifo[1:]
		} else {
			c.fifo[0] = head[n:]
		}
	}
	if len(c.fifo) > 0 {
		c.signalLocked()
	}
	return out
}

// Buffered returns the number of inbound bytes waiting in the FIFO.
func (c *Channel) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, chunk := range c.fifo {
		total += len(chunk)
	}
	return total
}

// SetCallbacks atomically replaces the channel's callbacks. Data already
// buffered in the FIFO is handed to the new data callback in order, so no
// bytes are lost when a consumer attaches after the broker started sending.
func (c *Channel) SetCallbacks(onData func([]byte), onClose func(), onControl func([]byte)) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	c.onData = onData
	c.onClose = onClose
	c.onControl = onControl
	var backlog [][]byte
	if onData != nil && len(c.fifo) > 0 {
		backlog = c.fifo
		c.fifo = nil
	}
	c.mu.Unlock()

	for _, data := range backlog {
		c.callback(onData, data)
	}
}

// Close marks the channel closed and fires the close callback at most once.
// Subsequent writes fail; subsequent reads drain already-buffered data and
// then return nothing. Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	onClose := c.onClose
	c.signalLocked()
	c.mu.Unlock()

	if c.client != nil {
		c.client.dropChannel(c.number)
	}
	if onClose != nil {
		defer func() {
			if r := recover(); r != nil {
				logx.Error("channel %d close callback panic: %v", c.number, r)
			}
		}()
		onClose()
	}
}

// deliver hands inbound bytes from a route packet to the consumer, either
// through the data callback or the FIFO. It runs on the client's read loop,
// which preserves per-channel ordering.
func (c *Channel) deliver(data []byte) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	onData := c.onData
	if onData == nil {
		c.fifo = append(c.fifo, data)
		c.signalLocked()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.callback(onData, data)
}

// control hands a control message to the control callback, if installed.
func (c *Channel) control(data []byte) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	onControl := c.onControl
	c.mu.Unlock()
	if onControl != nil {
		c.callback(onControl, data)
	}
}

// callback invokes a user callback, recovering panics so a faulty consumer
// cannot take down the read loop.
func (c *Channel) callback(fn func([]byte), data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logx.Error("channel %d callback panic: %v", c.number, r)
		}
	}()
	fn(data)
}

func (c *Channel) signalLocked() {
	select {
	case c.dataAvail <- struct{}{}:
	default: // already signalled
	}
}
