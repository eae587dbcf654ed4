// Package m2m implements the client side of the M2M broker link: one
// WebSocket connection carrying bencode-framed packets, a table of numbered
// channels multiplexed inside it, and a supervisor that keeps the link alive
// across disconnects.
package m2m

import (
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dataplicity/agent/internal/logx"
	"github.com/dataplicity/agent/internal/protocol"
)

// Errors returned by the client send path.
var (
	ErrClientClosed = errors.New("client is closed")
	ErrNotConnected = errors.New("client is not connected")
)

const (
	// handshakeTimeout bounds the WebSocket dial + upgrade.
	handshakeTimeout = 10 * time.Second

	// maxPongEcho caps the payload echoed back in a pong, so a large ping
	// cannot be used for amplification.
	maxPongEcho = 1024
)

// InstructionHandler is the sink for packets that belong to the application
// rather than the link: instructions from the control plane, and the final
// connection-closed notification.
type InstructionHandler interface {
	// OnInstruction is called on the read loop for every instruction
	// packet. Implementations must not block beyond scheduling a worker.
	OnInstruction(sender []byte, data map[string]interface{})

	// OnClientClose is called once when the connection shuts down.
	OnClientClose()
}

// Client owns exactly one WebSocket connection to the broker. It performs
// the join/identify handshake, runs the read loop, maintains the channel
// table and serializes outgoing frames.
//
// A Client connects in the background; use WaitReady to wait for the
// welcome packet. A Client never reconnects — the AutoConnect supervisor
// replaces closed clients with fresh ones.
type Client struct {
	url       string
	verifyTLS bool
	handler   InstructionHandler

	dispatcher *Dispatcher

	mu       sync.Mutex
	conn     *websocket.Conn
	sender   *sender
	identity string
	channels map[int]*Channel
	pending  map[int]func(map[string]interface{})

	readySignal chan struct{}
	readyOnce   sync.Once
	closeSignal chan struct{}
	closeOnce   sync.Once
}

// NewClient creates a client and starts connecting to url in the
// background. identity is the UUID from a previous connection, or empty to
// join as a new node. handler may be nil when no instruction routing is
// needed (tests, tools).
func NewClient(url, identity string, verifyTLS bool, handler InstructionHandler) *Client {
	c := &Client{
		url:         url,
		verifyTLS:   verifyTLS,
		handler:     handler,
		identity:    identity,
		channels:    make(map[int]*Channel),
		pending:     make(map[int]func(map[string]interface{})),
		readySignal: make(chan struct{}),
		closeSignal: make(chan struct{}),
	}

	d := NewDispatcher()
	d.Register(protocol.TypeSetIdentity, c.handleSetIdentity)
	d.Register(protocol.TypeWelcome, c.handleWelcome)
	d.Register(protocol.TypeLog, c.handleLog)
	d.Register(protocol.TypeRoute, c.handleRoute)
	d.Register(protocol.TypePing, c.handlePing)
	d.Register(protocol.TypePong, func(*protocol.Packet) {})
	d.Register(protocol.TypeKeepAlive, func(*protocol.Packet) {})
	d.Register(protocol.TypeNotifyOpen, c.handleNotifyOpen)
	d.Register(protocol.TypeNotifyClose, c.handleNotifyClose)
	d.Register(protocol.TypeInstruction, c.handleInstruction)
	d.Register(protocol.TypeResponse, c.handleResponse)
	c.dispatcher = d

	go c.run()
	return c
}

// run dials the broker, performs the join handshake and then becomes the
// read loop. It exits, shutting the client down, when the socket closes.
func (c *Client) run() {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	if !c.verifyTLS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	logx.Debug("connecting to %s", c.url)
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		logx.Warn("failed to connect to %s: %v", c.url, err)
		c.shutdown()
		return
	}

	c.mu.Lock()
	identity := c.identity
	c.conn = conn
	c.sender = newSender(conn, c.closeSignal, func(error) { c.shutdown() })
	c.mu.Unlock()

	logx.Stats.AddConnect()

	// Join handshake: a saved identity is re-presented so the broker keeps
	// routing to the same node; otherwise request a fresh one.
	if identity == "" {
		err = c.Send(protocol.TypeJoin)
	} else {
		err = c.Send(protocol.TypeIdentify, []byte(identity))
	}
	if err != nil {
		logx.Warn("join handshake failed: %v", err)
		c.shutdown()
		return
	}

	c.readLoop(conn)
}

// readLoop decodes and dispatches inbound frames until the socket closes.
// Malformed frames are logged and dropped; the connection survives them.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			logx.Debug("connection closed: %v", err)
			break
		}
		pkt, err := protocol.Decode(frame)
		if err != nil {
			logx.Error("dropping packet: %v", err)
			continue
		}
		if !pkt.Type.Quiet() {
			logx.Debug("received %s", pkt)
		}
		c.dispatcher.Dispatch(pkt)
	}
	c.shutdown()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// WaitReady blocks until the welcome packet arrives or timeout expires, and
// returns the broker-assigned identity. It returns "" on timeout or when
// the connection closed before becoming ready.
func (c *Client) WaitReady(timeout time.Duration) string {
	select {
	case <-c.readySignal:
	case <-time.After(timeout):
		return ""
	}
	if c.IsClosed() {
		return ""
	}
	return c.Identity()
}

// Identity returns the current broker-assigned identity, or "" when none
// has been assigned.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// IsClosed reports whether the connection has shut down.
func (c *Client) IsClosed() bool {
	select {
	case <-c.closeSignal:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the connection shuts down.
func (c *Client) Done() <-chan struct{} {
	return c.closeSignal
}

// Close politely leaves the broker: it sends leave-req, waits up to timeout
// for the server to close the socket, then forces a local close. Pending
// command callbacks are invoked with a nil result so waiters unblock.
func (c *Client) Close(timeout time.Duration) {
	if !c.IsClosed() {
		_ = c.Send(protocol.TypeLeave)
		select {
		case <-c.closeSignal:
		case <-time.After(timeout):
		}
	}
	c.mu.Lock()
	c.identity = ""
	c.mu.Unlock()
	c.shutdown()
}

// shutdown forces the connection down. Idempotent; safe from any goroutine.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closeSignal)
		c.readyOnce.Do(func() { close(c.readySignal) })

		c.mu.Lock()
		conn := c.conn
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		for _, fn := range pending {
			fn(nil)
		}
		if c.handler != nil {
			c.handler.OnClientClose()
		}
	})
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send validates, encodes and enqueues a packet. Frames are serialized by a
// single writer goroutine so they never interleave.
func (c *Client) Send(t protocol.Type, attrs ...interface{}) error {
	pkt, err := protocol.New(t, attrs...)
	if err != nil {
		return err
	}
	return c.SendPacket(pkt)
}

// SendPacket enqueues an already-built packet.
func (c *Client) SendPacket(pkt *protocol.Packet) error {
	if c.IsClosed() {
		return ErrClientClosed
	}
	frame, err := pkt.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	s := c.sender
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}

	if !pkt.Type.Quiet() {
		logx.Debug("sending %s", pkt)
	}
	if !s.send(frame, c.closeSignal) {
		return ErrClientClosed
	}
	return nil
}

// RegisterResponse installs fn to be invoked with the result of the
// response packet carrying commandID. fn receives nil when the connection
// closes first.
func (c *Client) RegisterResponse(commandID int, fn func(map[string]interface{})) {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		fn(nil)
		return
	}
	c.pending[commandID] = fn
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Channel table
// ---------------------------------------------------------------------------

// GetChannel returns the channel with the given number, creating it if this
// is the first reference.
func (c *Client) GetChannel(number int) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[number]
	if !ok {
		ch = newChannel(c, number)
		c.channels[number] = ch
		logx.Stats.AddChannel()
	}
	return ch
}

// HasChannel reports whether a channel number is currently in the table.
func (c *Client) HasChannel(number int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[number]
	return ok
}

// dropChannel removes a closed channel from the table. Called by
// Channel.Close; the number may be reused by the broker afterwards.
func (c *Client) dropChannel(number int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[number]; ok {
		delete(c.channels, number)
		logx.Stats.RemoveChannel()
	}
}

// ---------------------------------------------------------------------------
// Packet handlers
// ---------------------------------------------------------------------------

func (c *Client) handleSetIdentity(pkt *protocol.Packet) {
	identity := string(pkt.Bytes(0))
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	logx.Debug("broker assigned identity %s", identity)
}

func (c *Client) handleWelcome(*protocol.Packet) {
	c.readyOnce.Do(func() { close(c.readySignal) })
}

func (c *Client) handleLog(pkt *protocol.Packet) {
	logx.Info("broker: %s", pkt.Bytes(0))
}

func (c *Client) handleRoute(pkt *protocol.Packet) {
	data := pkt.Bytes(1)
	logx.Stats.AddRecv(len(data))
	c.GetChannel(int(pkt.Int(0))).deliver(data)
}

func (c *Client) handlePing(pkt *protocol.Packet) {
	data := pkt.Bytes(0)
	if len(data) > maxPongEcho {
		data = data[:maxPongEcho]
	}
	if err := c.Send(protocol.TypePong, data); err != nil {
		logx.Debug("failed to answer ping: %v", err)
	}
}

func (c *Client) handleNotifyOpen(pkt *protocol.Packet) {
	number := int(pkt.Int(0))
	c.GetChannel(number)
	logx.Debug("channel %d opened", number)
}

func (c *Client) handleNotifyClose(pkt *protocol.Packet) {
	number := int(pkt.Int(0))
	c.mu.Lock()
	ch := c.channels[number]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	logx.Debug("channel %d closed by broker", number)
	ch.Close()
}

func (c *Client) handleInstruction(pkt *protocol.Packet) {
	if c.handler == nil {
		logx.Debug("no instruction handler installed, dropping instruction")
		return
	}
	c.handler.OnInstruction(pkt.Bytes(0), pkt.Map(1))
}

func (c *Client) handleResponse(pkt *protocol.Packet) {
	commandID := int(pkt.Int(0))
	c.mu.Lock()
	fn := c.pending[commandID]
	delete(c.pending, commandID)
	c.mu.Unlock()
	if fn == nil {
		logx.Debug("response for unknown command %d", commandID)
		return
	}
	fn(pkt.Map(1))
}
