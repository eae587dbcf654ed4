// Package portforward bridges m2m channels to local TCP services, so the
// control plane can reach e.g. a web UI running on the device.
package portforward

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dataplicity/agent/internal/logx"
)

const (
	// bufferSize is the number of bytes read from the socket at a time.
	bufferSize = 8 * 1024

	// pollTimeout bounds each socket read so the worker can observe the
	// manager's close signal.
	pollTimeout = 5 * time.Second
)

// Channel is the m2m channel surface the port-forward service needs.
type Channel interface {
	Write(data []byte) error
	SetCallbacks(onData func([]byte), onClose func(), onControl func([]byte))
	Close()
}

// Service is one configured forward target. Multiple simultaneous
// connections per service are supported, distinguished by connection id.
type Service struct {
	name string
	host string
	port int

	closeSignal <-chan struct{}

	mu           sync.Mutex
	connectIndex int
	connections  map[int]*Connection
}

// NewService creates a service forwarding to host:port. closeSignal is the
// manager's master cancel; all connection workers observe it.
func NewService(name, host string, port int, closeSignal <-chan struct{}) *Service {
	return &Service{
		name:        name,
		host:        host,
		port:        port,
		closeSignal: closeSignal,
		connections: make(map[int]*Connection),
	}
}

// Name returns the configured service name.
func (s *Service) Name() string { return s.name }

// Addr returns the forward target as host:port.
func (s *Service) Addr() string {
	return net.JoinHostPort(s.host, fmt.Sprint(s.port))
}

// Connect attaches a new connection to the channel and starts its worker.
// Returns the connection id.
func (s *Service) Connect(channel Channel) int {
	s.mu.Lock()
	s.connectIndex++
	id := s.connectIndex
	conn := &Connection{
		service: s,
		id:      id,
		channel: channel,
	}
	s.connections[id] = conn
	s.mu.Unlock()

	channel.SetCallbacks(conn.onChannelData, conn.onChannelClose, conn.onChannelControl)
	go conn.run()

	logx.Debug("new '%s' connection %d to %s", s.name, id, s.Addr())
	return id
}

// Connections returns the number of live connections.
func (s *Service) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// remove deregisters a finished connection.
func (s *Service) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
}

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

// Connection is one remote-controlled TCP connection. Bytes arriving on the
// channel before the dial completes are queued in the pre-connect buffer
// and flushed in order immediately after connect, so the peer can start
// talking without waiting for the dial.
type Connection struct {
	service *Service
	id      int
	channel Channel

	mu            sync.Mutex
	sock          net.Conn
	preconnect    [][]byte
	channelClosed bool
}

// run dials the target and pumps socket data to the channel until EOF,
// error or shutdown. It owns the connection's cleanup.
func (c *Connection) run() {
	defer func() {
		c.channel.Close()
		c.mu.Lock()
		sock := c.sock
		c.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		c.service.remove(c.id)
		logx.Debug("'%s' connection %d finished", c.service.name, c.id)
	}()

	addr := c.service.Addr()
	sock, err := net.Dial("tcp", addr)
	if err != nil {
		logx.Warn("'%s' connection %d: dial %s failed: %v", c.service.name, c.id, addr, err)
		return
	}

	c.mu.Lock()
	if c.channelClosed {
		c.mu.Unlock()
		sock.Close()
		return
	}
	c.sock = sock
	flushErr := c.flushLocked()
	c.mu.Unlock()
	if flushErr != nil {
		return
	}
	logx.Debug("'%s' connection %d connected to %s", c.service.name, c.id, addr)

	buf := make([]byte, bufferSize)
	for {
		select {
		case <-c.service.closeSignal:
			return
		default:
		}

		sock.SetReadDeadline(time.Now().Add(pollTimeout))
		n, err := sock.Read(buf)
		if n > 0 {
			if werr := c.channel.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logx.Debug("'%s' connection %d: recv error: %v", c.service.name, c.id, err)
			}
			return
		}
	}
}

// onChannelData queues inbound channel bytes and flushes them to the
// socket once it exists. Appending before flushing guarantees FIFO
// delivery across the pre-connect boundary.
func (c *Connection) onChannelData(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preconnect = append(c.preconnect, data)
	if c.sock != nil {
		c.flushLocked()
	}
}

// flushLocked writes all queued bytes to the socket in arrival order.
// Caller holds c.mu and guarantees c.sock is non-nil.
func (c *Connection) flushLocked() error {
	for len(c.preconnect) > 0 {
		data := c.preconnect[0]
		c.preconnect = c.preconnect[1:]
		if _, err := c.sock.Write(data); err != nil {
			logx.Debug("'%s' connection %d: send error: %v", c.service.name, c.id, err)
			c.sock.Close()
			return err
		}
	}
	return nil
}

// onChannelClose closes the socket, which unblocks the worker's read loop
// and lets run's cleanup finish the teardown.
func (c *Connection) onChannelClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelClosed = true
	if c.sock != nil {
		c.sock.Close()
	}
}

func (c *Connection) onChannelControl(data []byte) {
	logx.Debug("'%s' connection %d: control %q", c.service.name, c.id, data)
}
