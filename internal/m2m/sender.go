package m2m

import (
	"github.com/gorilla/websocket"

	"github.com/dataplicity/agent/internal/logx"
)

// sendBufferSize is the outgoing frame channel capacity.
const sendBufferSize = 64

// sender is a goroutine-based frame writer that serializes all writes to a
// single WebSocket connection, so one binary frame never interleaves with
// another.
type sender struct {
	inbox chan []byte
}

// newSender starts the background write loop. The loop exits when done is
// closed or a write fails; onError is invoked on write failure.
func newSender(conn *websocket.Conn, done <-chan struct{}, onError func(error)) *sender {
	s := &sender{
		inbox: make(chan []byte, sendBufferSize),
	}
	go s.loop(conn, done, onError)
	return s
}

// loop is the single-writer goroutine.
func (s *sender) loop(conn *websocket.Conn, done <-chan struct{}, onError func(error)) {
	for {
		select {
		case frame := <-s.inbox:
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				logx.Debug("websocket write failed: %v", err)
				onError(err)
				return
			}
		case <-done:
			return
		}
	}
}

// send enqueues an encoded frame for transmission. It blocks if the
// internal buffer is full and returns false when done closes first.
func (s *sender) send(frame []byte, done <-chan struct{}) bool {
	select {
	case s.inbox <- frame:
		return true
	case <-done:
		return false
	}
}
