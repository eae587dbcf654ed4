// Package echo implements the channel echo service: whatever arrives on
// the channel is written straight back to the peer. The broker uses it to
// measure round trips through a node.
package echo

import (
	"github.com/dataplicity/agent/internal/logx"
)

// Channel is the m2m channel surface the echo service needs.
type Channel interface {
	Write(data []byte) error
	SetCallbacks(onData func([]byte), onClose func(), onControl func([]byte))
	Close()
}

// Service mirrors channel data back unchanged. Its lifetime is the
// channel's: when the channel closes, the service has nothing left to do.
type Service struct {
	channel Channel
}

// Attach installs an echo loop on the channel.
func Attach(channel Channel) *Service {
	s := &Service{channel: channel}
	channel.SetCallbacks(s.onData, nil, nil)
	return s
}

func (s *Service) onData(data []byte) {
	if err := s.channel.Write(data); err != nil {
		logx.Debug("echo write failed: %v", err)
	}
}
