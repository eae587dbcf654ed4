// Package inputdevice defines the seam to the input-device subsystem that
// handles open-keyboard and open-buttons channels. The real implementation
// (GPIO, event devices) lives outside the core.
package inputdevice

import "github.com/dataplicity/agent/internal/logx"

// Channel is the m2m channel surface handed to the subsystem.
type Channel interface {
	Write(data []byte) error
	SetCallbacks(onData func([]byte), onClose func(), onControl func([]byte))
	Close()
}

// Router receives input-device channels opened by the control plane and
// decodes its own protocol on them.
type Router interface {
	OpenKeyboard(name string, channel Channel)
	OpenButtons(name string, channel Channel)
}

// NopRouter closes input-device channels immediately: a device without the
// subsystem has nothing to attach, and the peer observes EOF.
type NopRouter struct{}

func (NopRouter) OpenKeyboard(name string, channel Channel) {
	logx.Warn("no input-device subsystem for keyboard '%s'", name)
	channel.Close()
}

func (NopRouter) OpenButtons(name string, channel Channel) {
	logx.Warn("no input-device subsystem for buttons '%s'", name)
	channel.Close()
}
