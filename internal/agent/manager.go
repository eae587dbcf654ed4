// Package agent wires the m2m link to the device's services: it owns the
// auto-connect supervisor, the configured terminals and port-forward
// services, and routes control-plane instructions to them.
package agent

import (
	"os/exec"
	"sync"

	"github.com/dataplicity/agent/internal/config"
	"github.com/dataplicity/agent/internal/controlplane"
	"github.com/dataplicity/agent/internal/echo"
	"github.com/dataplicity/agent/internal/inputdevice"
	"github.com/dataplicity/agent/internal/logx"
	"github.com/dataplicity/agent/internal/m2m"
	"github.com/dataplicity/agent/internal/portforward"
	"github.com/dataplicity/agent/internal/terminal"
)

// rebootCommand is forked, not waited on, so the instruction handler
// returns before the system goes down.
var rebootCommand = []string{"/usr/bin/sudo", "/sbin/reboot"}

// Manager owns the supervisor, the terminals map and the services map, and
// is the sink for identity transitions and instructions.
type Manager struct {
	rpc   controlplane.RPCClient
	input inputdevice.Router

	terminals map[string]*terminal.Terminal
	services  map[string]*portforward.Service

	auto *m2m.AutoConnect

	mu               sync.Mutex
	identity         string
	notifiedIdentity string

	closeSignal chan struct{}
	closeOnce   sync.Once
}

// New builds a manager from configuration. Call Start to bring the link up.
func New(cfg *config.Config, rpc controlplane.RPCClient, input inputdevice.Router) *Manager {
	m := &Manager{
		rpc:         rpc,
		input:       input,
		terminals:   make(map[string]*terminal.Terminal),
		services:    make(map[string]*portforward.Service),
		closeSignal: make(chan struct{}),
	}

	for _, tc := range cfg.Terminals {
		m.terminals[tc.Name] = terminal.New(tc.Name, tc.Command, tc.User, tc.Group)
		logx.Debug("added terminal '%s' (%s)", tc.Name, tc.Command)
	}
	for _, pc := range cfg.PortForwards {
		m.services[pc.Name] = portforward.NewService(pc.Name, "127.0.0.1", pc.Port, m.closeSignal)
		logx.Debug("added port forward service '%s' on port %d", pc.Name, pc.Port)
	}

	m.auto = m2m.NewAutoConnect(cfg.M2M.URL, cfg.M2M.Identity, cfg.M2M.VerifyTLS, m, m)
	return m
}

// Start brings up the auto-connect supervisor.
func (m *Manager) Start() {
	m.auto.Start()
}

// Close is the master cancel: it stops all workers, kills live terminal
// children and shuts the link down. Idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closeSignal)
		for _, t := range m.terminals {
			t.Close()
		}
		m.auto.Close()
	})
}

// Identity returns the current broker identity, or "" while disconnected.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// SetIdentity records an identity transition from the supervisor and tells
// the control plane about new identities exactly once per change.
func (m *Manager) SetIdentity(identity string) {
	m.mu.Lock()
	m.identity = identity
	notify := identity != "" && identity != m.notifiedIdentity
	if notify {
		m.notifiedIdentity = identity
	}
	m.mu.Unlock()

	if notify {
		logx.Info("node identity is %s", identity)
		m.rpc.NotifyIdentity(identity)
	}
}

// OnSync piggybacks the current association on the next outbound RPC
// batch. Duplicate notifications are tolerated by the control plane.
func (m *Manager) OnSync(batch controlplane.Batch) {
	if identity := m.Identity(); identity != "" {
		batch.Notify("m2m.associate", map[string]interface{}{"identity": identity})
	}
}

// OnClientClose is called when the WS connection shuts down; any terminal
// attached to its channels is dead, so the children are reaped.
func (m *Manager) OnClientClose() {
	for _, t := range m.terminals {
		t.Close()
	}
}

// OnInstruction routes one instruction from the control plane. It runs on
// the WS read loop and must not block beyond scheduling a worker.
func (m *Manager) OnInstruction(sender []byte, data map[string]interface{}) {
	in, err := parseInstruction(data)
	if err != nil {
		logx.Warn("bad instruction from %s: %v", sender, err)
		return
	}

	switch in.action {
	case actionSync:
		m.rpc.SyncNow()

	case actionOpenTerminal:
		m.openTerminal(in.name, in.port, in.size)

	case actionOpenKeyboard:
		if ch := m.getChannel(in.port); ch != nil {
			m.input.OpenKeyboard(in.name, ch)
		}

	case actionOpenButtons:
		if ch := m.getChannel(in.port); ch != nil {
			m.input.OpenButtons(in.name, ch)
		}

	case actionOpenEcho:
		if ch := m.getChannel(in.port); ch != nil {
			logx.Debug("opening echo service on channel %d", in.port)
			echo.Attach(ch)
		}

	case actionOpenPortForward:
		m.openPortForward(in.service, in.port)

	case actionRebootDevice:
		m.reboot()

	default:
		logx.Warn("unknown instruction action '%s', ignoring", in.raw)
	}
}

// getChannel fetches a channel from the current WS client. It returns nil
// only before the supervisor has created its first client; a client whose
// link is down still hands out channels.
func (m *Manager) getChannel(port int) *m2m.Channel {
	client := m.auto.Client()
	if client == nil {
		logx.Warn("no connection, dropping channel %d open", port)
		return nil
	}
	return client.GetChannel(port)
}

func (m *Manager) openTerminal(name string, port int, size []int) {
	term, ok := m.terminals[name]
	if !ok {
		logx.Warn("no terminal called '%s'", name)
		return
	}
	ch := m.getChannel(port)
	if ch == nil {
		return
	}
	// Spawning involves fork/exec; keep it off the read loop. Bytes
	// arriving before the PTY attaches are buffered by the channel.
	go term.Launch(ch, size)
}

func (m *Manager) openPortForward(service string, port int) {
	svc, ok := m.services[service]
	if !ok {
		logx.Warn("no port forward service called '%s'", service)
		return
	}
	ch := m.getChannel(port)
	if ch == nil {
		return
	}
	svc.Connect(ch)
}

// reboot forks the reboot command and returns immediately; waiting would
// block the read loop and prevent a graceful exit.
func (m *Manager) reboot() {
	logx.Info("reboot requested")
	cmd := exec.Command(rebootCommand[0], rebootCommand[1:]...)
	if err := cmd.Start(); err != nil {
		logx.Error("failed to start reboot: %v", err)
		return
	}
	logx.Debug("opened reboot process %d", cmd.Process.Pid)
	go cmd.Wait()
}
