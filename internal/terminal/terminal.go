// Package terminal spawns configured shell commands inside pseudo-terminals
// and bridges them to m2m channels, giving operators an interactive shell
// on the device.
package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/dataplicity/agent/internal/logx"
)

// Channel is the m2m channel surface the terminal service needs.
type Channel interface {
	Write(data []byte) error
	SetCallbacks(onData func([]byte), onClose func(), onControl func([]byte))
	Close()
}

// DefaultSize is the PTY window size used when the instruction carries none.
var DefaultSize = [2]int{80, 24}

// Terminal is a named local command that can be launched on demand into a
// PTY and attached to a channel. A terminal may be launched any number of
// times concurrently; each launch yields an independent child process.
type Terminal struct {
	name    string
	command string
	user    string
	group   string

	mu        sync.Mutex
	processes []*RemoteProcess
}

// New creates a terminal definition. user and group are optional; when set,
// the child drops to those credentials.
func New(name, command, userName, groupName string) *Terminal {
	return &Terminal{
		name:    name,
		command: command,
		user:    userName,
		group:   groupName,
	}
}

// Name returns the configured terminal name.
func (t *Terminal) Name() string { return t.name }

// Launch spawns the command in a fresh PTY sized to size (width, height)
// and attaches it to the channel. On failure the channel is closed so the
// peer observes EOF.
func (t *Terminal) Launch(channel Channel, size []int) error {
	t.pruneClosed()

	width, height := DefaultSize[0], DefaultSize[1]
	if len(size) == 2 && size[0] > 0 && size[1] > 0 {
		width, height = size[0], size[1]
	}

	process, err := startProcess(t.command, t.user, t.group, channel, width, height)
	if err != nil {
		logx.Error("error launching terminal '%s' (%s): %v", t.name, t.command, err)
		channel.Close()
		return err
	}

	t.mu.Lock()
	t.processes = append(t.processes, process)
	t.mu.Unlock()

	logx.Info("launched terminal '%s' (%s) pid %d", t.name, t.command, process.Pid())
	return nil
}

// pruneClosed drops exited processes from the list.
func (t *Terminal) pruneClosed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	live := t.processes[:0]
	for _, p := range t.processes {
		if !p.IsClosed() {
			live = append(live, p)
		}
	}
	t.processes = live
}

// LiveProcesses returns the number of children still running.
func (t *Terminal) LiveProcesses() int {
	t.pruneClosed()
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.processes)
}

// Close kills every live child and waits for each to be reaped. Idempotent.
func (t *Terminal) Close() {
	t.mu.Lock()
	processes := t.processes
	t.processes = nil
	t.mu.Unlock()

	for _, p := range processes {
		if !p.IsClosed() {
			logx.Debug("closing terminal '%s' pid %d", t.name, p.Pid())
			p.Close()
		}
	}
}

// ---------------------------------------------------------------------------
// RemoteProcess
// ---------------------------------------------------------------------------

// RemoteProcess is one child process bridged to a channel: PTY output is
// written to the channel, channel data is written to the PTY, and closing
// either side tears down the other.
type RemoteProcess struct {
	channel Channel
	cmd     *exec.Cmd
	ptmx    *os.File

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// startProcess spawns the command inside a new PTY and wires the channel.
func startProcess(command, userName, groupName string, channel Channel, width, height int) (*RemoteProcess, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty terminal command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm")

	if userName != "" || groupName != "" {
		cred, err := lookupCredential(userName, groupName)
		if err != nil {
			return nil, err
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(width),
		Rows: uint16(height),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start '%s' in a pty: %w", command, err)
	}

	p := &RemoteProcess{
		channel: channel,
		cmd:     cmd,
		ptmx:    ptmx,
	}
	channel.SetCallbacks(p.onChannelData, p.onChannelClose, nil)
	go p.pump()
	return p, nil
}

// Pid returns the child's process id.
func (p *RemoteProcess) Pid() int {
	return p.cmd.Process.Pid
}

// IsClosed reports whether the child has been torn down.
func (p *RemoteProcess) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// pump copies PTY output to the channel until the child exits or the
// channel rejects a write. On Linux the PTY master reads EIO once the
// child side is gone, which ends the loop.
func (p *RemoteProcess) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			if werr := p.channel.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	p.channel.Close()
	p.Close()
}

// onChannelData writes inbound channel bytes into the PTY (the child's
// stdin). Runs on the client's read loop.
func (p *RemoteProcess) onChannelData(data []byte) {
	if _, err := p.ptmx.Write(data); err != nil {
		logx.Debug("pty write failed: %v", err)
		p.channel.Close()
	}
}

// onChannelClose tears the child down when the peer closes the channel.
func (p *RemoteProcess) onChannelClose() {
	p.Close()
}

// Close kills the child with SIGKILL, waits for it to be reaped and
// releases the PTY. Idempotent.
func (p *RemoteProcess) Close() {
	p.closeOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
		p.ptmx.Close()

		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		logx.Debug("terminal process pid %d reaped", p.Pid())
	})
}

// lookupCredential resolves optional user/group names to ids for the child.
func lookupCredential(userName, groupName string) (*syscall.Credential, error) {
	uid := os.Getuid()
	gid := os.Getgid()

	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return nil, fmt.Errorf("unknown user '%s': %w", userName, err)
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return nil, fmt.Errorf("bad uid for user '%s': %w", userName, err)
		}
		gid, err = strconv.Atoi(u.Gid)
		if err != nil {
			return nil, fmt.Errorf("bad gid for user '%s': %w", userName, err)
		}
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return nil, fmt.Errorf("unknown group '%s': %w", groupName, err)
		}
		parsed, err := strconv.Atoi(g.Gid)
		if err != nil {
			return nil, fmt.Errorf("bad gid for group '%s': %w", groupName, err)
		}
		gid = parsed
	}

	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
