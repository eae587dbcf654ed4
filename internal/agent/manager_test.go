package agent

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dataplicity/agent/internal/config"
	"github.com/dataplicity/agent/internal/inputdevice"
	"github.com/dataplicity/agent/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeRPC struct {
	mu         sync.Mutex
	identities []string
	syncs      int
}

func (f *fakeRPC) NotifyIdentity(identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities = append(f.identities, identity)
}

func (f *fakeRPC) SyncNow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
}

func (f *fakeRPC) DeviceClass() string { return "test" }
func (f *fakeRPC) Serial() string      { return "serial" }
func (f *fakeRPC) AuthToken() string   { return "token" }

func (f *fakeRPC) notified() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.identities...)
}

func (f *fakeRPC) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

type fakeBatch struct {
	methods []string
	kwargs  []map[string]interface{}
}

func (f *fakeBatch) Notify(method string, kwargs map[string]interface{}) {
	f.methods = append(f.methods, method)
	f.kwargs = append(f.kwargs, kwargs)
}

// ---------------------------------------------------------------------------
// Identity bookkeeping
// ---------------------------------------------------------------------------

func newTestManager(t *testing.T, raw string, rpc *fakeRPC) *Manager {
	t.Helper()
	cfg, err := config.LoadBytes([]byte(raw))
	require.NoError(t, err)
	return New(cfg, rpc, inputdevice.NopRouter{})
}

func TestSetIdentityNotifiesOncePerChange(t *testing.T) {
	rpc := &fakeRPC{}
	m := newTestManager(t, "", rpc)

	m.SetIdentity("U1")
	m.SetIdentity("U1")
	m.SetIdentity("") // link dropped
	m.SetIdentity("U1") // same identity re-assigned after reconnect
	m.SetIdentity("U2")

	require.Equal(t, []string{"U1", "U2"}, rpc.notified())
	require.Equal(t, "U2", m.Identity())
}

func TestOnSyncAssociatesIdentity(t *testing.T) {
	rpc := &fakeRPC{}
	m := newTestManager(t, "", rpc)

	batch := &fakeBatch{}
	m.OnSync(batch)
	require.Empty(t, batch.methods, "no association while disconnected")

	m.SetIdentity("U1")
	m.OnSync(batch)
	require.Equal(t, []string{"m2m.associate"}, batch.methods)
	require.Equal(t, map[string]interface{}{"identity": "U1"}, batch.kwargs[0])
}

// ---------------------------------------------------------------------------
// Instruction parsing
// ---------------------------------------------------------------------------

func TestParseInstruction(t *testing.T) {
	testCases := []struct {
		name    string
		data    map[string]interface{}
		want    *instruction
		wantErr bool
	}{
		{
			name: "sync",
			data: map[string]interface{}{"action": "sync"},
			want: &instruction{action: actionSync, raw: "sync"},
		},
		{
			name: "open-terminal with size",
			data: map[string]interface{}{
				"action": "open-terminal", "name": "shell",
				"port": int64(3), "size": []interface{}{int64(80), int64(24)},
			},
			want: &instruction{
				action: actionOpenTerminal, raw: "open-terminal",
				name: "shell", port: 3, size: []int{80, 24},
			},
		},
		{
			name: "open-terminal without size",
			data: map[string]interface{}{"action": "open-terminal", "name": "shell", "port": int64(3)},
			want: &instruction{action: actionOpenTerminal, raw: "open-terminal", name: "shell", port: 3},
		},
		{
			name: "open-portforward uses the route's last element",
			data: map[string]interface{}{
				"action": "open-portforward", "service": "web",
				"route": []interface{}{"n1", int64(1), "n2", int64(9)},
			},
			want: &instruction{action: actionOpenPortForward, raw: "open-portforward", service: "web", port: 9},
		},
		{
			name: "open-echo",
			data: map[string]interface{}{"action": "open-echo", "port": int64(7)},
			want: &instruction{action: actionOpenEcho, raw: "open-echo", port: 7},
		},
		{
			name: "unknown action is tolerated",
			data: map[string]interface{}{"action": "self-destruct"},
			want: &instruction{action: actionUnknown, raw: "self-destruct"},
		},
		{
			name:    "missing action",
			data:    map[string]interface{}{"port": int64(1)},
			wantErr: true,
		},
		{
			name:    "open-terminal missing port",
			data:    map[string]interface{}{"action": "open-terminal", "name": "shell"},
			wantErr: true,
		},
		{
			name:    "open-portforward with short route",
			data:    map[string]interface{}{"action": "open-portforward", "service": "web", "route": []interface{}{int64(9)}},
			wantErr: true,
		},
		{
			name:    "bad size",
			data:    map[string]interface{}{"action": "open-terminal", "name": "s", "port": int64(1), "size": "80x24"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseInstruction(tc.data)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestOnInstructionSync(t *testing.T) {
	rpc := &fakeRPC{}
	m := newTestManager(t, "", rpc)

	m.OnInstruction([]byte("s"), map[string]interface{}{"action": "sync"})
	require.Equal(t, 1, rpc.syncCount())
}

func TestOnInstructionToleratesGarbage(t *testing.T) {
	rpc := &fakeRPC{}
	m := newTestManager(t, "", rpc)

	// None of these may panic.
	m.OnInstruction([]byte("s"), map[string]interface{}{})
	m.OnInstruction([]byte("s"), map[string]interface{}{"action": "frobnicate"})
	m.OnInstruction([]byte("s"), map[string]interface{}{"action": "open-terminal"})
	m.OnInstruction([]byte("s"), map[string]interface{}{"action": "open-portforward", "service": "nope", "route": []interface{}{"a", int64(1), "b", int64(2)}})
}

// ---------------------------------------------------------------------------
// Stub broker scenarios
// ---------------------------------------------------------------------------

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type testBroker struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newTestBroker(t *testing.T) *testBroker {
	b := &testBroker{t: t, conns: make(chan *websocket.Conn, 4)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.conns <- conn
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBroker) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/m2m/"
}

func (b *testBroker) accept(timeout time.Duration) *websocket.Conn {
	b.t.Helper()
	select {
	case conn := <-b.conns:
		return conn
	case <-time.After(timeout):
		b.t.Fatal("timed out waiting for a client connection")
		return nil
	}
}

func (b *testBroker) expect(conn *websocket.Conn, typ protocol.Type) *protocol.Packet {
	b.t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(b.t, err, "reading %s", typ)
	pkt, err := protocol.Decode(frame)
	require.NoError(b.t, err)
	require.Equal(b.t, typ, pkt.Type)
	return pkt
}

func (b *testBroker) send(conn *websocket.Conn, typ protocol.Type, attrs ...interface{}) {
	b.t.Helper()
	frame, err := protocol.MustNew(typ, attrs...).Encode()
	require.NoError(b.t, err)
	require.NoError(b.t, conn.WriteMessage(websocket.BinaryMessage, frame))
}

func (b *testBroker) welcome(conn *websocket.Conn, identity string) {
	b.t.Helper()
	b.expect(conn, protocol.TypeJoin)
	b.send(conn, protocol.TypeSetIdentity, []byte(identity))
	b.send(conn, protocol.TypeWelcome)
}

// drain answers the polite leave so Manager.Close returns promptly.
func (b *testBroker) drain(conn *websocket.Conn) {
	go func() {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if pkt, err := protocol.Decode(frame); err == nil && pkt.Type == protocol.TypeLeave {
				conn.Close()
				return
			}
		}
	}()
}

// readSendReqs accumulates send-req payloads for the given channel until
// the predicate is satisfied.
func (b *testBroker) readSendReqs(conn *websocket.Conn, channel int, deadline time.Duration, done func([]byte) bool) []byte {
	b.t.Helper()
	var collected []byte
	conn.SetReadDeadline(time.Now().Add(deadline))
	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(b.t, err, "waiting for send-req on channel %d (have %q)", channel, collected)
		pkt, err := protocol.Decode(frame)
		require.NoError(b.t, err)
		if pkt.Type != protocol.TypeSend || int(pkt.Int(0)) != channel {
			continue
		}
		collected = append(collected, pkt.Bytes(1)...)
		if done(collected) {
			return collected
		}
	}
}

// TestEchoRoundTrip: the broker opens channel 7 as an echo service and
// routes data to it; the same bytes must come back as a send-req.
func TestEchoRoundTrip(t *testing.T) {
	broker := newTestBroker(t)
	rpc := &fakeRPC{}
	m := newTestManager(t, "[m2m]\nurl = "+broker.url()+"\n", rpc)
	m.Start()

	conn := broker.accept(2 * time.Second)
	broker.welcome(conn, "U1")
	defer func() {
		broker.drain(conn)
		m.Close()
	}()

	broker.send(conn, protocol.TypeInstruction, []byte("op"), map[string]interface{}{
		"action": "open-echo", "port": int64(7),
	})
	broker.send(conn, protocol.TypeNotifyOpen, 7)
	broker.send(conn, protocol.TypeRoute, 7, []byte("hello"))

	got := broker.readSendReqs(conn, 7, time.Second, func(b []byte) bool {
		return bytes.Equal(b, []byte("hello"))
	})
	require.Equal(t, []byte("hello"), got)

	waitFor(t, 2*time.Second, func() bool {
		ids := rpc.notified()
		return len(ids) == 1 && ids[0] == "U1"
	})
}

// TestTerminalOpenTypeClose: the broker opens a /bin/cat terminal on
// channel 3, types into it and then closes the channel; cat echoes and the
// child is reaped.
func TestTerminalOpenTypeClose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("PTY tests require a unix platform")
	}

	broker := newTestBroker(t)
	rpc := &fakeRPC{}
	m := newTestManager(t, `
[m2m]
url = `+broker.url()+`

[terminal:shell]
command = /bin/cat
`, rpc)
	m.Start()

	conn := broker.accept(2 * time.Second)
	broker.welcome(conn, "U1")
	defer func() {
		broker.drain(conn)
		m.Close()
	}()

	broker.send(conn, protocol.TypeInstruction, []byte("op"), map[string]interface{}{
		"action": "open-terminal", "name": "shell",
		"port": int64(3), "size": []interface{}{int64(80), int64(24)},
	})
	broker.send(conn, protocol.TypeRoute, 3, []byte("abc\n"))

	// cat (and the PTY's echo) both write the typed line back.
	got := broker.readSendReqs(conn, 3, 2*time.Second, func(b []byte) bool {
		return bytes.Contains(b, []byte("abc"))
	})
	require.Contains(t, string(got), "abc")

	broker.send(conn, protocol.TypeNotifyClose, 3)
	waitFor(t, 2*time.Second, func() bool {
		return m.terminals["shell"].LiveProcesses() == 0
	})
}

// TestUnknownTerminalIgnored: an open-terminal for an unconfigured name is
// logged and ignored; the link keeps working.
func TestUnknownTerminalIgnored(t *testing.T) {
	broker := newTestBroker(t)
	rpc := &fakeRPC{}
	m := newTestManager(t, "[m2m]\nurl = "+broker.url()+"\n", rpc)
	m.Start()

	conn := broker.accept(2 * time.Second)
	broker.welcome(conn, "U1")
	defer func() {
		broker.drain(conn)
		m.Close()
	}()

	broker.send(conn, protocol.TypeInstruction, []byte("op"), map[string]interface{}{
		"action": "open-terminal", "name": "nope", "port": int64(3),
	})

	// The connection is still healthy: a ping is answered.
	broker.send(conn, protocol.TypePing, []byte("x"))
	pong := broker.expect(conn, protocol.TypePong)
	require.Equal(t, []byte("x"), pong.Bytes(0))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
