package echo_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dataplicity/agent/internal/echo"
)

// Compile-time interface check.
var _ echo.Channel = (*mockChannel)(nil)

type mockChannel struct {
	onData  func([]byte)
	written [][]byte
	failing bool
}

func (m *mockChannel) Write(data []byte) error {
	if m.failing {
		return errors.New("channel is closed")
	}
	m.written = append(m.written, data)
	return nil
}

func (m *mockChannel) SetCallbacks(onData func([]byte), onClose func(), onControl func([]byte)) {
	m.onData = onData
}

func (m *mockChannel) Close() {}

func TestEchoMirrorsData(t *testing.T) {
	ch := &mockChannel{}
	echo.Attach(ch)

	ch.onData([]byte("hello"))
	ch.onData([]byte("world"))

	if len(ch.written) != 2 {
		t.Fatalf("write count mismatch: got %d, want 2", len(ch.written))
	}
	if !bytes.Equal(ch.written[0], []byte("hello")) || !bytes.Equal(ch.written[1], []byte("world")) {
		t.Errorf("echoed data mismatch: %q", ch.written)
	}
}

func TestEchoToleratesWriteFailure(t *testing.T) {
	ch := &mockChannel{failing: true}
	echo.Attach(ch)

	ch.onData([]byte("x")) // must not panic
}
