package m2m

import (
	"sync"
	"time"

	"github.com/dataplicity/agent/internal/logx"
)

const (
	// readyWait is how long each supervisor cycle waits for the current
	// client to become ready before publishing its identity.
	readyWait = 10 * time.Second

	// retryWait paces the supervisor loop. It is the effective reconnect
	// backoff; the broker rejects fast reconnect storms on its own.
	retryWait = 5 * time.Second

	// closeTimeout bounds the polite leave on shutdown.
	closeTimeout = 5 * time.Second
)

// IdentitySink receives identity transitions from the supervisor. The
// published identity is either "" or the most recent UUID the broker
// assigned; it is never a stale UUID after a disconnect.
type IdentitySink interface {
	SetIdentity(identity string)
}

// AutoConnect keeps one Client alive: it creates the client, waits for its
// identity, and replaces it with a fresh client whenever the connection
// closes or never becomes ready. A previously assigned identity is carried
// into each reconnect so the broker preserves routing.
type AutoConnect struct {
	url       string
	verifyTLS bool
	sink      IdentitySink
	handler   InstructionHandler

	mu           sync.Mutex
	client       *Client
	lastIdentity string

	exitSignal chan struct{}
	exitOnce   sync.Once
	done       chan struct{}
}

// NewAutoConnect creates a supervisor for the given broker URL. identity
// seeds the first connection and is normally empty outside development.
func NewAutoConnect(url, identity string, verifyTLS bool, sink IdentitySink, handler InstructionHandler) *AutoConnect {
	return &AutoConnect{
		url:          url,
		verifyTLS:    verifyTLS,
		sink:         sink,
		handler:      handler,
		lastIdentity: identity,
		exitSignal:   make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the supervisor loop.
func (a *AutoConnect) Start() {
	go a.run()
}

// Client returns the current WS client. It may be nil briefly at startup
// and is replaced across reconnects.
func (a *AutoConnect) Client() *Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

// Close stops the supervisor, publishes an empty identity and closes the
// current client. It blocks until the loop has exited.
func (a *AutoConnect) Close() {
	a.exitOnce.Do(func() { close(a.exitSignal) })
	<-a.done
}

func (a *AutoConnect) run() {
	defer close(a.done)

	a.startConnect()

	for {
		client := a.Client()

		// Wait for the client to become ready and publish the result —
		// the identity, or "" while disconnected.
		identity := client.WaitReady(readyWait)
		if identity != "" {
			a.mu.Lock()
			a.lastIdentity = identity
			a.mu.Unlock()
		}
		a.sink.SetIdentity(identity)

		// If the connection is gone (or never became ready), replace it.
		if identity == "" || client.IsClosed() {
			a.startConnect()
		}

		select {
		case <-a.exitSignal:
			a.sink.SetIdentity("")
			a.Client().Close(closeTimeout)
			return
		case <-time.After(retryWait):
		}
	}
}

// startConnect replaces the current client with a fresh one, carrying the
// last known identity so the broker can keep routing to this node.
func (a *AutoConnect) startConnect() {
	a.mu.Lock()
	old := a.client
	identity := a.lastIdentity
	a.client = NewClient(a.url, identity, a.verifyTLS, a.handler)
	a.mu.Unlock()

	if old != nil && !old.IsClosed() {
		logx.Debug("replacing unready client")
		go old.Close(closeTimeout)
	}
}
