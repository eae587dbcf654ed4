// Package controlplane defines the narrow surface the agent core uses to
// talk to the control plane's JSON-RPC layer. The real client lives in the
// host application; the core only needs these seams.
package controlplane

import "github.com/dataplicity/agent/internal/logx"

// Batch accumulates notifications to piggyback on the next outbound RPC
// batch.
type Batch interface {
	Notify(method string, kwargs map[string]interface{})
}

// RPCClient is the control-plane client as seen from the core.
type RPCClient interface {
	// NotifyIdentity tells the control plane the node's current broker
	// identity. An empty identity means the link is down.
	NotifyIdentity(identity string)

	// SyncNow requests an immediate sync cycle. It must not block.
	SyncNow()

	// Identity material for the control plane; opaque to the core.
	DeviceClass() string
	Serial() string
	AuthToken() string
}

// NopClient is an RPCClient that logs and does nothing. It stands in until
// the host application wires up the real JSON-RPC client.
type NopClient struct{}

func (NopClient) NotifyIdentity(identity string) {
	logx.Debug("rpc: notify identity %q", identity)
}

func (NopClient) SyncNow() {
	logx.Debug("rpc: sync requested")
}

func (NopClient) DeviceClass() string { return "" }
func (NopClient) Serial() string      { return "" }
func (NopClient) AuthToken() string   { return "" }
