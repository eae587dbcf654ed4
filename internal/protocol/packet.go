// Package protocol defines the M2M packet catalog and its bencode codec.
//
// Every packet travels as one binary WebSocket frame whose payload is the
// bencode encoding of a list: the packet type integer followed by the
// packet's attributes in declaration order.
package protocol

// Type is the top-level packet type. The integer values are part of the
// wire contract and must not be renumbered.
type Type int

const (
	// TypeJoin is sent by a client to join the broker for the first time.
	TypeJoin Type = 1

	// TypeIdentify is sent by a client to re-connect with a known identity.
	TypeIdentify Type = 2

	// TypeWelcome is sent by the broker when the join or identify succeeded.
	TypeWelcome Type = 3

	// TypeLog carries textual information for developers; clients may ignore it.
	TypeLog Type = 4

	// TypeSend requests the broker to deliver data on a channel.
	TypeSend Type = 5

	// TypeRoute carries inbound channel data from the broker.
	TypeRoute Type = 6

	// TypePing requests an echo of its payload.
	TypePing Type = 7

	// TypePong answers a ping.
	TypePong Type = 8

	// TypeSetIdentity assigns the client its identity UUID.
	TypeSetIdentity Type = 9

	// TypeKeepAlive keeps the connection alive; it carries nothing.
	TypeKeepAlive Type = 13

	// TypeNotifyOpen tells the client a channel has been opened.
	TypeNotifyOpen Type = 14

	// TypeInstruction carries an application-defined request outside any channel.
	TypeInstruction Type = 16

	// TypeNotifyClose tells the client a channel has been closed.
	TypeNotifyClose Type = 19

	// TypeLeave is the polite way of disconnecting from the broker.
	TypeLeave Type = 20

	// TypeResponse is sent by the broker in response to a command.
	TypeResponse Type = 100
)

// Kind enumerates the primitive attribute types a packet may carry.
type Kind int

const (
	KindInt Kind = iota
	KindBytes
	KindMap
	KindList
)

// attr is one named, typed attribute slot in a packet definition.
type attr struct {
	name string
	kind Kind
}

// def describes one registered packet type: its wire name, attribute list
// and whether it is too chatty to log at debug level.
type def struct {
	name  string
	attrs []attr

	// quiet marks high-frequency packet types whose receipt is not logged.
	quiet bool
}

// registry is the process-wide packet table. It is populated here, at
// compile time, and never mutated afterwards.
var registry = map[Type]def{
	TypeJoin:        {name: "join-req"},
	TypeIdentify:    {name: "identify-req", attrs: []attr{{"uuid", KindBytes}}},
	TypeWelcome:     {name: "welcome"},
	TypeLog:         {name: "log", attrs: []attr{{"text", KindBytes}}},
	TypeSend:        {name: "send-req", quiet: true, attrs: []attr{{"channel", KindInt}, {"data", KindBytes}}},
	TypeRoute:       {name: "route", quiet: true, attrs: []attr{{"channel", KindInt}, {"data", KindBytes}}},
	TypePing:        {name: "ping", quiet: true, attrs: []attr{{"data", KindBytes}}},
	TypePong:        {name: "pong", quiet: true, attrs: []attr{{"data", KindBytes}}},
	TypeSetIdentity: {name: "set-identity", attrs: []attr{{"uuid", KindBytes}}},
	TypeKeepAlive:   {name: "keep-alive", quiet: true},
	TypeNotifyOpen:  {name: "notify-open", attrs: []attr{{"channel", KindInt}}},
	TypeInstruction: {name: "instruction", attrs: []attr{{"sender", KindBytes}, {"data", KindMap}}},
	TypeNotifyClose: {name: "notify-close", attrs: []attr{{"port", KindInt}}},
	TypeLeave:       {name: "leave-req"},
	TypeResponse:    {name: "response", attrs: []attr{{"command_id", KindInt}, {"result", KindMap}}},
}

// String returns the packet type's wire name, or its numeric form when the
// type is not registered.
func (t Type) String() string {
	if d, ok := registry[t]; ok {
		return d.name
	}
	return "type(" + itoa(int(t)) + ")"
}

// Quiet reports whether receipt of this packet type should be kept out of
// the debug log (high-frequency data and keepalive traffic).
func (t Type) Quiet() bool {
	return registry[t].quiet
}

// Registered reports whether t is part of the packet catalog.
func (t Type) Registered() bool {
	_, ok := registry[t]
	return ok
}

// itoa is a minimal integer formatter so String has no fmt dependency.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
