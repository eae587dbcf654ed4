package protocol

import (
	"bytes"
	"errors"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
)

// Sentinel errors for the two failure families of the codec.
var (
	// ErrMalformedPacket marks frames that cannot be interpreted at all:
	// invalid bencode, a top-level value that is not a list, a first element
	// that is not an integer, or an unregistered type integer.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrBadPacket marks frames of a known type whose body does not match
	// the declared attribute list (missing attributes or wrong types).
	ErrBadPacket = errors.New("bad packet")
)

// Packet is one decoded (or to-be-encoded) M2M packet. Attributes are held
// in canonical form: int64, []byte, map[string]interface{} or []interface{}.
type Packet struct {
	Type  Type
	attrs []interface{}
}

// New builds a packet of the given type, validating the attribute count and
// per-attribute types against the registry. Integer attributes accept int or
// int64; byte-string attributes accept []byte or string.
func New(t Type, attrs ...interface{}) (*Packet, error) {
	d, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: unregistered type %d", ErrMalformedPacket, int(t))
	}
	if len(attrs) != len(d.attrs) {
		return nil, fmt.Errorf("%w: %s wants %d attributes, got %d",
			ErrBadPacket, d.name, len(d.attrs), len(attrs))
	}
	canonical := make([]interface{}, len(attrs))
	for i, a := range d.attrs {
		v, err := canonicalize(attrs[i], a.kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %s attribute '%s': %v", ErrBadPacket, d.name, a.name, err)
		}
		canonical[i] = v
	}
	return &Packet{Type: t, attrs: canonical}, nil
}

// MustNew is New for packets built from compile-time constants, where a
// validation failure is a programming error.
func MustNew(t Type, attrs ...interface{}) *Packet {
	pkt, err := New(t, attrs...)
	if err != nil {
		panic(err)
	}
	return pkt
}

// canonicalize coerces a caller-supplied attribute value into the canonical
// representation for its declared kind.
func canonicalize(v interface{}, kind Kind) (interface{}, error) {
	switch kind {
	case KindInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		}
	case KindBytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
	case KindMap:
		if m, ok := v.(map[string]interface{}); ok {
			return m, nil
		}
	case KindList:
		if l, ok := v.([]interface{}); ok {
			return l, nil
		}
	}
	return nil, fmt.Errorf("unexpected value of type %T", v)
}

// Len returns the attribute count.
func (p *Packet) Len() int { return len(p.attrs) }

// Int returns attribute i as an integer. The index must refer to an
// integer-kind attribute of a validated packet.
func (p *Packet) Int(i int) int64 { return p.attrs[i].(int64) }

// Bytes returns attribute i as a byte string.
func (p *Packet) Bytes(i int) []byte { return p.attrs[i].([]byte) }

// Map returns attribute i as a string-keyed mapping.
func (p *Packet) Map(i int) map[string]interface{} {
	return p.attrs[i].(map[string]interface{})
}

// String renders the packet for log lines.
func (p *Packet) String() string {
	d := registry[p.Type]
	var buf bytes.Buffer
	buf.WriteString(d.name)
	buf.WriteByte('(')
	for i, a := range d.attrs {
		if i > 0 {
			buf.WriteString(", ")
		}
		switch v := p.attrs[i].(type) {
		case []byte:
			if len(v) > 64 {
				fmt.Fprintf(&buf, "%s=%q…", a.name, v[:64])
			} else {
				fmt.Fprintf(&buf, "%s=%q", a.name, v)
			}
		default:
			fmt.Fprintf(&buf, "%s=%v", a.name, v)
		}
	}
	buf.WriteByte(')')
	return buf.String()
}

// Encode serializes the packet as the bencode list <type, attr1, attr2, …>.
// Encoding a packet built by New (or returned by Decode) cannot fail.
func (p *Packet) Encode() ([]byte, error) {
	body := make([]interface{}, 0, len(p.attrs)+1)
	body = append(body, int64(p.Type))
	for _, a := range p.attrs {
		body = append(body, marshalable(a))
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, body); err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Type, err)
	}
	return buf.Bytes(), nil
}

// marshalable rewrites canonical attribute values into the forms the bencode
// marshaller emits as byte strings: []byte becomes string, containers are
// rewritten recursively.
func marshalable(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = marshalable(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = marshalable(e)
		}
		return out
	default:
		return v
	}
}

// Decode parses one bencode frame into a validated packet.
//
// Unknown trailing list elements are ignored for forward compatibility;
// missing required attributes fail with ErrBadPacket.
func Decode(frame []byte) (*Packet, error) {
	value, err := bencode.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	list, ok := value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: packet must be a list", ErrMalformedPacket)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: packet list is empty", ErrMalformedPacket)
	}
	typeInt, ok := list[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: first value must be an integer", ErrMalformedPacket)
	}
	t := Type(typeInt)
	d, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrMalformedPacket, typeInt)
	}

	body := list[1:]
	if len(body) < len(d.attrs) {
		return nil, fmt.Errorf("%w: %s wants %d attributes, got %d",
			ErrBadPacket, d.name, len(d.attrs), len(body))
	}

	attrs := make([]interface{}, len(d.attrs))
	for i, a := range d.attrs {
		v, err := decodedValue(body[i], a.kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %s attribute '%s': %v", ErrBadPacket, d.name, a.name, err)
		}
		attrs[i] = v
	}
	return &Packet{Type: t, attrs: attrs}, nil
}

// decodedValue checks a decoded bencode value against the declared attribute
// kind and converts it to canonical form. The bencode layer produces int64,
// string, []interface{} and map[string]interface{} values.
func decodedValue(v interface{}, kind Kind) (interface{}, error) {
	switch kind {
	case KindInt:
		if n, ok := v.(int64); ok {
			return n, nil
		}
	case KindBytes:
		if s, ok := v.(string); ok {
			return []byte(s), nil
		}
	case KindMap:
		if m, ok := v.(map[string]interface{}); ok {
			return m, nil
		}
	case KindList:
		if l, ok := v.([]interface{}); ok {
			return l, nil
		}
	}
	return nil, fmt.Errorf("unexpected wire value of type %T", v)
}
