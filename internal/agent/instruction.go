package agent

import (
	"fmt"
)

// action enumerates the known instruction actions.
type action string

const (
	actionSync            action = "sync"
	actionOpenTerminal    action = "open-terminal"
	actionOpenKeyboard    action = "open-keyboard"
	actionOpenButtons     action = "open-buttons"
	actionOpenEcho        action = "open-echo"
	actionOpenPortForward action = "open-portforward"
	actionRebootDevice    action = "reboot-device"

	actionUnknown action = ""
)

// instruction is the validated form of an instruction packet's data map.
// Only the fields required by its action are populated.
type instruction struct {
	action  action
	raw     string // the wire action string, kept for logging unknowns
	name    string // open-terminal, open-keyboard, open-buttons
	port    int    // channel number for the open-* actions
	size    []int  // optional [width, height] for open-terminal
	service string // open-portforward
}

// parseInstruction validates the untyped data map at the boundary,
// producing a tagged instruction. Unknown actions are returned with
// action == actionUnknown rather than an error, so the caller can log and
// ignore them.
func parseInstruction(data map[string]interface{}) (*instruction, error) {
	raw, err := stringField(data, "action")
	if err != nil {
		return nil, err
	}
	in := &instruction{raw: raw}

	switch action(raw) {
	case actionSync, actionRebootDevice:
		in.action = action(raw)

	case actionOpenTerminal:
		in.action = actionOpenTerminal
		if in.name, err = stringField(data, "name"); err != nil {
			return nil, err
		}
		if in.port, err = intField(data, "port"); err != nil {
			return nil, err
		}
		if size, ok := data["size"]; ok {
			if in.size, err = sizeValue(size); err != nil {
				return nil, err
			}
		}

	case actionOpenKeyboard, actionOpenButtons:
		in.action = action(raw)
		if in.name, err = stringField(data, "name"); err != nil {
			return nil, err
		}
		if in.port, err = intField(data, "port"); err != nil {
			return nil, err
		}

	case actionOpenEcho:
		in.action = actionOpenEcho
		if in.port, err = intField(data, "port"); err != nil {
			return nil, err
		}

	case actionOpenPortForward:
		in.action = actionOpenPortForward
		if in.service, err = stringField(data, "service"); err != nil {
			return nil, err
		}
		if in.port, err = routePort(data); err != nil {
			return nil, err
		}

	default:
		in.action = actionUnknown
	}

	return in, nil
}

// stringField extracts a required string value. Byte strings arrive from
// the bencode layer as either string or []byte depending on origin.
func stringField(data map[string]interface{}, key string) (string, error) {
	v, ok := data[key]
	if !ok {
		return "", fmt.Errorf("missing field '%s'", key)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	}
	return "", fmt.Errorf("field '%s' should be a string, got %T", key, v)
}

// intField extracts a required integer value.
func intField(data map[string]interface{}, key string) (int, error) {
	v, ok := data[key]
	if !ok {
		return 0, fmt.Errorf("missing field '%s'", key)
	}
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, fmt.Errorf("field '%s' should be an integer, got %T", key, v)
}

// sizeValue validates an optional [width, height] pair.
func sizeValue(v interface{}) ([]int, error) {
	list, ok := v.([]interface{})
	if !ok || len(list) != 2 {
		return nil, fmt.Errorf("field 'size' should be a [width, height] pair, got %v", v)
	}
	size := make([]int, 2)
	for i, e := range list {
		switch n := e.(type) {
		case int64:
			size[i] = int(n)
		case int:
			size[i] = n
		default:
			return nil, fmt.Errorf("field 'size' should hold integers, got %T", e)
		}
	}
	return size, nil
}

// routePort extracts the channel number from an open-portforward route.
// The route is [node1, port1, node2, port2]; the channel to attach is the
// last element.
func routePort(data map[string]interface{}) (int, error) {
	v, ok := data["route"]
	if !ok {
		return 0, fmt.Errorf("missing field 'route'")
	}
	list, ok := v.([]interface{})
	if !ok || len(list) != 4 {
		return 0, fmt.Errorf("field 'route' should be [node1, port1, node2, port2], got %v", v)
	}
	switch n := list[3].(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, fmt.Errorf("route port should be an integer, got %T", list[3])
}
