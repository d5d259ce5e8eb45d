package ble

import "fmt"

// State is the connection lifecycle state.
type State int32

const (
	// StateNone is the state of a session that has not been started.
	StateNone State = iota
	StateDisconnected
	StateConnecting
	// StateConnectedReady is connected with an idle operation queue.
	StateConnectedReady
	// StateConnectedOperating is connected while the queue drains.
	StateConnectedOperating
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnectedReady:
		return "connected(ready)"
	case StateConnectedOperating:
		return "connected(operating)"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connected reports whether s is one of the Connected sub-states.
func (s State) Connected() bool {
	return s == StateConnectedReady || s == StateConnectedOperating
}
