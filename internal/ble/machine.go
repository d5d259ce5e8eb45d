package ble

import (
	"errors"
	"fmt"
	"sync/atomic"
)

type peer struct {
	address string
	link    Link
}

// Machine owns the connection lifecycle and the single driver link.
// All methods except State run on the session loop.
type Machine struct {
	*env

	state   atomic.Int32
	peer    *peer  // at most one live link
	address string // target of the current or last request
	gen     uint64 // bumped per connect/disconnect request; stale completions carry an older value
	cause   error  // why a forced disconnect is in progress

	onConnected func(address string)
	onLeave     func()
	onDropped   func(address string, cause error)
}

func newMachine(e *env) *Machine {
	return &Machine{env: e}
}

// State returns the current connection state. Safe for concurrent use.
func (m *Machine) State() State { return State(m.state.Load()) }

// Address returns the peer address of the current or last connection.
func (m *Machine) Address() string { return m.address }

func (m *Machine) link() (Link, bool) {
	if m.peer == nil {
		return nil, false
	}
	return m.peer.link, true
}

// start moves a fresh machine out of None.
func (m *Machine) start() {
	if m.State() == StateNone {
		m.setState(StateDisconnected)
	}
}

func (m *Machine) setState(s State) {
	prev := m.State()
	if prev == s {
		return
	}
	m.state.Store(int32(s))
	m.logger.Debug("[BLE] connection state", "from", prev.String(), "to", s.String(), "address", m.address)
	m.publish(ConnectionStateChanged{State: s, Address: m.address})
	if prev.Connected() && !s.Connected() && m.onLeave != nil {
		m.onLeave()
	}
}

// setOperating switches between the Connected sub-states.
func (m *Machine) setOperating(operating bool) {
	if !m.State().Connected() {
		return
	}
	if operating {
		m.setState(StateConnectedOperating)
	} else {
		m.setState(StateConnectedReady)
	}
}

// Connect asks the driver to connect to address. It is only valid from
// Disconnected, and adapter problems are reported before the driver is
// touched.
func (m *Machine) Connect(address string) error {
	if err := m.checkConnect(address); err != nil {
		return m.reject(address, err)
	}
	m.dial(address)
	return nil
}

// checkConnect reports why a connect to address would be rejected. It does
// not change any state.
func (m *Machine) checkConnect(address string) error {
	if state := m.State(); state != StateDisconnected {
		return fmt.Errorf("connect in state %s: %w", state, ErrInvalidStateTransition)
	}
	if address == "" {
		return fmt.Errorf("empty address: %w", ErrInvalidAddress)
	}
	return preflight(m.driver)
}

func (m *Machine) reject(address string, err error) error {
	if errors.Is(err, ErrInvalidStateTransition) {
		m.logger.Error("[BLE] connect rejected", "state", m.State().String(), "address", address)
	}
	return m.fail(OriginConnection, opConnect, err)
}

func (m *Machine) dial(address string) {
	m.gen++
	gen := m.gen
	m.peer = nil
	m.address = address
	m.setState(StateConnecting)
	m.logger.Info("[BLE] connecting", "address", address)
	m.driver.Connect(address, func(link Link, err error) {
		m.post(connectDoneMsg{gen: gen, address: address, link: link, err: err})
	})
}

// Disconnect closes the live link.
func (m *Machine) Disconnect() error {
	if !m.State().Connected() || m.peer == nil {
		return m.fail(OriginConnection, opDisconnect, ErrNoActiveConnection)
	}
	m.close(nil)
	return nil
}

// forceDisconnect drops the link after a failure such as a hung operation.
// The reconnect policy sees cause once the link is closed.
func (m *Machine) forceDisconnect(cause error) {
	if !m.State().Connected() || m.peer == nil {
		return
	}
	m.logger.Warn("[BLE] forcing disconnect", "address", m.address, "cause", cause)
	m.close(cause)
}

// abandon settles in Disconnected without waiting for the driver. Any
// completion still in flight is stale afterwards.
func (m *Machine) abandon() {
	if s := m.State(); s == StateNone || s == StateDisconnected {
		return
	}
	m.logger.Warn("[BLE] abandoning connection", "address", m.address, "state", m.State().String())
	m.gen++
	m.peer = nil
	m.cause = nil
	m.setState(StateDisconnected)
}

func (m *Machine) close(cause error) {
	m.gen++
	gen := m.gen
	link := m.peer.link
	m.cause = cause
	m.setState(StateDisconnecting)
	m.driver.Disconnect(link, func(err error) {
		m.post(disconnectDoneMsg{gen: gen, err: err})
	})
}

func (m *Machine) handleConnectDone(msg connectDoneMsg) {
	if m.State() != StateConnecting || msg.gen != m.gen {
		if msg.err == nil && msg.link != nil {
			m.logger.Warn("[BLE] closing stale connection", "address", msg.address)
			m.driver.Disconnect(msg.link, func(error) {})
		}
		return
	}
	if msg.err != nil {
		m.setState(StateDisconnected)
		m.logger.Warn("[BLE] connect failed", "address", msg.address, "error", msg.err)
		m.fail(OriginConnection, opConnect, msg.err)
		if m.onDropped != nil {
			m.onDropped(msg.address, msg.err)
		}
		return
	}

	m.peer = &peer{address: msg.address, link: msg.link}
	m.setState(StateConnectedReady)
	m.logger.Info("[BLE] connected", "address", msg.address)
	if m.onConnected != nil {
		m.onConnected(msg.address)
	}
}

func (m *Machine) handleDisconnectDone(msg disconnectDoneMsg) {
	if m.State() != StateDisconnecting || msg.gen != m.gen {
		return
	}
	m.finishDisconnect(msg.err)
}

func (m *Machine) finishDisconnect(err error) {
	address := m.address
	cause := m.cause
	m.peer = nil
	m.cause = nil
	m.setState(StateDisconnected)
	if err != nil {
		m.logger.Warn("[BLE] disconnect failed", "address", address, "error", err)
		m.fail(OriginConnection, opDisconnect, err)
	} else {
		m.logger.Info("[BLE] disconnected", "address", address)
	}
	if cause != nil && m.onDropped != nil {
		m.onDropped(address, cause)
	}
}

func (m *Machine) handleLinkLost(msg linkLostMsg) {
	if m.peer == nil || m.peer.link != msg.link {
		m.logger.Debug("[BLE] ignoring loss of stale link")
		return
	}
	switch state := m.State(); {
	case state == StateDisconnecting:
		m.finishDisconnect(nil)
	case state.Connected():
		address := m.address
		cause := ErrConnectionLost
		if msg.err != nil {
			cause = fmt.Errorf("%w: %w", ErrConnectionLost, msg.err)
		}
		m.peer = nil
		m.setState(StateDisconnected)
		m.logger.Warn("[BLE] connection lost", "address", address, "error", msg.err)
		m.fail(OriginConnection, opConnect, cause)
		if m.onDropped != nil {
			m.onDropped(address, cause)
		}
	}
}
