package ble

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Origin tags which component produced an event.
type Origin int

const (
	OriginScan Origin = iota
	OriginConnection
	OriginOperation
)

func (o Origin) String() string {
	switch o {
	case OriginScan:
		return "scan"
	case OriginConnection:
		return "connection"
	case OriginOperation:
		return "operation"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// Event is the closed set of session broadcasts. Consumers type-switch over
// the concrete types below.
type Event interface {
	Origin() Origin
	sealed()
}

// ScanResultEvent is a result from the live scan session.
type ScanResultEvent struct {
	Token  ulid.ULID
	Result ScanResult
}

// ConnectionStateChanged is published on every connection transition.
type ConnectionStateChanged struct {
	State   State
	Address string
}

// OperationsStarted marks the queue leaving Ready: a drain cycle began.
type OperationsStarted struct{}

// OperationsCompleted marks the queue returning to Ready.
type OperationsCompleted struct{}

// OperationCompleted reports the outcome of one queued operation. Value is
// the read value for reads and the written payload for writes.
type OperationCompleted struct {
	Seq       uint64
	Operation Operation
	Value     []byte
	Err       error
}

// NotificationEvent carries a value pushed by the connected peripheral.
type NotificationEvent struct {
	Notification Notification
}

// ErrorEvent is a failure broadcast. Every session error produces one.
type ErrorEvent struct {
	From Origin
	Err  *Error
}

func (ScanResultEvent) Origin() Origin        { return OriginScan }
func (ConnectionStateChanged) Origin() Origin { return OriginConnection }
func (OperationsStarted) Origin() Origin      { return OriginOperation }
func (OperationsCompleted) Origin() Origin    { return OriginOperation }
func (OperationCompleted) Origin() Origin     { return OriginOperation }
func (NotificationEvent) Origin() Origin      { return OriginOperation }
func (e ErrorEvent) Origin() Origin           { return e.From }

func (ScanResultEvent) sealed()        {}
func (ConnectionStateChanged) sealed() {}
func (OperationsStarted) sealed()      {}
func (OperationsCompleted) sealed()    {}
func (OperationCompleted) sealed()     {}
func (NotificationEvent) sealed()      {}
func (ErrorEvent) sealed()             {}

// Kind is a shortcut for e.Err.Kind.
func (e ErrorEvent) Kind() ErrorKind { return e.Err.Kind }
