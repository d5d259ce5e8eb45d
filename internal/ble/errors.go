package ble

import (
	"errors"
	"fmt"
)

// Sentinel errors. Driver implementations wrap these so the session can
// classify failures; anything else is reported as a DriverFailure.
var (
	ErrAdapterMissing         = errors.New("bluetooth adapter not present")
	ErrAdapterDisabled        = errors.New("bluetooth adapter disabled")
	ErrPermissionDenied       = errors.New("bluetooth permission denied")
	ErrLocationDisabled       = errors.New("location service disabled")
	ErrScannerUnavailable     = errors.New("scanner unavailable")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotConnected           = errors.New("not connected")
	ErrNoActiveConnection     = errors.New("no active connection")
	ErrInvalidAddress         = errors.New("invalid address")
	ErrAlreadyScanning        = errors.New("already scanning")
	ErrOperationTimeout       = errors.New("operation timed out")
	ErrConnectionLost         = errors.New("connection lost")
	ErrUnsupported            = errors.New("unsupported by driver")
)

// ErrorKind classifies a failure reported by the session.
type ErrorKind int

const (
	KindDriverFailure ErrorKind = iota
	KindAdapterMissing
	KindAdapterDisabled
	KindScanPermissionDenied
	KindConnectPermissionDenied
	KindLocationServiceDisabled
	KindScannerUnavailable
	KindInvalidStateTransition
	KindNotConnected
	KindNoActiveConnection
	KindAlreadyScanning
	KindOperationTimeout
	KindConnectionLost
	KindInvalidAddress
)

var kindNames = map[ErrorKind]string{
	KindDriverFailure:           "driver_failure",
	KindAdapterMissing:          "adapter_missing",
	KindAdapterDisabled:         "adapter_disabled",
	KindScanPermissionDenied:    "scan_permission_denied",
	KindConnectPermissionDenied: "connect_permission_denied",
	KindLocationServiceDisabled: "location_service_disabled",
	KindScannerUnavailable:      "scanner_unavailable",
	KindInvalidStateTransition:  "invalid_state_transition",
	KindNotConnected:            "not_connected",
	KindNoActiveConnection:      "no_active_connection",
	KindAlreadyScanning:         "already_scanning",
	KindOperationTimeout:        "operation_timeout",
	KindConnectionLost:          "connection_lost",
	KindInvalidAddress:          "invalid_address",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Recoverable reports whether retrying the user-facing action can succeed.
// Invalid state transitions are programming errors.
func (k ErrorKind) Recoverable() bool {
	return k != KindInvalidStateTransition
}

// Error is a classified session failure.
type Error struct {
	Kind ErrorKind
	Op   string // e.g. "connect", "scan"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ble: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("ble: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError classifies err for op. Permission failures are split into the
// scan and connect variants based on op.
func newError(op string, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	kind := KindDriverFailure
	switch {
	case errors.Is(err, ErrAdapterMissing):
		kind = KindAdapterMissing
	case errors.Is(err, ErrAdapterDisabled):
		kind = KindAdapterDisabled
	case errors.Is(err, ErrPermissionDenied):
		kind = KindConnectPermissionDenied
		if op == opScan {
			kind = KindScanPermissionDenied
		}
	case errors.Is(err, ErrLocationDisabled):
		kind = KindLocationServiceDisabled
	case errors.Is(err, ErrScannerUnavailable):
		kind = KindScannerUnavailable
	case errors.Is(err, ErrInvalidStateTransition):
		kind = KindInvalidStateTransition
	case errors.Is(err, ErrNotConnected):
		kind = KindNotConnected
	case errors.Is(err, ErrNoActiveConnection):
		kind = KindNoActiveConnection
	case errors.Is(err, ErrAlreadyScanning):
		kind = KindAlreadyScanning
	case errors.Is(err, ErrOperationTimeout):
		kind = KindOperationTimeout
	case errors.Is(err, ErrConnectionLost):
		kind = KindConnectionLost
	case errors.Is(err, ErrInvalidAddress):
		kind = KindInvalidAddress
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the ErrorKind of err. Unrecognized errors are DriverFailure.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return newError("", err).Kind
}

const (
	opScan       = "scan"
	opConnect    = "connect"
	opDisconnect = "disconnect"
	opSubmit     = "submit"
	opDispatch   = "dispatch"
)
