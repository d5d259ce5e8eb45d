package ble

import (
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// message is a typed input to the session loop. Driver completions,
// watchdog ticks, timers and caller commands all arrive as messages so
// that one goroutine owns every piece of session state.
type message interface {
	isMessage()
}

type scanResultMsg struct {
	token  ulid.ULID
	result ScanResult
}

type scanFailedMsg struct {
	token ulid.ULID
	err   error
}

type scanTickMsg struct {
	token ulid.ULID
}

type connectDoneMsg struct {
	gen     uint64
	address string
	link    Link
	err     error
}

type disconnectDoneMsg struct {
	gen uint64
	err error
}

type linkLostMsg struct {
	link Link
	err  error
}

type notificationMsg struct {
	link         Link
	notification Notification
}

type opDoneMsg struct {
	seq   uint64
	value []byte
	err   error
}

type opTimeoutMsg struct {
	seq uint64
}

type reconnectDueMsg struct {
	gen     uint64
	address string
}

type commandMsg struct {
	run   func() error
	reply chan error
}

func (scanResultMsg) isMessage()     {}
func (scanFailedMsg) isMessage()     {}
func (scanTickMsg) isMessage()       {}
func (connectDoneMsg) isMessage()    {}
func (disconnectDoneMsg) isMessage() {}
func (linkLostMsg) isMessage()       {}
func (notificationMsg) isMessage()   {}
func (opDoneMsg) isMessage()         {}
func (opTimeoutMsg) isMessage()      {}
func (reconnectDueMsg) isMessage()   {}
func (commandMsg) isMessage()        {}

// env is what every component shares: the driver, the intake for
// asynchronous completions and the outgoing event stream.
type env struct {
	driver  Driver
	logger  *slog.Logger
	post    func(message)
	publish func(Event)
	now     func() time.Time
}

// fail classifies err, broadcasts it and returns it.
func (e *env) fail(from Origin, op string, err error) *Error {
	be := newError(op, err)
	e.publish(ErrorEvent{From: from, Err: be})
	return be
}

// preflight checks adapter availability before the driver is asked to do
// anything that needs the radio.
func preflight(d Driver) error {
	if !d.AdapterPresent() {
		return ErrAdapterMissing
	}
	enabled, err := d.AdapterEnabled()
	if err != nil {
		return err
	}
	if !enabled {
		return ErrAdapterDisabled
	}
	return nil
}
