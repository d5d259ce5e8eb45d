// Package ble implements a BLE session core for talking to a single
// peripheral: a self-healing scan watchdog, a connection state machine that
// serializes against the one-GATT-connection constraint, and a FIFO queue
// that linearizes GATT operations over the connection.
package ble

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ClientCharacteristicConfig is the CCCD descriptor that toggles
// notifications on a characteristic.
var ClientCharacteristicConfig = ShortUUID(0x2902)

// baseUUID is the Bluetooth SIG base UUID used to expand 16/32-bit forms.
var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// ShortUUID expands a 16 or 32-bit assigned number into a full UUID.
func ShortUUID(v uint32) uuid.UUID {
	u := baseUUID
	u[0] = byte(v >> 24)
	u[1] = byte(v >> 16)
	u[2] = byte(v >> 8)
	u[3] = byte(v)
	return u
}

// ParseUUID parses a full UUID or a 16/32-bit short form ("2902", "0x180d").
func ParseUUID(s string) (uuid.UUID, error) {
	s = strings.TrimSpace(s)
	short := strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(short) == 4 || len(short) == 8 {
		if v, err := strconv.ParseUint(short, 16, 32); err == nil {
			return ShortUUID(uint32(v)), nil
		}
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ble: parse uuid %q: %w", s, err)
	}
	return u, nil
}

// ScanSettings configures a scan.
type ScanSettings struct {
	// Services restricts results to peripherals advertising one of these
	// services. Empty means no filter.
	Services []uuid.UUID
}

// ScanResult is one advertisement seen during a scan.
type ScanResult struct {
	Address string
	Name    string
	RSSI    int
}

// Notification is an unsolicited value pushed by the peripheral for a
// subscribed characteristic.
type Notification struct {
	Service        uuid.UUID
	Characteristic uuid.UUID
	Value          []byte
}

// Link is an opaque handle to one driver-level connection.
type Link interface {
	Address() string
}

// Driver abstracts the platform radio. Asynchronous primitives report
// through their callbacks, which may run on any goroutine, including
// synchronously inside the call.
type Driver interface {
	// AdapterPresent reports whether the host has a BLE adapter.
	AdapterPresent() bool
	// AdapterEnabled reports whether the adapter is powered. It returns an
	// error wrapping ErrPermissionDenied if the state cannot be queried.
	AdapterEnabled() (bool, error)

	// StartScan begins scanning. onFailure reports a scan that died after
	// starting (permission revoked, location turned off).
	StartScan(settings ScanSettings, onResult func(ScanResult), onFailure func(error)) error
	// StopScan ends the running scan.
	StopScan() error

	// Connect opens a connection to address.
	Connect(address string, done func(Link, error))
	// Disconnect closes link.
	Disconnect(link Link, done func(error))
	// Execute runs op against link. value is the read result for reads.
	Execute(link Link, op Operation, done func(value []byte, err error))

	// SetLinkHandlers registers the unsolicited notification and link-loss
	// streams. Called once before any connection is opened.
	SetLinkHandlers(onNotification func(Link, Notification), onLost func(Link, error))
}
