package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

var errForeignLink = errors.New("link belongs to another driver")

// TinyGoDriver implements Driver on top of tinygo-org/bluetooth (BlueZ on
// Linux, CoreBluetooth on macOS, WinRT on Windows). On macOS, addresses are
// CoreBluetooth UUIDs rather than MAC addresses.
type TinyGoDriver struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	// mu protects everything below.
	mu             sync.Mutex
	enabled        bool
	links          map[string]*tinyLink // keyed by address
	onNotification func(Link, Notification)
	onLost         func(Link, error)
	scanGen        uint64
	scanning       bool
	scanDone       chan struct{} // closed when the previous Scan call returned
}

// NewTinyGoDriver creates a driver for the default adapter.
// A nil logger uses slog.Default().
func NewTinyGoDriver(logger *slog.Logger) *TinyGoDriver {
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	close(done)
	return &TinyGoDriver{
		adapter:  bluetooth.DefaultAdapter,
		logger:   logger,
		links:    make(map[string]*tinyLink),
		scanDone: done,
	}
}

// Compile-time check that TinyGoDriver implements Driver.
var _ Driver = (*TinyGoDriver)(nil)

func (d *TinyGoDriver) AdapterPresent() bool {
	return d.adapter != nil
}

// AdapterEnabled powers the adapter on the first call. tinygo has no
// separate "is powered" query, so a failed Enable is classified by message.
func (d *TinyGoDriver) AdapterEnabled() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled {
		return true, nil
	}
	if err := d.adapter.Enable(); err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "accessdenied"), strings.Contains(msg, "not authorized"),
			strings.Contains(msg, "permission"):
			return false, fmt.Errorf("ble: enable adapter: %w: %v", ErrPermissionDenied, err)
		case strings.Contains(msg, "powered"), strings.Contains(msg, "poweredoff"):
			return false, nil
		}
		return false, fmt.Errorf("ble: enable adapter: %w", err)
	}
	d.enabled = true

	// On macOS and Linux tinygo reports peripheral disconnects through the
	// adapter-level connect handler with connected=false.
	d.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		address := device.Address.String()
		d.mu.Lock()
		link, ok := d.links[address]
		delete(d.links, address)
		onLost := d.onLost
		d.mu.Unlock()
		if !ok {
			return
		}
		d.logger.Debug("[BLE] peripheral disconnected", "address", address)
		if onLost != nil {
			onLost(link, nil)
		}
	})
	return true, nil
}

func (d *TinyGoDriver) SetLinkHandlers(onNotification func(Link, Notification), onLost func(Link, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onNotification = onNotification
	d.onLost = onLost
}

func (d *TinyGoDriver) StartScan(settings ScanSettings, onResult func(ScanResult), onFailure func(error)) error {
	filter := make([]bluetooth.UUID, 0, len(settings.Services))
	for _, s := range settings.Services {
		u, err := toTinyUUID(s)
		if err != nil {
			return err
		}
		filter = append(filter, u)
	}

	d.mu.Lock()
	if d.scanning {
		d.mu.Unlock()
		return fmt.Errorf("ble: scan: %w", ErrAlreadyScanning)
	}
	d.scanGen++
	gen := d.scanGen
	d.scanning = true
	prev := d.scanDone
	done := make(chan struct{})
	d.scanDone = done
	d.mu.Unlock()

	go func() {
		defer close(done)
		// tinygo refuses a second Scan until the first has returned.
		<-prev
		err := d.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !matchesAny(result, filter) {
				return
			}
			onResult(ScanResult{
				Address: result.Address.String(),
				Name:    result.LocalName(),
				RSSI:    int(result.RSSI),
			})
		})

		d.mu.Lock()
		ours := d.scanning && d.scanGen == gen
		if ours {
			d.scanning = false
		}
		d.mu.Unlock()
		if !ours {
			return
		}
		if err == nil {
			err = ErrScannerUnavailable
		}
		d.logger.Warn("[BLE] scan ended unexpectedly", "error", err)
		onFailure(fmt.Errorf("ble: scan: %w", err))
	}()
	return nil
}

func matchesAny(result bluetooth.ScanResult, filter []bluetooth.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, u := range filter {
		if result.HasServiceUUID(u) {
			return true
		}
	}
	return false
}

func (d *TinyGoDriver) StopScan() error {
	d.mu.Lock()
	d.scanning = false
	d.mu.Unlock()
	if err := d.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

// Connect runs tinygo's blocking Connect on its own goroutine.
func (d *TinyGoDriver) Connect(address string, done func(Link, error)) {
	go func() {
		var addr bluetooth.Address
		addr.Set(address)

		device, err := d.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			done(nil, fmt.Errorf("ble: connect to %s: %w", address, err))
			return
		}
		link := &tinyLink{
			address: address,
			device:  &device,
			chars:   make(map[string]*bluetooth.DeviceCharacteristic),
		}

		// Track the link so the adapter-level handler can report its loss.
		d.mu.Lock()
		d.links[address] = link
		d.mu.Unlock()

		done(link, nil)
	}()
}

func (d *TinyGoDriver) Disconnect(link Link, done func(error)) {
	tl, ok := link.(*tinyLink)
	if !ok {
		done(fmt.Errorf("ble: disconnect: %w (%T)", errForeignLink, link))
		return
	}
	go func() {
		err := tl.device.Disconnect()
		d.mu.Lock()
		if d.links[tl.address] == tl {
			delete(d.links, tl.address)
		}
		d.mu.Unlock()
		if err != nil {
			done(fmt.Errorf("ble: disconnect %s: %w", tl.address, err))
			return
		}
		done(nil)
	}()
}

func (d *TinyGoDriver) Execute(link Link, op Operation, done func([]byte, error)) {
	tl, ok := link.(*tinyLink)
	if !ok {
		done(nil, fmt.Errorf("ble: execute: %w (%T)", errForeignLink, link))
		return
	}
	go func() {
		value, err := d.execute(tl, op)
		done(value, err)
	}()
}

func (d *TinyGoDriver) execute(tl *tinyLink, op Operation) ([]byte, error) {
	char, err := tl.characteristic(op.Service(), op.Characteristic())
	if err != nil {
		return nil, err
	}

	switch op.Kind() {
	case OpReadCharacteristic:
		buf := make([]byte, MaxAttributeLen)
		n, err := char.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("ble: read %s: %w", op.Target(), err)
		}
		return buf[:n], nil
	case OpWriteCharacteristic:
		// WriteWithoutResponse is the only write every backend implements.
		if _, err := char.WriteWithoutResponse(op.Payload()); err != nil {
			return nil, fmt.Errorf("ble: write %s: %w", op.Target(), err)
		}
		return nil, nil
	case OpSetNotification:
		return nil, d.setNotify(tl, op, char, op.Enable())
	case OpWriteDescriptor:
		if op.Descriptor() != ClientCharacteristicConfig {
			return nil, fmt.Errorf("ble: write descriptor %s: %w", op.Target(), ErrUnsupported)
		}
		payload := op.Payload()
		enable := len(payload) > 0 && payload[0]&0x03 != 0
		return nil, d.setNotify(tl, op, char, enable)
	default:
		return nil, fmt.Errorf("ble: %s: %w", op, ErrUnsupported)
	}
}

func (d *TinyGoDriver) setNotify(tl *tinyLink, op Operation, char *bluetooth.DeviceCharacteristic, enable bool) error {
	var cb func([]byte)
	if enable {
		service, characteristic := op.Service(), op.Characteristic()
		cb = func(buf []byte) {
			d.mu.Lock()
			onNotification := d.onNotification
			d.mu.Unlock()
			if onNotification == nil {
				return
			}
			onNotification(tl, Notification{
				Service:        service,
				Characteristic: characteristic,
				Value:          cloneBytes(buf),
			})
		}
	}
	if err := char.EnableNotifications(cb); err != nil {
		return fmt.Errorf("ble: set notification %s: %w", op.Target(), err)
	}
	return nil
}

type tinyLink struct {
	address string
	device  *bluetooth.Device

	mu    sync.Mutex
	chars map[string]*bluetooth.DeviceCharacteristic // keyed by service/characteristic
}

func (l *tinyLink) Address() string { return l.address }

// characteristic discovers and caches a characteristic.
func (l *tinyLink) characteristic(service, characteristic uuid.UUID) (*bluetooth.DeviceCharacteristic, error) {
	key := service.String() + "/" + characteristic.String()

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.chars[key]; ok {
		return c, nil
	}

	svcUUID, err := toTinyUUID(service)
	if err != nil {
		return nil, err
	}
	charUUID, err := toTinyUUID(characteristic)
	if err != nil {
		return nil, err
	}

	svcs, err := l.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", service)
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", characteristic)
	}
	c := &chars[0]
	l.chars[key] = c
	return c, nil
}

func toTinyUUID(u uuid.UUID) (bluetooth.UUID, error) {
	parsed, err := bluetooth.ParseUUID(u.String())
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("ble: convert uuid %s: %w", u, err)
	}
	return parsed, nil
}
