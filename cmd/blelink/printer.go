package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/devicestore"
)

// printer renders session events and turns the ones main waits on into
// channel signals.
type printer struct {
	store *devicestore.Store
	seen  map[string]string // address -> advertised name

	ready     chan struct{}
	dropped   chan struct{}
	completed chan struct{}
	wasUp     bool
}

func newPrinter(store *devicestore.Store) *printer {
	return &printer{
		store:     store,
		seen:      make(map[string]string),
		ready:     make(chan struct{}, 1),
		dropped:   make(chan struct{}, 1),
		completed: make(chan struct{}, 64),
	}
}

// handle runs on the bus delivery goroutine, so events arrive in order.
func (p *printer) handle(e ble.Event) {
	switch e := e.(type) {
	case ble.ScanResultEvent:
		r := e.Result
		if _, ok := p.seen[r.Address]; !ok {
			fmt.Printf("found  %-20s %4d dBm  %s\n", r.Address, r.RSSI, r.Name)
		}
		p.seen[r.Address] = r.Name

	case ble.ConnectionStateChanged:
		fmt.Printf("state  %s %s\n", e.State, e.Address)
		switch {
		case e.State == ble.StateConnectedReady && !p.wasUp:
			p.wasUp = true
			p.remember(e.Address)
			raise(p.ready)
		case e.State == ble.StateDisconnected && p.wasUp:
			p.wasUp = false
			raise(p.dropped)
		}

	case ble.OperationCompleted:
		if e.Err != nil {
			fmt.Printf("op #%d %s failed: %v\n", e.Seq, e.Operation, e.Err)
		} else {
			fmt.Printf("op #%d %s -> %s\n", e.Seq, e.Operation, hex.EncodeToString(e.Value))
		}
		select {
		case p.completed <- struct{}{}:
		default:
		}

	case ble.NotificationEvent:
		n := e.Notification
		fmt.Printf("notify %s: %s\n", n.Characteristic, hex.EncodeToString(n.Value))

	case ble.ErrorEvent:
		log.Printf("ERROR: %s: %v", e.Kind(), e.Err)
		if e.From == ble.OriginConnection && !p.wasUp && e.Kind() != ble.KindInvalidStateTransition {
			raise(p.dropped)
		}
	}
}

func (p *printer) remember(address string) {
	rec := devicestore.Record{
		Address:     address,
		Name:        p.seen[address],
		ConnectedAt: time.Now().UTC(),
	}
	if err := p.store.Save(rec); err != nil {
		log.Printf("WARNING: could not save device: %v", err)
	}
}

func raise(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
