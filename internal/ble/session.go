package ble

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSessionClosed is returned by commands on a session that is not running.
var ErrSessionClosed = errors.New("ble: session not running")

// Options configures a Session.
type Options struct {
	Watchdog WatchdogOptions
	// OperationTimeout bounds how long one GATT operation may stay in
	// flight before the link is dropped. Zero disables the timeout.
	OperationTimeout time.Duration
	// Reconnect decides what happens after an unrequested disconnect.
	// Nil means NeverReconnect.
	Reconnect ReconnectPolicy
	// CloseTimeout bounds how long Close waits for the driver to confirm
	// the final disconnect. Zero means 2s.
	CloseTimeout time.Duration
	Logger       *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Watchdog:         DefaultWatchdogOptions(),
		OperationTimeout: 10 * time.Second,
		Reconnect:        NeverReconnect{},
		CloseTimeout:     2 * time.Second,
	}
}

// Session is the single entry point to the BLE core. Commands are
// serialized onto one loop goroutine together with every driver
// completion; events go out on the bus passed to NewSession.
type Session struct {
	bus    *Bus
	logger *slog.Logger
	core   *core
	inbox  *mailbox[message]

	closeTimeout time.Duration

	quit      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewSession creates a session over driver publishing to bus.
func NewSession(driver Driver, bus *Bus, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	closeTimeout := opts.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = 2 * time.Second
	}
	s := &Session{
		bus:          bus,
		logger:       logger,
		inbox:        newMailbox[message](),
		closeTimeout: closeTimeout,
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	e := &env{
		driver:  driver,
		logger:  logger,
		post:    func(m message) { s.inbox.put(m) },
		publish: bus.Publish,
		now:     time.Now,
	}
	s.core = newCore(e, opts)
	return s
}

// Start launches the session loop and moves the connection state from None
// to Disconnected.
func (s *Session) Start() {
	if s.started.Swap(true) {
		return
	}
	go s.loop()
	_ = s.call(context.Background(), func() error {
		s.core.machine.start()
		return nil
	})
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-s.inbox.ready:
			for _, m := range s.inbox.drain() {
				s.core.handle(m)
			}
		}
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	if !s.started.Load() || s.closed.Load() {
		return ErrSessionClosed
	}
	reply := make(chan error, 1)
	if !s.inbox.put(commandMsg{run: fn, reply: reply}) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// Close stops scanning, disconnects and stops the loop. It waits up to
// CloseTimeout for the driver to confirm the disconnect, then settles in
// Disconnected regardless. The bus is left open for its owner to close.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.started.Load() {
			s.settle()
		}
		s.closed.Store(true)
		s.inbox.close()
		close(s.quit)
		if s.started.Load() {
			<-s.done
		}
	})
	return nil
}

func (s *Session) settle() {
	var settled <-chan struct{}
	_ = s.call(context.Background(), func() error {
		settled = s.core.shutdown()
		return nil
	})
	if settled == nil {
		return
	}
	timer := time.NewTimer(s.closeTimeout)
	defer timer.Stop()
	select {
	case <-settled:
	case <-timer.C:
		s.logger.Warn("[BLE] disconnect not confirmed before close", "timeout", s.closeTimeout)
		_ = s.call(context.Background(), func() error {
			s.core.machine.abandon()
			return nil
		})
	}
}

// StartScan begins a supervised scan.
func (s *Session) StartScan(ctx context.Context, settings ScanSettings) error {
	return s.call(ctx, func() error { return s.core.startScan(settings) })
}

// StopScan ends the scan. Stopping when idle is not an error.
func (s *Session) StopScan(ctx context.Context) error {
	return s.call(ctx, s.core.stopScan)
}

// Connect starts connecting to address. Completion is reported as a
// ConnectionStateChanged event.
func (s *Session) Connect(ctx context.Context, address string) error {
	return s.call(ctx, func() error { return s.core.connect(address) })
}

// Disconnect starts closing the live connection.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.call(ctx, s.core.disconnect)
}

// Submit queues op and returns its sequence number, which the matching
// OperationCompleted event carries.
func (s *Session) Submit(ctx context.Context, op Operation) (uint64, error) {
	var seq uint64
	err := s.call(ctx, func() error {
		var err error
		seq, err = s.core.submit(op)
		return err
	})
	return seq, err
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.core.machine.State()
}

// Subscribe registers handler for every session event.
// Returns an unsubscribe function.
func (s *Session) Subscribe(handler Handler) func() {
	return s.bus.SubscribeAll(handler)
}
