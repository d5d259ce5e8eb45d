package ble

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

var (
	testService = uuid.MustParse("19b10000-e8f2-537e-4f6c-d104768a1214")
	testCharA   = uuid.MustParse("19b10001-e8f2-537e-4f6c-d104768a1214")
	testCharB   = uuid.MustParse("19b10002-e8f2-537e-4f6c-d104768a1214")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func eventsOf[T Event](r *recorder) []T {
	var out []T
	for _, e := range r.all() {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func (r *recorder) states() []State {
	var out []State
	for _, e := range eventsOf[ConnectionStateChanged](r) {
		out = append(out, e.State)
	}
	return out
}

func (r *recorder) errorKinds() []ErrorKind {
	var out []ErrorKind
	for _, e := range eventsOf[ErrorEvent](r) {
		out = append(out, e.Kind())
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testOptions never ticks the watchdog on its own and has no operation
// timeout, so nothing fires behind the test's back. Close gives up on an
// unconfirmed disconnect quickly.
func testOptions() Options {
	return Options{
		Watchdog: WatchdogOptions{
			PollInterval:   time.Hour,
			RestartTimeout: 3 * time.Second,
			RestartBurst:   5,
			RestartWindow:  30 * time.Second,
		},
		Reconnect:    NeverReconnect{},
		CloseTimeout: 50 * time.Millisecond,
	}
}

// newTestCore builds a core whose intake delivers synchronously, so driver
// completions triggered by the test are fully processed when they return.
func newTestCore(t *testing.T, d *mockDriver, opts Options) (*core, *recorder, *fakeClock) {
	t.Helper()
	rec := &recorder{}
	clk := newFakeClock()
	e := &env{
		driver:  d,
		logger:  discardLogger(),
		publish: rec.publish,
		now:     clk.Now,
	}
	var c *core
	e.post = func(m message) { c.handle(m) }
	c = newCore(e, opts)
	c.machine.start()
	t.Cleanup(func() { c.shutdown() })
	return c, rec, clk
}

// connectCore drives the core to ConnectedReady and returns the link.
func connectCore(t *testing.T, c *core, d *mockDriver) *mockLink {
	t.Helper()
	require.NoError(t, c.connect(testAddress))
	_, _, connects, _, _ := d.counts()
	link := d.completeConnect(connects-1, nil)
	require.Equal(t, StateConnectedReady, c.machine.State())
	return link
}
