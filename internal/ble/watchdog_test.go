package ble

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liveToken(t *testing.T, c *core) ScanSession {
	t.Helper()
	s, ok := c.watchdog.Session()
	require.True(t, ok, "no live scan session")
	return s
}

func TestWatchdogStartAndStop(t *testing.T) {
	d := newMockDriver()
	c, rec, _ := newTestCore(t, d, testOptions())

	settings := ScanSettings{Services: []uuid.UUID{testService}}
	require.NoError(t, c.startScan(settings))
	assert.True(t, c.watchdog.Scanning())
	require.Len(t, d.scans, 1)
	assert.Equal(t, settings, d.scans[0].settings)

	require.NoError(t, c.stopScan())
	assert.False(t, c.watchdog.Scanning())
	_, stops, _, _, _ := d.counts()
	assert.Equal(t, 1, stops)

	// Stopping again is a no-op.
	require.NoError(t, c.stopScan())
	_, stops, _, _, _ = d.counts()
	assert.Equal(t, 1, stops)
	assert.Empty(t, rec.errorKinds())
}

func TestWatchdogRejectsSecondScan(t *testing.T) {
	d := newMockDriver()
	c, rec, _ := newTestCore(t, d, testOptions())

	require.NoError(t, c.startScan(ScanSettings{}))
	first := liveToken(t, c)

	err := c.startScan(ScanSettings{})
	require.ErrorIs(t, err, ErrAlreadyScanning)
	assert.Equal(t, []ErrorKind{KindAlreadyScanning}, rec.errorKinds())

	scans, _, _, _, _ := d.counts()
	assert.Equal(t, 1, scans)
	assert.Equal(t, first.Token, liveToken(t, c).Token)
}

func TestWatchdogPublishesResultsWithToken(t *testing.T) {
	d := newMockDriver()
	c, rec, clk := newTestCore(t, d, testOptions())

	require.NoError(t, c.startScan(ScanSettings{}))
	session := liveToken(t, c)

	clk.Advance(time.Second)
	r := ScanResult{Address: testAddress, Name: "sensor", RSSI: -60}
	d.scanResult(0, r)

	results := eventsOf[ScanResultEvent](rec)
	require.Len(t, results, 1)
	assert.Equal(t, session.Token, results[0].Token)
	assert.Equal(t, r, results[0].Result)
	assert.Equal(t, clk.Now(), liveToken(t, c).LastResult)
}

func TestWatchdogRestartsSilentScan(t *testing.T) {
	d := newMockDriver()
	c, rec, clk := newTestCore(t, d, testOptions())

	require.NoError(t, c.startScan(ScanSettings{}))
	first := liveToken(t, c)

	// Within the restart timeout nothing happens.
	clk.Advance(2 * time.Second)
	c.handle(scanTickMsg{token: first.Token})
	scans, _, _, _, _ := d.counts()
	require.Equal(t, 1, scans)

	clk.Advance(2 * time.Second)
	c.handle(scanTickMsg{token: first.Token})

	scans, stops, _, _, _ := d.counts()
	assert.Equal(t, 2, scans)
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, c.watchdog.Restarts())

	second := liveToken(t, c)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, -1, first.Token.Compare(second.Token), "tokens must increase")

	// A tick for the replaced session is ignored.
	clk.Advance(10 * time.Second)
	c.handle(scanTickMsg{token: first.Token})
	scans, _, _, _, _ = d.counts()
	assert.Equal(t, 2, scans)

	// Results from the replaced session are discarded.
	d.scanResult(0, ScanResult{Address: testAddress})
	assert.Empty(t, eventsOf[ScanResultEvent](rec))

	d.scanResult(1, ScanResult{Address: testAddress})
	results := eventsOf[ScanResultEvent](rec)
	require.Len(t, results, 1)
	assert.Equal(t, second.Token, results[0].Token)
}

func TestWatchdogRestartsAtTimeout(t *testing.T) {
	d := newMockDriver()
	opts := testOptions()
	c, _, clk := newTestCore(t, d, opts)

	require.NoError(t, c.startScan(ScanSettings{}))

	clk.Advance(opts.Watchdog.RestartTimeout)
	c.handle(scanTickMsg{token: liveToken(t, c).Token})

	scans, stops, _, _, _ := d.counts()
	assert.Equal(t, 2, scans)
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, c.watchdog.Restarts())
}

func TestWatchdogResultsKeepScanAlive(t *testing.T) {
	d := newMockDriver()
	c, _, clk := newTestCore(t, d, testOptions())

	require.NoError(t, c.startScan(ScanSettings{}))
	token := liveToken(t, c).Token

	for i := 0; i < 5; i++ {
		clk.Advance(2 * time.Second)
		d.scanResult(0, ScanResult{Address: testAddress})
		c.handle(scanTickMsg{token: token})
	}

	scans, _, _, _, _ := d.counts()
	assert.Equal(t, 1, scans)
	assert.Zero(t, c.watchdog.Restarts())
}

func TestWatchdogThrottlesRestarts(t *testing.T) {
	d := newMockDriver()
	opts := testOptions()
	opts.Watchdog.RestartBurst = 1
	opts.Watchdog.RestartWindow = 30 * time.Second
	c, _, clk := newTestCore(t, d, opts)

	require.NoError(t, c.startScan(ScanSettings{}))

	clk.Advance(4 * time.Second)
	c.handle(scanTickMsg{token: liveToken(t, c).Token})
	require.Equal(t, 1, c.watchdog.Restarts())

	// Silent again, but the budget is spent.
	clk.Advance(4 * time.Second)
	c.handle(scanTickMsg{token: liveToken(t, c).Token})
	assert.Equal(t, 1, c.watchdog.Restarts())
	assert.True(t, c.watchdog.Scanning())

	clk.Advance(30 * time.Second)
	c.handle(scanTickMsg{token: liveToken(t, c).Token})
	assert.Equal(t, 2, c.watchdog.Restarts())
}

func TestWatchdogStopsUnwantedScan(t *testing.T) {
	d := newMockDriver()
	c, _, _ := newTestCore(t, d, testOptions())

	require.NoError(t, c.startScan(ScanSettings{}))
	token := liveToken(t, c).Token

	c.scanWanted = false
	c.handle(scanTickMsg{token: token})

	assert.False(t, c.watchdog.Scanning())
	_, stops, _, _, _ := d.counts()
	assert.Equal(t, 1, stops)
}

func TestWatchdogScanFailure(t *testing.T) {
	d := newMockDriver()
	c, rec, _ := newTestCore(t, d, testOptions())

	require.NoError(t, c.startScan(ScanSettings{}))
	d.scanFailure(0, fmt.Errorf("scan: %w", ErrLocationDisabled))

	assert.False(t, c.watchdog.Scanning())
	assert.Equal(t, []ErrorKind{KindLocationServiceDisabled}, rec.errorKinds())

	errs := eventsOf[ErrorEvent](rec)
	require.Len(t, errs, 1)
	assert.Equal(t, OriginScan, errs[0].From)

	// A new scan can be started after a failure.
	require.NoError(t, c.startScan(ScanSettings{}))
	assert.True(t, c.watchdog.Scanning())
}

func TestWatchdogStartFailures(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*mockDriver)
		want   ErrorKind
	}{
		{
			name:   "adapter missing",
			modify: func(d *mockDriver) { d.present = false },
			want:   KindAdapterMissing,
		},
		{
			name:   "adapter disabled",
			modify: func(d *mockDriver) { d.enabled = false },
			want:   KindAdapterDisabled,
		},
		{
			name:   "permission denied",
			modify: func(d *mockDriver) { d.enabledErr = ErrPermissionDenied },
			want:   KindScanPermissionDenied,
		},
		{
			name:   "scanner unavailable",
			modify: func(d *mockDriver) { d.startErr = fmt.Errorf("le scan: %w", ErrScannerUnavailable) },
			want:   KindScannerUnavailable,
		},
		{
			name:   "driver error",
			modify: func(d *mockDriver) { d.startErr = errors.New("hci0: busy") },
			want:   KindDriverFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newMockDriver()
			tt.modify(d)
			c, rec, _ := newTestCore(t, d, testOptions())

			err := c.startScan(ScanSettings{})
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
			assert.Equal(t, []ErrorKind{tt.want}, rec.errorKinds())
			assert.False(t, c.watchdog.Scanning())
			assert.False(t, c.scanWanted)
		})
	}
}

func TestConnectStopsScan(t *testing.T) {
	d := newMockDriver()
	c, _, _ := newTestCore(t, d, testOptions())

	require.NoError(t, c.startScan(ScanSettings{}))
	require.NoError(t, c.connect(testAddress))

	assert.False(t, c.watchdog.Scanning())
	_, stops, connects, _, _ := d.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, connects)
}

func TestRejectedConnectKeepsScan(t *testing.T) {
	tests := []struct {
		name    string
		address string
		setup   func(t *testing.T, c *core, d *mockDriver)
		disable bool
		want    ErrorKind
	}{
		{
			name:    "already connected",
			address: testAddress,
			setup: func(t *testing.T, c *core, d *mockDriver) {
				connectCore(t, c, d)
			},
			want: KindInvalidStateTransition,
		},
		{
			name:    "empty address",
			address: "",
			setup:   func(*testing.T, *core, *mockDriver) {},
			want:    KindInvalidAddress,
		},
		{
			name:    "adapter disabled",
			address: testAddress,
			setup:   func(*testing.T, *core, *mockDriver) {},
			disable: true,
			want:    KindAdapterDisabled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newMockDriver()
			c, rec, _ := newTestCore(t, d, testOptions())
			tt.setup(t, c, d)
			require.NoError(t, c.startScan(ScanSettings{}))
			if tt.disable {
				d.mu.Lock()
				d.enabled = false
				d.mu.Unlock()
			}
			_, stopsBefore, connectsBefore, _, _ := d.counts()
			rec.reset()

			err := c.connect(tt.address)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))

			assert.True(t, c.watchdog.Scanning())
			_, stops, connects, _, _ := d.counts()
			assert.Equal(t, stopsBefore, stops)
			assert.Equal(t, connectsBefore, connects)
			assert.Equal(t, []ErrorKind{tt.want}, rec.errorKinds())
			assert.Empty(t, rec.states())
		})
	}
}
