package ble

import (
	"context"
	"io"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

// WatchdogOptions configures scan supervision.
type WatchdogOptions struct {
	PollInterval   time.Duration // how often the supervisor checks for silence
	RestartTimeout time.Duration // silence that triggers a restart
	RestartBurst   int           // restarts allowed per RestartWindow
	RestartWindow  time.Duration
}

// DefaultWatchdogOptions returns the defaults. The restart budget matches
// the five scan starts per 30 seconds most Android stacks tolerate.
func DefaultWatchdogOptions() WatchdogOptions {
	return WatchdogOptions{
		PollInterval:   100 * time.Millisecond,
		RestartTimeout: 3 * time.Second,
		RestartBurst:   5,
		RestartWindow:  30 * time.Second,
	}
}

func (o WatchdogOptions) withDefaults() WatchdogOptions {
	d := DefaultWatchdogOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.RestartTimeout <= 0 {
		o.RestartTimeout = d.RestartTimeout
	}
	if o.RestartBurst <= 0 {
		o.RestartBurst = d.RestartBurst
	}
	if o.RestartWindow <= 0 {
		o.RestartWindow = d.RestartWindow
	}
	return o
}

// ScanSession identifies one logical scan attempt.
type ScanSession struct {
	Token      ulid.ULID
	StartedAt  time.Time
	LastResult time.Time
}

// Watchdog owns the single live scan and restarts it when the radio goes
// quiet. Its methods run on the session loop.
type Watchdog struct {
	*env
	opts    WatchdogOptions
	limiter *rate.Limiter
	entropy io.Reader

	live     *ScanSession
	settings ScanSettings
	wanted   func() bool
	onResult func(ScanResult)
	cancel   context.CancelFunc
	restarts int
}

func newWatchdog(e *env, opts WatchdogOptions) *Watchdog {
	opts = opts.withDefaults()
	every := opts.RestartWindow / time.Duration(opts.RestartBurst)
	return &Watchdog{
		env:     e,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(every), opts.RestartBurst),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Start begins a scan. wanted is polled on every supervisor tick; once it
// returns false the scan is stopped. onResult receives results from the
// live session only.
func (w *Watchdog) Start(settings ScanSettings, wanted func() bool, onResult func(ScanResult)) error {
	if w.live != nil {
		return w.fail(OriginScan, opScan, ErrAlreadyScanning)
	}
	if err := preflight(w.driver); err != nil {
		return w.fail(OriginScan, opScan, err)
	}
	w.settings = settings
	w.wanted = wanted
	w.onResult = onResult
	if err := w.begin(); err != nil {
		return err
	}
	w.logger.Info("[BLE] scan started", "token", w.live.Token.String())
	return nil
}

// Stop ends the live scan. It is a no-op when nothing is scanning.
func (w *Watchdog) Stop() error {
	if w.live == nil {
		return nil
	}
	token := w.live.Token
	w.halt()
	if err := w.driver.StopScan(); err != nil {
		return w.fail(OriginScan, opScan, err)
	}
	w.logger.Info("[BLE] scan stopped", "token", token.String())
	return nil
}

// Scanning reports whether a scan session is live.
func (w *Watchdog) Scanning() bool { return w.live != nil }

// Session returns the live scan session.
func (w *Watchdog) Session() (ScanSession, bool) {
	if w.live == nil {
		return ScanSession{}, false
	}
	return *w.live, true
}

// Restarts returns how many self-healing restarts have happened.
func (w *Watchdog) Restarts() int { return w.restarts }

// begin mints a token, starts the driver scan and launches the supervisor.
func (w *Watchdog) begin() error {
	now := w.now()
	token := ulid.MustNew(ulid.Timestamp(now), w.entropy)
	err := w.driver.StartScan(w.settings,
		func(r ScanResult) { w.post(scanResultMsg{token: token, result: r}) },
		func(err error) { w.post(scanFailedMsg{token: token, err: err}) },
	)
	if err != nil {
		w.live = nil
		w.logger.Warn("[BLE] scan start failed", "error", err)
		return w.fail(OriginScan, opScan, err)
	}

	w.live = &ScanSession{Token: token, StartedAt: now, LastResult: now}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.supervise(ctx, token)
	return nil
}

// halt forgets the live session and stops its supervisor.
func (w *Watchdog) halt() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.live = nil
}

func (w *Watchdog) supervise(ctx context.Context, token ulid.ULID) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.post(scanTickMsg{token: token})
		}
	}
}

func (w *Watchdog) isLive(token ulid.ULID) bool {
	return w.live != nil && w.live.Token == token
}

func (w *Watchdog) handleTick(token ulid.ULID) {
	if !w.isLive(token) {
		return
	}
	if w.wanted != nil && !w.wanted() {
		w.logger.Debug("[BLE] scan no longer wanted")
		_ = w.Stop()
		return
	}
	idle := w.now().Sub(w.live.LastResult)
	if idle < w.opts.RestartTimeout {
		return
	}
	if !w.limiter.AllowN(w.now(), 1) {
		w.logger.Debug("[BLE] scan restart throttled", "idle", idle)
		return
	}

	w.logger.Info("[BLE] no scan results, restarting scan", "idle", idle, "token", token.String())
	w.halt()
	if err := w.driver.StopScan(); err != nil {
		w.logger.Warn("[BLE] stop before restart failed", "error", err)
	}
	w.restarts++
	_ = w.begin()
}

func (w *Watchdog) handleResult(token ulid.ULID, r ScanResult) {
	if !w.isLive(token) {
		w.logger.Debug("[BLE] discarding stale scan result", "address", r.Address)
		return
	}
	w.live.LastResult = w.now()
	if w.onResult != nil {
		w.onResult(r)
	}
}

func (w *Watchdog) handleFailure(token ulid.ULID, err error) {
	if !w.isLive(token) {
		return
	}
	w.halt()
	w.logger.Warn("[BLE] scan failed", "error", err)
	w.fail(OriginScan, opScan, err)
}
