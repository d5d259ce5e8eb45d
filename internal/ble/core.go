package ble

import "time"

// core wires the watchdog, machine and queue together and routes loop
// messages to them. It holds no locks: every method runs on the loop.
type core struct {
	*env
	watchdog *Watchdog
	machine  *Machine
	queue    *Queue

	policy       ReconnectPolicy
	scanWanted   bool
	reconnectGen uint64
	attempt      int
	retry        *time.Timer
	closing      bool
	settled      chan struct{} // closed once shutdown reaches Disconnected
}

func newCore(e *env, opts Options) *core {
	c := &core{
		env:      e,
		watchdog: newWatchdog(e, opts.Watchdog),
		machine:  newMachine(e),
		policy:   opts.Reconnect,
	}
	if c.policy == nil {
		c.policy = NeverReconnect{}
	}
	c.queue = newQueue(e, c.machine, opts.OperationTimeout)
	c.machine.onLeave = c.queue.reset
	c.machine.onConnected = c.connected
	c.machine.onDropped = c.dropped

	e.driver.SetLinkHandlers(
		func(link Link, n Notification) { e.post(notificationMsg{link: link, notification: n}) },
		func(link Link, err error) { e.post(linkLostMsg{link: link, err: err}) },
	)
	return c
}

func (c *core) handle(m message) {
	switch m := m.(type) {
	case scanResultMsg:
		c.watchdog.handleResult(m.token, m.result)
	case scanFailedMsg:
		c.watchdog.handleFailure(m.token, m.err)
	case scanTickMsg:
		c.watchdog.handleTick(m.token)
	case connectDoneMsg:
		c.machine.handleConnectDone(m)
	case disconnectDoneMsg:
		c.machine.handleDisconnectDone(m)
	case linkLostMsg:
		c.machine.handleLinkLost(m)
	case notificationMsg:
		c.notify(m)
	case opDoneMsg:
		c.queue.handleDone(m)
	case opTimeoutMsg:
		c.queue.handleTimeout(m)
	case reconnectDueMsg:
		c.reconnect(m)
	case commandMsg:
		m.reply <- m.run()
	default:
		c.logger.Error("[BLE] unhandled message", "type", m)
	}
	if c.settled != nil && c.machine.State() == StateDisconnected {
		close(c.settled)
		c.settled = nil
	}
}

func (c *core) startScan(settings ScanSettings) error {
	if err := c.watchdog.Start(settings, func() bool { return c.scanWanted }, c.scanResult); err != nil {
		return err
	}
	c.scanWanted = true
	return nil
}

func (c *core) stopScan() error {
	c.scanWanted = false
	return c.watchdog.Stop()
}

func (c *core) scanResult(r ScanResult) {
	token := c.watchdog.live.Token
	c.publish(ScanResultEvent{Token: token, Result: r})
}

// connect stops any running scan before the driver connects. A rejected
// request leaves the scan and any pending reconnect alone.
func (c *core) connect(address string) error {
	if err := c.machine.checkConnect(address); err != nil {
		return c.machine.reject(address, err)
	}
	c.cancelReconnect()
	if c.watchdog.Scanning() {
		if err := c.stopScan(); err != nil {
			c.logger.Warn("[BLE] stop scan before connect failed", "error", err)
		}
	}
	c.machine.dial(address)
	return nil
}

func (c *core) disconnect() error {
	c.cancelReconnect()
	return c.machine.Disconnect()
}

func (c *core) submit(op Operation) (uint64, error) {
	return c.queue.Enqueue(op)
}

func (c *core) notify(m notificationMsg) {
	link, ok := c.machine.link()
	if !ok || link != m.link {
		c.logger.Debug("[BLE] discarding notification from stale link")
		return
	}
	n := m.notification
	n.Value = cloneBytes(n.Value)
	c.publish(NotificationEvent{Notification: n})
}

func (c *core) connected(string) {
	c.attempt = 0
	c.policy.Reset()
	if c.closing {
		_ = c.machine.Disconnect()
	}
}

func (c *core) dropped(address string, cause error) {
	if c.closing {
		return
	}
	c.attempt++
	delay, ok := c.policy.Next(c.attempt, cause)
	if !ok {
		c.logger.Info("[BLE] not reconnecting", "address", address, "attempts", c.attempt)
		c.attempt = 0
		return
	}
	c.reconnectGen++
	gen := c.reconnectGen
	c.logger.Info("[BLE] reconnect scheduled", "address", address, "attempt", c.attempt, "delay", delay)
	c.retry = time.AfterFunc(delay, func() {
		c.post(reconnectDueMsg{gen: gen, address: address})
	})
}

func (c *core) reconnect(m reconnectDueMsg) {
	if m.gen != c.reconnectGen || c.machine.State() != StateDisconnected {
		return
	}
	c.retry = nil
	if err := c.machine.Connect(m.address); err != nil {
		// Rejected before reaching the driver, so no completion will
		// consult the policy for us.
		if KindOf(err).Recoverable() {
			c.dropped(m.address, err)
		}
	}
}

func (c *core) cancelReconnect() {
	c.reconnectGen++
	c.attempt = 0
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// shutdown stops the scan and releases the link. The returned channel is
// closed once the machine is back in Disconnected; it is nil when nothing
// needs to settle.
func (c *core) shutdown() <-chan struct{} {
	c.closing = true
	c.cancelReconnect()
	_ = c.stopScan()
	c.queue.stopTimer()
	if c.machine.State().Connected() {
		_ = c.machine.Disconnect()
	}
	switch c.machine.State() {
	case StateNone, StateDisconnected:
		return nil
	}
	if c.settled == nil {
		c.settled = make(chan struct{})
	}
	return c.settled
}
