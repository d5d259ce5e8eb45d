package ble

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ReconnectPolicy decides whether and when the session reconnects after a
// connection failed or dropped without the user asking for it.
type ReconnectPolicy interface {
	// Next is called after failed attempt n (starting at 1). It returns the
	// delay before the next attempt, or false to give up.
	Next(attempt int, cause error) (time.Duration, bool)
	// Reset is called after a successful connection.
	Reset()
}

// NeverReconnect leaves reconnection to the caller.
type NeverReconnect struct{}

func (NeverReconnect) Next(int, error) (time.Duration, bool) { return 0, false }
func (NeverReconnect) Reset()                                {}

// BackoffPolicy retries immediately once, then with exponential backoff
// capped at Max. MaxAttempts of 0 retries forever.
type BackoffPolicy struct {
	Max         time.Duration
	MaxAttempts int
}

func (p BackoffPolicy) Next(attempt int, _ error) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	if attempt <= 1 {
		return 0, true
	}
	max := p.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	return backoffDelay(attempt-2, max), true
}

func (BackoffPolicy) Reset() {}

// backoffDelay returns the delay for attempt n (1s, 2s, 4s, ...), capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 1<<31 seconds already dwarfs any sane cap; larger shifts overflow.
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// BreakerPolicy wraps another policy with a circuit breaker that gives up
// after MaxFailures consecutive failed attempts. A successful connection
// closes the breaker again.
type BreakerPolicy struct {
	inner       ReconnectPolicy
	maxFailures uint32
	logger      *slog.Logger
	breaker     *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerPolicy wraps inner. A nil logger uses slog.Default().
func NewBreakerPolicy(inner ReconnectPolicy, maxFailures uint32, logger *slog.Logger) *BreakerPolicy {
	if maxFailures == 0 {
		maxFailures = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &BreakerPolicy{inner: inner, maxFailures: maxFailures, logger: logger}
	p.breaker = p.newBreaker()
	return p
}

func (p *BreakerPolicy) newBreaker() *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "ble:reconnect",
		MaxRequests: 1,
		// Stays open until a manual connect succeeds and Reset swaps it out.
		Timeout: 24 * time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("[BLE] reconnect breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

func (p *BreakerPolicy) Next(attempt int, cause error) (time.Duration, bool) {
	if cause == nil {
		cause = ErrConnectionLost
	}
	_, _ = p.breaker.Execute(func() (struct{}, error) { return struct{}{}, cause })
	if p.breaker.State() == gobreaker.StateOpen {
		p.logger.Warn("[BLE] giving up on reconnect", "attempts", attempt)
		return 0, false
	}
	return p.inner.Next(attempt, cause)
}

func (p *BreakerPolicy) Reset() {
	p.breaker = p.newBreaker()
	p.inner.Reset()
}
