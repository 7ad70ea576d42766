package syncbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-claim/v1/metrics"
)

var ErrCircuitOpen = errors.New("syncbus: circuit breaker is open")

type breakerState int

const (
	closed breakerState = iota
	open
	halfOpen
)

// CircuitBreakerBus stops publishing release notifications after threshold
// consecutive failures and lets one trial publish through once cooldown has passed.
// Waiters keep polling the lock store meanwhile, so an open breaker only
// delays wake-ups.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger

	mu       sync.RWMutex
	state    breakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker wraps bus. A nil logger uses slog.Default().
func NewCircuitBreaker(bus Bus, threshold int, cooldown time.Duration, logger *slog.Logger) *CircuitBreakerBus {
	if threshold < 1 {
		threshold = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerBus{bus: bus, threshold: threshold, cooldown: cooldown, logger: logger}
}

// IsHealthy reports whether the next Publish would reach the bus.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	switch cb.state {
	case open:
		return time.Since(cb.openedAt) > cb.cooldown
	case halfOpen:
		return false
	}
	return true
}

func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case closed:
		return true
	case open:
		if time.Since(cb.openedAt) > cb.cooldown {
			cb.state = halfOpen
			return true
		}
	}
	// one trial publish at a time
	return false
}

func (cb *CircuitBreakerBus) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		if cb.state != closed {
			cb.logger.Info("claim: release bus recovered")
		}
		cb.state = closed
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == halfOpen || cb.failures >= cb.threshold {
		if cb.state == closed {
			metrics.BusTripCounter.Inc()
			cb.logger.Warn("claim: release bus circuit opened", "failures", cb.failures, "error", err)
		}
		cb.state = open
		cb.openedAt = time.Now()
	}
}

func (cb *CircuitBreakerBus) abandon() {
	cb.mu.Lock()
	if cb.state == halfOpen {
		cb.state = open
	}
	cb.mu.Unlock()
}

// Publish forwards to the wrapped bus unless the circuit is open.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, topic string) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, topic)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// the caller gave up; not a transport failure
		cb.abandon()
		return err
	}
	cb.record(err)
	return err
}

// Subscribe is passed through; a failed subscription only degrades the
// subscriber to polling.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	return cb.bus.Subscribe(ctx, topic)
}

func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, topic, ch)
}
