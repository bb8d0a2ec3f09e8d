package risk

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrCircuitBreakerOpen means new orders are refused until Resume.
var ErrCircuitBreakerOpen = errors.New("circuit breaker open")

type CircuitBreakerConfig struct {
	// MaxConsecutiveErrors trips the breaker after that many failed
	// placements in a row. <= 0 disables it.
	MaxConsecutiveErrors int64
}

// CircuitBreaker stops new order placement after repeated broker failures.
// A nil *CircuitBreaker allows everything.
type CircuitBreaker struct {
	halted               atomic.Bool
	consecutiveErrors    atomic.Int64
	maxConsecutiveErrors atomic.Int64
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveErrors.Store(cfg.MaxConsecutiveErrors)
}

// Halt trips the breaker by hand.
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.halted.Store(true)
}

// Resume re-enables trading and clears the error count.
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
	cb.consecutiveErrors.Store(0)
}

func (cb *CircuitBreaker) Halted() bool {
	return cb != nil && cb.halted.Load()
}

func (cb *CircuitBreaker) AllowTrading() error {
	if cb == nil {
		return nil
	}
	if cb.halted.Load() {
		return ErrCircuitBreakerOpen
	}
	maxErr := cb.maxConsecutiveErrors.Load()
	if maxErr > 0 && cb.consecutiveErrors.Load() >= maxErr {
		cb.halted.Store(true)
		return ErrCircuitBreakerOpen
	}
	return nil
}

func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Store(0)
}

func (cb *CircuitBreaker) OnError() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Add(1)
}
