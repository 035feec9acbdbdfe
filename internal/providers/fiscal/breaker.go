package fiscal

import (
	"sync"
	"time"

	"github.com/smallbiznis/hotelier/internal/clock"
	fiscaldomain "github.com/smallbiznis/hotelier/internal/providers/fiscal/domain"
)

// BreakerState is the circuit state around provider calls.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var ErrCircuitOpen = fiscaldomain.ErrCircuitOpen

type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that trip the circuit
	SuccessThreshold int           // consecutive half-open successes that close it
	OpenTimeout      time.Duration // time open before a probe is allowed
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
}

// Breaker fails fast while the provider is unreachable. Only infrastructure
// failures count; business rejections mean the provider is healthy.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failureCount     int
	successCount     int
	lastFailure      time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	clock            clock.Clock
	onChange         func(BreakerState)
}

func NewBreaker(cfg BreakerConfig, clk clock.Clock, onChange func(BreakerState)) *Breaker {
	defaults := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaults.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaults.OpenTimeout
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Breaker{
		state:            BreakerClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
		clock:            clk,
		onChange:         onChange,
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Execute runs fn unless the circuit is open. An error from fn counts as a failure.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	b.refresh()
	if b.state == BreakerOpen {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// refresh moves open to half-open once the timeout elapsed. Caller holds mu.
func (b *Breaker) refresh() {
	if b.state == BreakerOpen && b.clock.Now().Sub(b.lastFailure) >= b.openTimeout {
		b.successCount = 0
		b.transition(BreakerHalfOpen)
	}
}

func (b *Breaker) onFailure() {
	b.failureCount++
	b.lastFailure = b.clock.Now()

	switch b.state {
	case BreakerClosed:
		if b.failureCount >= b.failureThreshold {
			b.successCount = 0
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.failureCount = 0
		b.transition(BreakerOpen)
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case BreakerClosed:
		b.failureCount = 0
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.failureCount = 0
			b.successCount = 0
			b.transition(BreakerClosed)
		}
	}
}

func (b *Breaker) transition(next BreakerState) {
	if b.state == next {
		return
	}
	b.state = next
	if b.onChange != nil {
		b.onChange(next)
	}
}

var _ fiscaldomain.CircuitGuard = (*Breaker)(nil)
