package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/evolving-machines-lab/evolve/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call outright.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrorClassifier determines which errors count toward breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure errors, not user errors.
// Not-found responses and context cancellation never trip the breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsNotFound(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs and metrics
	Name string

	// FailureThreshold is the number of consecutive counted failures
	// before opening
	FailureThreshold int

	// SleepWindow is how long to wait before entering half-open state
	SleepWindow time.Duration

	// HalfOpenRequests is the number of test requests allowed in
	// half-open state before re-evaluating
	HalfOpenRequests int

	// Classifier decides which errors count; defaults to
	// DefaultErrorClassifier
	Classifier ErrorClassifier

	// Logger receives state-change events
	Logger core.Logger
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SleepWindow <= 0 {
		c.SleepWindow = 30 * time.Second
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = 1
	}
	if c.Classifier == nil {
		c.Classifier = DefaultErrorClassifier
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
	return c
}

// CircuitBreaker protects an outbound dependency from repeated failures.
// Zero value is not usable; construct with NewCircuitBreaker.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu               sync.Mutex
	state            CircuitState
	failures         int
	halfOpenInFlight int
	halfOpenSuccess  int
	openedAt         time.Time
}

// NewCircuitBreaker creates a circuit breaker in the closed state
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), state: StateClosed}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() CircuitState {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.SleepWindow {
		cb.transitionLocked(StateHalfOpen)
	}
	return cb.state
}

// Execute runs fn behind the breaker. Rejected calls fail fast with
// ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return &core.SwarmError{Op: cb.cfg.Name, Kind: "circuit", Err: ErrCircuitOpen}
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.stateLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.cfg.HalfOpenRequests {
			cb.halfOpenInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) record(err error) {
	counted := cb.cfg.Classifier(err)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if counted {
			cb.failures++
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.transitionLocked(StateOpen)
			}
		} else if err == nil {
			cb.failures = 0
		}
	case StateHalfOpen:
		cb.halfOpenInFlight--
		if counted {
			cb.transitionLocked(StateOpen)
			return
		}
		if err == nil {
			cb.halfOpenSuccess++
			if cb.halfOpenSuccess >= cb.cfg.HalfOpenRequests {
				cb.transitionLocked(StateClosed)
			}
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = time.Now()
	case StateClosed, StateHalfOpen:
		cb.failures = 0
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccess = 0
	}
	cb.cfg.Logger.Warn("circuit breaker state change", map[string]interface{}{
		"name": cb.cfg.Name,
		"from": from.String(),
		"to":   to.String(),
	})
}
