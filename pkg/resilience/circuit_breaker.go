package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/elfops/aegis/pkg/logging"
	"github.com/elfops/aegis/pkg/metrics"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, a single probe is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker, unique per protected resource
	Name string
	// FailureThreshold is the number of consecutive qualifying failures
	// before the circuit opens. Default: 5
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a probe
	// is permitted. Default: 60 seconds
	RecoveryTimeout time.Duration
	// IsFailure determines whether an error counts toward the threshold.
	// Errors it rejects propagate without touching circuit state.
	// Default: all non-nil errors count.
	IsFailure func(err error) bool
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from, to CircuitState)
	// Recorder receives instrumentation events. Default: metrics.Nop()
	Recorder metrics.Recorder
}

// CircuitBreaker is a state machine that stops calls to a failing resource
// once consecutive failures exceed a threshold, periodically permitting a
// single probe to test recovery.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	isFailure        func(err error) bool
	onStateChange    func(name string, from, to CircuitState)
	recorder         metrics.Recorder

	mutex           sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	stateChangedAt  time.Time
	probing         bool

	totalCalls     uint64
	totalSuccesses uint64
	totalFailures  uint64
	rejectedCalls  uint64

	logger *logging.Logger
	now    func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}
	if config.Recorder == nil {
		config.Recorder = metrics.Nop()
	}
	if config.Name == "" {
		config.Name = "circuit"
	}

	return &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		recoveryTimeout:  config.RecoveryTimeout,
		isFailure:        config.IsFailure,
		onStateChange:    config.OnStateChange,
		recorder:         config.Recorder,
		state:            StateClosed,
		stateChangedAt:   time.Now(),
		logger:           logging.GetLogger(),
		now:              time.Now,
	}
}

// Execute runs the operation if the circuit permits it. Errors rejected by
// IsFailure propagate unchanged and leave the circuit untouched.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := cb.beforeCall(); err != nil {
		return nil, err
	}

	start := cb.now()

	defer func() {
		if r := recover(); r != nil {
			cb.afterCall(fmt.Errorf("panic: %v", r), start)
			panic(r)
		}
	}()

	result, err := op(ctx)
	cb.afterCall(err, start)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Call is a convenience method wrapping Execute for operations that don't
// take a context
func (cb *CircuitBreaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	return cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return fn()
	})
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state, lazily moving an expired open circuit
// to half-open
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.currentStateLocked(cb.now())
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state := cb.currentStateLocked(now)

	switch state {
	case StateOpen:
		return cb.rejectLocked()
	case StateHalfOpen:
		if cb.probing {
			// A probe is already in flight; reject as if open.
			return cb.rejectLocked()
		}
		cb.probing = true
	}

	return nil
}

func (cb *CircuitBreaker) rejectLocked() error {
	cb.totalCalls++
	cb.rejectedCalls++
	cb.recorder.CircuitRejected(cb.name)
	return &CircuitOpenError{Name: cb.name}
}

func (cb *CircuitBreaker) afterCall(err error, start time.Time) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()

	switch {
	case err == nil:
		cb.onSuccessLocked(now)
		cb.recorder.CallCompleted(cb.name, "success", now.Sub(start))

	case cb.isFailure(err):
		cb.onFailureLocked(now)
		cb.recorder.CallCompleted(cb.name, "failure", now.Sub(start))

	default:
		// Not a resource fault; release the probe slot without deciding
		// the probe and leave all counters untouched.
		cb.probing = false
	}
}

func (cb *CircuitBreaker) onSuccessLocked(now time.Time) {
	cb.totalCalls++
	cb.totalSuccesses++
	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		cb.probing = false
		cb.transitionLocked(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailureLocked(now time.Time) {
	cb.totalCalls++
	cb.totalFailures++
	cb.lastFailureTime = now

	switch cb.state {
	case StateHalfOpen:
		cb.probing = false
		cb.transitionLocked(StateOpen, now)
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transitionLocked(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) currentStateLocked(now time.Time) CircuitState {
	if cb.state == StateOpen && !cb.lastFailureTime.IsZero() &&
		now.Sub(cb.lastFailureTime) > cb.recoveryTimeout {
		cb.transitionLocked(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) transitionLocked(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.stateChangedAt = now

	// failureCount is only meaningful while closed
	cb.failureCount = 0
	if state == StateHalfOpen {
		cb.probing = false
	}

	cb.recorder.CircuitStateChanged(cb.name, prev.String(), state.String())
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.LogCircuitEvent(context.Background(), cb.name, prev.String(), state.String(), nil)
}

// Stats is a point-in-time snapshot of circuit breaker counters. Field
// names are stable for dashboards.
type Stats struct {
	Name           string        `json:"name"`
	State          string        `json:"state"`
	FailureCount   int           `json:"failure_count"`
	TotalCalls     uint64        `json:"total_calls"`
	TotalSuccesses uint64        `json:"total_successes"`
	TotalFailures  uint64        `json:"total_failures"`
	RejectedCalls  uint64        `json:"rejected_calls"`
	SuccessRate    float64       `json:"success_rate"`
	StateChangedAt time.Time     `json:"state_changed_at"`
	TimeInState    time.Duration `json:"time_in_state"`
}

// Stats returns a snapshot of all counters
func (cb *CircuitBreaker) Stats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state := cb.currentStateLocked(now)

	successRate := 0.0
	if cb.totalCalls > 0 {
		successRate = float64(cb.totalSuccesses) / float64(cb.totalCalls) * 100
		successRate = math.Round(successRate*100) / 100
	}

	return Stats{
		Name:           cb.name,
		State:          state.String(),
		FailureCount:   cb.failureCount,
		TotalCalls:     cb.totalCalls,
		TotalSuccesses: cb.totalSuccesses,
		TotalFailures:  cb.totalFailures,
		RejectedCalls:  cb.rejectedCalls,
		SuccessRate:    successRate,
		StateChangedAt: cb.stateChangedAt,
		TimeInState:    now.Sub(cb.stateChangedAt),
	}
}

// Reset forces the circuit closed and clears all counters
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.logger.Info("Circuit breaker manually reset", "breaker", cb.name)

	cb.transitionLocked(StateClosed, cb.now())
	cb.failureCount = 0
	cb.lastFailureTime = time.Time{}
	cb.probing = false
	cb.totalCalls = 0
	cb.totalSuccesses = 0
	cb.totalFailures = 0
	cb.rejectedCalls = 0
}

// Trip forces the circuit open as if the threshold had just been breached
func (cb *CircuitBreaker) Trip() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.logger.Warn("Circuit breaker manually tripped", "breaker", cb.name)

	now := cb.now()
	cb.lastFailureTime = now
	cb.transitionLocked(StateOpen, now)
}

// CircuitOpenError signals the breaker rejected the call without attempting
// the underlying operation
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open - request rejected", e.Name)
}

// IsCircuitOpen checks if an error is a circuit rejection
func IsCircuitOpen(err error) bool {
	var coErr *CircuitOpenError
	return errors.As(err, &coErr)
}
