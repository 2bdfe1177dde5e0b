package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/elfops/aegis/pkg/errors"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, config CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(config)
	cb.now = clock.Now
	cb.stateChangedAt = clock.Now()
	return cb, clock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func fail(ctx context.Context) (interface{}, error) { return nil, errBoom }

func succeed(ctx context.Context) (interface{}, error) { return "ok", nil }

func TestCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "defaults"})

	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 60*time.Second, cb.recoveryTimeout)
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.isFailure(errBoom))
	assert.False(t, cb.isFailure(nil))
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t, CircuitBreakerConfig{Name: "threshold", FailureThreshold: 3})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cb.Execute(ctx, fail)
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, StateClosed, cb.State(), "breaker must stay closed below the threshold")
	}

	_, err := cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(t, CircuitBreakerConfig{Name: "reset-count", FailureThreshold: 3})
	ctx := context.Background()

	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	_, err := cb.Execute(ctx, succeed)
	require.NoError(t, err)

	// two more failures still shouldn't trip a threshold of 3
	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())

	cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerRejectsWhileOpen(t *testing.T) {
	cb, _ := newTestBreaker(t, CircuitBreakerConfig{Name: "rejects", FailureThreshold: 1})
	ctx := context.Background()

	cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	called := false
	_, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		called = true
		return nil, nil
	})

	require.Error(t, err)
	assert.True(t, IsCircuitOpen(err))
	assert.False(t, called, "rejected calls must not invoke the operation")

	var coErr *CircuitOpenError
	require.ErrorAs(t, err, &coErr)
	assert.Equal(t, "rejects", coErr.Name)
}

func TestCircuitBreakerRecoveryCycle(t *testing.T) {
	cb, clock := newTestBreaker(t, CircuitBreakerConfig{
		Name:             "recovery",
		FailureThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	})
	ctx := context.Background()

	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	// still open just inside the window
	clock.Advance(30 * time.Second)
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	// successful probe closes the circuit
	_, err := cb.Execute(ctx, succeed)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(t, CircuitBreakerConfig{
		Name:             "probe-fail",
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Second,
	})
	ctx := context.Background()

	cb.Execute(ctx, fail)
	clock.Advance(11 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// the failed probe restarts the recovery window
	clock.Advance(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreakerSingleProbe(t *testing.T) {
	cb, clock := newTestBreaker(t, CircuitBreakerConfig{
		Name:             "single-probe",
		FailureThreshold: 1,
		RecoveryTimeout:  5 * time.Second,
	})
	ctx := context.Background()

	cb.Execute(ctx, fail)
	clock.Advance(6 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeDone := make(chan error, 1)

	go func() {
		_, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			close(probeStarted)
			<-probeRelease
			return "ok", nil
		})
		probeDone <- err
	}()

	<-probeStarted

	// a second call while the probe is in flight is rejected
	_, err := cb.Execute(ctx, succeed)
	assert.True(t, IsCircuitOpen(err))

	close(probeRelease)
	require.NoError(t, <-probeDone)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerNonQualifyingErrors(t *testing.T) {
	cb, _ := newTestBreaker(t, CircuitBreakerConfig{
		Name:             "selective",
		FailureThreshold: 2,
		IsFailure: func(err error) bool {
			return !apperrors.IsType(err, apperrors.ErrorTypeValidation)
		},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, apperrors.NewValidationError("bad input")
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation), "caller error must propagate unchanged")
	}

	assert.Equal(t, StateClosed, cb.State())

	stats := cb.Stats()
	assert.Zero(t, stats.TotalCalls, "non-qualifying errors are not recorded")
	assert.Zero(t, stats.TotalFailures)
	assert.Zero(t, stats.FailureCount)
}

func TestCircuitBreakerNonQualifyingProbeKeepsHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(t, CircuitBreakerConfig{
		Name:             "probe-neutral",
		FailureThreshold: 1,
		RecoveryTimeout:  5 * time.Second,
		IsFailure: func(err error) bool {
			return !apperrors.IsType(err, apperrors.ErrorTypeValidation)
		},
	})
	ctx := context.Background()

	cb.Execute(ctx, fail)
	clock.Advance(6 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	// probe returns a caller error; the slot frees without deciding
	_, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, apperrors.NewValidationError("bad input")
	})
	require.Error(t, err)
	assert.Equal(t, StateHalfOpen, cb.State())

	// next probe can still close the circuit
	_, err = cb.Execute(ctx, succeed)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerStatsAccounting(t *testing.T) {
	cb, clock := newTestBreaker(t, CircuitBreakerConfig{
		Name:             "accounting",
		FailureThreshold: 2,
		RecoveryTimeout:  10 * time.Second,
	})
	ctx := context.Background()

	cb.Execute(ctx, succeed)
	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail) // opens
	cb.Execute(ctx, succeed)
	cb.Execute(ctx, succeed) // both rejected

	stats := cb.Stats()
	assert.Equal(t, "accounting", stats.Name)
	assert.Equal(t, "open", stats.State)
	assert.Equal(t, uint64(5), stats.TotalCalls)
	assert.Equal(t, uint64(1), stats.TotalSuccesses)
	assert.Equal(t, uint64(2), stats.TotalFailures)
	assert.Equal(t, uint64(2), stats.RejectedCalls)
	assert.Equal(t, stats.TotalCalls, stats.TotalSuccesses+stats.TotalFailures+stats.RejectedCalls)
	assert.Equal(t, 20.0, stats.SuccessRate)

	clock.Advance(5 * time.Second)
	assert.Equal(t, 5*time.Second, cb.Stats().TimeInState)
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, _ := newTestBreaker(t, CircuitBreakerConfig{Name: "manual-reset", FailureThreshold: 1})
	ctx := context.Background()

	cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())

	stats := cb.Stats()
	assert.Zero(t, stats.TotalCalls)
	assert.Zero(t, stats.TotalFailures)
	assert.Zero(t, stats.RejectedCalls)

	_, err := cb.Execute(ctx, succeed)
	assert.NoError(t, err)
}

func TestCircuitBreakerTrip(t *testing.T) {
	cb, clock := newTestBreaker(t, CircuitBreakerConfig{
		Name:            "manual-trip",
		RecoveryTimeout: 10 * time.Second,
	})

	cb.Trip()
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Call(func() (interface{}, error) { return "ok", nil })
	assert.True(t, IsCircuitOpen(err))

	// tripping behaves like a fresh failure for recovery purposes
	clock.Advance(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreakerPanicCountsAsFailure(t *testing.T) {
	cb, _ := newTestBreaker(t, CircuitBreakerConfig{Name: "panics", FailureThreshold: 1})
	ctx := context.Background()

	assert.Panics(t, func() {
		cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			panic("kaboom")
		})
	})

	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, uint64(1), cb.Stats().TotalFailures)
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	type change struct{ from, to CircuitState }
	var changes []change

	cb, clock := newTestBreaker(t, CircuitBreakerConfig{
		Name:             "callback",
		FailureThreshold: 1,
		RecoveryTimeout:  5 * time.Second,
		OnStateChange: func(name string, from, to CircuitState) {
			changes = append(changes, change{from, to})
		},
	})
	ctx := context.Background()

	cb.Execute(ctx, fail)
	clock.Advance(6 * time.Second)
	cb.Execute(ctx, succeed)

	require.Len(t, changes, 3)
	assert.Equal(t, change{StateClosed, StateOpen}, changes[0])
	assert.Equal(t, change{StateOpen, StateHalfOpen}, changes[1])
	assert.Equal(t, change{StateHalfOpen, StateClosed}, changes[2])
}

func TestCircuitBreakerConcurrentCalls(t *testing.T) {
	cb, _ := newTestBreaker(t, CircuitBreakerConfig{Name: "concurrent", FailureThreshold: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if (n+j)%2 == 0 {
					cb.Execute(ctx, succeed)
				} else {
					cb.Execute(ctx, fail)
				}
			}
		}(i)
	}
	wg.Wait()

	stats := cb.Stats()
	assert.Equal(t, uint64(1000), stats.TotalCalls)
	assert.Equal(t, stats.TotalCalls, stats.TotalSuccesses+stats.TotalFailures+stats.RejectedCalls)
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
}
