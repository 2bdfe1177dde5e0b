package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	apperrors "github.com/elfops/aegis/pkg/errors"
	"github.com/elfops/aegis/pkg/logging"
	"github.com/elfops/aegis/pkg/metrics"
)

// RetryPolicy computes the delay before a retry. Attempt numbering starts
// at 1 for the first retry; the policy panics on attempt <= 0. The second
// return value is false once the policy is exhausted.
type RetryPolicy interface {
	NextDelay(attempt int) (time.Duration, bool)
	MaxAttempts() int
}

func checkAttempt(attempt int) {
	if attempt <= 0 {
		panic(fmt.Sprintf("retry attempt must be positive, got %d", attempt))
	}
}

// applyJitter spreads a delay by ±pct so simultaneous retriers don't
// synchronize against the same resource.
func applyJitter(delay time.Duration, pct float64) time.Duration {
	if pct <= 0 || delay <= 0 {
		return delay
	}
	spread := float64(delay) * pct
	jittered := float64(delay) + (rand.Float64()*2-1)*spread
	if jittered < 0 {
		return 0
	}
	return time.Duration(jittered)
}

// capDelay applies the MaxDelay ceiling; zero means uncapped
func capDelay(delay, max time.Duration) time.Duration {
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// FixedDelay waits the same duration before every retry
type FixedDelay struct {
	Delay     time.Duration
	Attempts  int
	Jitter    bool
	JitterPct float64
}

// NewFixedDelay builds a fixed-delay policy with maxAttempts retries
func NewFixedDelay(delay time.Duration, maxAttempts int) (*FixedDelay, error) {
	if delay < 0 {
		return nil, apperrors.NewValidationError("retry delay must not be negative")
	}
	if maxAttempts < 0 {
		return nil, apperrors.NewValidationError("retry maxAttempts must not be negative")
	}
	return &FixedDelay{Delay: delay, Attempts: maxAttempts, JitterPct: defaultJitterPct}, nil
}

func (p *FixedDelay) MaxAttempts() int { return p.Attempts }

func (p *FixedDelay) NextDelay(attempt int) (time.Duration, bool) {
	checkAttempt(attempt)
	if attempt > p.Attempts {
		return 0, false
	}
	delay := p.Delay
	if p.Jitter {
		delay = applyJitter(delay, p.jitterPct())
	}
	return delay, true
}

func (p *FixedDelay) jitterPct() float64 {
	if p.JitterPct > 0 {
		return p.JitterPct
	}
	return defaultJitterPct
}

// LinearBackoff grows the delay by a fixed increment each retry:
// base, base+inc, base+2*inc, ...
type LinearBackoff struct {
	BaseDelay time.Duration
	Increment time.Duration
	Attempts  int
	MaxDelay  time.Duration
	Jitter    bool
	JitterPct float64
}

// NewLinearBackoff builds a linear backoff policy with maxAttempts retries
func NewLinearBackoff(base, increment time.Duration, maxAttempts int) (*LinearBackoff, error) {
	if base < 0 {
		return nil, apperrors.NewValidationError("retry base delay must not be negative")
	}
	if increment < 0 {
		return nil, apperrors.NewValidationError("retry increment must not be negative")
	}
	if maxAttempts < 0 {
		return nil, apperrors.NewValidationError("retry maxAttempts must not be negative")
	}
	return &LinearBackoff{
		BaseDelay: base,
		Increment: increment,
		Attempts:  maxAttempts,
		JitterPct: defaultJitterPct,
	}, nil
}

func (p *LinearBackoff) MaxAttempts() int { return p.Attempts }

func (p *LinearBackoff) NextDelay(attempt int) (time.Duration, bool) {
	checkAttempt(attempt)
	if attempt > p.Attempts {
		return 0, false
	}
	delay := p.BaseDelay + time.Duration(attempt-1)*p.Increment
	delay = capDelay(delay, p.MaxDelay)
	if p.Jitter {
		delay = applyJitter(delay, p.jitterPct())
	}
	return delay, true
}

func (p *LinearBackoff) jitterPct() float64 {
	if p.JitterPct > 0 {
		return p.JitterPct
	}
	return defaultJitterPct
}

// ExponentialBackoff multiplies the delay each retry:
// base, base*mult, base*mult^2, ...
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	Multiplier float64
	Attempts   int
	MaxDelay   time.Duration
	Jitter     bool
	JitterPct  float64
}

const defaultJitterPct = 0.25

// NewExponentialBackoff builds an exponential backoff policy with
// maxAttempts retries
func NewExponentialBackoff(base time.Duration, multiplier float64, maxAttempts int) (*ExponentialBackoff, error) {
	if base < 0 {
		return nil, apperrors.NewValidationError("retry base delay must not be negative")
	}
	if multiplier < 1 {
		return nil, apperrors.NewValidationError("retry multiplier must be at least 1")
	}
	if maxAttempts < 0 {
		return nil, apperrors.NewValidationError("retry maxAttempts must not be negative")
	}
	return &ExponentialBackoff{
		BaseDelay:  base,
		Multiplier: multiplier,
		Attempts:   maxAttempts,
		JitterPct:  defaultJitterPct,
	}, nil
}

// DefaultExponentialBackoff is 1s base, doubling, 4 retries
func DefaultExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:  time.Second,
		Multiplier: 2,
		Attempts:   4,
		JitterPct:  defaultJitterPct,
	}
}

func (p *ExponentialBackoff) MaxAttempts() int { return p.Attempts }

func (p *ExponentialBackoff) NextDelay(attempt int) (time.Duration, bool) {
	checkAttempt(attempt)
	if attempt > p.Attempts {
		return 0, false
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	delay = capDelay(delay, p.MaxDelay)
	if p.Jitter {
		delay = applyJitter(delay, p.jitterPct())
	}
	return delay, true
}

func (p *ExponentialBackoff) jitterPct() float64 {
	if p.JitterPct > 0 {
		return p.JitterPct
	}
	return defaultJitterPct
}

// Retrier runs an operation under a retry policy
type Retrier struct {
	// Policy decides whether and how long to wait between attempts.
	// Default: DefaultExponentialBackoff
	Policy RetryPolicy
	// RetryableErrors decides whether a failure is worth retrying.
	// Default: DefaultRetryableErrors
	RetryableErrors func(err error) bool
	// OnRetry is called before each wait with the upcoming attempt number
	OnRetry func(attempt int, delay time.Duration, err error)
	// Operation labels log lines and metrics for this retrier
	Operation string
	// Recorder receives instrumentation events. Default: metrics.Nop()
	Recorder metrics.Recorder

	logger *logging.Logger
}

// NewRetrier creates a retrier with the given policy, using defaults for
// everything else
func NewRetrier(operation string, policy RetryPolicy) *Retrier {
	return &Retrier{
		Policy:    policy,
		Operation: operation,
	}
}

// Execute runs op, retrying per the policy until it succeeds, a
// non-retryable error occurs, the policy is exhausted, or ctx is done
func (r *Retrier) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := r.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, op(ctx)
	})
	return err
}

// ExecuteWithResult is Execute for operations that return a value
func (r *Retrier) ExecuteWithResult(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	policy := r.Policy
	if policy == nil {
		policy = DefaultExponentialBackoff()
	}
	retryable := r.RetryableErrors
	if retryable == nil {
		retryable = DefaultRetryableErrors
	}
	recorder := r.Recorder
	if recorder == nil {
		recorder = metrics.Nop()
	}
	logger := r.logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	var lastErr error
	attempts := 0

	for {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, &RetryExhaustedError{Attempts: attempts, Err: lastErr}
			}
			return nil, err
		}

		attempts++
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err) {
			return nil, err
		}

		delay, ok := policy.NextDelay(attempts)
		if !ok {
			return nil, &RetryExhaustedError{Attempts: attempts, Err: lastErr}
		}

		recorder.RetryAttempted(r.Operation, attempts)
		logger.LogRetryEvent(ctx, r.Operation, attempts, delay, err)
		if r.OnRetry != nil {
			r.OnRetry(attempts, delay, err)
		}

		select {
		case <-ctx.Done():
			return nil, &RetryExhaustedError{Attempts: attempts, Err: lastErr}
		case <-time.After(delay):
		}
	}
}

// RetryExhaustedError wraps the final error after all retries failed
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// IsRetryExhausted checks if an error is a retry exhaustion
func IsRetryExhausted(err error) bool {
	var reErr *RetryExhaustedError
	return errors.As(err, &reErr)
}

// DefaultRetryableErrors retries transient faults and skips errors that
// cannot succeed on a re-attempt: validation problems, missing entities,
// exhausted quotas, and circuit rejections.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}
	if IsCircuitOpen(err) {
		return false
	}
	switch apperrors.GetType(err) {
	case apperrors.ErrorTypeValidation,
		apperrors.ErrorTypeNotFound,
		apperrors.ErrorTypeConflict,
		apperrors.ErrorTypeExhausted:
		return false
	}
	return true
}
