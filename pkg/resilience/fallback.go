package resilience

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/elfops/aegis/pkg/errors"
	"github.com/elfops/aegis/pkg/logging"
	"github.com/elfops/aegis/pkg/metrics"
	"github.com/elfops/aegis/pkg/resources"
)

var tracer = otel.Tracer("aegis/resilience")

// Operation is a unit of work the resilience layers wrap
type Operation func(ctx context.Context) (interface{}, error)

// WithRetry wraps op so it runs under the retrier
func WithRetry(r *Retrier, op Operation) Operation {
	return func(ctx context.Context) (interface{}, error) {
		return r.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
			return op(ctx)
		})
	}
}

// WithCircuitBreaker wraps op so it runs through the breaker
func WithCircuitBreaker(cb *CircuitBreaker, op Operation) Operation {
	return func(ctx context.Context) (interface{}, error) {
		return cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return op(ctx)
		})
	}
}

// WithFallback wraps op so fallback runs when op fails. The fallback
// receives the primary's error; if the fallback also fails, the
// fallback's failure propagates, keeping the primary's error reachable
// as its cause.
func WithFallback(fallback func(ctx context.Context, cause error) (interface{}, error), op Operation) Operation {
	return func(ctx context.Context) (interface{}, error) {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if fallback == nil {
			return nil, err
		}
		result, fbErr := fallback(ctx, err)
		if fbErr != nil {
			return nil, fallbackFailure(fbErr, err)
		}
		return result, nil
	}
}

// fallbackFailure propagates the fallback's own error with the primary
// failure attached as its cause.
func fallbackFailure(fbErr, primary error) error {
	if appErr, ok := fbErr.(*apperrors.AppError); ok && appErr.Cause == nil {
		return appErr.WithCause(primary)
	}
	return fmt.Errorf("%w (primary: %v)", fbErr, primary)
}

// Source identifies which path produced an outcome
type Source int

const (
	// SourcePrimary - the protected operation itself succeeded
	SourcePrimary Source = iota
	// SourceFallback - the fallback produced the value
	SourceFallback
)

func (s Source) String() string {
	if s == SourceFallback {
		return "fallback"
	}
	return "primary"
}

// Outcome reports how a protected call was served
type Outcome struct {
	Value    interface{}
	Source   Source
	Attempts int
	Duration time.Duration
}

// ProtectorConfig holds configuration for a protector
type ProtectorConfig struct {
	// Resources gates calls on dependency availability; optional
	Resources *resources.Manager
	// Registry provides the per-operation circuit breakers; required
	Registry *Registry
	// Breaker is the template config for breakers the protector creates.
	// Name is overwritten with the operation name.
	Breaker CircuitBreakerConfig
	// Policy is the retry policy applied inside the breaker.
	// Default: DefaultExponentialBackoff
	Policy RetryPolicy
	// OnFallback is called whenever the fallback path is taken
	OnFallback func(operation string, cause error)
	// Recorder receives instrumentation events. Default: metrics.Nop()
	Recorder metrics.Recorder
}

// Protector composes resource gating, circuit breaking, retries and
// fallbacks into a single entry point. Layering per call, outermost
// first: resource gate, fallback, circuit breaker, retry.
type Protector struct {
	resources  *resources.Manager
	registry   *Registry
	breaker    CircuitBreakerConfig
	policy     RetryPolicy
	onFallback func(operation string, cause error)
	recorder   metrics.Recorder
	logger     *logging.Logger
}

// NewProtector creates a protector. A nil registry gets a fresh one.
func NewProtector(config ProtectorConfig) *Protector {
	if config.Registry == nil {
		config.Registry = NewRegistry(config.Recorder)
	}
	if config.Policy == nil {
		config.Policy = DefaultExponentialBackoff()
	}
	if config.Recorder == nil {
		config.Recorder = metrics.Nop()
	}
	return &Protector{
		resources:  config.Resources,
		registry:   config.Registry,
		breaker:    config.Breaker,
		policy:     config.Policy,
		onFallback: config.OnFallback,
		recorder:   config.Recorder,
		logger:     logging.GetLogger(),
	}
}

// Breaker returns the circuit breaker backing the named operation,
// creating it on first use
func (p *Protector) Breaker(operation string) *CircuitBreaker {
	return p.registry.GetOrCreate(operation, p.breaker)
}

// Execute runs op under the full protection stack. The resource, when
// non-empty and registered, must not be exhausted or the call goes
// straight to the fallback. The returned outcome says which path served
// the value and how many attempts the primary made.
func (p *Protector) Execute(ctx context.Context, operation, resourceName string, op Operation, fallback func(ctx context.Context, cause error) (interface{}, error)) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "resilience.execute", trace.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("resource", resourceName),
	))
	defer span.End()

	start := time.Now()
	attempts := 0

	primary := func(ctx context.Context) (interface{}, error) {
		if err := p.gate(ctx, resourceName); err != nil {
			return nil, err
		}

		retrier := &Retrier{
			Policy:    p.policy,
			Operation: operation,
			Recorder:  p.recorder,
		}
		cb := p.Breaker(operation)

		// The whole retry sequence runs as one breaker-guarded call, so
		// an exhausted sequence counts as a single failure.
		return cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return retrier.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
				attempts++
				return op(ctx)
			})
		})
	}

	value, err := primary(ctx)
	if err == nil {
		span.SetAttributes(attribute.String("source", SourcePrimary.String()))
		return &Outcome{
			Value:    value,
			Source:   SourcePrimary,
			Attempts: attempts,
			Duration: time.Since(start),
		}, nil
	}

	if fallback == nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	p.logger.LogFallbackEvent(ctx, operation, err, nil)
	if p.onFallback != nil {
		p.onFallback(operation, err)
	}

	value, fbErr := fallback(ctx, err)
	p.recorder.FallbackInvoked(operation, fbErr == nil)
	if fbErr != nil {
		combined := fallbackFailure(fbErr, err)
		span.RecordError(combined)
		span.SetStatus(codes.Error, combined.Error())
		return nil, combined
	}

	span.SetAttributes(attribute.String("source", SourceFallback.String()))
	return &Outcome{
		Value:    value,
		Source:   SourceFallback,
		Attempts: attempts,
		Duration: time.Since(start),
	}, nil
}

// gate refuses the call when the named resource is exhausted
func (p *Protector) gate(ctx context.Context, resourceName string) error {
	if p.resources == nil || resourceName == "" {
		return nil
	}
	err := p.resources.Require(ctx, resourceName)
	if err == nil {
		return nil
	}
	if resources.IsResourceExhausted(err) {
		return apperrors.NewExhaustedError(resourceName, err.Error()).WithCause(err)
	}
	// Unregistered resources don't block the call
	return nil
}

// ProviderChain tries each operation in order, returning the first
// success. The last error is returned when every provider fails.
func ProviderChain(ops ...Operation) Operation {
	return func(ctx context.Context) (interface{}, error) {
		var lastErr error
		for _, op := range ops {
			result, err := op(ctx)
			if err == nil {
				return result, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = apperrors.NewInternalError("provider chain has no providers")
		}
		return nil, lastErr
	}
}
