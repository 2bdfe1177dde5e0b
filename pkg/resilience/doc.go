// Package resilience provides circuit breaking, retry policies, and
// fallback composition for calls to unreliable dependencies.
//
// This package implements the following patterns:
//
// # Circuit Breaker Pattern
//
// The circuit breaker stops calls to a dependency after a run of
// consecutive failures and periodically lets a single probe through to
// detect recovery.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:             "openai",
//		FailureThreshold: 5,
//		RecoveryTimeout:  60 * time.Second,
//	})
//
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return client.Complete(ctx, prompt)
//	})
//
// # Retry with Backoff
//
// Retry policies compute delays deterministically; the retrier applies
// them with optional jitter to avoid thundering herd problems.
//
//	retrier := resilience.NewRetrier("fetch-report", resilience.DefaultExponentialBackoff())
//	err := retrier.Execute(ctx, func(ctx context.Context) error {
//		return fetchReport(ctx)
//	})
//
// # Fallback Composition
//
// The Protector stacks resource gating, circuit breaking, retries and a
// fallback into one call, reporting which path served the result.
//
//	p := resilience.NewProtector(resilience.ProtectorConfig{
//		Resources: resourceManager,
//		Registry:  registry,
//	})
//	outcome, err := p.Execute(ctx, "completion", "openai-quota", primary, cached)
package resilience
