// Package reliability provides the retry and circuit breaking primitives used
// around command publishing and reply polling.
//
//   - Retry policies: exponential backoff and fixed delay, with per-error
//     classification through RetryableError
//   - Circuit breaker: stops publishing commands to a node that keeps failing
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return commands.Publish(ctx, cmd)
//	})
package reliability
