package resilience

import "errors"

// ErrCircuitOpen is returned by CircuitBreaker.Execute when the breaker
// refuses a call. pkg/leaf wraps it into a retryable OrchErrorKindCircuitOpen.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ErrThrottled is a sentinel for rate-limit refusals. No limiter in this
// package returns it: RateLimiter.Acquire returns ctx.Err() when cancelled,
// and HybridRateLimiter.Wait returns ErrRateLimitQueueFull or ctx.Err().
var ErrThrottled = errors.New("rate limited")
