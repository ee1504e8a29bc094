// Package resilience implements the infrastructure primitives every attempt
// consults: circuit breaker, rate limiter, concurrency limiter, and content
// cache.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// State is the circuit breaker's externally visible state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// BreakerConfig holds the configured thresholds for a CircuitBreaker.
type BreakerConfig struct {
	FailurePct              float64       // fraction of failures that trips the breaker
	MinRequests             int           // minimum sample size before evaluating FailurePct
	RecoveryWindow          time.Duration // OPEN -> HALF_OPEN after this elapses
	SuccessPct              float64       // HALF_OPEN -> CLOSED when this fraction of probes succeed
	HalfOpenMaxRequests      int           // number of probes admitted concurrently while HALF_OPEN
	TrackIndividualAttempts bool          // not read: one set of thresholds and counters applies whatever its value
	WindowSize              time.Duration // sliding window span for the failure-rate computation
	WindowBuckets           int           // number of time buckets composing the window
}

// Counters mirrors spec.md's CircuitBreakerState counters.
type Counters struct {
	TotalRequests      int64
	FailedRequests     int64
	SuccessfulRequests int64
}

// TransitionHistory mirrors spec.md's CircuitBreakerState transition history.
type TransitionHistory struct {
	OpenCount        int64
	TotalOpenDuration time.Duration
	LastStateChange   time.Time
}

// Persistence is the optional collaborator any infra primitive may be given
// so state survives process restarts (spec.md §4.2).
type Persistence interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, state []byte) error
	Transaction(ctx context.Context, key string, op func(state []byte) ([]byte, error)) error
}

// CircuitBreaker implements the CLOSED -> OPEN -> HALF_OPEN -> CLOSED state
// machine from spec.md §4.1/§4.2, generalized from the adaptive, sliding
// time-bucket window in libs/go/core/resilience/circuit_breaker.go.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	name   string
	window *slidingWindow

	state             State
	openedAt          time.Time
	halfOpenAdmitted  int
	halfOpenSuccesses int
	halfOpenSamples   int

	counters   Counters
	transition TransitionHistory

	persist Persistence

	openCounter   metric.Int64Counter
	closedCounter metric.Int64Counter
}

// NewCircuitBreaker constructs a breaker named for metric/log attribution.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.WindowBuckets <= 0 {
		cfg.WindowBuckets = 10
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	meter := otel.GetMeterProvider().Meter("orchestrator")
	openCounter, _ := meter.Int64Counter("orch_circuit_open_total")
	closedCounter, _ := meter.Int64Counter("orch_circuit_closed_total")
	return &CircuitBreaker{
		cfg:           cfg,
		name:          name,
		window:        newSlidingWindow(cfg.WindowSize, cfg.WindowBuckets),
		state:         StateClosed,
		openCounter:   openCounter,
		closedCounter: closedCounter,
	}
}

// WithPersistence attaches an optional state-survival collaborator.
func (c *CircuitBreaker) WithPersistence(p Persistence) *CircuitBreaker {
	c.persist = p
	return c
}

// CanExecute reports whether a request may proceed, handling the
// OPEN -> HALF_OPEN transition on recovery-window expiry and the
// HALF_OPEN probe-admission cap (spec.md §4.1 step 2).
func (c *CircuitBreaker) CanExecute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateOpen:
		if time.Since(c.openedAt) >= c.cfg.RecoveryWindow {
			c.state = StateHalfOpen
			c.halfOpenAdmitted = 0
			c.halfOpenSuccesses = 0
			c.halfOpenSamples = 0
			c.transition.LastStateChange = time.Now()
			return c.admitHalfOpenLocked()
		}
		return false
	case StateHalfOpen:
		return c.admitHalfOpenLocked()
	default:
		return true
	}
}

func (c *CircuitBreaker) admitHalfOpenLocked() bool {
	if c.halfOpenAdmitted >= c.cfg.HalfOpenMaxRequests {
		return false
	}
	c.halfOpenAdmitted++
	return true
}

// Allow is the caller-facing alias for CanExecute, matching the InfraBundle
// surface named in spec.md §4.2.
func (c *CircuitBreaker) Allow() bool { return c.CanExecute() }

// RecordSuccess records a successful outcome.
func (c *CircuitBreaker) RecordSuccess() { c.recordResult(true) }

// RecordFailure records a failed outcome.
func (c *CircuitBreaker) RecordFailure() { c.recordResult(false) }

func (c *CircuitBreaker) recordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters.TotalRequests++
	if success {
		c.counters.SuccessfulRequests++
	} else {
		c.counters.FailedRequests++
	}
	c.window.add(success)

	switch c.state {
	case StateClosed:
		total, failures := c.window.stats()
		if total >= c.cfg.MinRequests && total > 0 {
			if float64(failures)/float64(total) >= c.cfg.FailurePct {
				c.transitionToOpenLocked()
			}
		}
	case StateHalfOpen:
		c.halfOpenSamples++
		if success {
			c.halfOpenSuccesses++
		}
		// Sample-count based only: wait until every admitted probe has
		// completed before deciding (spec.md §9 "do not transition state
		// until all admitted samples complete").
		if c.halfOpenSamples >= c.cfg.HalfOpenMaxRequests {
			rate := 1.0
			if c.halfOpenSamples > 0 {
				rate = float64(c.halfOpenSuccesses) / float64(c.halfOpenSamples)
			}
			if rate >= c.cfg.SuccessPct {
				c.resetLocked()
			} else {
				c.transitionToOpenLocked()
			}
		}
	case StateOpen:
		// Allow() handles timing; nothing to do here.
	}
}

// Execute is the convenience wrapper named in spec.md §4.2.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !c.CanExecute() {
		return fmt.Errorf("circuit %q open: %w", c.name, ErrCircuitOpen)
	}
	err := fn(ctx)
	if err != nil {
		c.RecordFailure()
		return err
	}
	c.RecordSuccess()
	return nil
}

func (c *CircuitBreaker) transitionToOpenLocked() {
	wasOpen := c.state == StateOpen
	c.state = StateOpen
	c.openedAt = time.Now()
	if !wasOpen {
		c.transition.OpenCount++
		c.transition.LastStateChange = c.openedAt
	}
	c.openCounter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) resetLocked() {
	if !c.transition.LastStateChange.IsZero() && c.state != StateClosed {
		c.transition.TotalOpenDuration += time.Since(c.transition.LastStateChange)
	}
	c.state = StateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	c.transition.LastStateChange = time.Now()
	c.closedCounter.Add(context.Background(), 1)
}

// State reports the current breaker state.
func (c *CircuitBreaker) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of counters and transition history.
func (c *CircuitBreaker) Stats() (Counters, TransitionHistory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters, c.transition
}

// slidingWindow implements fixed-size time buckets storing success/failure
// counts, grounded on libs/go/core/resilience/circuit_breaker.go. Each slot
// remembers the global epoch it was last written for, so a bucket only gets
// wiped when it's reused for a new interval — samples landing in the same
// interval accumulate instead of clobbering each other.
type slidingWindow struct {
	buckets  int
	interval time.Duration
	data     []bucket
	epoch    []int64
	nowFn    func() time.Time
}

type bucket struct{ success, fail int }

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
		epoch:    make([]int64, buckets),
		nowFn:    time.Now,
	}
}

func (w *slidingWindow) globalEpoch(now time.Time) int64 {
	return now.UnixNano() / w.interval.Nanoseconds()
}

func (w *slidingWindow) add(success bool) {
	epoch := w.globalEpoch(w.nowFn())
	idx := int(epoch % int64(w.buckets))
	if w.epoch[idx] != epoch {
		w.data[idx] = bucket{}
		w.epoch[idx] = epoch
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total, failures int) {
	epoch := w.globalEpoch(w.nowFn())
	for i, b := range w.data {
		if epoch-w.epoch[i] >= int64(w.buckets) {
			continue // bucket belongs to an interval outside the window
		}
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
		w.epoch[i] = 0
	}
}
