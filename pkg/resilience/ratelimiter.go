package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RateLimiterConfig mirrors spec.md's RateLimiter state: a token bucket with
// an optional hard per-window request cap.
type RateLimiterConfig struct {
	Capacity    int64         // token bucket size
	FillRate    float64       // tokens added per second
	WindowMs    time.Duration // sliding window length (0 disables the window cap)
	MaxRequests int64         // hard cap per window; 0 means "never admit" (spec.md §8 boundary)
}

// RateLimiter is a token bucket with a secondary sliding-window cap and a
// FIFO wait queue for cooperative blocking acquisition, grounded on
// libs/go/core/resilience/ratelimiter.go and hybrid_ratelimiter.go.
type RateLimiter struct {
	mu          sync.Mutex
	cfg         RateLimiterConfig
	available   float64
	lastRefill  time.Time
	windowStart time.Time
	windowCount int64

	waiters []*rlWaiter

	stopOnce sync.Once
	stopCh   chan struct{}

	allowedCounter  metric.Int64Counter
	deniedCounter   metric.Int64Counter
	peakQueueGauge  metric.Int64Gauge
	avgWaitGauge    metric.Float64Gauge
	waitSampleCount int64
	waitSampleSum   time.Duration
	peakQueueLen    int
}

type rlWaiter struct {
	ready     chan struct{}
	cancelled bool
}

// NewRateLimiter constructs a token-bucket rate limiter and starts its
// background dispatcher that wakes queued Acquire callers as tokens refill.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	meter := otel.GetMeterProvider().Meter("orchestrator")
	allowed, _ := meter.Int64Counter("orch_ratelimiter_allowed_total")
	denied, _ := meter.Int64Counter("orch_ratelimiter_denied_total")
	peak, _ := meter.Int64Gauge("orch_ratelimiter_peak_queue_length")
	avgWait, _ := meter.Float64Gauge("orch_ratelimiter_avg_wait_ms")

	now := time.Now()
	rl := &RateLimiter{
		cfg:            cfg,
		available:      float64(cfg.Capacity),
		lastRefill:     now,
		windowStart:    now,
		stopCh:         make(chan struct{}),
		allowedCounter: allowed,
		deniedCounter:  denied,
		peakQueueGauge: peak,
		avgWaitGauge:   avgWait,
	}
	go rl.dispatchLoop()
	return rl
}

// Allow is a non-blocking single-token check.
func (r *RateLimiter) Allow() bool { return r.AllowN(1) }

// AllowN attempts to atomically consume n tokens without blocking.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ok := r.tryConsumeLocked(n)
	if ok {
		r.allowedCounter.Add(context.Background(), 1)
	} else {
		r.deniedCounter.Add(context.Background(), 1)
	}
	return ok
}

func (r *RateLimiter) tryConsumeLocked(n int64) bool {
	now := time.Now()
	r.refillLocked(now)

	if r.cfg.WindowMs > 0 {
		if now.Sub(r.windowStart) >= r.cfg.WindowMs {
			r.windowStart = now
			r.windowCount = 0
		}
	}
	// MaxRequests == 0 means never admit (spec.md §8 boundary behavior).
	if r.cfg.MaxRequests == 0 {
		return false
	}
	if r.cfg.WindowMs > 0 && r.windowCount+n > r.cfg.MaxRequests {
		return false
	}
	if float64(n) > r.available {
		return false
	}
	r.available -= float64(n)
	r.windowCount += n
	return true
}

func (r *RateLimiter) refillLocked(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	refill := elapsed * r.cfg.FillRate
	if refill > 0 {
		r.available = minFloat(float64(r.cfg.Capacity), r.available+refill)
		r.lastRefill = now
	}
}

// Acquire blocks cooperatively until a token is available or ctx is
// cancelled, per spec.md §4.2 "acquire() suspends cooperatively until a
// token arrives or cancellation fires."
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r.AllowN(1) {
		return nil
	}
	w := &rlWaiter{ready: make(chan struct{})}
	r.mu.Lock()
	r.waiters = append(r.waiters, w)
	if len(r.waiters) > r.peakQueueLen {
		r.peakQueueLen = len(r.waiters)
		r.peakQueueGauge.Record(context.Background(), int64(r.peakQueueLen))
	}
	r.mu.Unlock()
	start := time.Now()

	select {
	case <-w.ready:
		r.recordWait(time.Since(start))
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		w.cancelled = true
		r.mu.Unlock()
		return ctx.Err()
	case <-r.stopCh:
		return context.Canceled
	}
}

func (r *RateLimiter) recordWait(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitSampleCount++
	r.waitSampleSum += d
	avg := float64(r.waitSampleSum.Milliseconds()) / float64(r.waitSampleCount)
	r.avgWaitGauge.Record(context.Background(), avg)
}

// dispatchLoop periodically tries to satisfy the head of the FIFO wait
// queue as tokens refill, matching the leaky-bucket-worker idiom in
// libs/go/core/resilience/hybrid_ratelimiter.go.
func (r *RateLimiter) dispatchLoop() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.drainQueue()
		case <-r.stopCh:
			return
		}
	}
}

func (r *RateLimiter) drainQueue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.waiters) > 0 {
		head := r.waiters[0]
		if head.cancelled {
			r.waiters = r.waiters[1:]
			continue
		}
		if !r.tryConsumeLocked(1) {
			return
		}
		r.waiters = r.waiters[1:]
		close(head.ready)
	}
}

// Stop releases the background dispatcher goroutine.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
