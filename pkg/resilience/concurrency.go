package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

// ConcurrencyLimiter is a FIFO semaphore bounding in-flight work, matching
// spec.md's "ConcurrencyLimiter state: semaphore with FIFO wait queue."
// Built on golang.org/x/sync/semaphore (the idiom the pack uses for this
// exact primitive, see jonwraymond-toolops/go.mod and
// joeycumines-go-utilpkg/go.mod) rather than the teacher's hand-rolled
// channel semaphore, since x/sync already gives FIFO fairness and weighted
// acquisition for free.
type ConcurrencyLimiter struct {
	sem     *semaphore.Weighted
	limit   int64
	inFlight int64
	peak    int64

	acquiredCounter metric.Int64Counter
	peakGauge       metric.Int64Gauge
	waitGauge       metric.Float64Gauge

	mu            sync.Mutex
	waitSampleSum time.Duration
	waitSamples   int64
}

// NewConcurrencyLimiter bounds concurrent work to limit slots.
func NewConcurrencyLimiter(name string, limit int64) *ConcurrencyLimiter {
	meter := otel.GetMeterProvider().Meter("orchestrator")
	acquired, _ := meter.Int64Counter("orch_concurrency_acquired_total")
	peak, _ := meter.Int64Gauge("orch_concurrency_peak_inflight")
	wait, _ := meter.Float64Gauge("orch_concurrency_avg_wait_ms")
	return &ConcurrencyLimiter{
		sem:             semaphore.NewWeighted(limit),
		limit:           limit,
		acquiredCounter: acquired,
		peakGauge:       peak,
		waitGauge:       wait,
	}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (c *ConcurrencyLimiter) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.recordWait(time.Since(start))
	n := atomic.AddInt64(&c.inFlight, 1)
	for {
		p := atomic.LoadInt64(&c.peak)
		if n <= p || atomic.CompareAndSwapInt64(&c.peak, p, n) {
			break
		}
	}
	c.peakGauge.Record(context.Background(), atomic.LoadInt64(&c.peak))
	c.acquiredCounter.Add(context.Background(), 1)
	return nil
}

// Release returns the slot.
func (c *ConcurrencyLimiter) Release() {
	atomic.AddInt64(&c.inFlight, -1)
	c.sem.Release(1)
}

// TryAcquire attempts a non-blocking acquisition.
func (c *ConcurrencyLimiter) TryAcquire() bool {
	if c.sem.TryAcquire(1) {
		atomic.AddInt64(&c.inFlight, 1)
		return true
	}
	return false
}

func (c *ConcurrencyLimiter) recordWait(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitSamples++
	c.waitSampleSum += d
	avg := float64(c.waitSampleSum.Milliseconds()) / float64(c.waitSamples)
	c.waitGauge.Record(context.Background(), avg)
}

// InFlight reports the current number of held slots.
func (c *ConcurrencyLimiter) InFlight() int64 { return atomic.LoadInt64(&c.inFlight) }

// Limit reports the configured slot count.
func (c *ConcurrencyLimiter) Limit() int64 { return c.limit }
