package resilience

import (
	"context"
	"testing"
	"time"
)

func TestConcurrencyLimiterBoundsInFlight(t *testing.T) {
	cl := NewConcurrencyLimiter("test", 2)
	ctx := context.Background()

	if err := cl.Acquire(ctx); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if err := cl.Acquire(ctx); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if cl.InFlight() != 2 {
		t.Fatalf("expected 2 in flight, got %d", cl.InFlight())
	}
	if cl.TryAcquire() {
		t.Fatalf("expected third slot to be unavailable")
	}
	cl.Release()
	if !cl.TryAcquire() {
		t.Fatalf("expected slot to be available after release")
	}
}

func TestConcurrencyLimiterAcquireBlocksUntilRelease(t *testing.T) {
	cl := NewConcurrencyLimiter("test", 1)
	ctx := context.Background()
	if err := cl.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		cl.Release()
		close(released)
	}()

	start := time.Now()
	if err := cl.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	<-released
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected second acquire to wait for release")
	}
}
