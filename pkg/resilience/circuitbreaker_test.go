package resilience

import (
	"context"
	"testing"
	"time"
)

func TestCircuitBreakerOpensOnFailureRate(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{
		FailurePct:          0.5,
		MinRequests:         4,
		RecoveryWindow:      200 * time.Millisecond,
		SuccessPct:          1.0,
		HalfOpenMaxRequests: 2,
		WindowSize:          2 * time.Second,
		WindowBuckets:       4,
	})

	for i := 0; i < 4; i++ {
		if !cb.CanExecute() {
			t.Fatalf("attempt %d: expected closed breaker to allow", i)
		}
		cb.RecordFailure()
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN after failure rate exceeded, got %s", cb.State())
	}
	if cb.CanExecute() {
		t.Fatalf("expected OPEN breaker to deny before recovery window elapses")
	}
}

func TestCircuitBreakerNeverJumpsClosedToHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{
		FailurePct:          0.5,
		MinRequests:         2,
		RecoveryWindow:      time.Hour,
		SuccessPct:          1.0,
		HalfOpenMaxRequests: 1,
		WindowSize:          time.Second,
		WindowBuckets:       2,
	})
	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{
		FailurePct:          0.5,
		MinRequests:         2,
		RecoveryWindow:      50 * time.Millisecond,
		SuccessPct:          1.0,
		HalfOpenMaxRequests: 2,
		WindowSize:          time.Second,
		WindowBuckets:       4,
	})
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", cb.State())
	}

	time.Sleep(60 * time.Millisecond)
	if !cb.CanExecute() {
		t.Fatalf("expected first half-open probe to be admitted")
	}
	if !cb.CanExecute() {
		t.Fatalf("expected second half-open probe to be admitted")
	}
	if cb.CanExecute() {
		t.Fatalf("expected third probe denied while samples are pending")
	}
	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED after all half-open samples succeeded, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{
		FailurePct:          0.5,
		MinRequests:         1,
		RecoveryWindow:      10 * time.Millisecond,
		SuccessPct:          1.0,
		HalfOpenMaxRequests: 1,
		WindowSize:          time.Second,
		WindowBuckets:       2,
	})
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	cb.CanExecute()
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected half-open probe failure to reopen, got %s", cb.State())
	}
}

func TestCircuitBreakerExecuteWrapsOpenError(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{
		FailurePct:          0.1,
		MinRequests:         1,
		RecoveryWindow:      time.Hour,
		SuccessPct:          1.0,
		HalfOpenMaxRequests: 1,
		WindowSize:          time.Second,
		WindowBuckets:       2,
	})
	cb.RecordFailure()
	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatalf("expected error from an open circuit")
	}
}
