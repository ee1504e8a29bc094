package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/orchestrator/pkg/leaf"
)

func funcLeaf(fn leaf.Func) *leaf.Leaf {
	return leaf.NewFuncLeaf(fn)
}

func okFn(ctx context.Context, args ...any) (any, error) { return "ok", nil }

func failFn(ctx context.Context, args ...any) (any, error) { return nil, context.DeadlineExceeded }

// Sequential mode with StopOnFirstError: the second leaf fails, so the
// third is omitted from the outcomes rather than reported as failed.
func TestSequentialStopOnFirstErrorOmitsRemaining(t *testing.T) {
	exec := NewExecutor(nil)
	inputs := []Input{
		{Leaf: funcLeaf(okFn), Policy: onceAttempt()},
		{Leaf: funcLeaf(failFn), Policy: onceAttempt()},
		{Leaf: funcLeaf(okFn), Policy: onceAttempt()},
	}
	result, err := exec.Run(context.Background(), inputs, Options{Mode: ModeSequential, StopOnFirstError: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("expected the third leaf to be omitted, got %d outcomes", len(result.Outcomes))
	}
	if !result.Outcomes[0].Success {
		t.Fatalf("expected first leaf to succeed")
	}
	if result.Outcomes[1].Success {
		t.Fatalf("expected second leaf to fail")
	}
}

func TestConcurrentSettlesAllDespiteOneFailure(t *testing.T) {
	exec := NewExecutor(nil)
	inputs := []Input{
		{Leaf: funcLeaf(okFn), Policy: onceAttempt()},
		{Leaf: funcLeaf(failFn), Policy: onceAttempt()},
		{Leaf: funcLeaf(okFn), Policy: onceAttempt()},
	}
	result, err := exec.Run(context.Background(), inputs, Options{Mode: ModeConcurrent})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Outcomes) != 3 {
		t.Fatalf("expected all three leaves settled, got %d", len(result.Outcomes))
	}
	if result.Metrics.SuccessfulRequests != 2 || result.Metrics.FailedRequests != 1 {
		t.Fatalf("expected 2 success + 1 failure, got %+v", result.Metrics)
	}
}

func TestRacingCancelsLosers(t *testing.T) {
	fast := func(ctx context.Context, args ...any) (any, error) { return "fast", nil }
	slow := func(ctx context.Context, args ...any) (any, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return "slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	exec := NewExecutor(nil)
	inputs := []Input{
		{Leaf: funcLeaf(slow), Policy: onceAttempt()},
		{Leaf: funcLeaf(fast), Policy: onceAttempt()},
	}
	result, err := exec.Run(context.Background(), inputs, Options{Mode: ModeConcurrent, EnableRacing: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Outcomes[1].Success {
		t.Fatalf("expected the fast leaf to win")
	}
	if !result.Outcomes[0].Skipped {
		t.Fatalf("expected the slow leaf to be marked skipped, got %+v", result.Outcomes[0])
	}
}

func onceAttempt() leaf.Policy {
	p := leaf.DefaultPolicy()
	p.Attempts = 1
	return p
}
