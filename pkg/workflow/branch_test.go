package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/orchestrator/pkg/txbuffer"
)

func TestBranchRunSequentialStopsBranchOnPhaseError(t *testing.T) {
	stub := &stubRunner{successFor: func(id string) bool { return id != "b" }}
	engine := NewBranchEngine(stub)
	branch := &Branch{
		ID:                    "br1",
		Phases:                []*Phase{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		StopOnFirstPhaseError: true,
	}

	results, err := engine.RunSequential(context.Background(), []*Branch{branch}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one branch result, got %d", len(results))
	}
	if len(results[0].Phases) != 2 {
		t.Fatalf("expected phase c to be omitted after b's failure, got %d phases", len(results[0].Phases))
	}
	if results[0].Success {
		t.Fatalf("expected branch to report failure")
	}
}

func TestBranchRunConcurrentHonorsEachBranchIndependently(t *testing.T) {
	stub := &stubRunner{successFor: func(id string) bool { return id != "y" }}
	engine := NewBranchEngine(stub)
	branches := []*Branch{
		{ID: "br1", Phases: []*Phase{{ID: "a"}}},
		{ID: "br2", Phases: []*Phase{{ID: "y"}}},
	}

	results, err := engine.RunConcurrent(context.Background(), branches, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 branch results, got %d", len(results))
	}
	var sawSuccess, sawFailure bool
	for _, r := range results {
		if r.Success {
			sawSuccess = true
		} else {
			sawFailure = true
		}
	}
	if !sawSuccess || !sawFailure {
		t.Fatalf("expected one branch to succeed and the other to fail independently, got %+v", results)
	}
}

// timedRunner simulates a phase that takes a fixed delay to complete,
// honoring context cancellation so a race's loser is actually interrupted.
type timedRunner struct {
	delayByPhaseID map[string]time.Duration
}

func (r *timedRunner) Run(ctx context.Context, phase *Phase, phaseIndex, executionNumber int, history []HistoryEntry, buf *txbuffer.Buffer, concurrentResults []PhaseResult) (PhaseResult, error) {
	delay := r.delayByPhaseID[phase.ID]
	select {
	case <-time.After(delay):
		return PhaseResult{PhaseID: phase.ID, Success: true}, nil
	case <-ctx.Done():
		return PhaseResult{}, ctx.Err()
	}
}

func TestBranchRunRacingCancelsLosers(t *testing.T) {
	runner := &timedRunner{delayByPhaseID: map[string]time.Duration{
		"fast": 0,
		"slow": 150 * time.Millisecond,
	}}
	engine := NewBranchEngine(runner)

	branches := []*Branch{
		{ID: "fastBranch", Phases: []*Phase{{ID: "fast"}}},
		{ID: "slowBranch", Phases: []*Phase{{ID: "slow"}}},
	}

	results, err := engine.RunRacing(context.Background(), branches, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var wonCount, skippedCount int
	for _, r := range results {
		if r.Skipped {
			skippedCount++
		}
		if r.Success {
			wonCount++
		}
	}
	if wonCount != 1 {
		t.Fatalf("expected exactly one winning branch, got %d", wonCount)
	}
	if skippedCount != 1 {
		t.Fatalf("expected exactly one skipped (cancelled) branch, got %d", skippedCount)
	}
}
