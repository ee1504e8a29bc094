package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/swarmguard/orchestrator/pkg/guardrails"
	"github.com/swarmguard/orchestrator/pkg/leaf"
	"github.com/swarmguard/orchestrator/pkg/txbuffer"
)

var errRaceLost = errors.New("cancelled — another branch won the race")

// BranchDecisionHook observes a completed branch and returns a Decision.
// BranchEngine records that Decision on the BranchResult; RunSequential,
// RunConcurrent and RunRacing do not act on it.
type BranchDecisionHook func(ctx context.Context, result BranchResult, buf *txbuffer.Buffer) Decision

// Branch is an ordered list of phases with its own decision hook.
// BranchEngine does not read AllowReplay, AllowSkip, MaxReplayCount or
// MarkConcurrentBranch.
type Branch struct {
	ID                    string
	Phases                []*Phase
	MarkConcurrentBranch  bool
	AllowReplay           bool
	AllowSkip             bool
	MaxReplayCount        int
	DecisionHook          BranchDecisionHook
	StopOnFirstPhaseError bool
	Guardrails            map[string]guardrails.Guardrail
}

// BranchResult aggregates one branch's phase results plus a branch-level
// metric block and anomaly validation.
type BranchResult struct {
	BranchID      string
	Success       bool
	Phases        []PhaseResult
	Decision      *Decision
	Skipped       bool
	Error         error
	Metrics       map[string]float64
	Anomalies     []leaf.Anomaly
	ExecutionTime time.Duration
}

// BranchEngine runs branches of phases, grounded on
// services/orchestrator/dag_engine.go's branch-aggregation step
// generalized to spec.md §4.8's sequential/concurrent/racing modes.
type BranchEngine struct {
	phases phaseRunner
}

// NewBranchEngine binds a branch engine to the phase engine it dispatches
// individual phases to.
func NewBranchEngine(phases phaseRunner) *BranchEngine {
	return &BranchEngine{phases: phases}
}

// RunSequential runs each branch's phases in order.
func (e *BranchEngine) RunSequential(ctx context.Context, branches []*Branch, buf *txbuffer.Buffer) ([]BranchResult, error) {
	results := make([]BranchResult, 0, len(branches))
	for _, b := range branches {
		r, err := e.runOne(ctx, b, buf)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// RunConcurrent dispatches all branches together; each branch's internal
// stop-on-error policy is honored independently of its siblings.
func (e *BranchEngine) RunConcurrent(ctx context.Context, branches []*Branch, buf *txbuffer.Buffer) ([]BranchResult, error) {
	results := make([]BranchResult, len(branches))
	errs := make([]error, len(branches))
	var wg sync.WaitGroup
	for i, b := range branches {
		wg.Add(1)
		go func(i int, b *Branch) {
			defer wg.Done()
			r, err := e.runOne(ctx, b, buf)
			results[i] = r
			errs[i] = err
		}(i, b)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// RunRacing runs all branches concurrently; the first to complete wins and
// the rest are cancelled and reported skipped (spec.md §4.8).
func (e *BranchEngine) RunRacing(ctx context.Context, branches []*Branch, buf *txbuffer.Buffer) ([]BranchResult, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]BranchResult, len(branches))
	var mu sync.Mutex
	won := false
	var wg sync.WaitGroup

	for i, b := range branches {
		wg.Add(1)
		go func(i int, b *Branch) {
			defer wg.Done()
			r, err := e.runOne(raceCtx, b, buf)
			mu.Lock()
			defer mu.Unlock()
			if won {
				results[i] = BranchResult{BranchID: b.ID, Skipped: true, Error: errRaceLost}
				return
			}
			if err != nil {
				results[i] = BranchResult{BranchID: b.ID, Error: err}
				return
			}
			won = true
			cancel()
			results[i] = r
		}(i, b)
	}
	wg.Wait()
	return results, nil
}

func (e *BranchEngine) runOne(ctx context.Context, b *Branch, buf *txbuffer.Buffer) (BranchResult, error) {
	start := time.Now()
	history := make([]HistoryEntry, 0, len(b.Phases))
	phaseResults := make([]PhaseResult, 0, len(b.Phases))

	for i, p := range b.Phases {
		if ctx.Err() != nil {
			break
		}
		pr, err := e.phases.Run(ctx, p, i, 1, history, buf, nil)
		if err != nil {
			return BranchResult{BranchID: b.ID, Error: err, ExecutionTime: time.Since(start)}, err
		}
		phaseResults = append(phaseResults, pr)
		history = append(history, HistoryEntry{
			PhaseID: pr.PhaseID, PhaseIndex: pr.PhaseIndex, ExecutionNumber: pr.ExecutionNumber,
			Timestamp: pr.Timestamp, Success: pr.Success, ExecutionTime: pr.ExecutionTime, Decision: pr.Decision,
		})
		if !pr.Success && (p.StopOnFirstError || b.StopOnFirstPhaseError) {
			break
		}
	}

	success := true
	for _, pr := range phaseResults {
		if !pr.Success {
			success = false
			break
		}
	}

	result := BranchResult{
		BranchID:      b.ID,
		Success:       success,
		Phases:        phaseResults,
		ExecutionTime: time.Since(start),
		Metrics:       branchMetrics(phaseResults),
	}

	if len(b.Guardrails) > 0 {
		result.Anomalies = guardrails.EvaluateBucket(guardrails.BranchKeys(), result.Metrics, b.Guardrails)
	}

	if b.DecisionHook != nil {
		decision := b.DecisionHook(ctx, result, buf)
		result.Decision = &decision
	}

	return result, nil
}

func branchMetrics(phases []PhaseResult) map[string]float64 {
	completed, failed := 0, 0
	for _, p := range phases {
		if p.Success {
			completed++
		} else {
			failed++
		}
	}
	return map[string]float64{
		"totalPhases":     float64(len(phases)),
		"completedPhases": float64(completed),
		"failedPhases":    float64(failed),
	}
}
