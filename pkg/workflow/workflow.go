package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmguard/orchestrator/pkg/txbuffer"
)

// WorkflowOptions selects among spec.md §4.7's four execution modes.
// EnableNonLinearExecution takes priority over EnableMixedExecution, which
// takes priority over ConcurrentPhaseExecution; with none set, phases run
// linearly.
type WorkflowOptions struct {
	ConcurrentPhaseExecution bool
	EnableMixedExecution     bool
	EnableNonLinearExecution bool
	StopOnFirstPhaseError    bool
	MaxWorkflowIterations    int // default 1000
}

// WorkflowResult aggregates every phase that ran.
type WorkflowResult struct {
	Phases             []PhaseResult
	History            []HistoryEntry
	TerminatedEarly    bool
	TerminationReason  string
	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int
}

// phaseRunner is the phase-level engine (phase.go's Engine.Run) this
// workflow engine dispatches individual phases to.
type phaseRunner interface {
	Run(ctx context.Context, phase *Phase, phaseIndex, executionNumber int, history []HistoryEntry, buf *txbuffer.Buffer, concurrentResults []PhaseResult) (PhaseResult, error)
}

// WorkflowEngine sequences phases under one of the four workflow modes, grounded
// on services/orchestrator/dag_engine.go's ExecuteWorkflow driver loop
// generalized to spec.md §4.7's linear/concurrent/mixed/non-linear modes.
type WorkflowEngine struct {
	phases phaseRunner
}

// NewWorkflowEngine binds a workflow engine to the phase engine it
// dispatches phases to.
func NewWorkflowEngine(phases phaseRunner) *WorkflowEngine {
	return &WorkflowEngine{phases: phases}
}

// Run executes phases under opts against the shared buffer.
func (w *WorkflowEngine) Run(ctx context.Context, phases []*Phase, opts WorkflowOptions, buf *txbuffer.Buffer) (WorkflowResult, error) {
	if opts.MaxWorkflowIterations <= 0 {
		opts.MaxWorkflowIterations = 1000
	}
	switch {
	case opts.EnableNonLinearExecution:
		return w.runNonLinear(ctx, phases, opts, buf)
	case opts.EnableMixedExecution:
		return w.runMixed(ctx, phases, opts, buf)
	case opts.ConcurrentPhaseExecution:
		return w.runConcurrentPhases(ctx, phases, buf)
	default:
		return w.runLinear(ctx, phases, opts, buf)
	}
}

func (w *WorkflowEngine) runLinear(ctx context.Context, phases []*Phase, opts WorkflowOptions, buf *txbuffer.Buffer) (WorkflowResult, error) {
	result := WorkflowResult{}
	for i, p := range phases {
		pr, err := w.phases.Run(ctx, p, i, 1, result.History, buf, nil)
		if err != nil {
			return result, err
		}
		w.accumulate(&result, pr)
		if !pr.Success && opts.StopOnFirstPhaseError {
			break
		}
	}
	return result, nil
}

func (w *WorkflowEngine) runConcurrentPhases(ctx context.Context, phases []*Phase, buf *txbuffer.Buffer) (WorkflowResult, error) {
	results := make([]PhaseResult, len(phases))
	errs := make([]error, len(phases))
	var wg sync.WaitGroup
	for i, p := range phases {
		wg.Add(1)
		go func(i int, p *Phase) {
			defer wg.Done()
			pr, err := w.phases.Run(ctx, p, i, 1, nil, buf, nil)
			results[i] = pr
			errs[i] = err
		}(i, p)
	}
	wg.Wait()

	result := WorkflowResult{}
	for i, pr := range results {
		if errs[i] != nil {
			return result, errs[i]
		}
		w.accumulate(&result, pr)
	}
	return result, nil
}

// runMixed walks the phase list sequentially; each maximal run of adjacent
// MarkConcurrentPhase phases executes as a concurrent group (spec.md §4.7
// mode 3).
func (w *WorkflowEngine) runMixed(ctx context.Context, phases []*Phase, opts WorkflowOptions, buf *txbuffer.Buffer) (WorkflowResult, error) {
	result := WorkflowResult{}
	i := 0
	for i < len(phases) {
		if !phases[i].MarkConcurrentPhase {
			pr, err := w.phases.Run(ctx, phases[i], i, 1, result.History, buf, nil)
			if err != nil {
				return result, err
			}
			w.accumulate(&result, pr)
			if !pr.Success && opts.StopOnFirstPhaseError {
				return result, nil
			}
			i++
			continue
		}

		j := i
		for j < len(phases) && phases[j].MarkConcurrentPhase {
			j++
		}
		group := phases[i:j]
		groupResults := make([]PhaseResult, len(group))
		errs := make([]error, len(group))
		var wg sync.WaitGroup
		for k, p := range group {
			wg.Add(1)
			go func(k int, p *Phase) {
				defer wg.Done()
				pr, err := w.phases.Run(ctx, p, i+k, 1, result.History, buf, nil)
				groupResults[k] = pr
				errs[k] = err
			}(k, p)
		}
		wg.Wait()
		for k, pr := range groupResults {
			if errs[k] != nil {
				return result, errs[k]
			}
			w.accumulate(&result, pr)
		}
		i = j
	}
	return result, nil
}

// runNonLinear is the iteration-bounded interpreter keyed by phase id
// (spec.md §4.7 mode 4). Adjacent MarkConcurrentPhase phases encountered
// positionally execute as a group whose decision is the last phase's
// (spec.md §4.7: "REPLAY is not supported for groups").
func (w *WorkflowEngine) runNonLinear(ctx context.Context, phases []*Phase, opts WorkflowOptions, buf *txbuffer.Buffer) (WorkflowResult, error) {
	result := WorkflowResult{}

	order := make([]string, len(phases))
	byID := make(map[string]*Phase, len(phases))
	execCount := make(map[string]int)
	for i, p := range phases {
		order[i] = p.ID
		byID[p.ID] = p
	}

	posOf := func(id string) int {
		for i, pid := range order {
			if pid == id {
				return i
			}
		}
		return -1
	}

	if len(order) == 0 {
		return result, nil
	}

	pos := 0
	iterations := 0
	for pos >= 0 && pos < len(order) {
		iterations++
		if iterations > opts.MaxWorkflowIterations {
			result.TerminatedEarly = true
			result.TerminationReason = fmt.Sprintf("exceeded maxWorkflowIterations (%d)", opts.MaxWorkflowIterations)
			return result, nil
		}

		id := order[pos]
		p := byID[id]

		groupEnd := pos
		for groupEnd < len(order) && byID[order[groupEnd]].MarkConcurrentPhase {
			groupEnd++
		}

		var decision Decision
		if groupEnd > pos+1 && p.MarkConcurrentPhase {
			group := order[pos:groupEnd]
			groupResults := make([]PhaseResult, len(group))
			errs := make([]error, len(group))
			var wg sync.WaitGroup
			for k, pid := range group {
				gp := byID[pid]
				execCount[pid]++
				wg.Add(1)
				go func(k int, gp *Phase, execNo int) {
					defer wg.Done()
					pr, err := w.phases.Run(ctx, gp, posOf(gp.ID), execNo, result.History, buf, nil)
					groupResults[k] = pr
					errs[k] = err
				}(k, gp, execCount[pid])
			}
			wg.Wait()
			for k, pr := range groupResults {
				if errs[k] != nil {
					return result, errs[k]
				}
				w.accumulate(&result, pr)
				if k == len(groupResults)-1 && pr.Decision != nil {
					decision = *pr.Decision
				}
			}
			if decision.Action == ActionReplay {
				// Groups do not support REPLAY; it is treated as CONTINUE and
				// no warning is recorded.
				decision.Action = ActionContinue
			}
			pos = groupEnd
		} else {
			execCount[id]++
			pr, err := w.phases.Run(ctx, p, pos, execCount[id], result.History, buf, nil)
			if err != nil {
				return result, err
			}
			w.accumulate(&result, pr)
			if pr.Decision != nil {
				decision = *pr.Decision
			} else {
				decision = Decision{Action: ActionContinue}
			}

			for _, np := range decision.AddPhases {
				if _, exists := byID[np.ID]; !exists {
					order = append(order, np.ID)
					byID[np.ID] = np
				}
			}
			pos = w.nextPosition(pos, decision, p, execCount, order, posOf, opts)
			continue
		}

		pos = w.nextPosition(pos, decision, p, execCount, order, posOf, opts)
	}

	return result, nil
}

func (w *WorkflowEngine) nextPosition(pos int, decision Decision, p *Phase, execCount map[string]int, order []string, posOf func(string) int, opts WorkflowOptions) int {
	switch decision.Action {
	case ActionJump:
		if target := posOf(decision.TargetPhaseID); target >= 0 {
			return target
		}
		return pos + 1 // target missing: advance positionally with a warning (unlogged here)
	case ActionReplay:
		if p.AllowReplay && execCount[p.ID] <= p.MaxReplayCount {
			return pos
		}
		return pos + 1
	case ActionSkip:
		if !p.AllowSkip {
			return pos + 1
		}
		if decision.TargetPhaseID != "" {
			if target := posOf(decision.TargetPhaseID); target >= 0 {
				return target
			}
		}
		return pos + 2
	case ActionTerminate:
		return -1
	default:
		return pos + 1
	}
}

func (w *WorkflowEngine) accumulate(result *WorkflowResult, pr PhaseResult) {
	result.Phases = append(result.Phases, pr)
	result.History = append(result.History, HistoryEntry{
		PhaseID: pr.PhaseID, PhaseIndex: pr.PhaseIndex, ExecutionNumber: pr.ExecutionNumber,
		Timestamp: pr.Timestamp, Success: pr.Success, ExecutionTime: pr.ExecutionTime, Decision: pr.Decision,
	})
	result.TotalRequests += pr.TotalRequests
	result.SuccessfulRequests += pr.SuccessfulRequests
	result.FailedRequests += pr.FailedRequests
}
