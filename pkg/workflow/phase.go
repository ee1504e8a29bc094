// Package workflow implements PhaseEngine, WorkflowEngine, and BranchEngine
// (spec components C6, C7, C8): phases wrapping a gateway batch with
// decision-hook bookkeeping, and the four workflow execution modes that
// sequence phases.
package workflow

import (
	"context"
	"time"

	"github.com/swarmguard/orchestrator/pkg/gateway"
	"github.com/swarmguard/orchestrator/pkg/leaf"
	"github.com/swarmguard/orchestrator/pkg/txbuffer"
)

// DecisionAction is the verb a decision hook returns (spec.md §4.6).
type DecisionAction string

const (
	ActionContinue  DecisionAction = "CONTINUE"
	ActionReplay    DecisionAction = "REPLAY"
	ActionSkip      DecisionAction = "SKIP"
	ActionJump      DecisionAction = "JUMP"
	ActionTerminate DecisionAction = "TERMINATE"
)

// Decision is a phase or branch decision hook's verdict.
type Decision struct {
	Action        DecisionAction
	TargetPhaseID string
	Metadata      map[string]any
	AddPhases     []*Phase
}

// HistoryEntry is one append-only execution-history record (spec.md §4.7
// "execution history").
type HistoryEntry struct {
	PhaseID         string
	PhaseIndex      int
	ExecutionNumber int
	Timestamp       time.Time
	Success         bool
	ExecutionTime   time.Duration
	Decision        *Decision
}

// DecisionHook observes a completed phase and its history, with access to
// the shared buffer, and decides what happens next. concurrentResults is
// non-nil only when the phase ran as part of a concurrent group.
type DecisionHook func(ctx context.Context, result PhaseResult, history []HistoryEntry, buf *txbuffer.Buffer, concurrentResults []PhaseResult) Decision

// Phase wraps a gateway batch with replay/skip/jump policy (spec.md §4.6).
type Phase struct {
	ID                    string
	Inputs                []gateway.Input
	ConcurrentExecution   bool
	StopOnFirstError      bool
	MarkConcurrentPhase   bool
	AllowReplay           bool
	MaxReplayCount        int
	AllowSkip             bool
	DecisionHook          DecisionHook
	MaxTimeout            time.Duration
	MaxConcurrentRequests int64
	EnableRacing          bool
}

// PhaseResult is spec.md §4.6's phase output.
type PhaseResult struct {
	PhaseID            string
	PhaseIndex         int
	ExecutionNumber    int
	Success            bool
	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int
	Responses          []gateway.Outcome
	ExecutionTime      time.Duration
	Timestamp          time.Time
	Decision           *Decision
	Skipped            bool
	Error              error
	Metrics            gateway.Metrics
	Validation         *leaf.ValidationResult
}

// Engine runs individual phases, grounded on
// services/orchestrator/dag_engine.go's phase-execution loop generalized
// to spec.md §4.6's decision-hook contract.
type Engine struct {
	executor *gateway.Executor
}

// NewEngine constructs a phase engine bound to a gateway executor.
func NewEngine(executor *gateway.Executor) *Engine {
	return &Engine{executor: executor}
}

// Run executes one phase's gateway batch and, if configured, invokes its
// decision hook.
func (e *Engine) Run(ctx context.Context, phase *Phase, phaseIndex, executionNumber int, history []HistoryEntry, buf *txbuffer.Buffer, concurrentResults []PhaseResult) (PhaseResult, error) {
	start := time.Now()

	mode := gateway.ModeSequential
	if phase.ConcurrentExecution {
		mode = gateway.ModeConcurrent
	}

	batch, err := e.executor.Run(ctx, phase.Inputs, gateway.Options{
		Mode:                  mode,
		StopOnFirstError:      phase.StopOnFirstError,
		EnableRacing:          phase.EnableRacing,
		MaxTimeout:            phase.MaxTimeout,
		MaxConcurrentRequests: phase.MaxConcurrentRequests,
	})
	if err != nil {
		return PhaseResult{}, err
	}

	result := PhaseResult{
		PhaseID:            phase.ID,
		PhaseIndex:         phaseIndex,
		ExecutionNumber:    executionNumber,
		Success:            batch.Metrics.FailedRequests == 0,
		TotalRequests:      batch.Metrics.TotalRequests,
		SuccessfulRequests: batch.Metrics.SuccessfulRequests,
		FailedRequests:     batch.Metrics.FailedRequests,
		Responses:          batch.Outcomes,
		ExecutionTime:      time.Since(start),
		Timestamp:          start,
		Metrics:            batch.Metrics,
	}

	if phase.DecisionHook != nil {
		decision := phase.DecisionHook(ctx, result, history, buf, concurrentResults)
		result.Decision = &decision
	}

	return result, nil
}
