// Package gateway implements GatewayExecutor (spec component C5): running
// a batch of leaves sequentially, concurrently, or as a race, with
// group-scoped infra and aggregate guardrail metrics.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/swarmguard/orchestrator/pkg/leaf"
	"github.com/swarmguard/orchestrator/pkg/resilience"
)

// Mode selects how the batch is dispatched.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeConcurrent Mode = "concurrent"
)

// Group names a shared scope a subset of leaves belongs to (spec.md §4.5
// "optional list of groups").
type Group struct {
	ID string
}

// Input pairs one leaf with the policy and group it runs under.
type Input struct {
	Leaf    *leaf.Leaf
	GroupID string
	Policy  leaf.Policy
}

// Outcome is one leaf's result within a batch, in spec.md §4.5's shape.
type Outcome struct {
	RequestID string
	GroupID   string
	Success   bool
	Data      any
	Error     error
	Skipped   bool
}

// Metrics aggregates a batch run.
type Metrics struct {
	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int
	SkippedRequests    int
	ExecutionTime      time.Duration
}

// Options controls dispatch.
type Options struct {
	Mode                   Mode
	Groups                 []Group
	StopOnFirstError       bool
	EnableRacing           bool
	MaxTimeout             time.Duration
	MaxConcurrentRequests  int64 // 0 disables the executor-level concurrency gate
}

// Result is a batch run's outputs.
type Result struct {
	Outcomes []Outcome
	Metrics  Metrics
}

// EngineFactory resolves the AttemptEngine a given group should run under,
// letting different groups carry distinct infra bundles / hooks / buffers
// (spec.md §4.4 "group.common" cascade level).
type EngineFactory func(groupID string) *leaf.Engine

// Executor runs batches of leaves, grounded on
// services/orchestrator/dag_engine.go's parallel dispatch-and-settle
// pattern generalized to spec.md §4.5's sequential/concurrent/racing modes.
type Executor struct {
	engines EngineFactory
}

// NewExecutor builds an Executor. A nil factory makes every leaf run under
// one default Engine.
func NewExecutor(engines EngineFactory) *Executor {
	if engines == nil {
		defaultEngine := leaf.NewEngine(leaf.Deps{})
		engines = func(string) *leaf.Engine { return defaultEngine }
	}
	return &Executor{engines: engines}
}

// Run executes inputs under opts, returning one Outcome per input in
// original input order.
func (x *Executor) Run(ctx context.Context, inputs []Input, opts Options) (Result, error) {
	start := time.Now()

	if opts.MaxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.MaxTimeout)
		defer cancel()
	}

	var outcomes []Outcome
	if opts.Mode == ModeSequential {
		outcomes = x.runSequential(ctx, inputs, opts)
	} else {
		outcomes = x.runConcurrent(ctx, inputs, opts)
	}

	m := Metrics{ExecutionTime: time.Since(start)}
	for _, o := range outcomes {
		m.TotalRequests++
		switch {
		case o.Skipped:
			m.SkippedRequests++
		case o.Success:
			m.SuccessfulRequests++
		default:
			m.FailedRequests++
		}
	}
	return Result{Outcomes: outcomes, Metrics: m}, nil
}

// runSequential runs leaves in list order; on failure with
// StopOnFirstError, remaining leaves are omitted entirely (spec.md §4.5:
// "remaining leaves are omitted, not marked failed").
func (x *Executor) runSequential(ctx context.Context, inputs []Input, opts Options) []Outcome {
	outcomes := make([]Outcome, 0, len(inputs))
	for _, in := range inputs {
		if ctx.Err() != nil {
			break
		}
		result, err := x.engines(in.GroupID).Run(ctx, in.Leaf, in.Policy)
		outcomes = append(outcomes, Outcome{
			RequestID: in.Leaf.ID,
			GroupID:   in.GroupID,
			Success:   result.Success,
			Data:      result.Data,
			Error:     err,
		})
		if err != nil && opts.StopOnFirstError {
			break
		}
	}
	return outcomes
}

// runConcurrent dispatches every leaf, settling all of them. With
// EnableRacing, the first success cancels the rest and losers are marked
// skipped. With MaxConcurrentRequests set, an executor-level concurrency
// limiter bounds how many leaves run at once, independent of any per-leaf
// concurrency gate inside InfraBundle.
func (x *Executor) runConcurrent(parent context.Context, inputs []Input, opts Options) []Outcome {
	outcomes := make([]Outcome, len(inputs))
	filled := make([]bool, len(inputs))

	var limiter *resilience.ConcurrencyLimiter
	if opts.MaxConcurrentRequests > 0 {
		limiter = resilience.NewConcurrencyLimiter("gateway", opts.MaxConcurrentRequests)
		defer limiter.Stop()
	}

	raceCtx, cancelRace := context.WithCancel(parent)
	defer cancelRace()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wonRace  bool
	)

	for i, in := range inputs {
		wg.Add(1)
		go func(i int, in Input) {
			defer wg.Done()

			itemCtx := raceCtx
			if limiter != nil {
				if err := limiter.Acquire(parent); err != nil {
					mu.Lock()
					outcomes[i] = Outcome{RequestID: in.Leaf.ID, GroupID: in.GroupID, Error: err}
					filled[i] = true
					mu.Unlock()
					return
				}
				defer limiter.Release()
			}

			if itemCtx.Err() != nil {
				mu.Lock()
				outcomes[i] = Outcome{RequestID: in.Leaf.ID, GroupID: in.GroupID, Skipped: true,
					Error: errors.New("cancelled — another leaf won the race")}
				filled[i] = true
				mu.Unlock()
				return
			}

			result, err := x.engines(in.GroupID).Run(itemCtx, in.Leaf, in.Policy)

			mu.Lock()
			defer mu.Unlock()
			if opts.EnableRacing && wonRace {
				outcomes[i] = Outcome{RequestID: in.Leaf.ID, GroupID: in.GroupID, Skipped: true,
					Error: errors.New("cancelled — another leaf won the race")}
				filled[i] = true
				return
			}
			outcomes[i] = Outcome{
				RequestID: in.Leaf.ID, GroupID: in.GroupID,
				Success: result.Success, Data: result.Data, Error: err,
			}
			filled[i] = true
			if opts.EnableRacing && err == nil && result.Success {
				wonRace = true
				cancelRace()
			}
		}(i, in)
	}
	wg.Wait()

	if parent.Err() != nil {
		// MaxTimeout fired: anything that never completed is marked failed
		// with a timeout error, per spec.md §4.5.
		for i, in := range inputs {
			if !filled[i] {
				outcomes[i] = Outcome{RequestID: in.Leaf.ID, GroupID: in.GroupID, Error: context.DeadlineExceeded}
			}
		}
	}
	return outcomes
}
