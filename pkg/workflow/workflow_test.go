package workflow

import (
	"context"
	"sync"
	"testing"

	"github.com/swarmguard/orchestrator/pkg/txbuffer"
)

type stubRunner struct {
	mu          sync.Mutex
	calls       []string
	successFor  func(id string) bool
	decisionFor func(id string, execNum int) *Decision
}

func (s *stubRunner) Run(ctx context.Context, phase *Phase, phaseIndex, executionNumber int, history []HistoryEntry, buf *txbuffer.Buffer, concurrentResults []PhaseResult) (PhaseResult, error) {
	return s.run(phase, phaseIndex, executionNumber)
}

func (s *stubRunner) run(phase *Phase, phaseIndex, executionNumber int) (PhaseResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, phase.ID)
	s.mu.Unlock()

	success := true
	if s.successFor != nil {
		success = s.successFor(phase.ID)
	}
	var decision *Decision
	if s.decisionFor != nil {
		decision = s.decisionFor(phase.ID, executionNumber)
	}
	return PhaseResult{PhaseID: phase.ID, PhaseIndex: phaseIndex, ExecutionNumber: executionNumber, Success: success, Decision: decision}, nil
}

func TestRunLinearStopsOnFirstError(t *testing.T) {
	stub := &stubRunner{successFor: func(id string) bool { return id != "b" }}
	phases := []*Phase{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	engine := NewWorkflowEngine(stub)

	result, err := engine.Run(context.Background(), phases, WorkflowOptions{StopOnFirstPhaseError: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Phases) != 2 {
		t.Fatalf("expected phase c to be skipped, got %d phases", len(result.Phases))
	}
	if stub.calls[1] != "b" || len(stub.calls) != 2 {
		t.Fatalf("expected calls [a b], got %v", stub.calls)
	}
}

func TestRunConcurrentPhasesSettlesAllDespiteFailure(t *testing.T) {
	stub := &stubRunner{successFor: func(id string) bool { return id != "b" }}
	phases := []*Phase{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	engine := NewWorkflowEngine(stub)

	result, err := engine.Run(context.Background(), phases, WorkflowOptions{ConcurrentPhaseExecution: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Phases) != 3 {
		t.Fatalf("expected all three phases to settle, got %d", len(result.Phases))
	}
}

func TestRunMixedGroupsAdjacentConcurrentPhases(t *testing.T) {
	stub := &stubRunner{}
	phases := []*Phase{
		{ID: "a"},
		{ID: "b", MarkConcurrentPhase: true},
		{ID: "c", MarkConcurrentPhase: true},
		{ID: "d"},
	}
	engine := NewWorkflowEngine(stub)

	result, err := engine.Run(context.Background(), phases, WorkflowOptions{EnableMixedExecution: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Phases) != 4 {
		t.Fatalf("expected all 4 phases to run, got %d", len(result.Phases))
	}
	if stub.calls[0] != "a" || stub.calls[3] != "d" {
		t.Fatalf("expected a first and d last with b/c grouped between, got %v", stub.calls)
	}
}

func TestRunNonLinearJumpSkipsTargetedPhase(t *testing.T) {
	stub := &stubRunner{
		decisionFor: func(id string, execNum int) *Decision {
			switch id {
			case "a":
				return &Decision{Action: ActionJump, TargetPhaseID: "c"}
			case "c":
				return &Decision{Action: ActionTerminate}
			}
			return &Decision{Action: ActionContinue}
		},
	}
	phases := []*Phase{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	engine := NewWorkflowEngine(stub)

	result, err := engine.Run(context.Background(), phases, WorkflowOptions{EnableNonLinearExecution: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Phases) != 2 || stub.calls[0] != "a" || stub.calls[1] != "c" {
		t.Fatalf("expected jump from a straight to c, got %v", stub.calls)
	}
}

func TestRunNonLinearReplayHonorsMaxReplayCount(t *testing.T) {
	stub := &stubRunner{
		decisionFor: func(id string, execNum int) *Decision {
			if id == "a" && execNum == 1 {
				return &Decision{Action: ActionReplay}
			}
			if id == "a" {
				return &Decision{Action: ActionContinue}
			}
			return &Decision{Action: ActionTerminate}
		},
	}
	phases := []*Phase{{ID: "a", AllowReplay: true, MaxReplayCount: 1}, {ID: "b"}}
	engine := NewWorkflowEngine(stub)

	result, err := engine.Run(context.Background(), phases, WorkflowOptions{EnableNonLinearExecution: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"a", "a", "b"}
	if len(stub.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, stub.calls)
	}
	for i := range want {
		if stub.calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, stub.calls)
		}
	}
	if len(result.Phases) != 3 {
		t.Fatalf("expected 3 recorded phase executions, got %d", len(result.Phases))
	}
}

func TestRunNonLinearMaxIterationsGuardTerminatesEarly(t *testing.T) {
	stub := &stubRunner{
		decisionFor: func(id string, execNum int) *Decision {
			return &Decision{Action: ActionJump, TargetPhaseID: "a"}
		},
	}
	phases := []*Phase{{ID: "a"}}
	engine := NewWorkflowEngine(stub)

	result, err := engine.Run(context.Background(), phases, WorkflowOptions{EnableNonLinearExecution: true, MaxWorkflowIterations: 5}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.TerminatedEarly {
		t.Fatalf("expected the iteration guard to terminate the workflow early")
	}
	if len(result.Phases) != 5 {
		t.Fatalf("expected exactly 5 executions before the guard tripped, got %d", len(result.Phases))
	}
}
