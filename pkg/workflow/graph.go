package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swarmguard/orchestrator/pkg/txbuffer"
)

// NodeType classifies a graph node's execution behavior (spec.md §4.9).
type NodeType string

const (
	NodePhase         NodeType = "PHASE"
	NodeBranch        NodeType = "BRANCH"
	NodeConditional   NodeType = "CONDITIONAL"
	NodeParallelGroup NodeType = "PARALLEL_GROUP"
	NodeMergePoint    NodeType = "MERGE_POINT"
)

// EdgeCondition gates whether an edge is followed after its source node
// finishes.
type EdgeCondition string

const (
	EdgeSuccess EdgeCondition = "SUCCESS"
	EdgeFailure EdgeCondition = "FAILURE"
	EdgeAlways  EdgeCondition = "ALWAYS"
	EdgeCustom  EdgeCondition = "CUSTOM"
)

// CustomEdgePredicate is the caller-supplied evaluator for EdgeCustom
// edges.
type CustomEdgePredicate func(results map[string]NodeResult, buf *txbuffer.Buffer, history []HistoryEntry, currentNodeID string) bool

// Edge is one outgoing transition from a node.
type Edge struct {
	To        string
	Condition EdgeCondition
	Predicate CustomEdgePredicate
}

// ConditionalEvaluator returns the id of the next node for a CONDITIONAL
// node; that node must exist in the graph.
type ConditionalEvaluator func(ctx context.Context, buf *txbuffer.Buffer) (string, error)

// Node is one vertex in the graph.
type Node struct {
	ID   string
	Type NodeType

	Phase  *Phase  // NodePhase
	Branch *Branch // NodeBranch

	Evaluator ConditionalEvaluator // NodeConditional

	ParallelNodes []string // NodeParallelGroup
	EnableRacing  bool     // NodeParallelGroup of BRANCH nodes only

	WaitForNodes []string // NodeMergePoint
}

// Graph is `{nodes, edges, entryPoint, exitPoints?}` (spec.md §4.9).
type Graph struct {
	Nodes         map[string]*Node
	Edges         map[string][]Edge
	EntryPoint    string
	ExitPoints    []string
	MaxGraphDepth int // 0 disables the BFS depth check
}

// NodeResult is one node's execution outcome.
type NodeResult struct {
	NodeID        string
	Success       bool
	Phase         *PhaseResult
	Branches      []BranchResult
	Error         error
	Skipped       bool
	Timestamp     time.Time
	ExecutionTime time.Duration
}

// ValidationIssue is one non-fatal finding from graph validation.
type ValidationIssue struct {
	Kind    string // "unreachable" | "cycle" | "orphan" | "max-depth"
	NodeID  string
	Message string
}

// GraphRunOptions controls traversal.
type GraphRunOptions struct {
	ValidateGraph     bool // validation runs only when true; the zero value skips it
	OptimizeExecution bool
}

// GraphResult is the outcome of one runGraph call.
type GraphResult struct {
	Visited         map[string]NodeResult
	Order           []string
	Issues          []ValidationIssue
	History         []HistoryEntry
	TerminatedEarly bool
}

// GraphEngine traverses a graph of phases/branches/conditionals/parallel
// groups/merge points, grounded on services/orchestrator/dag_engine.go's
// BFS-based DAG walker generalized to spec.md §4.9's node/edge/validation
// rules.
type GraphEngine struct {
	phases   phaseRunner
	branches *BranchEngine
}

// NewGraphEngine binds a graph engine to the phase and branch engines it
// dispatches PHASE/BRANCH nodes to.
func NewGraphEngine(phases phaseRunner, branches *BranchEngine) *GraphEngine {
	return &GraphEngine{phases: phases, branches: branches}
}

// Validate performs the non-mutating checks spec.md §4.9 names: reachability
// from entryPoint, cycle detection (reported, not fatal), orphan detection,
// and maxGraphDepth via BFS.
func (e *GraphEngine) Validate(g *Graph) []ValidationIssue {
	var issues []ValidationIssue

	reachable := e.bfsReachable(g)
	for id := range g.Nodes {
		if !reachable[id] {
			issues = append(issues, ValidationIssue{Kind: "unreachable", NodeID: id, Message: "not reachable from entryPoint"})
		}
	}

	inbound := make(map[string]bool)
	for _, edges := range g.Edges {
		for _, edge := range edges {
			inbound[edge.To] = true
		}
	}
	for _, pg := range g.Nodes {
		if pg.Type == NodeParallelGroup {
			for _, id := range pg.ParallelNodes {
				inbound[id] = true
			}
		}
		if pg.Type == NodeMergePoint {
			for _, id := range pg.WaitForNodes {
				inbound[id] = true
			}
		}
	}
	for id := range g.Nodes {
		if id != g.EntryPoint && !inbound[id] {
			issues = append(issues, ValidationIssue{Kind: "orphan", NodeID: id, Message: "no inbound edge and not the entry point"})
		}
	}

	if cyc := e.detectCycle(g); cyc != "" {
		issues = append(issues, ValidationIssue{Kind: "cycle", NodeID: cyc, Message: "cycle detected; allowed only if a decision can terminate it"})
	}

	if g.MaxGraphDepth > 0 {
		if depth, overLimitNode := e.bfsDepth(g); depth > g.MaxGraphDepth {
			issues = append(issues, ValidationIssue{Kind: "max-depth", NodeID: overLimitNode, Message: fmt.Sprintf("graph depth %d exceeds maxGraphDepth %d", depth, g.MaxGraphDepth)})
		}
	}

	return issues
}

func (e *GraphEngine) bfsReachable(g *Graph) map[string]bool {
	visited := map[string]bool{}
	queue := []string{g.EntryPoint}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, next := range e.successors(g, id) {
			if !visited[next] {
				queue = append(queue, next)
			}
		}
	}
	return visited
}

func (e *GraphEngine) successors(g *Graph, id string) []string {
	var out []string
	for _, edge := range g.Edges[id] {
		out = append(out, edge.To)
	}
	if n, ok := g.Nodes[id]; ok {
		if n.Type == NodeParallelGroup {
			out = append(out, n.ParallelNodes...)
		}
		if n.Type == NodeMergePoint {
			out = append(out, n.WaitForNodes...)
		}
	}
	return out
}

func (e *GraphEngine) detectCycle(g *Graph) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))
	var found string
	var visit func(id string)
	visit = func(id string) {
		if found != "" || color[id] == black {
			return
		}
		if color[id] == gray {
			found = id
			return
		}
		color[id] = gray
		for _, next := range e.successors(g, id) {
			visit(next)
			if found != "" {
				return
			}
		}
		color[id] = black
	}
	visit(g.EntryPoint)
	return found
}

func (e *GraphEngine) bfsDepth(g *Graph) (int, string) {
	depth := map[string]int{g.EntryPoint: 0}
	queue := []string{g.EntryPoint}
	maxDepth, maxNode := 0, g.EntryPoint
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range e.successors(g, id) {
			if _, seen := depth[next]; !seen {
				depth[next] = depth[id] + 1
				if depth[next] > maxDepth {
					maxDepth, maxNode = depth[next], next
				}
				queue = append(queue, next)
			}
		}
	}
	return maxDepth, maxNode
}

// Optimize removes unreachable and orphan nodes from a copy of g, per
// spec.md §4.9's optimizeExecution.
func (e *GraphEngine) Optimize(g *Graph) *Graph {
	reachable := e.bfsReachable(g)
	out := &Graph{
		Nodes:         map[string]*Node{},
		Edges:         map[string][]Edge{},
		EntryPoint:    g.EntryPoint,
		ExitPoints:    g.ExitPoints,
		MaxGraphDepth: g.MaxGraphDepth,
	}
	for id, n := range g.Nodes {
		if reachable[id] {
			out.Nodes[id] = n
		}
	}
	for id, edges := range g.Edges {
		if !reachable[id] {
			continue
		}
		for _, edge := range edges {
			if reachable[edge.To] {
				out.Edges[id] = append(out.Edges[id], edge)
			}
		}
	}
	return out
}

// Run traverses the graph from EntryPoint, following matching outgoing
// edges after each node, honoring PARALLEL_GROUP/MERGE_POINT blocking
// semantics (spec.md §4.9).
func (e *GraphEngine) Run(ctx context.Context, g *Graph, opts GraphRunOptions, buf *txbuffer.Buffer) (GraphResult, error) {
	working := g
	result := GraphResult{Visited: map[string]NodeResult{}}

	if opts.ValidateGraph {
		result.Issues = e.Validate(working)
	}
	if opts.OptimizeExecution {
		working = e.Optimize(working)
	}

	visitedSet := map[string]bool{}
	mergeWaiting := map[string]bool{}

	var walk func(id string) error
	walk = func(id string) error {
		if ctx.Err() != nil {
			result.TerminatedEarly = true
			return nil
		}
		n, ok := working.Nodes[id]
		if !ok {
			return fmt.Errorf("graph: node %q not found", id)
		}

		if n.Type == NodeMergePoint {
			for _, dep := range n.WaitForNodes {
				if !visitedSet[dep] {
					mergeWaiting[id] = true
					return nil
				}
			}
		}

		nr, err := e.runNode(ctx, working, n, result.History, buf)
		if err != nil {
			return err
		}
		result.Visited[id] = nr
		result.Order = append(result.Order, id)
		visitedSet[id] = true
		if nr.Phase != nil {
			result.History = append(result.History, HistoryEntry{
				PhaseID: nr.Phase.PhaseID, PhaseIndex: nr.Phase.PhaseIndex, ExecutionNumber: nr.Phase.ExecutionNumber,
				Timestamp: nr.Phase.Timestamp, Success: nr.Phase.Success, ExecutionTime: nr.Phase.ExecutionTime, Decision: nr.Phase.Decision,
			})
		}

		next, err := e.nextNodes(ctx, working, n, nr, result.Visited, buf, result.History)
		if err != nil {
			return err
		}
		for _, id := range next {
			if err := walk(id); err != nil {
				return err
			}
		}

		for waitingID := range mergeWaiting {
			satisfied := true
			for _, dep := range working.Nodes[waitingID].WaitForNodes {
				if !visitedSet[dep] {
					satisfied = false
					break
				}
			}
			if satisfied {
				delete(mergeWaiting, waitingID)
				if err := walk(waitingID); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(working.EntryPoint); err != nil {
		return result, err
	}
	return result, nil
}

func (e *GraphEngine) runNode(ctx context.Context, g *Graph, n *Node, history []HistoryEntry, buf *txbuffer.Buffer) (NodeResult, error) {
	start := time.Now()
	switch n.Type {
	case NodePhase:
		pr, err := e.phases.Run(ctx, n.Phase, 0, 1, history, buf, nil)
		if err != nil {
			return NodeResult{NodeID: n.ID, Error: err, Timestamp: start, ExecutionTime: time.Since(start)}, nil
		}
		return NodeResult{NodeID: n.ID, Success: pr.Success, Phase: &pr, Timestamp: start, ExecutionTime: time.Since(start)}, nil

	case NodeBranch:
		results, err := e.branches.RunSequential(ctx, []*Branch{n.Branch}, buf)
		if err != nil {
			return NodeResult{NodeID: n.ID, Error: err, Timestamp: start, ExecutionTime: time.Since(start)}, nil
		}
		success := len(results) > 0 && results[0].Success
		return NodeResult{NodeID: n.ID, Success: success, Branches: results, Timestamp: start, ExecutionTime: time.Since(start)}, nil

	case NodeConditional:
		// Conditional nodes just route; their own success is vacuous.
		return NodeResult{NodeID: n.ID, Success: true, Timestamp: start, ExecutionTime: time.Since(start)}, nil

	case NodeParallelGroup:
		return e.runParallelGroup(ctx, g, n, history, buf, start)

	case NodeMergePoint:
		return NodeResult{NodeID: n.ID, Success: true, Timestamp: start, ExecutionTime: time.Since(start)}, nil

	default:
		return NodeResult{}, fmt.Errorf("graph: unknown node type %q for node %q", n.Type, n.ID)
	}
}

func (e *GraphEngine) runParallelGroup(ctx context.Context, g *Graph, n *Node, history []HistoryEntry, buf *txbuffer.Buffer, start time.Time) (NodeResult, error) {
	allBranches := true
	for _, id := range n.ParallelNodes {
		if child, ok := g.Nodes[id]; !ok || child.Type != NodeBranch {
			allBranches = false
			break
		}
	}

	if allBranches && n.EnableRacing {
		branches := make([]*Branch, 0, len(n.ParallelNodes))
		for _, id := range n.ParallelNodes {
			branches = append(branches, g.Nodes[id].Branch)
		}
		results, err := e.branches.RunRacing(ctx, branches, buf)
		if err != nil {
			return NodeResult{}, err
		}
		success := false
		for _, r := range results {
			if r.Success {
				success = true
			}
		}
		return NodeResult{NodeID: n.ID, Success: success, Branches: results, Timestamp: start, ExecutionTime: time.Since(start)}, nil
	}

	var wg sync.WaitGroup
	results := make([]NodeResult, len(n.ParallelNodes))
	errs := make([]error, len(n.ParallelNodes))
	for i, id := range n.ParallelNodes {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			child, ok := g.Nodes[id]
			if !ok {
				errs[i] = fmt.Errorf("graph: parallel group member %q not found", id)
				return
			}
			r, err := e.runNode(ctx, g, child, history, buf)
			results[i] = r
			errs[i] = err
		}(i, id)
	}
	wg.Wait()
	success := true
	for i, err := range errs {
		if err != nil {
			return NodeResult{}, err
		}
		if !results[i].Success {
			success = false
		}
	}
	return NodeResult{NodeID: n.ID, Success: success, Timestamp: start, ExecutionTime: time.Since(start)}, nil
}

func (e *GraphEngine) nextNodes(ctx context.Context, g *Graph, n *Node, nr NodeResult, visited map[string]NodeResult, buf *txbuffer.Buffer, history []HistoryEntry) ([]string, error) {
	if n.Type == NodeConditional {
		if n.Evaluator == nil {
			return nil, fmt.Errorf("graph: conditional node %q has no evaluator", n.ID)
		}
		target, err := n.Evaluator(ctx, buf)
		if err != nil {
			return nil, err
		}
		if _, ok := g.Nodes[target]; !ok {
			return nil, fmt.Errorf("graph: conditional node %q routed to missing node %q", n.ID, target)
		}
		return []string{target}, nil
	}

	var next []string
	for _, edge := range g.Edges[n.ID] {
		switch edge.Condition {
		case EdgeAlways:
			next = append(next, edge.To)
		case EdgeSuccess:
			if nr.Success {
				next = append(next, edge.To)
			}
		case EdgeFailure:
			if !nr.Success {
				next = append(next, edge.To)
			}
		case EdgeCustom:
			if edge.Predicate != nil && edge.Predicate(visited, buf, history, n.ID) {
				next = append(next, edge.To)
			}
		}
	}
	return next, nil
}
