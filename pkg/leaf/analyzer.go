package leaf

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// ContentAnalyzer is spec.md §3's pure predicate over a response body.
// Rejection counts as a retryable "invalid content" failure distinct from a
// transport failure.
type ContentAnalyzer interface {
	Analyze(ctx context.Context, body []byte) (accept bool, err error)
}

// AnalyzerFunc adapts a plain function to ContentAnalyzer.
type AnalyzerFunc func(ctx context.Context, body []byte) (bool, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, body []byte) (bool, error) {
	return f(ctx, body)
}

// OPAContentAnalyzer evaluates a rego rule against the decoded JSON body
// instead of a compiled Go predicate, letting callers edit accept/reject
// rules without a rebuild. Grounded on
// services/policy-service/opa_engine.go's prepared-query pattern
// (rego.New -> PrepareForEval -> Eval), generalized from policy decisions
// to response-content acceptance.
type OPAContentAnalyzer struct {
	query   rego.PreparedEvalQuery
	decision string // not set by NewOPAContentAnalyzer and not read by Analyze
}

// NewOPAContentAnalyzer compiles a rego module and prepares the query that
// will be evaluated against each response body. module is rego source text;
// queryExpr is the rego query (e.g. "data.orchestrator.accept").
func NewOPAContentAnalyzer(ctx context.Context, module, queryExpr string) (*OPAContentAnalyzer, error) {
	r := rego.New(
		rego.Query(queryExpr),
		rego.Module("analyzer.rego", module),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare opa query: %w", err)
	}
	return &OPAContentAnalyzer{query: pq}, nil
}

// Analyze decodes body as JSON and evaluates it as rego input; the query
// result's first expression's boolean value is the accept/reject verdict.
func (a *OPAContentAnalyzer) Analyze(ctx context.Context, body []byte) (bool, error) {
	var input any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &input); err != nil {
			// Non-JSON bodies are neither accepted nor an analyzer error in
			// their own right; treat as reject, matching spec.md's "rejection
			// counts as a retryable invalid content failure."
			return false, nil
		}
	}
	rs, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("opa eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	verdict, _ := rs[0].Expressions[0].Value.(bool)
	return verdict, nil
}
