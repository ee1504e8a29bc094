package leaf

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/swarmguard/orchestrator/pkg/transport"
	"github.com/swarmguard/orchestrator/pkg/txbuffer"
)

// scriptedTransport returns one canned Response (or error) per call, in
// order, looping on the last entry once exhausted.
type scriptedTransport struct {
	responses []transport.Response
	errs      []error
	calls     int
}

func (s *scriptedTransport) Do(ctx context.Context, req transport.Request) (transport.Response, error) {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.responses[i], err
}

func httpLeaf() *Leaf {
	return NewRequestLeaf(&Request{
		Hostname: "api.example.com",
		Protocol: ProtocolHTTPS,
		Method:   MethodGET,
		Path:     "/data",
	})
}

// Scenario 1 (spec.md §8): single-request exponential retry. Transport
// returns 503, 503, 200; expect success, 3 attempts recorded, one success
// log entry with statusCode=200.
func TestEngineSingleRequestExponentialRetry(t *testing.T) {
	st := &scriptedTransport{responses: []transport.Response{
		{StatusCode: 503},
		{StatusCode: 503},
		{StatusCode: 200, Body: []byte(`{"ok":true}`)},
	}}
	e := NewEngine(Deps{Transport: st})

	policy := DefaultPolicy()
	policy.Attempts = 3
	policy.BaseWait = time.Millisecond
	policy.Strategy = StrategyExponential
	policy.JitterFraction = 0

	result, err := e.Run(context.Background(), httpLeaf(), policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success")
	}
	if result.Metrics.Attempts != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", result.Metrics.Attempts)
	}
	if len(result.SuccessLog) != 1 || result.SuccessLog[0].StatusCode != 200 {
		t.Fatalf("expected one success log entry with status 200, got %+v", result.SuccessLog)
	}
	if len(result.ErrorLog) != 2 {
		t.Fatalf("expected two failed attempts logged, got %d", len(result.ErrorLog))
	}
}

type readyAnalyzer struct{}

func (readyAnalyzer) Analyze(ctx context.Context, body []byte) (bool, error) {
	var v struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return false, nil
	}
	return v.State == "ready", nil
}

// Scenario 2 (spec.md §8): content analyzer polling. attempts=5, base=0,
// analyzer rejects until body.state=='ready'; transport returns busy, busy,
// ready. Expect success at attempt 3, two ContentInvalid entries in the
// error log.
func TestEngineContentAnalyzerPolling(t *testing.T) {
	st := &scriptedTransport{responses: []transport.Response{
		{StatusCode: 200, Body: []byte(`{"state":"busy"}`)},
		{StatusCode: 200, Body: []byte(`{"state":"busy"}`)},
		{StatusCode: 200, Body: []byte(`{"state":"ready"}`)},
	}}
	e := NewEngine(Deps{Transport: st, Analyzer: readyAnalyzer{}})

	policy := DefaultPolicy()
	policy.Attempts = 5
	policy.BaseWait = 0

	result, err := e.Run(context.Background(), httpLeaf(), policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected eventual success")
	}
	if result.Metrics.Attempts != 3 {
		t.Fatalf("expected success at attempt 3, got %d attempts", result.Metrics.Attempts)
	}
	if len(result.ErrorLog) != 2 {
		t.Fatalf("expected two ContentInvalid entries, got %d", len(result.ErrorLog))
	}
	for _, r := range result.ErrorLog {
		if !IsKind(r.Err, KindContentInvalid) {
			t.Fatalf("expected ContentInvalid, got %v", r.Err)
		}
	}
}

// performAllAttempts=false must stop recording attempts once success occurs.
func TestEnginePerformAllAttemptsFalseStopsAtFirstSuccess(t *testing.T) {
	st := &scriptedTransport{responses: []transport.Response{
		{StatusCode: 200},
		{StatusCode: 200},
		{StatusCode: 200},
	}}
	e := NewEngine(Deps{Transport: st})

	policy := DefaultPolicy()
	policy.Attempts = 3
	policy.PerformAllAttempts = false

	result, err := e.Run(context.Background(), httpLeaf(), policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Metrics.Attempts != 1 {
		t.Fatalf("expected exactly 1 attempt recorded, got %d", result.Metrics.Attempts)
	}
	if st.calls != 1 {
		t.Fatalf("expected transport invoked exactly once, got %d", st.calls)
	}
}

// finalErrorAnalyzer suppression yields success=false, data=false
// (spec.md §4.1 step 10).
func TestEngineFinalErrorAnalyzerSuppressesFailure(t *testing.T) {
	st := &scriptedTransport{responses: []transport.Response{{StatusCode: 500}}}
	e := NewEngine(Deps{
		Transport: st,
		Hooks: Hooks{
			FinalErrorAnalyzer: func(ctx context.Context, lastFailure AttemptResult, err error, buf *txbuffer.Buffer) bool {
				return true
			},
		},
	})

	policy := DefaultPolicy()
	policy.Attempts = 1

	result, err := e.Run(context.Background(), httpLeaf(), policy)
	if err != nil {
		t.Fatalf("expected suppressed error, got %v", err)
	}
	if result.Success {
		t.Fatalf("expected success=false")
	}
	if data, ok := result.Data.(bool); !ok || data {
		t.Fatalf("expected data=false, got %#v", result.Data)
	}
}

// ThrowOnFailedErrorAnalysis forces propagation even when the analyzer
// suppresses (spec.md §4.1 step 10).
func TestEngineThrowOnFailedErrorAnalysisOverridesSuppression(t *testing.T) {
	st := &scriptedTransport{responses: []transport.Response{{StatusCode: 500}}}
	e := NewEngine(Deps{
		Transport: st,
		Hooks: Hooks{
			FinalErrorAnalyzer: func(ctx context.Context, lastFailure AttemptResult, err error, buf *txbuffer.Buffer) bool {
				return true
			},
			ThrowOnFailedErrorAnalysis: true,
		},
	})

	policy := DefaultPolicy()
	policy.Attempts = 1

	_, err := e.Run(context.Background(), httpLeaf(), policy)
	if err == nil {
		t.Fatalf("expected error to propagate despite suppression")
	}
}
