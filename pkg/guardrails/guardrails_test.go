package guardrails

import "testing"

func f(v float64) *float64 { return &v }

func TestCheckBelowMin(t *testing.T) {
	a, flagged := Check("latencyMs", 5, Guardrail{Min: f(10)})
	if !flagged {
		t.Fatalf("expected a BELOW_MIN anomaly")
	}
	if a.Violation != string(BelowMin) {
		t.Fatalf("expected BELOW_MIN, got %s", a.Violation)
	}
}

func TestCheckAboveMaxSeverityCritical(t *testing.T) {
	// 100 vs max 10: deviation = 900% > 50% -> CRITICAL
	a, flagged := Check("errors", 100, Guardrail{Max: f(10)})
	if !flagged || a.Severity != string(SeverityCritical) {
		t.Fatalf("expected CRITICAL ABOVE_MAX, got %+v", a)
	}
}

func TestCheckWithinBoundsIsNotAnomalous(t *testing.T) {
	_, flagged := Check("latencyMs", 50, Guardrail{Min: f(10), Max: f(100)})
	if flagged {
		t.Fatalf("expected no anomaly within bounds")
	}
}

func TestCheckOutsideToleranceSeverity(t *testing.T) {
	// expected 100, tolerance 10% -> band [90,110]. value 130 -> 30%
	// deviation, ratio to tolerance = 3 -> CRITICAL.
	a, flagged := Check("throughput", 130, Guardrail{Expected: f(100), Tolerance: 10})
	if !flagged {
		t.Fatalf("expected an OUTSIDE_TOLERANCE anomaly")
	}
	if a.Violation != string(OutsideTolerance) {
		t.Fatalf("expected OUTSIDE_TOLERANCE, got %s", a.Violation)
	}
	if a.Severity != string(SeverityCritical) {
		t.Fatalf("expected CRITICAL severity, got %s", a.Severity)
	}
}

func TestEvaluateBucketOrdersByFixedKeyList(t *testing.T) {
	values := map[string]float64{"failedRequests": 500, "totalRequests": 10}
	guardrails := map[string]Guardrail{
		"totalRequests":  {Max: f(5)},
		"failedRequests": {Max: f(1)},
	}
	anomalies := EvaluateBucket(GatewayKeys(), values, guardrails)
	if len(anomalies) != 2 {
		t.Fatalf("expected 2 anomalies, got %d", len(anomalies))
	}
	if anomalies[0].Name != "totalRequests" {
		t.Fatalf("expected fixed key order to put totalRequests first, got %s", anomalies[0].Name)
	}
}
