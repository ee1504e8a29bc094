// Package guardrails implements MetricsGuardrails (spec component C11): a
// pure anomaly-detection pass over scalar metrics against configured
// bounds.
package guardrails

import "github.com/swarmguard/orchestrator/pkg/leaf"

// Violation classifies which bound an anomaly crossed.
type Violation string

const (
	BelowMin        Violation = "BELOW_MIN"
	AboveMax        Violation = "ABOVE_MAX"
	OutsideTolerance Violation = "OUTSIDE_TOLERANCE"
)

// Severity grades how far past the bound the value fell.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Guardrail is one metric's configured bounds (spec.md §4.11). Min/Max/
// Expected use pointers so "unset" is distinguishable from zero.
type Guardrail struct {
	Min       *float64
	Max       *float64
	Expected  *float64
	Tolerance float64 // percent, e.g. 10 means +/-10%
}

// Check evaluates one metric value against its guardrail, returning the
// anomaly (if any).
func Check(name string, value float64, g Guardrail) (leaf.Anomaly, bool) {
	if g.Min != nil && value < *g.Min {
		return leaf.Anomaly{Name: name, Value: value, Violation: string(BelowMin), Severity: string(severityForBound(value, *g.Min))}, true
	}
	if g.Max != nil && value > *g.Max {
		return leaf.Anomaly{Name: name, Value: value, Violation: string(AboveMax), Severity: string(severityForBound(value, *g.Max))}, true
	}
	if g.Expected != nil && g.Tolerance > 0 {
		lower := *g.Expected * (1 - g.Tolerance/100)
		upper := *g.Expected * (1 + g.Tolerance/100)
		if value < lower || value > upper {
			return leaf.Anomaly{Name: name, Value: value, Violation: string(OutsideTolerance), Severity: string(severityForTolerance(value, *g.Expected, g.Tolerance))}, true
		}
	}
	return leaf.Anomaly{}, false
}

// severityForBound grades a min/max violation by percentage deviation from
// the crossed bound (spec.md §4.11: >50% CRITICAL, >20% WARNING, else
// INFO).
func severityForBound(value, bound float64) Severity {
	if bound == 0 {
		if value == 0 {
			return SeverityInfo
		}
		return SeverityCritical
	}
	deviation := absPct((value - bound) / bound)
	switch {
	case deviation > 50:
		return SeverityCritical
	case deviation > 20:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// severityForTolerance grades a tolerance violation against the tolerance
// value itself rather than the expected value (spec.md §4.11: deviation
// beyond 2x the tolerance is CRITICAL, beyond 1.5x is WARNING).
func severityForTolerance(value, expected, tolerancePct float64) Severity {
	if expected == 0 {
		return SeverityCritical
	}
	actualDeviationPct := absPct((value - expected) / expected)
	if tolerancePct <= 0 {
		return SeverityCritical
	}
	ratio := actualDeviationPct / tolerancePct
	switch {
	case ratio >= 2:
		return SeverityCritical
	case ratio >= 1.5:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func absPct(fraction float64) float64 {
	pct := fraction * 100
	if pct < 0 {
		return -pct
	}
	return pct
}

// Bucket names the typed metric groups spec.md §4.11 defines, each with a
// fixed, ordered key list so tests can pin metric names.
type Bucket string

const (
	BucketRequest        Bucket = "request"
	BucketGateway        Bucket = "gateway"
	BucketWorkflow       Bucket = "workflow"
	BucketPhase          Bucket = "phase"
	BucketBranch         Bucket = "branch"
	BucketInfrastructure Bucket = "infrastructure"
	BucketScheduler      Bucket = "scheduler"
	BucketBuffer         Bucket = "buffer"
	BucketDistributed    Bucket = "distributed"
)

// RequestKeys is request-bucket metrics' fixed key order.
func RequestKeys() []string {
	return []string{"attempts", "totalDurationMs", "retryWaitTotalMs"}
}

// GatewayKeys is gateway-bucket metrics' fixed key order.
func GatewayKeys() []string {
	return []string{"totalRequests", "successfulRequests", "failedRequests", "skippedRequests", "executionTimeMs"}
}

// WorkflowKeys is workflow-bucket metrics' fixed key order.
func WorkflowKeys() []string {
	return []string{"totalPhases", "completedPhases", "failedPhases", "totalRequests", "successfulRequests", "failedRequests"}
}

// PhaseKeys is phase-bucket metrics' fixed key order.
func PhaseKeys() []string {
	return []string{"totalRequests", "successfulRequests", "failedRequests", "executionTimeMs"}
}

// BranchKeys is branch-bucket metrics' fixed key order.
func BranchKeys() []string {
	return []string{"totalPhases", "completedPhases", "failedPhases"}
}

// InfrastructureKeys is per-primitive infra metrics' fixed key order.
func InfrastructureKeys() []string {
	return []string{"circuitOpenCount", "rateLimiterDeniedCount", "concurrencyPeakInFlight", "cacheHitRatio"}
}

// SchedulerKeys is scheduler-bucket metrics' fixed key order.
func SchedulerKeys() []string {
	return []string{"total", "queued", "running", "completed", "failed", "dropped", "successRate", "avgExecutionTimeMs", "avgQueueDelayMs"}
}

// BufferKeys is buffer-bucket metrics' fixed key order.
func BufferKeys() []string {
	return []string{"totalTransactions", "failedTransactions", "avgQueueWaitMs"}
}

// DistributedKeys is distributed-adapter-bucket metrics' fixed key order.
func DistributedKeys() []string {
	return []string{"lockContention", "leaderChanges", "pubsubLagMs"}
}

// EvaluateBucket checks every named metric present in values against its
// configured guardrail, returning anomalies in the bucket's fixed key
// order so results are deterministic regardless of map iteration order.
func EvaluateBucket(keys []string, values map[string]float64, guardrails map[string]Guardrail) []leaf.Anomaly {
	var anomalies []leaf.Anomaly
	for _, k := range keys {
		v, ok := values[k]
		if !ok {
			continue
		}
		g, ok := guardrails[k]
		if !ok {
			continue
		}
		if a, flagged := Check(k, v, g); flagged {
			anomalies = append(anomalies, a)
		}
	}
	return anomalies
}
