// Package leaf implements the AttemptEngine (spec component C1): running a
// single leaf operation through cache lookup, circuit/rate/concurrency
// gates, trial-mode fault injection, content validation, hook dispatch and
// backoff.
package leaf

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/orchestrator/pkg/txbuffer"
)

// Kind distinguishes the two mutually exclusive Leaf forms.
type Kind string

const (
	KindRequest  Kind = "request"
	KindFunction Kind = "function"
)

// Protocol is the HTTP leaf envelope's scheme, per spec.md §6.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// Method is the HTTP leaf envelope's verb.
type Method string

const (
	MethodGET    Method = "GET"
	MethodPOST   Method = "POST"
	MethodPUT    Method = "PUT"
	MethodPATCH  Method = "PATCH"
	MethodDELETE Method = "DELETE"
)

// Request is the caller-visible HTTP leaf envelope (spec.md §6).
type Request struct {
	Hostname string
	Protocol Protocol
	Method   Method
	Path     string // must start with "/"
	Port     int    // default 80 (http) or 443 (https)
	Headers  map[string]string
	Query    map[string]string
	Body     []byte
	TimeoutMs int // default 15000
}

// Func is the opaque-function form of a Leaf. args are whatever the caller
// closed over or passed via Leaf.FuncArgs.
type Func func(ctx context.Context, args ...any) (any, error)

// Leaf is the smallest executable unit: exactly one of Request or Func is
// set (spec.md §3 invariant).
type Leaf struct {
	ID      string
	Kind    Kind
	Request *Request
	Fn      Func
	FnArgs  []any
}

// NewRequestLeaf constructs a request-form leaf.
func NewRequestLeaf(req *Request) *Leaf {
	return &Leaf{ID: uuid.NewString(), Kind: KindRequest, Request: req}
}

// NewFuncLeaf constructs a function-form leaf.
func NewFuncLeaf(fn Func, args ...any) *Leaf {
	return &Leaf{ID: uuid.NewString(), Kind: KindFunction, Fn: fn, FnArgs: args}
}

// Strategy selects how backoff grows between attempts.
type Strategy string

const (
	StrategyFixed       Strategy = "FIXED"
	StrategyLinear      Strategy = "LINEAR"
	StrategyExponential Strategy = "EXPONENTIAL"
)

// TrialMode injects synthetic failures for chaos testing (spec.md §3).
type TrialMode struct {
	ReqFailureProbability   float64
	RetryFailureProbability float64
}

// PreExecutionHook runs before the attempt loop starts. A non-nil returned
// *Leaf replaces the original leaf entirely when OverrideOnPreExecution is
// set; fields are not merged. buf is threaded through so a hook may record side effects via
// txbuffer.Run without reaching into global state.
type PreExecutionHook func(ctx context.Context, l *Leaf, buf *txbuffer.Buffer) (overrides *Leaf, err error)

// ErrorHook observes a failed attempt. The hook has no error result, and
// the engine does not recover a panic raised inside it.
type ErrorHook func(ctx context.Context, attempt AttemptResult, err error, buf *txbuffer.Buffer)

// SuccessHook observes a successful attempt.
type SuccessHook func(ctx context.Context, attempt AttemptResult, buf *txbuffer.Buffer)

// FinalErrorAnalyzer runs once after the attempt loop exhausts without
// success. A true return suppresses error propagation (spec.md §4.1 step
// 10, §9 decision: applies to the final aggregate failure only, even under
// performAllAttempts).
type FinalErrorAnalyzer func(ctx context.Context, lastFailure AttemptResult, err error, buf *txbuffer.Buffer) bool

// Hooks bundles every hook spec.md §4.1 references, matching design note §9
// ("define explicit records per hook").
type Hooks struct {
	PreExecution              PreExecutionHook
	OverrideOnPreExecution    bool
	ContinueOnPreExecutionErr bool
	OnError                   ErrorHook
	OnSuccess                 SuccessHook
	FinalErrorAnalyzer        FinalErrorAnalyzer
	ThrowOnFailedErrorAnalysis bool
}

// KeyFunc computes a caller-supplied cache key, overriding the default
// fingerprint in pkg/resilience.Key.
type KeyFunc func(l *Leaf) string

// Policy is spec.md §3's attempt policy.
type Policy struct {
	Attempts              int
	BaseWait              time.Duration
	MaxWait               time.Duration
	Strategy              Strategy
	JitterFraction        float64
	PerformAllAttempts    bool
	TimeoutPerAttempt     time.Duration
	ExecutionTimeout      time.Duration // overall wall-clock bound for the leaf
	TrialMode             *TrialMode
	ExcludedCacheMethods  map[Method]bool
	RespectCacheControl   bool
	BypassGatesOnCacheHit bool // not read by Engine.Run: a cache hit always skips the gates
	CacheKeyFunc          KeyFunc
}

// DefaultPolicy returns a single-attempt, no-backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:              1,
		BaseWait:              0,
		MaxWait:               30 * time.Second,
		Strategy:              StrategyFixed,
		JitterFraction:        0,
		BypassGatesOnCacheHit: true,
		ExcludedCacheMethods: map[Method]bool{
			MethodPOST:   true,
			MethodPUT:    true,
			MethodPATCH:  true,
			MethodDELETE: true,
		},
	}
}

// AttemptResult is spec.md §3's AttemptResult.
type AttemptResult struct {
	OK         bool
	Retryable  bool
	StatusCode int
	Body       []byte
	Err        error
	Timestamp  time.Time
	Duration   time.Duration
	FromCache  bool
}

// Metrics is a leaf run's quantitative summary, consumed by
// pkg/guardrails.
type Metrics struct {
	Attempts       int
	TotalDuration  time.Duration
	RetryWaitTotal time.Duration
	CacheHit       bool
}

// ValidationResult, when non-nil, carries guardrail anomalies attached to a
// LeafResult.
type ValidationResult struct {
	Anomalies []Anomaly
}

// Anomaly mirrors spec.md §3's Anomaly shape; defined here to avoid an
// import cycle with pkg/guardrails (which depends on pkg/leaf's Metrics).
type Anomaly struct {
	Name      string
	Value     float64
	Violation string
	Severity  string
}

// LeafResult is spec.md §3's LeafResult.
type LeafResult struct {
	Success      bool
	Data         any
	Error        error
	ErrorLog     []AttemptResult
	SuccessLog   []AttemptResult
	Metrics      Metrics
	Validation   *ValidationResult
	TerminatedEarly bool
}
