package leaf

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/swarmguard/orchestrator/pkg/infra"
	"github.com/swarmguard/orchestrator/pkg/resilience"
	"github.com/swarmguard/orchestrator/pkg/transport"
	"github.com/swarmguard/orchestrator/pkg/txbuffer"
)

// Deps bundles an AttemptEngine run's collaborators so Run's signature
// stays small as new cross-cutting concerns (tracing, extra stores) get
// added, mirroring services/orchestrator's *WorkflowExecution threading
// pattern generalized to a plain struct.
type Deps struct {
	Infra     *infra.Bundle
	Buffer    *txbuffer.Buffer
	Analyzer  ContentAnalyzer
	Hooks     Hooks
	Transport transport.Transport
	Logger    *slog.Logger
}

// Engine runs a single Leaf to completion under a Policy: the AttemptEngine
// named in spec.md §4.1.
type Engine struct {
	deps Deps
}

// NewEngine constructs an Engine bound to one set of dependencies. A nil
// deps.Transport gets a default pooled HTTPTransport; a nil deps.Logger
// gets slog.Default().
func NewEngine(deps Deps) *Engine {
	if deps.Transport == nil {
		deps.Transport = transport.NewHTTPTransport(nil, 0)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{deps: deps}
}

// Run executes the spec.md §4.1 ten-step algorithm for one leaf under
// policy.
func (e *Engine) Run(ctx context.Context, l *Leaf, policy Policy) (LeafResult, error) {
	if l == nil {
		return LeafResult{}, NewError(KindFatalConfiguration, false, errors.New("nil leaf"))
	}
	if l.Kind == KindRequest && l.Request == nil {
		return LeafResult{}, NewError(KindFatalConfiguration, false, errors.New("request leaf missing Request"))
	}
	if l.Kind == KindFunction && l.Fn == nil {
		return LeafResult{}, NewError(KindFatalConfiguration, false, errors.New("function leaf missing Fn"))
	}
	if policy.Attempts <= 0 {
		return LeafResult{}, NewError(KindFatalConfiguration, false, errors.New("policy.Attempts must be >= 1"))
	}

	if policy.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.ExecutionTimeout)
		defer cancel()
	}

	// Pre-execution hook, run once before the attempt loop. A non-nil
	// override replaces the leaf wholesale only when OverrideOnPreExecution
	// is set; a hook error aborts the run unless ContinueOnPreExecutionErr.
	active := l
	if e.deps.Hooks.PreExecution != nil {
		overridden, err := e.deps.Hooks.PreExecution(ctx, l, e.deps.Buffer)
		if err != nil {
			if !e.deps.Hooks.ContinueOnPreExecutionErr {
				return LeafResult{}, NewError(KindHookError, false, err)
			}
			e.deps.Logger.Warn("pre-execution hook failed, continuing", "leaf_id", l.ID, "error", err)
		} else if overridden != nil && e.deps.Hooks.OverrideOnPreExecution {
			active = overridden
		}
	}

	cacheKey, cacheable := e.cacheKeyFor(active, policy)

	// Step 1: cache lookup. A hit short-circuits the entire attempt loop and
	// always bypasses the gates; policy.BypassGatesOnCacheHit is not read.
	if cacheable && e.deps.Infra != nil && e.deps.Infra.Cache != nil {
		if entry, ok := e.deps.Infra.Cache.Get(cacheKey); ok {
			result := AttemptResult{
				OK: true, StatusCode: entry.Status, Body: entry.Body,
				Timestamp: time.Now(), FromCache: true,
			}
			if e.deps.Hooks.OnSuccess != nil {
				e.deps.Hooks.OnSuccess(ctx, result, e.deps.Buffer)
			}
			return LeafResult{
				Success:    true,
				Data:       entry.Body,
				SuccessLog: []AttemptResult{result},
				Metrics:    Metrics{Attempts: 0, CacheHit: true},
			}, nil
		}
	}

	var (
		errorLog   []AttemptResult
		successLog []AttemptResult
		totalWait  time.Duration
		lastErr    error
		lastResult AttemptResult
	)

	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = NewError(KindOperationCancelled, false, err)
			lastResult = AttemptResult{OK: false, Err: lastErr, Timestamp: time.Now()}
			errorLog = append(errorLog, lastResult)
			break
		}

		result, attemptErr := e.runOneAttempt(ctx, active, policy, cacheKey, cacheable)
		lastResult = result
		lastErr = attemptErr

		if attemptErr == nil {
			successLog = append(successLog, result)
			if e.deps.Hooks.OnSuccess != nil {
				e.deps.Hooks.OnSuccess(ctx, result, e.deps.Buffer)
			}
			if !policy.PerformAllAttempts {
				return e.finish(true, result.Body, errorLog, successLog, attempt, totalWait, false, nil), nil
			}
			continue
		}

		errorLog = append(errorLog, result)
		if e.deps.Hooks.OnError != nil {
			e.deps.Hooks.OnError(ctx, result, attemptErr, e.deps.Buffer)
		}

		if !IsRetryable(attemptErr) {
			break
		}
		if attempt == policy.Attempts {
			break
		}

		wait := backoffDuration(policy, attempt)
		totalWait += wait
		if wait > 0 {
			timer := time.NewTimer(wait)
			cancelled := false
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				lastErr = NewError(KindOperationCancelled, false, ctx.Err())
				cancelled = true
			}
			if cancelled {
				break
			}
		}
	}

	if policy.PerformAllAttempts && len(successLog) > 0 && lastErr == nil {
		// performAllAttempts ran every attempt; report success only if the
		// final attempt in the loop succeeded (spec.md §4.1 step 9 note:
		// "the last attempt's outcome is authoritative").
		return e.finish(true, lastResult.Body, errorLog, successLog, policy.Attempts, totalWait, false, nil), nil
	}

	// Step 10: final error analyzer runs once, against the final aggregate
	// failure only (DESIGN.md decision #3), regardless of how many attempts
	// ran.
	suppressed := false
	if e.deps.Hooks.FinalErrorAnalyzer != nil {
		suppressed = e.deps.Hooks.FinalErrorAnalyzer(ctx, lastResult, lastErr, e.deps.Buffer)
		if suppressed && !e.deps.Hooks.ThrowOnFailedErrorAnalysis {
			// spec.md §4.1 step 10: suppression yields success=false, data=false.
			return e.finish(false, false, errorLog, successLog, len(errorLog), totalWait, true, nil), nil
		}
	}

	return e.finish(false, nil, errorLog, successLog, len(errorLog), totalWait, false, lastErr), lastErr
}

func (e *Engine) finish(success bool, data any, errorLog, successLog []AttemptResult, attempts int, totalWait time.Duration, terminatedEarly bool, err error) LeafResult {
	return LeafResult{
		Success:         success,
		Data:            data,
		Error:           err,
		ErrorLog:        errorLog,
		SuccessLog:      successLog,
		TerminatedEarly: terminatedEarly,
		Metrics: Metrics{
			Attempts:       attempts,
			RetryWaitTotal: totalWait,
		},
	}
}

// runOneAttempt implements steps 2 (gates) through 7 (breaker recording)
// for a single attempt.
func (e *Engine) runOneAttempt(ctx context.Context, l *Leaf, policy Policy, cacheKey string, cacheable bool) (AttemptResult, error) {
	start := time.Now()

	if e.deps.Infra != nil {
		// Step 2: circuit gate.
		if !e.deps.Infra.CircuitAllows() {
			err := NewError(KindCircuitOpen, true, errors.New("circuit open"))
			return AttemptResult{OK: false, Retryable: true, Err: err, Timestamp: start, Duration: time.Since(start)}, err
		}

		// Step 3: rate + concurrency gates. Both release unconditionally.
		release, gateErr := e.deps.Infra.AcquireGates(ctx)
		defer release()
		if gateErr != nil {
			if errors.Is(gateErr, context.Canceled) || errors.Is(gateErr, context.DeadlineExceeded) {
				err := NewError(KindOperationCancelled, false, gateErr)
				return AttemptResult{OK: false, Err: err, Timestamp: start, Duration: time.Since(start)}, err
			}
			err := NewError(KindThrottled, true, gateErr)
			return AttemptResult{OK: false, Retryable: true, Err: err, Timestamp: start, Duration: time.Since(start)}, err
		}
	}

	// Step 4: trial-mode fault injection. RetryFailureProbability only
	// applies to a failure ReqFailureProbability just generated: it marks
	// that generated failure non-retryable even though it would otherwise
	// be retried (spec.md §4.1 step 4).
	if policy.TrialMode != nil && policy.TrialMode.ReqFailureProbability > 0 && rand.Float64() < policy.TrialMode.ReqFailureProbability {
		retryable := true
		if policy.TrialMode.RetryFailureProbability > 0 && rand.Float64() < policy.TrialMode.RetryFailureProbability {
			retryable = false
		}
		err := NewError(KindTransportError, retryable, errors.New("trial-mode injected request failure"))
		e.recordOutcome(false)
		return AttemptResult{OK: false, Retryable: retryable, Err: err, Timestamp: start, Duration: time.Since(start)}, err
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if policy.TimeoutPerAttempt > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, policy.TimeoutPerAttempt)
		defer cancel()
	}

	// Step 5: invoke the operation.
	statusCode, body, invokeErr := e.invoke(attemptCtx, l)
	duration := time.Since(start)

	if invokeErr != nil {
		classified := classifyOperationError(invokeErr)
		e.recordOutcome(false)
		return AttemptResult{OK: false, Retryable: classified.Retryable, Err: classified, Timestamp: start, Duration: duration}, classified
	}

	// Step 6: classify transport outcome, then content.
	if l.Kind == KindRequest {
		if statusCode >= 400 {
			classified := classifyTransport(statusCode, nil)
			e.recordOutcome(false)
			return AttemptResult{OK: false, Retryable: classified.Retryable, StatusCode: statusCode, Body: body, Err: classified, Timestamp: start, Duration: duration}, classified
		}
	}

	if e.deps.Analyzer != nil {
		accept, analyzeErr := e.deps.Analyzer.Analyze(attemptCtx, body)
		if analyzeErr != nil {
			// An analyzer exception is a retryable failure, not the
			// ValidationError guardrail kind (which never halts execution).
			// spec.md §4.1 step 6 swallows the exception text into the error
			// log and retries like any other failed attempt.
			err := NewError(KindContentInvalid, true, analyzeErr)
			e.recordOutcome(false)
			return AttemptResult{OK: false, Retryable: true, StatusCode: statusCode, Body: body, Err: err, Timestamp: start, Duration: duration}, err
		}
		if !accept {
			err := NewError(KindContentInvalid, true, errors.New("content analyzer rejected response"))
			e.recordOutcome(false)
			return AttemptResult{OK: false, Retryable: true, StatusCode: statusCode, Body: body, Err: err, Timestamp: start, Duration: duration}, err
		}
	}

	// Step 7: record success to the breaker.
	e.recordOutcome(true)

	if cacheable && e.deps.Infra != nil && e.deps.Infra.Cache != nil {
		headers := http.Header{}
		e.deps.Infra.Cache.Set(cacheKey, statusCode, body, headers)
	}

	return AttemptResult{OK: true, StatusCode: statusCode, Body: body, Timestamp: start, Duration: duration}, nil
}

func (e *Engine) recordOutcome(success bool) {
	if e.deps.Infra != nil {
		e.deps.Infra.RecordOutcome(success)
	}
}

func (e *Engine) invoke(ctx context.Context, l *Leaf) (statusCode int, body []byte, err error) {
	switch l.Kind {
	case KindFunction:
		result, fnErr := l.Fn(ctx, l.FnArgs...)
		if fnErr != nil {
			return 0, nil, fnErr
		}
		switch v := result.(type) {
		case []byte:
			return 200, v, nil
		case string:
			return 200, []byte(v), nil
		default:
			return 200, nil, nil
		}
	case KindRequest:
		req := l.Request
		resp, tErr := e.deps.Transport.Do(ctx, transport.Request{
			URL:     requestURL(req),
			Method:  string(req.Method),
			Headers: req.Headers,
			Body:    req.Body,
			Timeout: time.Duration(req.TimeoutMs) * time.Millisecond,
		})
		if tErr != nil {
			return 0, nil, tErr
		}
		return resp.StatusCode, resp.Body, nil
	default:
		return 0, nil, NewError(KindFatalConfiguration, false, errors.New("unknown leaf kind"))
	}
}

func requestURL(r *Request) string {
	port := r.Port
	if port == 0 {
		if r.Protocol == ProtocolHTTPS {
			port = 443
		} else {
			port = 80
		}
	}
	scheme := string(r.Protocol)
	if scheme == "" {
		scheme = string(ProtocolHTTP)
	}
	path := r.Path
	if path == "" {
		path = "/"
	}
	host := r.Hostname
	if (scheme == "http" && port != 80) || (scheme == "https" && port != 443) {
		host += ":" + strconv.Itoa(port)
	}

	u := url.URL{Scheme: scheme, Host: host, Path: path}
	if len(r.Query) > 0 {
		q := u.Query()
		for k, v := range r.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// classifyOperationError distinguishes a function-leaf error (never a
// transport status) and a network-level transport failure (no status
// line), both falling under TransportError.
func classifyOperationError(err error) *OrchError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindOperationCancelled, false, err)
	}
	return classifyTransport(0, err)
}

// cacheKeyFor computes the cache key for a leaf, honoring
// policy.CacheKeyFunc and excluded methods; function leaves are never
// cacheable.
func (e *Engine) cacheKeyFor(l *Leaf, policy Policy) (key string, cacheable bool) {
	if l.Kind != KindRequest || l.Request == nil {
		return "", false
	}
	if policy.ExcludedCacheMethods[l.Request.Method] {
		return "", false
	}
	if policy.CacheKeyFunc != nil {
		return policy.CacheKeyFunc(l), true
	}
	return fingerprintRequest(l.Request), true
}

func fingerprintRequest(r *Request) string {
	return resilience.Key(string(r.Method), r.Hostname, r.Path, r.Query, r.Headers["Authorization"], r.Body)
}

// backoffDuration computes the wait before the next attempt per spec.md
// §4.1 step 9: FIXED, LINEAR, or EXPONENTIAL growth clamped to MaxWait,
// with +/-JitterFraction randomization.
func backoffDuration(policy Policy, attempt int) time.Duration {
	var base time.Duration
	switch policy.Strategy {
	case StrategyLinear:
		base = policy.BaseWait * time.Duration(attempt)
	case StrategyExponential:
		base = policy.BaseWait * time.Duration(1<<uint(attempt-1))
	default:
		base = policy.BaseWait
	}
	if policy.MaxWait > 0 && base > policy.MaxWait {
		base = policy.MaxWait
	}
	if policy.JitterFraction > 0 && base > 0 {
		jitter := float64(base) * policy.JitterFraction * (rand.Float64()*2 - 1)
		base += time.Duration(jitter)
		if base < 0 {
			base = 0
		}
	}
	return base
}
