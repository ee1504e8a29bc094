// Package config implements ConfigResolver (spec component C4): cascading
// effective-settings resolution across leaf -> group -> phase -> branch ->
// workflow/global.
package config

import (
	"time"

	"github.com/swarmguard/orchestrator/pkg/infra"
	"github.com/swarmguard/orchestrator/pkg/leaf"
	"github.com/swarmguard/orchestrator/pkg/resilience"
	"github.com/swarmguard/orchestrator/pkg/txbuffer"
)

// Settings is the knob set every cascade level may partially set. A nil
// field means "unset at this level" (spec.md §4.4: "the first non-undefined
// value from leaf inward out wins"). Every level in the chain uses this
// same shape — DESIGN.md records this as the deliberate simplification of
// spec.md's per-level "commonX -> X" field-mapping table into one shared
// struct, since the knobs named at every level are identical in substance.
type Settings struct {
	Attempts           *int
	BaseWait           *time.Duration
	MaxWait            *time.Duration
	Strategy           *leaf.Strategy
	JitterFraction     *float64
	PerformAllAttempts *bool
	TimeoutPerAttempt  *time.Duration
	ExecutionTimeout   *time.Duration
	TrialMode          *leaf.TrialMode

	Cache       *resilience.CacheConfig
	Breaker     *resilience.BreakerConfig
	RateLimiter *resilience.RateLimiterConfig
	Concurrency *int64

	Hooks *leaf.Hooks

	// Buffer and Infra, once set at any level, propagate downward unless a
	// more specific level sets its own (spec.md §4.4 "shared buffer and
	// infrastructure instances ... propagate downward unless shadowed").
	Buffer *txbuffer.Buffer
	Infra  *infra.Bundle

	LoggingEnabled *bool

	// Headers and RequestData are shallow-merged, leaf-last precedence,
	// across every level in the chain (spec.md §4.4 "merged" knobs), unlike
	// every other field which takes the first non-nil value.
	Headers     map[string]string
	RequestData map[string]any
}

// Chain is the cascade spec.md §4.4 names, ordered outermost to
// innermost. Any level may be nil.
type Chain struct {
	Global *Settings
	Branch *Settings
	Phase  *Settings
	Group  *Settings
	Leaf   *Settings
}

// Resolve merges the chain into one effective Settings. For scalar knobs,
// the first non-nil value walking leaf -> group -> phase -> branch ->
// global wins. Headers and RequestData merge shallowly in the opposite
// order (global first, leaf last) so the most specific level's keys win on
// conflict while less specific levels still contribute keys the leaf never
// set.
func Resolve(chain Chain) Settings {
	levels := []*Settings{chain.Leaf, chain.Group, chain.Phase, chain.Branch, chain.Global}

	out := Settings{}
	out.Attempts = firstInt(levels, func(s *Settings) *int { return s.Attempts })
	out.BaseWait = firstDuration(levels, func(s *Settings) *time.Duration { return s.BaseWait })
	out.MaxWait = firstDuration(levels, func(s *Settings) *time.Duration { return s.MaxWait })
	out.Strategy = firstStrategy(levels, func(s *Settings) *leaf.Strategy { return s.Strategy })
	out.JitterFraction = firstFloat(levels, func(s *Settings) *float64 { return s.JitterFraction })
	out.PerformAllAttempts = firstBool(levels, func(s *Settings) *bool { return s.PerformAllAttempts })
	out.TimeoutPerAttempt = firstDuration(levels, func(s *Settings) *time.Duration { return s.TimeoutPerAttempt })
	out.ExecutionTimeout = firstDuration(levels, func(s *Settings) *time.Duration { return s.ExecutionTimeout })
	out.TrialMode = firstTrialMode(levels)
	out.Cache = firstCacheConfig(levels)
	out.Breaker = firstBreakerConfig(levels)
	out.RateLimiter = firstRateLimiterConfig(levels)
	out.Concurrency = firstInt64(levels, func(s *Settings) *int64 { return s.Concurrency })
	out.Hooks = firstHooks(levels)
	out.Buffer = firstBuffer(levels)
	out.Infra = firstInfra(levels)
	out.LoggingEnabled = firstBool(levels, func(s *Settings) *bool { return s.LoggingEnabled })

	out.Headers = mergeHeaders(levels)
	out.RequestData = mergeRequestData(levels)
	return out
}

// ToPolicy builds a leaf.Policy from resolved Settings, falling back to
// leaf.DefaultPolicy()'s values for any knob nobody in the chain set.
func (s Settings) ToPolicy() leaf.Policy {
	p := leaf.DefaultPolicy()
	if s.Attempts != nil {
		p.Attempts = *s.Attempts
	}
	if s.BaseWait != nil {
		p.BaseWait = *s.BaseWait
	}
	if s.MaxWait != nil {
		p.MaxWait = *s.MaxWait
	}
	if s.Strategy != nil {
		p.Strategy = *s.Strategy
	}
	if s.JitterFraction != nil {
		p.JitterFraction = *s.JitterFraction
	}
	if s.PerformAllAttempts != nil {
		p.PerformAllAttempts = *s.PerformAllAttempts
	}
	if s.TimeoutPerAttempt != nil {
		p.TimeoutPerAttempt = *s.TimeoutPerAttempt
	}
	if s.ExecutionTimeout != nil {
		p.ExecutionTimeout = *s.ExecutionTimeout
	}
	if s.TrialMode != nil {
		p.TrialMode = s.TrialMode
	}
	return p
}

func firstInt(levels []*Settings, get func(*Settings) *int) *int {
	for _, l := range levels {
		if l == nil {
			continue
		}
		if v := get(l); v != nil {
			return v
		}
	}
	return nil
}

func firstInt64(levels []*Settings, get func(*Settings) *int64) *int64 {
	for _, l := range levels {
		if l == nil {
			continue
		}
		if v := get(l); v != nil {
			return v
		}
	}
	return nil
}

func firstFloat(levels []*Settings, get func(*Settings) *float64) *float64 {
	for _, l := range levels {
		if l == nil {
			continue
		}
		if v := get(l); v != nil {
			return v
		}
	}
	return nil
}

func firstBool(levels []*Settings, get func(*Settings) *bool) *bool {
	for _, l := range levels {
		if l == nil {
			continue
		}
		if v := get(l); v != nil {
			return v
		}
	}
	return nil
}

func firstDuration(levels []*Settings, get func(*Settings) *time.Duration) *time.Duration {
	for _, l := range levels {
		if l == nil {
			continue
		}
		if v := get(l); v != nil {
			return v
		}
	}
	return nil
}

func firstStrategy(levels []*Settings, get func(*Settings) *leaf.Strategy) *leaf.Strategy {
	for _, l := range levels {
		if l == nil {
			continue
		}
		if v := get(l); v != nil {
			return v
		}
	}
	return nil
}

func firstTrialMode(levels []*Settings) *leaf.TrialMode {
	for _, l := range levels {
		if l != nil && l.TrialMode != nil {
			return l.TrialMode
		}
	}
	return nil
}

func firstCacheConfig(levels []*Settings) *resilience.CacheConfig {
	for _, l := range levels {
		if l != nil && l.Cache != nil {
			return l.Cache
		}
	}
	return nil
}

func firstBreakerConfig(levels []*Settings) *resilience.BreakerConfig {
	for _, l := range levels {
		if l != nil && l.Breaker != nil {
			return l.Breaker
		}
	}
	return nil
}

func firstRateLimiterConfig(levels []*Settings) *resilience.RateLimiterConfig {
	for _, l := range levels {
		if l != nil && l.RateLimiter != nil {
			return l.RateLimiter
		}
	}
	return nil
}

func firstHooks(levels []*Settings) *leaf.Hooks {
	for _, l := range levels {
		if l != nil && l.Hooks != nil {
			return l.Hooks
		}
	}
	return nil
}

func firstBuffer(levels []*Settings) *txbuffer.Buffer {
	for _, l := range levels {
		if l != nil && l.Buffer != nil {
			return l.Buffer
		}
	}
	return nil
}

func firstInfra(levels []*Settings) *infra.Bundle {
	for _, l := range levels {
		if l != nil && l.Infra != nil {
			return l.Infra
		}
	}
	return nil
}

// mergeHeaders shallow-merges Headers across every level, global first so
// leaf's keys win on conflict (spec.md §4.4 "leaf-last precedence").
func mergeHeaders(levels []*Settings) map[string]string {
	out := map[string]string{}
	for i := len(levels) - 1; i >= 0; i-- {
		l := levels[i]
		if l == nil {
			continue
		}
		for k, v := range l.Headers {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// mergeRequestData shallow-merges RequestData the same way as mergeHeaders.
func mergeRequestData(levels []*Settings) map[string]any {
	out := map[string]any{}
	for i := len(levels) - 1; i >= 0; i-- {
		l := levels[i]
		if l == nil {
			continue
		}
		for k, v := range l.RequestData {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
