package infra

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/orchestrator/pkg/resilience"
)

func TestNewOmitsUnconfiguredPrimitives(t *testing.T) {
	b := New(Config{Name: "bare"})
	if b.Breaker != nil || b.RateLimiter != nil || b.Concurrency != nil {
		t.Fatalf("expected only the default cache to be constructed, got %+v", b)
	}
	if b.Cache == nil {
		t.Fatalf("expected a default cache even when unconfigured")
	}
	if !b.CircuitAllows() {
		t.Fatalf("an absent breaker must always admit")
	}
	release, err := b.AcquireGates(context.Background())
	if err != nil {
		t.Fatalf("unexpected error acquiring gates with no limiters: %v", err)
	}
	release()
}

func TestNewWiresConfiguredPrimitives(t *testing.T) {
	cfg := Config{
		Name:        "wired",
		Breaker:     &resilience.BreakerConfig{FailurePct: 0.5, MinRequests: 1, RecoveryWindow: time.Second, SuccessPct: 0.5, HalfOpenMaxRequests: 1},
		RateLimiter: &resilience.RateLimiterConfig{Capacity: 2, FillRate: 2, MaxRequests: 2, WindowMs: time.Second},
		Concurrency: 1,
	}
	b := New(cfg)
	if b.Breaker == nil || b.RateLimiter == nil || b.Concurrency == nil {
		t.Fatalf("expected every configured primitive to be constructed, got %+v", b)
	}

	b.RecordOutcome(false)
	b.RecordOutcome(false)
	if b.CircuitAllows() {
		t.Fatalf("expected breaker to trip after repeated failures past MinRequests")
	}

	b.Close()
}

func TestRegistryBuildsOncePerName(t *testing.T) {
	calls := 0
	reg := NewRegistry(func(name string) Config {
		calls++
		return Config{Concurrency: 1}
	})
	first := reg.Get("svc-a")
	second := reg.Get("svc-a")
	if first != second {
		t.Fatalf("expected the same bundle instance on repeat lookups for the same name")
	}
	if calls != 1 {
		t.Fatalf("expected the factory to run once per distinct name, ran %d times", calls)
	}
	reg.Get("svc-b")
	if calls != 2 {
		t.Fatalf("expected a new factory call for a new name, ran %d times", calls)
	}
	reg.CloseAll()
}
