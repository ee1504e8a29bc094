package config

import (
	"testing"
	"time"

	"github.com/swarmguard/orchestrator/pkg/leaf"
)

func intPtr(v int) *int                { return &v }
func durPtr(v time.Duration) *time.Duration { return &v }

func TestResolveLeafWinsOverGlobal(t *testing.T) {
	chain := Chain{
		Global: &Settings{Attempts: intPtr(1)},
		Leaf:   &Settings{Attempts: intPtr(5)},
	}
	got := Resolve(chain)
	if got.Attempts == nil || *got.Attempts != 5 {
		t.Fatalf("expected leaf's attempts=5 to win, got %v", got.Attempts)
	}
}

func TestResolveFallsBackToOuterLevelWhenLeafUnset(t *testing.T) {
	chain := Chain{
		Global: &Settings{BaseWait: durPtr(10 * time.Millisecond)},
		Phase:  &Settings{BaseWait: durPtr(20 * time.Millisecond)},
		Leaf:   &Settings{},
	}
	got := Resolve(chain)
	if got.BaseWait == nil || *got.BaseWait != 20*time.Millisecond {
		t.Fatalf("expected phase's value to win over global, got %v", got.BaseWait)
	}
}

func TestResolveMergesHeadersLeafLast(t *testing.T) {
	chain := Chain{
		Global: &Settings{Headers: map[string]string{"X-A": "global", "X-B": "global"}},
		Leaf:   &Settings{Headers: map[string]string{"X-B": "leaf"}},
	}
	got := Resolve(chain)
	if got.Headers["X-A"] != "global" {
		t.Fatalf("expected global-only key to survive merge")
	}
	if got.Headers["X-B"] != "leaf" {
		t.Fatalf("expected leaf to win header conflict, got %q", got.Headers["X-B"])
	}
}

func TestToPolicyFallsBackToDefaults(t *testing.T) {
	got := Resolve(Chain{Leaf: &Settings{Attempts: intPtr(4)}})
	p := got.ToPolicy()
	if p.Attempts != 4 {
		t.Fatalf("expected resolved attempts=4, got %d", p.Attempts)
	}
	if p.Strategy != leaf.StrategyFixed {
		t.Fatalf("expected default strategy to survive unset chain, got %v", p.Strategy)
	}
}
