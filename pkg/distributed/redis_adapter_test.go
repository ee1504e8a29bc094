package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisAdapter(t *testing.T) *RedisAdapter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisAdapter(client)
}

func TestRedisAdapterLockRoundTrip(t *testing.T) {
	a := newTestRedisAdapter(t)
	ctx := context.Background()

	lock, err := a.AcquireLock(ctx, "job-1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error acquiring lock: %v", err)
	}
	if lock.FencingToken == 0 {
		t.Fatalf("expected a non-zero fencing token")
	}

	if _, err := a.AcquireLock(ctx, "job-1", time.Minute); err == nil {
		t.Fatalf("expected second acquire of a held lock to fail")
	}

	if err := a.ReleaseLock(ctx, lock); err != nil {
		t.Fatalf("unexpected error releasing lock: %v", err)
	}

	second, err := a.AcquireLock(ctx, "job-1", time.Minute)
	if err != nil {
		t.Fatalf("expected lock to be reacquirable after release: %v", err)
	}
	if second.FencingToken <= lock.FencingToken {
		t.Fatalf("expected fencing token to increase monotonically, got %d after %d", second.FencingToken, lock.FencingToken)
	}
}

func TestRedisAdapterKVCompareAndSwap(t *testing.T) {
	a := newTestRedisAdapter(t)
	ctx := context.Background()

	entry, err := a.SetKV(ctx, "counter", []byte("1"))
	if err != nil {
		t.Fatalf("unexpected error setting kv: %v", err)
	}

	if _, ok, err := a.GetKV(ctx, "counter"); err != nil || !ok {
		t.Fatalf("expected to read back the value just set, ok=%v err=%v", ok, err)
	}

	if _, err := a.CompareAndSwapKV(ctx, "counter", entry.Version+1, []byte("2")); err == nil {
		t.Fatalf("expected CAS with a stale version to fail")
	}

	swapped, err := a.CompareAndSwapKV(ctx, "counter", entry.Version, []byte("2"))
	if err != nil {
		t.Fatalf("unexpected error on valid CAS: %v", err)
	}
	if string(swapped.Value) != "2" {
		t.Fatalf("expected swapped value '2', got %q", swapped.Value)
	}
}

func TestRedisAdapterLeaderElectionSingleWinner(t *testing.T) {
	a := newTestRedisAdapter(t)
	ctx := context.Background()

	first, err := a.Campaign(ctx, "scheduler", time.Minute, 1)
	if err != nil {
		t.Fatalf("unexpected error campaigning: %v", err)
	}
	if !first.IsLeader {
		t.Fatalf("expected the first campaigner to win leadership")
	}

	second, err := a.Campaign(ctx, "scheduler", time.Minute, 1)
	if err != nil {
		t.Fatalf("unexpected error campaigning: %v", err)
	}
	if second.IsLeader {
		t.Fatalf("expected a second campaigner to lose while the lease is held")
	}

	renewed, err := a.Heartbeat(ctx, "scheduler", first.LeaseID, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error on heartbeat: %v", err)
	}
	if !renewed.IsLeader {
		t.Fatalf("expected heartbeat with the correct lease id to renew leadership")
	}

	if err := a.Resign(ctx, "scheduler", first.LeaseID); err != nil {
		t.Fatalf("unexpected error resigning: %v", err)
	}

	third, err := a.Campaign(ctx, "scheduler", time.Minute, 1)
	if err != nil {
		t.Fatalf("unexpected error campaigning after resign: %v", err)
	}
	if !third.IsLeader {
		t.Fatalf("expected a new campaigner to win leadership after resignation")
	}
}
