package distributed

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestAcquireLockFencingTokenIncreasesAcrossHolders(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	first, err := a.AcquireLock(ctx, "job-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.ReleaseLock(ctx, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := a.AcquireLock(ctx, "job-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.FencingToken <= first.FencingToken {
		t.Fatalf("expected fencing token to increase, got %d then %d", first.FencingToken, second.FencingToken)
	}
}

func TestAcquireLockRejectsConcurrentHolder(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	if _, err := a.AcquireLock(ctx, "job-1", time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.AcquireLock(ctx, "job-1", time.Second); err == nil {
		t.Fatalf("expected the second acquire to fail while the first lock is still held")
	}
}

func TestCompareAndSwapKVRejectsStaleVersion(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	entry, err := a.SetKV(ctx, "k", []byte("v1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.CompareAndSwapKV(ctx, "k", entry.Version, []byte("v2")); err != nil {
		t.Fatalf("expected cas with the correct version to succeed: %v", err)
	}
	if _, err := a.CompareAndSwapKV(ctx, "k", entry.Version, []byte("v3")); err == nil {
		t.Fatalf("expected cas against a stale version to fail")
	}
}

func TestCampaignOnlyOneCandidateWinsUntilLeaseExpires(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	first, err := a.Campaign(ctx, "scheduler", 20*time.Millisecond, 1)
	if err != nil || !first.IsLeader {
		t.Fatalf("expected the first campaign to win leadership: %+v, %v", first, err)
	}
	second, err := a.Campaign(ctx, "scheduler", 20*time.Millisecond, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.IsLeader {
		t.Fatalf("expected a concurrent campaign to lose while the lease is held")
	}

	time.Sleep(25 * time.Millisecond)
	third, err := a.Campaign(ctx, "scheduler", 20*time.Millisecond, 1)
	if err != nil || !third.IsLeader {
		t.Fatalf("expected a campaign after lease expiry to win: %+v, %v", third, err)
	}
}

func TestHeartbeatFailsForStaleLeaseID(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	status, err := a.Campaign(ctx, "scheduler", time.Second, 1)
	if err != nil || !status.IsLeader {
		t.Fatalf("expected to win leadership: %+v, %v", status, err)
	}
	stale, err := a.Heartbeat(ctx, "scheduler", "not-the-real-lease", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stale.IsLeader {
		t.Fatalf("expected a heartbeat with a stale lease id to be refused")
	}
	renewed, err := a.Heartbeat(ctx, "scheduler", status.LeaseID, time.Second)
	if err != nil || !renewed.IsLeader {
		t.Fatalf("expected the real lease holder's heartbeat to succeed: %+v, %v", renewed, err)
	}
}

func TestPublishSubscribeDeliversToSubscriber(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	received := make(chan string, 1)

	sub, err := a.Subscribe(ctx, "jobs.done", AtMostOnce, func(ctx context.Context, msg Message) error {
		received <- string(msg.Data)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sub.Unsubscribe()

	if err := a.Publish(ctx, "jobs.done", []byte("job-42"), AtMostOnce); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case got := <-received:
		if got != "job-42" {
			t.Fatalf("expected job-42, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the subscriber to receive the published message")
	}
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	calls := 0

	sub, err := a.Subscribe(ctx, "topic", AtMostOnce, func(ctx context.Context, msg Message) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Publish(ctx, "topic", []byte("x"), AtMostOnce); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d calls", calls)
	}
}

func TestRunTwoPhaseRollsBackOnPrepareFailure(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	rolledBack := false

	ops := []TxOp{
		{
			Prepare:  func(ctx context.Context) error { return nil },
			Commit:   func(ctx context.Context) error { return nil },
			Rollback: func(ctx context.Context) error { rolledBack = true; return nil },
		},
		{
			Prepare: func(ctx context.Context) error { return errBoom },
		},
	}

	if err := a.RunTransaction(ctx, ops); err == nil {
		t.Fatalf("expected the transaction to fail when one op's Prepare fails")
	}
	if !rolledBack {
		t.Fatalf("expected the already-prepared op to be rolled back")
	}
}
