package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmguard/orchestrator/pkg/guardrails"
)

var errBoomScheduler = errors.New("boom")

func TestComputeNextRunAtInterval(t *testing.T) {
	job := &Job{Kind: KindInterval, Interval: 10 * time.Minute}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := computeNextRunAt(job, from)
	if !got.Equal(from.Add(10 * time.Minute)) {
		t.Fatalf("expected first interval run 10m after %v, got %v", from, got)
	}
	job.nextRunAt = got
	second := computeNextRunAt(job, from.Add(11*time.Minute))
	if !second.Equal(got.Add(10 * time.Minute)) {
		t.Fatalf("expected interval schedule to advance from the last nextRunAt, got %v", second)
	}
}

func TestComputeNextRunAtTimestampsConsumedInOrder(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	job := &Job{Kind: KindTimestamps, Timestamps: []time.Time{t1, t2}}

	first := computeNextRunAt(job, t1.Add(-time.Minute))
	if !first.Equal(t1) {
		t.Fatalf("expected first timestamp, got %v", first)
	}
	job.tsIndex = 1
	second := computeNextRunAt(job, t1)
	if !second.Equal(t2) {
		t.Fatalf("expected second timestamp after index advances, got %v", second)
	}
	job.tsIndex = 2
	third := computeNextRunAt(job, t2)
	if !third.IsZero() {
		t.Fatalf("expected a zero time once all timestamps are consumed, got %v", third)
	}
}

func TestSchedulerRunsJobAndRecordsCompletion(t *testing.T) {
	s := New(Config{MaxParallel: 1, TickInterval: 5 * time.Millisecond, QueueLimit: 10})
	var calls int64
	done := make(chan struct{})

	job := &Job{
		ID:      "tick",
		Kind:    KindInterval,
		Interval: 5 * time.Millisecond,
		Enabled: true,
		Handler: func(ctx context.Context, rc RunContext) error {
			if atomic.AddInt64(&calls, 1) == 1 {
				close(done)
			}
			return nil
		},
	}
	if err := s.AddJob(job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the job to run at least once")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("unexpected error stopping scheduler: %v", err)
	}

	if s.Stats().Completed == 0 {
		t.Fatalf("expected at least one completed run to be recorded")
	}
}

func TestSchedulerRetriesOnFailureThenSucceeds(t *testing.T) {
	s := New(Config{MaxParallel: 1, TickInterval: 5 * time.Millisecond, QueueLimit: 10})
	var attempts int64
	done := make(chan struct{})

	startAt := time.Now()
	job := &Job{
		ID:       "flaky",
		Kind:     KindInterval,
		Interval: time.Hour, // only the first tick should enqueue it
		StartAt:  &startAt,
		Enabled:  true,
		Retry:    RetryConfig{Attempts: 3, Delay: time.Millisecond},
		Handler: func(ctx context.Context, rc RunContext) error {
			n := atomic.AddInt64(&attempts, 1)
			if n < 2 {
				return errBoomScheduler
			}
			close(done)
			return nil
		},
	}
	if err := s.AddJob(job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the job to eventually succeed after a retry")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	_ = s.Stop(stopCtx)

	if atomic.LoadInt64(&attempts) < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts)
	}
}

func TestEvaluateGuardrailsFlagsLowSuccessRate(t *testing.T) {
	min := 0.9
	s := New(Config{
		MaxParallel: 1, TickInterval: time.Hour, QueueLimit: 10,
		Guardrails: map[string]guardrails.Guardrail{
			"successRate": {Min: &min},
		},
	})
	s.addMetric(func(m *Metrics) {
		m.Completed = 1
		m.Failed = 9
	})

	anomalies := s.EvaluateGuardrails()
	if len(anomalies) != 1 || anomalies[0].Name != "successRate" {
		t.Fatalf("expected a successRate anomaly, got %+v", anomalies)
	}
}

func TestSchedulerDropsRunsPastQueueLimit(t *testing.T) {
	s := New(Config{MaxParallel: 1, TickInterval: time.Hour, QueueLimit: 1})

	job1 := &Job{ID: "a", Kind: KindInterval, Interval: time.Hour, Enabled: true, Handler: func(ctx context.Context, rc RunContext) error { return nil }}
	job2 := &Job{ID: "b", Kind: KindInterval, Interval: time.Hour, Enabled: true, Handler: func(ctx context.Context, rc RunContext) error { return nil }}
	if err := s.AddJob(job1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.AddJob(job2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job1.nextRunAt = time.Now().Add(-time.Minute)
	job2.nextRunAt = time.Now().Add(-time.Minute)

	s.tick(time.Now())

	if s.Stats().Dropped == 0 {
		t.Fatalf("expected one run to be dropped once the bounded queue fills")
	}
}
