// Package scheduler implements Scheduler (spec component C10): a tick
// loop over CRON/INTERVAL/TIMESTAMP/TIMESTAMPS jobs draining into a
// bounded queue worked by a fixed-size pool, with optional persistence
// and leader election.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/orchestrator/pkg/distributed"
	"github.com/swarmguard/orchestrator/pkg/guardrails"
	"github.com/swarmguard/orchestrator/pkg/infra"
	"github.com/swarmguard/orchestrator/pkg/leaf"
	"github.com/swarmguard/orchestrator/pkg/txbuffer"
)

// ScheduleKind selects how a Job's next run time is computed.
type ScheduleKind string

const (
	KindCron       ScheduleKind = "CRON"
	KindInterval   ScheduleKind = "INTERVAL"
	KindTimestamp  ScheduleKind = "TIMESTAMP"
	KindTimestamps ScheduleKind = "TIMESTAMPS"
)

// RetryConfig mirrors spec.md §4.10's per-job retry knobs.
type RetryConfig struct {
	Attempts          int
	Delay             time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// RunContext is handed to a job handler on every execution.
type RunContext struct {
	JobID     string
	Attempt   int
	QueuedAt  time.Time
	StartedAt time.Time
}

// Handler does the job's actual work.
type Handler func(ctx context.Context, rc RunContext) error

// Job is one scheduled unit of work.
type Job struct {
	ID               string
	Kind             ScheduleKind
	CronExpr         string
	Location         *time.Location
	Interval         time.Duration
	StartAt          *time.Time
	Timestamps       []time.Time
	Handler          Handler
	ExecutionTimeout time.Duration
	Retry            RetryConfig
	Enabled          bool

	nextRunAt    time.Time
	tsIndex      int
	cronSchedule cron.Schedule
}

// JobState is the persisted shape of one job's scheduling cursor.
type JobState struct {
	ID        string    `json:"id"`
	NextRunAt time.Time `json:"nextRunAt"`
	TSIndex   int       `json:"tsIndex"`
	Enabled   bool      `json:"enabled"`
}

// SchedulerState is the full persisted snapshot (spec.md §4.10
// "saveState"/"loadState").
type SchedulerState struct {
	Jobs     map[string]JobState `json:"jobs"`
	Counters Metrics             `json:"counters"`
}

// Store is the persistence contract: debounced saves, one load on
// startup.
type Store interface {
	SaveState(ctx context.Context, state SchedulerState) error
	LoadState(ctx context.Context) (SchedulerState, bool, error)
}

// Metrics mirrors spec.md §4.10's metric list exactly.
type Metrics struct {
	Total             int64         `json:"total"`
	Queued            int64         `json:"queued"`
	Running           int64         `json:"running"`
	Completed         int64         `json:"completed"`
	Failed            int64         `json:"failed"`
	Dropped           int64         `json:"dropped"`
	TotalExecutionMs  int64         `json:"totalExecutionMs"`
	TotalQueueDelayMs int64         `json:"totalQueueDelayMs"`
}

// SuccessRate is Completed / (Completed+Failed), 0 when nothing has run.
func (m Metrics) SuccessRate() float64 {
	denom := m.Completed + m.Failed
	if denom == 0 {
		return 0
	}
	return float64(m.Completed) / float64(denom)
}

// FailureRate is Failed / (Completed+Failed).
func (m Metrics) FailureRate() float64 {
	if m.Completed+m.Failed == 0 {
		return 0
	}
	return 1 - m.SuccessRate()
}

// AvgExecutionMs is total execution time divided by completions.
func (m Metrics) AvgExecutionMs() float64 {
	if m.Completed == 0 {
		return 0
	}
	return float64(m.TotalExecutionMs) / float64(m.Completed)
}

// AvgQueueDelayMs is total queue wait divided by dequeues.
func (m Metrics) AvgQueueDelayMs() float64 {
	running := m.Completed + m.Failed
	if running == 0 {
		return 0
	}
	return float64(m.TotalQueueDelayMs) / float64(running)
}

// Config configures a Scheduler (spec.md §4.10).
type Config struct {
	MaxParallel           int
	TickInterval         time.Duration
	QueueLimit           int
	Persistence          Store
	PersistenceDebounce  time.Duration
	ExecutionTimeout     time.Duration
	SharedInfrastructure *infra.Bundle
	SharedBuffer         *txbuffer.Buffer

	// Leader election is optional; when Leader is nil the scheduler
	// always dispatches (single-node mode).
	Leader     distributed.Adapter
	LeaderRole string
	LeaderTTL  time.Duration

	OnLeaderGone func()

	Guardrails map[string]guardrails.Guardrail
}

type queuedJob struct {
	job      *Job
	queuedAt time.Time
}

// Scheduler drives the tick loop and worker pool described in spec.md
// §4.10, grounded on services/orchestrator/scheduler.go's
// ScheduleConfig/EventHandler worker-pool shape generalized so every
// schedule kind (not just CRON) shares one enqueue path.
type Scheduler struct {
	cfg Config

	mu   sync.Mutex
	jobs map[string]*Job

	queue chan queuedJob
	sem   chan struct{}

	metrics Metrics

	leaseID    string
	isLeader   bool
	leaderOnce sync.Once

	stopCh chan struct{}
	wg     sync.WaitGroup

	saveDirty    chan struct{}
	lastDebounce time.Time
}

// New constructs a Scheduler. Call Start to begin ticking.
func New(cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 1000
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.LeaderTTL <= 0 {
		cfg.LeaderTTL = 10 * time.Second
	}
	s := &Scheduler{
		cfg:       cfg,
		jobs:      make(map[string]*Job),
		queue:     make(chan queuedJob, cfg.QueueLimit),
		sem:       make(chan struct{}, cfg.MaxParallel),
		stopCh:    make(chan struct{}),
		saveDirty: make(chan struct{}, 1),
		isLeader:  cfg.Leader == nil, // single-node mode dispatches unconditionally
	}
	return s
}

// AddJob registers a job and computes its first nextRunAt.
func (s *Scheduler) AddJob(job *Job) error {
	if job.Location == nil {
		job.Location = time.UTC
	}
	if job.Kind == KindCron {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		sched, err := parser.Parse(job.CronExpr)
		if err != nil {
			return fmt.Errorf("scheduler: parse cron expr %q: %w", job.CronExpr, err)
		}
		job.cronSchedule = sched
	}
	job.nextRunAt = computeNextRunAt(job, time.Now().In(job.Location))

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	s.addMetric(func(m *Metrics) { m.Total++ })
	s.markDirty()
	return nil
}

// RemoveJob unregisters a job.
func (s *Scheduler) RemoveJob(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	s.markDirty()
}

// computeNextRunAt advances a job's schedule past `from`, per kind.
func computeNextRunAt(job *Job, from time.Time) time.Time {
	switch job.Kind {
	case KindCron:
		if job.cronSchedule == nil {
			return time.Time{}
		}
		return job.cronSchedule.Next(from)
	case KindInterval:
		if job.StartAt != nil && job.StartAt.After(from) {
			return *job.StartAt
		}
		if job.nextRunAt.IsZero() {
			if job.StartAt != nil {
				return *job.StartAt
			}
			return from.Add(job.Interval)
		}
		return job.nextRunAt.Add(job.Interval)
	case KindTimestamp:
		if job.tsIndex > 0 {
			return time.Time{}
		}
		if job.StartAt == nil {
			return time.Time{}
		}
		return *job.StartAt
	case KindTimestamps:
		if job.tsIndex >= len(job.Timestamps) {
			return time.Time{}
		}
		return job.Timestamps[job.tsIndex]
	default:
		return time.Time{}
	}
}

// Start begins the tick loop and the worker pool. Leader election (if
// configured) is campaigned for on every tick, before that tick dispatches.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.Persistence != nil {
		if state, ok, err := s.cfg.Persistence.LoadState(ctx); err == nil && ok {
			s.restore(state)
		} else if err != nil {
			slog.Error("scheduler: load state failed", "error", err)
		}
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)

	for i := 0; i < s.cfg.MaxParallel; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	if s.cfg.Persistence != nil {
		s.wg.Add(1)
		go s.persistLoop(ctx)
	}
}

// Stop halts the tick loop and worker pool, waiting for in-flight jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	close(s.stopCh)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) restore(state SchedulerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, js := range state.Jobs {
		if job, ok := s.jobs[id]; ok {
			job.nextRunAt = js.NextRunAt
			job.tsIndex = js.TSIndex
			job.Enabled = js.Enabled
		}
	}
	s.metrics = state.Counters
}

func (s *Scheduler) snapshot() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make(map[string]JobState, len(s.jobs))
	for id, job := range s.jobs {
		jobs[id] = JobState{ID: id, NextRunAt: job.nextRunAt, TSIndex: job.tsIndex, Enabled: job.Enabled}
	}
	return SchedulerState{Jobs: jobs, Counters: s.metrics}
}

func (s *Scheduler) markDirty() {
	select {
	case s.saveDirty <- struct{}{}:
	default:
	}
}

func (s *Scheduler) persistLoop(ctx context.Context) {
	defer s.wg.Done()
	debounce := s.cfg.PersistenceDebounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	for {
		select {
		case <-s.stopCh:
			_ = s.cfg.Persistence.SaveState(ctx, s.snapshot())
			return
		case <-ctx.Done():
			return
		case <-s.saveDirty:
			time.Sleep(debounce)
			if err := s.cfg.Persistence.SaveState(ctx, s.snapshot()); err != nil {
				slog.Error("scheduler: save state failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maybeCampaign(ctx)
			if !s.dispatches() {
				continue
			}
			s.tick(time.Now())
		}
	}
}

// dispatches reports whether this process should enqueue runnable jobs
// right now (always true in single-node mode, leader-only otherwise).
func (s *Scheduler) dispatches() bool {
	if s.cfg.Leader == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLeader
}

func (s *Scheduler) maybeCampaign(ctx context.Context) {
	if s.cfg.Leader == nil {
		return
	}
	s.mu.Lock()
	wasLeader := s.isLeader
	leaseID := s.leaseID
	s.mu.Unlock()

	if wasLeader {
		status, err := s.cfg.Leader.Heartbeat(ctx, s.cfg.LeaderRole, leaseID, s.cfg.LeaderTTL)
		if err != nil || !status.IsLeader {
			s.mu.Lock()
			s.isLeader = false
			s.leaseID = ""
			s.mu.Unlock()
			if s.cfg.OnLeaderGone != nil {
				s.cfg.OnLeaderGone()
			}
		}
		return
	}

	status, err := s.cfg.Leader.Campaign(ctx, s.cfg.LeaderRole, s.cfg.LeaderTTL, 1)
	if err != nil {
		slog.Error("scheduler: campaign failed", "error", err)
		return
	}
	if status.IsLeader {
		s.mu.Lock()
		s.isLeader = true
		s.leaseID = status.LeaseID
		s.mu.Unlock()
		slog.Info("scheduler: became leader", "role", s.cfg.LeaderRole)
	}
}

// tick enqueues every job whose nextRunAt has arrived, dropping and
// counting overflow past queueLimit (spec.md §4.10).
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	runnable := make([]*Job, 0)
	for _, job := range s.jobs {
		if !job.Enabled || job.nextRunAt.IsZero() || job.nextRunAt.After(now) {
			continue
		}
		runnable = append(runnable, job)
	}
	for _, job := range runnable {
		if job.Kind == KindTimestamp || job.Kind == KindTimestamps {
			job.tsIndex++
		}
		job.nextRunAt = computeNextRunAt(job, now)
	}
	s.mu.Unlock()

	for _, job := range runnable {
		select {
		case s.queue <- queuedJob{job: job, queuedAt: now}:
			s.addMetric(func(m *Metrics) { m.Queued++ })
		default:
			s.addMetric(func(m *Metrics) { m.Dropped++ })
			slog.Warn("scheduler: queue full, dropping run", "job", job.ID)
		}
	}
	if len(runnable) > 0 {
		s.markDirty()
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case qj := <-s.queue:
			s.run(ctx, qj)
		}
	}
}

// run executes one job with its configured timeout and retry policy.
func (s *Scheduler) run(ctx context.Context, qj queuedJob) {
	s.addMetric(func(m *Metrics) { m.Running++ })
	defer s.addMetric(func(m *Metrics) { m.Running-- })

	timeout := qj.job.ExecutionTimeout
	if timeout <= 0 {
		timeout = s.cfg.ExecutionTimeout
	}

	attempts := qj.job.Retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := qj.job.Retry.Delay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		runCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		start := time.Now()
		err := qj.job.Handler(runCtx, RunContext{
			JobID:     qj.job.ID,
			Attempt:   attempt,
			QueuedAt:  qj.queuedAt,
			StartedAt: start,
		})
		if cancel != nil {
			cancel()
		}
		elapsed := time.Since(start)
		queueDelay := start.Sub(qj.queuedAt).Milliseconds()
		s.addMetric(func(m *Metrics) {
			m.TotalExecutionMs += elapsed.Milliseconds()
			m.TotalQueueDelayMs += queueDelay
		})

		if err == nil {
			s.addMetric(func(m *Metrics) { m.Completed++ })
			s.markDirty()
			return
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = attempts // stop retrying once the caller's context is done
		case <-time.After(delay):
		}
		if qj.job.Retry.BackoffMultiplier > 1 {
			delay = time.Duration(float64(delay) * qj.job.Retry.BackoffMultiplier)
			if qj.job.Retry.MaxDelay > 0 && delay > qj.job.Retry.MaxDelay {
				delay = qj.job.Retry.MaxDelay
			}
		}
	}

	s.addMetric(func(m *Metrics) { m.Failed++ })
	s.markDirty()
	slog.Error("scheduler: job failed", "job", qj.job.ID, "error", lastErr, "attempts", attempts)
}

// Stats returns a copy of the current metrics, matching spec.md §4.10's
// list (total/queued/running/completed/failed/dropped plus derived
// rates).
func (s *Scheduler) Stats() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// addMetric mutates the shared metrics struct under s.mu, since workers
// and the tick loop update it from separate goroutines.
func (s *Scheduler) addMetric(f func(*Metrics)) {
	s.mu.Lock()
	f(&s.metrics)
	s.mu.Unlock()
}

// EvaluateGuardrails checks the current metrics against Config.Guardrails
// (spec.md §4.10's "metricsGuardrails?"), returning any anomalies in
// guardrails.SchedulerKeys order.
func (s *Scheduler) EvaluateGuardrails() []leaf.Anomaly {
	if len(s.cfg.Guardrails) == 0 {
		return nil
	}
	m := s.Stats()
	values := map[string]float64{
		"total":              float64(m.Total),
		"queued":             float64(m.Queued),
		"running":            float64(m.Running),
		"completed":          float64(m.Completed),
		"failed":             float64(m.Failed),
		"dropped":            float64(m.Dropped),
		"successRate":        m.SuccessRate(),
		"avgExecutionTimeMs": m.AvgExecutionMs(),
		"avgQueueDelayMs":    m.AvgQueueDelayMs(),
	}
	return guardrails.EvaluateBucket(guardrails.SchedulerKeys(), values, s.cfg.Guardrails)
}
