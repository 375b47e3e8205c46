// Package scheduler implements the Scheduler (spec §4.2): it converts the
// job queue into bounded parallel execution, owns cancellation/timeout
// propagation, the periodic maintenance loop, and type-weighted round-robin
// fairness across job types.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"manifold/internal/kg/jobstore"
	"manifold/internal/kg/kgerr"
	"manifold/internal/kg/obs"
)

// ApprovalPolicy decides whether a submitted job may skip the
// AWAITING_APPROVAL gate, per spec §4.2's approval_policy config.
type ApprovalPolicy struct {
	AutoApproveThresholdCost float64
	AutoApproveJobTypes      map[jobstore.JobType]bool
}

// Decide reports whether req may be auto-approved given an estimated cost,
// typically the chunk-count-derived estimate computed at submission time.
func (p ApprovalPolicy) Decide(jobType jobstore.JobType, estimatedCost float64) bool {
	if p.AutoApproveJobTypes[jobType] {
		return true
	}
	if p.AutoApproveThresholdCost <= 0 {
		return false
	}
	return estimatedCost <= p.AutoApproveThresholdCost
}

// Config is the Scheduler's configuration, enumerated per spec §4.2.
type Config struct {
	MaxWorkers         int
	AcceptedTypes      []jobstore.JobType
	CleanupInterval    time.Duration
	DefaultJobTimeout  time.Duration
	StuckJobTimeout    time.Duration // PROCESSING jobs older than this at startup are failed as STUCK
	Approval           ApprovalPolicy
	RetentionCompleted time.Duration
	RetentionFailed    time.Duration
}

// DefaultConfig mirrors the teacher's orchestrator worker-pool defaults
// (internal/orchestrator/kafka.go's workerCount/backoff shape), sized down
// to a single-process default.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:         4,
		CleanupInterval:    time.Minute,
		DefaultJobTimeout:  30 * time.Minute,
		StuckJobTimeout:    30 * time.Minute,
		RetentionCompleted: 30 * 24 * time.Hour,
		RetentionFailed:    7 * 24 * time.Hour,
	}
}

// ExecutorFunc runs one claimed job to terminal Result. The Scheduler
// handles the state-machine transition and error classification; the
// executor reports only the outcome, matching ingest.Executor.Run's
// contract generalized across job types.
type ExecutorFunc func(ctx context.Context, job jobstore.Job) (jobstore.Result, error)

// Scheduler owns the worker pool, maintenance loop, and cancellation
// registry described by spec §4.2. Grounded on internal/orchestrator/kafka.go's
// worker-goroutines-over-a-channel pool and internal/orchestrator/handler.go's
// transient/permanent error classification, generalized from Kafka messages
// to JobStore.ClaimNext polling.
type Scheduler struct {
	store   jobstore.Store
	cfg     Config
	logger  obs.Logger
	metrics obs.Metrics

	executorsMu sync.RWMutex
	executors   map[jobstore.JobType]ExecutorFunc

	runningMu sync.Mutex
	running   map[string]context.CancelFunc

	rr rrCounter
}

// New constructs a Scheduler bound to store. Register executors with
// RegisterExecutor before calling Run.
func New(store jobstore.Store, cfg Config, logger obs.Logger, metrics obs.Metrics) *Scheduler {
	if logger == nil {
		logger = obs.NopLogger{}
	}
	if metrics == nil {
		metrics = obs.NewMockMetrics()
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	return &Scheduler{
		store: store, cfg: cfg, logger: logger, metrics: metrics,
		executors: make(map[jobstore.JobType]ExecutorFunc),
		running:   make(map[string]context.CancelFunc),
	}
}

// RegisterExecutor binds jobType to fn and adds jobType to the accepted
// types. Run dispatches claimed jobs of that type to fn; a claimed job whose
// type has no registered executor is failed with a VALIDATION error.
func (s *Scheduler) RegisterExecutor(jobType jobstore.JobType, fn ExecutorFunc) {
	s.executorsMu.Lock()
	defer s.executorsMu.Unlock()
	s.executors[jobType] = fn

	found := false
	for _, t := range s.cfg.AcceptedTypes {
		if t == jobType {
			found = true
			break
		}
	}
	if !found {
		s.cfg.AcceptedTypes = append(s.cfg.AcceptedTypes, jobType)
	}
}

func (s *Scheduler) executorFor(jobType jobstore.JobType) (ExecutorFunc, bool) {
	s.executorsMu.RLock()
	defer s.executorsMu.RUnlock()
	fn, ok := s.executors[jobType]
	return fn, ok
}

// Run starts the worker pool and maintenance loop, recovering any jobs left
// PROCESSING by a prior process, and blocks until ctx is cancelled, then
// drains in-flight workers before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recoverStuck(ctx); err != nil {
		s.logger.Error("stuck-job recovery failed", err, nil)
	}

	var wg sync.WaitGroup
	wg.Add(s.cfg.MaxWorkers)
	for i := 0; i < s.cfg.MaxWorkers; i++ {
		go func(slot int) {
			defer wg.Done()
			s.workerLoop(ctx, slot)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.maintenanceLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

// recoverStuck implements spec §4.2's restart recovery: PROCESSING jobs
// older than StuckJobTimeout are failed with reason STUCK so retries become
// possible again.
func (s *Scheduler) recoverStuck(ctx context.Context) error {
	jobs, err := s.store.List(ctx, jobstore.Filter{Status: jobstore.StatusProcessing}, jobstore.Paging{Limit: 1000})
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-s.cfg.StuckJobTimeout)
	for _, j := range jobs {
		if j.StartedAt == nil || j.StartedAt.After(cutoff) {
			continue
		}
		jobErr := &jobstore.JobError{Kind: string(kgerr.Stuck), Message: "job was PROCESSING across a scheduler restart"}
		if err := s.store.SetResult(ctx, j.ID, nil, jobErr, jobstore.StatusFailed); err != nil {
			s.logger.Error("failed to mark stuck job as failed", err, map[string]any{"job_id": j.ID})
			continue
		}
		s.metrics.IncCounter("kg_scheduler_stuck_recovered_total", nil)
		s.logger.Info("recovered stuck job", map[string]any{"job_id": j.ID})
	}
	return nil
}

// workerLoop repeatedly claims and runs jobs until ctx is done. Each slot
// advances the shared round-robin counter on every claim attempt so
// fairness is spread across worker slots, not just within one.
func (s *Scheduler) workerLoop(ctx context.Context, slot int) {
	idleBackoff := 200 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok := s.claimNext(ctx)
		if !ok {
			timer := time.NewTimer(idleBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		s.runJob(ctx, job)
	}
}

// claimNext implements type-weighted round robin: it advances through
// cfg.AcceptedTypes one at a time, trying to claim only that type first so
// no type can starve behind a backlog of another, then falls back to the
// full accepted set so a slot never idles while any other type has work.
func (s *Scheduler) claimNext(ctx context.Context) (jobstore.Job, bool) {
	s.executorsMu.RLock()
	types := append([]jobstore.JobType(nil), s.cfg.AcceptedTypes...)
	s.executorsMu.RUnlock()
	if len(types) == 0 {
		return jobstore.Job{}, false
	}

	idx := s.rr.next() % len(types)
	preferred := types[idx]

	job, err := s.store.ClaimNext(ctx, workerIDFor(idx), []jobstore.JobType{preferred}, time.Now())
	if err != nil {
		s.logger.Error("claim failed", err, map[string]any{"job_type": string(preferred)})
		return jobstore.Job{}, false
	}
	if job != nil {
		return *job, true
	}

	job, err = s.store.ClaimNext(ctx, workerIDFor(idx), types, time.Now())
	if err != nil {
		s.logger.Error("claim failed", err, nil)
		return jobstore.Job{}, false
	}
	if job == nil {
		return jobstore.Job{}, false
	}
	return *job, true
}

func workerIDFor(slot int) string { return fmt.Sprintf("worker-%d", slot) }

// runJob dispatches job to its registered executor under a deadline of
// min(default_job_timeout, expires_at-started_at), catching panics and
// writing the terminal state regardless of how the executor returns.
func (s *Scheduler) runJob(ctx context.Context, job jobstore.Job) {
	fn, ok := s.executorFor(job.JobType)
	if !ok {
		jobErr := &jobstore.JobError{Kind: string(kgerr.Validation), Message: "no executor registered for job_type " + string(job.JobType)}
		_ = s.store.SetResult(ctx, job.ID, nil, jobErr, jobstore.StatusFailed)
		return
	}

	timeout := s.cfg.DefaultJobTimeout
	if job.ExpiresAt != nil && job.StartedAt != nil {
		if remaining := job.ExpiresAt.Sub(*job.StartedAt); remaining < timeout {
			timeout = remaining
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	s.trackRunning(job.ID, cancel)
	defer func() {
		s.untrackRunning(job.ID)
		cancel()
	}()

	result, err := s.invokeExecutor(runCtx, fn, job)

	if err != nil {
		s.recordFailure(ctx, job, err)
		return
	}

	switch result.Status {
	case jobstore.ResultCancelled:
		_ = s.store.SetResult(ctx, job.ID, &result, nil, jobstore.StatusCancelled)
	default:
		_ = s.store.SetResult(ctx, job.ID, &result, nil, jobstore.StatusCompleted)
		s.metrics.IncCounter("kg_scheduler_jobs_completed_total", map[string]string{"job_type": string(job.JobType)})
	}
}

// invokeExecutor runs fn, converting a panic into a StoragePermanent error
// so a single misbehaving executor cannot take down a worker slot, per spec
// §4.2's "executor panic/fault is caught" failure semantics.
func (s *Scheduler) invokeExecutor(ctx context.Context, fn ExecutorFunc, job jobstore.Job) (result jobstore.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = kgerr.New(kgerr.StoragePermanent, fmt.Sprintf("executor panic: %v", r), nil)
		}
	}()
	return fn(ctx, job)
}

func (s *Scheduler) recordFailure(ctx context.Context, job jobstore.Job, err error) {
	if kgerr.IsCancelled(err) {
		_ = s.store.SetResult(ctx, job.ID, nil, nil, jobstore.StatusCancelled)
		return
	}
	jobErr := &jobstore.JobError{Kind: string(kgerr.KindOf(err)), Message: err.Error()}
	_ = s.store.SetResult(ctx, job.ID, nil, jobErr, jobstore.StatusFailed)
	s.metrics.IncCounter("kg_scheduler_jobs_failed_total", map[string]string{"job_type": string(job.JobType)})
	s.logger.Error("job failed", err, map[string]any{"job_id": job.ID, "job_type": string(job.JobType)})
}

func (s *Scheduler) trackRunning(jobID string, cancel context.CancelFunc) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	s.running[jobID] = cancel
}

func (s *Scheduler) untrackRunning(jobID string) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	delete(s.running, jobID)
}

// Cancel implements spec §4.2's Cancel(job_id): if the job is already
// running, its cancellation context is flipped so the executor observes it
// at the next chunk boundary; if it has not started, Transition succeeds
// directly. Both paths attempt the state-machine transition so a job
// cancelled before being claimed never gets claimed afterward.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.runningMu.Lock()
	cancel, running := s.running[jobID]
	s.runningMu.Unlock()
	if running {
		cancel()
	}

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if !jobstore.CanTransition(job.Status, jobstore.StatusCancelled) {
		return nil
	}
	return s.store.Transition(ctx, jobID, job.Status, jobstore.StatusCancelled, func(j *jobstore.Job) {
		now := time.Now()
		j.CompletedAt = &now
	})
}

// maintenanceLoop runs ExpireOverdue then CleanupCompleted every
// cleanup_interval, per spec §4.2.
func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance(ctx)
		}
	}
}

func (s *Scheduler) runMaintenance(ctx context.Context) {
	now := time.Now()
	expired, err := s.store.ExpireOverdue(ctx, now)
	if err != nil {
		s.logger.Error("expire overdue failed", err, nil)
	} else if expired > 0 {
		s.logger.Info("expired overdue jobs", map[string]any{"count": expired})
		s.metrics.IncCounter("kg_scheduler_jobs_expired_total", nil)
	}

	retention := s.cfg.RetentionCompleted
	if s.cfg.RetentionFailed > retention {
		retention = s.cfg.RetentionFailed
	}
	if retention <= 0 {
		return
	}
	cleaned, err := s.store.CleanupCompleted(ctx, now.Add(-retention))
	if err != nil {
		s.logger.Error("cleanup completed failed", err, nil)
		return
	}
	if cleaned > 0 {
		s.logger.Info("cleaned up completed jobs", map[string]any{"count": cleaned})
	}
}

// rrCounter is the shared round-robin cursor advanced by every worker slot's
// claim attempt.
type rrCounter struct {
	mu sync.Mutex
	n  int
}

func (c *rrCounter) next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}
