package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"manifold/internal/kg/jobstore"
	"manifold/internal/kg/jobstore/memjobstore"
	"manifold/internal/kg/kgerr"
	"manifold/internal/kg/scheduler"
)

func submitApproved(t *testing.T, store jobstore.Store, jobType jobstore.JobType) string {
	t.Helper()
	id, dup, err := store.Submit(context.Background(), jobstore.SubmitRequest{
		JobType: jobType, ContentHash: "sha256:" + string(jobType) + "-" + time.Now().String(), AutoApprove: true,
	})
	require.NoError(t, err)
	require.False(t, dup)
	require.NoError(t, store.Transition(context.Background(), id, jobstore.StatusApproved, jobstore.StatusQueued, nil))
	return id
}

func TestRunProcessesQueuedJobToCompletion(t *testing.T) {
	store := memjobstore.New()
	id := submitApproved(t, store, jobstore.JobTypeIngestText)

	sched := scheduler.New(store, scheduler.Config{
		MaxWorkers: 1, AcceptedTypes: []jobstore.JobType{jobstore.JobTypeIngestText},
		CleanupInterval: time.Hour, DefaultJobTimeout: time.Second,
	}, nil, nil)

	done := make(chan struct{})
	sched.RegisterExecutor(jobstore.JobTypeIngestText, func(ctx context.Context, job jobstore.Job) (jobstore.Result, error) {
		close(done)
		return jobstore.Result{Status: jobstore.ResultSucceeded}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sched.Run(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("executor never invoked")
	}

	require.Eventually(t, func() bool {
		job, err := store.Get(context.Background(), id)
		return err == nil && job.Status == jobstore.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestRunFailsJobWhenExecutorReturnsError(t *testing.T) {
	store := memjobstore.New()
	id := submitApproved(t, store, jobstore.JobTypeIngestText)

	sched := scheduler.New(store, scheduler.Config{
		MaxWorkers: 1, AcceptedTypes: []jobstore.JobType{jobstore.JobTypeIngestText},
		CleanupInterval: time.Hour, DefaultJobTimeout: time.Second,
	}, nil, nil)
	sched.RegisterExecutor(jobstore.JobTypeIngestText, func(ctx context.Context, job jobstore.Job) (jobstore.Result, error) {
		return jobstore.Result{}, kgerr.New(kgerr.StoragePermanent, "boom", nil)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go sched.Run(ctx)

	require.Eventually(t, func() bool {
		job, err := store.Get(context.Background(), id)
		return err == nil && job.Status == jobstore.StatusFailed && job.Error != nil && job.Error.Message == "boom"
	}, 500*time.Millisecond, 10*time.Millisecond)
}

func TestRunRecoversPanickingExecutor(t *testing.T) {
	store := memjobstore.New()
	id := submitApproved(t, store, jobstore.JobTypeIngestText)

	sched := scheduler.New(store, scheduler.Config{
		MaxWorkers: 1, AcceptedTypes: []jobstore.JobType{jobstore.JobTypeIngestText},
		CleanupInterval: time.Hour, DefaultJobTimeout: time.Second,
	}, nil, nil)
	sched.RegisterExecutor(jobstore.JobTypeIngestText, func(ctx context.Context, job jobstore.Job) (jobstore.Result, error) {
		panic("executor exploded")
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go sched.Run(ctx)

	require.Eventually(t, func() bool {
		job, err := store.Get(context.Background(), id)
		return err == nil && job.Status == jobstore.StatusFailed
	}, 500*time.Millisecond, 10*time.Millisecond)
}

func TestRunFailsJobOfTypeWithNoRegisteredExecutor(t *testing.T) {
	store := memjobstore.New()
	id := submitApproved(t, store, jobstore.JobTypeIngestImage)

	sched := scheduler.New(store, scheduler.Config{
		MaxWorkers: 1, AcceptedTypes: []jobstore.JobType{jobstore.JobTypeIngestImage},
		CleanupInterval: time.Hour, DefaultJobTimeout: time.Second,
	}, nil, nil)
	// no executor registered for ingest_image

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusFailed, job.Status)
}

func TestCancelStopsAJobThatHasNotStarted(t *testing.T) {
	store := memjobstore.New()
	id, _, err := store.Submit(context.Background(), jobstore.SubmitRequest{
		JobType: jobstore.JobTypeIngestText, ContentHash: "sha256:pending", AutoApprove: false,
	})
	require.NoError(t, err)

	sched := scheduler.New(store, scheduler.DefaultConfig(), nil, nil)
	require.NoError(t, sched.Cancel(context.Background(), id))

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusCancelled, job.Status)
}

func TestRecoverStuckFailsOldProcessingJobsOnStartup(t *testing.T) {
	store := memjobstore.New()
	id := submitApproved(t, store, jobstore.JobTypeIngestText)
	require.NoError(t, store.Transition(context.Background(), id, jobstore.StatusQueued, jobstore.StatusProcessing, func(j *jobstore.Job) {
		old := time.Now().Add(-time.Hour)
		j.StartedAt = &old
	}))

	sched := scheduler.New(store, scheduler.Config{
		MaxWorkers: 1, StuckJobTimeout: time.Minute, CleanupInterval: time.Hour, DefaultJobTimeout: time.Minute,
	}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatusFailed, job.Status)
	require.Equal(t, "STUCK", job.Error.Kind)
}

func TestApprovalPolicyDecidesByThresholdAndJobType(t *testing.T) {
	p := scheduler.ApprovalPolicy{
		AutoApproveThresholdCost: 1.0,
		AutoApproveJobTypes:      map[jobstore.JobType]bool{jobstore.JobTypeRestore: true},
	}
	require.True(t, p.Decide(jobstore.JobTypeIngestText, 0.5))
	require.False(t, p.Decide(jobstore.JobTypeIngestText, 5.0))
	require.True(t, p.Decide(jobstore.JobTypeRestore, 1000.0))
}
