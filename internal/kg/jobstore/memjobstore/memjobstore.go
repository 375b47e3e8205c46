// Package memjobstore is an in-memory jobstore.Store, grounded on the
// teacher's internal/persistence/databases/chat_store_memory.go mutex-
// guarded map pattern. It backs unit tests without a live Postgres.
package memjobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"manifold/internal/kg/jobstore"
)

// Store is a sync.RWMutex-guarded in-memory job table.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]jobstore.Job
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{jobs: make(map[string]jobstore.Job)}
}

func (s *Store) Capabilities() jobstore.Capabilities {
	return jobstore.Capabilities{AtomicClaim: true, Transactions: false, Persistence: false}
}

func (s *Store) findNonTerminalByDedupKey(key jobstore.DedupKey) (jobstore.Job, bool) {
	for _, j := range s.jobs {
		if j.Status.Terminal() {
			continue
		}
		if j.DedupKeyOf() == key {
			return j, true
		}
	}
	return jobstore.Job{}, false
}

func (s *Store) findCompletedByDedupKey(key jobstore.DedupKey) (jobstore.Job, bool) {
	var best jobstore.Job
	found := false
	for _, j := range s.jobs {
		if j.Status != jobstore.StatusCompleted {
			continue
		}
		if j.DedupKeyOf() != key {
			continue
		}
		if !found || j.CreatedAt.After(best.CreatedAt) {
			best = j
			found = true
		}
	}
	return best, found
}

func (s *Store) Submit(ctx context.Context, req jobstore.SubmitRequest) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobstore.DedupKey{ContentHash: req.ContentHash, Ontology: req.Ontology, JobType: req.JobType}

	if !req.Force && req.ContentHash != "" {
		if existing, ok := s.findNonTerminalByDedupKey(key); ok {
			return existing.ID, true, nil
		}
		if existing, ok := s.findCompletedByDedupKey(key); ok {
			return existing.ID, true, nil
		}
	}

	status := jobstore.StatusPending
	if req.AutoApprove {
		status = jobstore.StatusApproved
	} else {
		status = jobstore.StatusAwaitingApproval
	}

	id := uuid.NewString()
	now := time.Now()
	job := jobstore.Job{
		ID:             id,
		JobType:        req.JobType,
		ContentHash:    req.ContentHash,
		Ontology:       req.Ontology,
		SubmitterID:    req.SubmitterID,
		ProcessingMode: req.ProcessingMode,
		RequestPayload: req.RequestPayload,
		Analysis:       req.Analysis,
		Status:         status,
		CreatedAt:      now,
		ExpiresAt:      req.ExpiresAt,
	}
	s.jobs[id] = job
	log.Info().Str("job_id", id).Str("job_type", string(req.JobType)).Str("status", string(status)).Msg("job submitted")
	return id, false, nil
}

func (s *Store) Get(ctx context.Context, jobID string) (jobstore.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return jobstore.Job{}, jobstore.ErrNotFound
	}
	return j, nil
}

func (s *Store) List(ctx context.Context, filter jobstore.Filter, paging jobstore.Paging) ([]jobstore.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []jobstore.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.SubmitterID != "" && j.SubmitterID != filter.SubmitterID {
			continue
		}
		if filter.JobType != "" && j.JobType != filter.JobType {
			continue
		}
		if filter.Ontology != "" && j.Ontology != filter.Ontology {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })

	if paging.Offset > 0 {
		if paging.Offset >= len(out) {
			return nil, nil
		}
		out = out[paging.Offset:]
	}
	if paging.Limit > 0 && paging.Limit < len(out) {
		out = out[:paging.Limit]
	}
	return out, nil
}

func (s *Store) Transition(ctx context.Context, jobID string, from, to jobstore.Status, patch func(*jobstore.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	if j.Status != from {
		return jobstore.ErrStateMismatch
	}
	if !jobstore.CanTransition(from, to) {
		return jobstore.ErrIllegalTransition
	}
	j.Status = to
	now := time.Now()
	switch to {
	case jobstore.StatusApproved:
		j.ApprovedAt = &now
	case jobstore.StatusProcessing:
		j.StartedAt = &now
	case jobstore.StatusCompleted, jobstore.StatusFailed, jobstore.StatusCancelled:
		j.CompletedAt = &now
	}
	if patch != nil {
		patch(&j)
	}
	s.jobs[jobID] = j
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress jobstore.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	j.Progress = progress
	s.jobs[jobID] = j
	return nil
}

func (s *Store) SetResult(ctx context.Context, jobID string, result *jobstore.Result, jobErr *jobstore.JobError, terminal jobstore.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	if !jobstore.CanTransition(j.Status, terminal) && j.Status != terminal {
		return jobstore.ErrIllegalTransition
	}
	j.Status = terminal
	j.Result = result
	j.Error = jobErr
	now := time.Now()
	j.CompletedAt = &now
	s.jobs[jobID] = j
	return nil
}

func (s *Store) ClaimNext(ctx context.Context, workerID string, jobTypes []jobstore.JobType, now time.Time) (*jobstore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accepted := make(map[jobstore.JobType]bool, len(jobTypes))
	for _, t := range jobTypes {
		accepted[t] = true
	}

	var best *jobstore.Job
	for id, j := range s.jobs {
		if j.Status != jobstore.StatusApproved && j.Status != jobstore.StatusQueued {
			continue
		}
		if len(accepted) > 0 && !accepted[j.JobType] {
			continue
		}
		jj := j
		if best == nil || jj.CreatedAt.Before(best.CreatedAt) {
			cp := jj
			best = &cp
			_ = id
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = jobstore.StatusProcessing
	best.StartedAt = &now
	s.jobs[best.ID] = *best
	cp := *best
	return &cp, nil
}

func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() {
			continue
		}
		if j.ExpiresAt == nil || !j.ExpiresAt.Before(now) {
			continue
		}
		j.Status = jobstore.StatusCancelled
		j.Error = &jobstore.JobError{Kind: "STUCK", Message: "EXPIRED"}
		j.CompletedAt = &now
		s.jobs[id] = j
		n++
	}
	return n, nil
}

func (s *Store) CleanupCompleted(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if !j.Status.Terminal() {
			continue
		}
		if j.CompletedAt == nil || !j.CompletedAt.Before(before) {
			continue
		}
		delete(s.jobs, id)
		n++
	}
	return n, nil
}
