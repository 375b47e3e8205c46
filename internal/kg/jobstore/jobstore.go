// Package jobstore defines the durable job-queue port (spec §4.1) and the
// types shared by every implementation.
package jobstore

import (
	"context"
	"errors"
	"time"
)

// Status is a Job's position in the two-phase lifecycle state machine.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusAwaitingApproval  Status = "AWAITING_APPROVAL"
	StatusApproved          Status = "APPROVED"
	StatusQueued            Status = "QUEUED"
	StatusProcessing        Status = "PROCESSING"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusCancelled         Status = "CANCELLED"
)

// Terminal reports whether s is one of the state machine's sink states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// legalTransitions enumerates the state machine's edges. Transition rejects
// anything not listed here.
var legalTransitions = map[Status][]Status{
	StatusPending:          {StatusAwaitingApproval, StatusApproved, StatusCancelled},
	StatusAwaitingApproval: {StatusApproved, StatusCancelled},
	StatusApproved:         {StatusQueued, StatusCancelled},
	StatusQueued:           {StatusProcessing, StatusCancelled},
	StatusProcessing:       {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge
// of the job state machine.
func CanTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// JobType enumerates the job_type values named in the spec's data model.
type JobType string

const (
	JobTypeIngestText          JobType = "ingest_text"
	JobTypeIngestFile          JobType = "ingest_file"
	JobTypeIngestImage         JobType = "ingest_image"
	JobTypeRestore             JobType = "restore"
	JobTypeVocabConsolidate    JobType = "vocab_consolidate"
	JobTypeEmbeddingRegenerate JobType = "embedding_regenerate"
	JobTypeEpistemicMeasure    JobType = "epistemic_measure"
)

// ProcessingMode selects serial or bounded-parallel chunk dispatch within
// one job, per spec §4.6.
type ProcessingMode string

const (
	ProcessingSerial   ProcessingMode = "serial"
	ProcessingParallel ProcessingMode = "parallel"
)

// DedupKey collapses duplicate submissions, per spec §3 / GLOSSARY.
type DedupKey struct {
	ContentHash string
	Ontology    string
	JobType     JobType
}

// Progress is the mutable, stage-typed blob reported during a run. Field
// names match spec §6's stable progress blob shape.
type Progress struct {
	Stage                string `json:"stage,omitempty"`
	ChunksTotal          int    `json:"chunks_total,omitempty"`
	ChunksProcessed      int    `json:"chunks_processed,omitempty"`
	CurrentChunk         int    `json:"current_chunk,omitempty"`
	Percent              float64 `json:"percent,omitempty"`
	ConceptsCreated      int    `json:"concepts_created,omitempty"`
	ConceptsLinked       int    `json:"concepts_linked,omitempty"`
	SourcesCreated       int    `json:"sources_created,omitempty"`
	InstancesCreated     int    `json:"instances_created,omitempty"`
	RelationshipsCreated int    `json:"relationships_created,omitempty"`
	ItemsTotal           int    `json:"items_total,omitempty"`
	ItemsProcessed       int    `json:"items_processed,omitempty"`
	Message              string `json:"message,omitempty"`
}

// ResultStatus is the terminal outcome reported in Result.Status.
type ResultStatus string

const (
	ResultSucceeded    ResultStatus = "succeeded"
	ResultDeduplicated ResultStatus = "deduplicated"
	ResultFailed       ResultStatus = "failed"
	ResultCancelled    ResultStatus = "cancelled"
)

// Stats carries the final counters for a completed job.
type Stats struct {
	ConceptsCreated      int `json:"concepts_created"`
	ConceptsLinked       int `json:"concepts_linked"`
	SourcesCreated       int `json:"sources_created"`
	InstancesCreated     int `json:"instances_created"`
	RelationshipsCreated int `json:"relationships_created"`
	ChunksProcessed      int `json:"chunks_processed"`
}

// Cost carries per-provider token/dollar accounting.
type Cost struct {
	Provider     string  `json:"provider,omitempty"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	USD          float64 `json:"usd,omitempty"`
}

// Result is the stable result blob shape, populated at terminal state.
type Result struct {
	Status          ResultStatus `json:"status"`
	Stats           Stats        `json:"stats"`
	Cost            Cost         `json:"cost,omitempty"`
	Ontology        string       `json:"ontology,omitempty"`
	ChunksProcessed int          `json:"chunks_processed,omitempty"`
	Message         string       `json:"message,omitempty"`
}

// JobError is the stable error blob shape populated on failure.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job is the durable unit of queued work, per spec §3.
type Job struct {
	ID             string
	JobType        JobType
	ContentHash    string // sha256:<64 hex>, empty for maintenance jobs
	Ontology       string
	SubmitterID    string
	ProcessingMode ProcessingMode
	RequestPayload map[string]any
	Analysis       map[string]any
	Status         Status
	Progress       Progress
	Result         *Result
	Error          *JobError

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ApprovedAt  *time.Time
	ExpiresAt   *time.Time
}

// DedupKeyOf extracts the job's dedup key.
func (j Job) DedupKeyOf() DedupKey {
	return DedupKey{ContentHash: j.ContentHash, Ontology: j.Ontology, JobType: j.JobType}
}

// SubmitRequest is the input to Submit.
type SubmitRequest struct {
	JobType        JobType
	ContentHash    string
	Ontology       string
	SubmitterID    string
	ProcessingMode ProcessingMode
	RequestPayload map[string]any
	Analysis       map[string]any
	AutoApprove    bool
	ExpiresAt      *time.Time
	Force          bool // bypass dedup, per spec §8 scenario 2 resume-with-force
}

// Filter narrows List results.
type Filter struct {
	Status      Status
	SubmitterID string
	JobType     JobType
	Ontology    string
}

// Paging bounds a List call.
type Paging struct {
	Limit  int
	Offset int
}

var (
	// ErrNotFound is returned by Get when no job exists with the given id.
	ErrNotFound = errors.New("jobstore: job not found")
	// ErrStateMismatch is returned by Transition when the observed status
	// does not match the expected `from` state (a programmer error per
	// spec §4.1 failure semantics, not a transient storage error).
	ErrStateMismatch = errors.New("jobstore: compare-and-set state mismatch")
	// ErrIllegalTransition is returned when from->to is not an edge of the
	// state machine.
	ErrIllegalTransition = errors.New("jobstore: illegal state transition")
)

// Capabilities reports what guarantees a Store implementation actually
// provides, generalized from the pack's BackendCapabilities pattern so a
// weaker in-memory fake can be honest with callers that care.
type Capabilities struct {
	AtomicClaim  bool
	Transactions bool
	Persistence  bool
}

// Store is the JobStore port (spec §4.1).
type Store interface {
	// Submit writes a new job iff no non-terminal or COMPLETED job shares
	// req's dedup key; otherwise it returns the existing job id with
	// duplicate=true. req.Force or an empty ContentHash skips the check.
	Submit(ctx context.Context, req SubmitRequest) (jobID string, duplicate bool, err error)
	Get(ctx context.Context, jobID string) (Job, error)
	List(ctx context.Context, filter Filter, paging Paging) ([]Job, error)
	// Transition performs a compare-and-set on status; it is the only way
	// to change a job's status.
	Transition(ctx context.Context, jobID string, from, to Status, patch func(*Job)) error
	// UpdateProgress idempotently replaces the progress blob without
	// touching status.
	UpdateProgress(ctx context.Context, jobID string, progress Progress) error
	// SetResult performs the combined terminal transition + result/error
	// write.
	SetResult(ctx context.Context, jobID string, result *Result, jobErr *JobError, terminal Status) error
	// ClaimNext atomically fetches and transitions the oldest
	// APPROVED/QUEUED job matching jobTypes into PROCESSING.
	ClaimNext(ctx context.Context, workerID string, jobTypes []JobType, now time.Time) (*Job, error)
	// ExpireOverdue cancels non-terminal jobs whose ExpiresAt has passed.
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
	// CleanupCompleted deletes terminal jobs older than before.
	CleanupCompleted(ctx context.Context, before time.Time) (int, error)
	Capabilities() Capabilities
}
