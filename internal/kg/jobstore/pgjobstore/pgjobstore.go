// Package pgjobstore is the Postgres-backed jobstore.Store, grounded on
// internal/persistence/databases/postgres_graph.go's pool-acquire-per-
// operation, create-table-in-constructor idiom.
package pgjobstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"manifold/internal/kg/jobstore"
)

// Store is a Postgres-backed jobstore.Store. One row per job; status
// transitions are a compare-and-set UPDATE ... WHERE status = $from.
type Store struct {
	pool *pgxpool.Pool
}

// New opens the jobs table (idempotent) and returns a Store bound to pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS kg_jobs (
  id TEXT PRIMARY KEY,
  job_type TEXT NOT NULL,
  content_hash TEXT NOT NULL DEFAULT '',
  ontology TEXT NOT NULL DEFAULT '',
  submitter_id TEXT NOT NULL DEFAULT '',
  processing_mode TEXT NOT NULL DEFAULT 'serial',
  request_payload JSONB NOT NULL DEFAULT '{}'::jsonb,
  analysis JSONB NOT NULL DEFAULT '{}'::jsonb,
  status TEXT NOT NULL,
  progress JSONB NOT NULL DEFAULT '{}'::jsonb,
  result JSONB,
  error JSONB,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  started_at TIMESTAMPTZ,
  completed_at TIMESTAMPTZ,
  approved_at TIMESTAMPTZ,
  expires_at TIMESTAMPTZ
);
`)
	if err != nil {
		return nil, err
	}
	// Partial unique index enforcing the dedup key among non-terminal jobs.
	_, err = pool.Exec(ctx, `
CREATE UNIQUE INDEX IF NOT EXISTS kg_jobs_dedup_active
  ON kg_jobs(content_hash, ontology, job_type)
  WHERE status NOT IN ('COMPLETED','FAILED','CANCELLED') AND content_hash <> '';
`)
	if err != nil {
		return nil, err
	}
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS kg_jobs_status_created ON kg_jobs(status, created_at)`)
	return &Store{pool: pool}, nil
}

func (s *Store) Capabilities() jobstore.Capabilities {
	return jobstore.Capabilities{AtomicClaim: true, Transactions: true, Persistence: true}
}

func (s *Store) Submit(ctx context.Context, req jobstore.SubmitRequest) (string, bool, error) {
	if !req.Force && req.ContentHash != "" {
		var existingID string
		var status string
		err := s.pool.QueryRow(ctx, `
SELECT id, status FROM kg_jobs
WHERE content_hash=$1 AND ontology=$2 AND job_type=$3
  AND (status NOT IN ('COMPLETED','FAILED','CANCELLED') OR status = 'COMPLETED')
ORDER BY created_at DESC LIMIT 1
`, req.ContentHash, req.Ontology, string(req.JobType)).Scan(&existingID, &status)
		if err == nil {
			return existingID, true, nil
		}
		if err != pgx.ErrNoRows {
			return "", false, err
		}
	}

	status := jobstore.StatusAwaitingApproval
	if req.AutoApprove {
		status = jobstore.StatusApproved
	}

	id := uuid.NewString()
	payload, _ := json.Marshal(req.RequestPayload)
	analysis, _ := json.Marshal(req.Analysis)

	_, err := s.pool.Exec(ctx, `
INSERT INTO kg_jobs(id, job_type, content_hash, ontology, submitter_id, processing_mode,
                     request_payload, analysis, status, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, id, string(req.JobType), req.ContentHash, req.Ontology, req.SubmitterID,
		string(req.ProcessingMode), payload, analysis, string(status), req.ExpiresAt)
	if err != nil {
		// A unique-violation here means a concurrent Submit won the dedup
		// race; treat it the same as an observed duplicate rather than a
		// storage error, preserving Submit's linearizable-dedup contract.
		if existingID, dup, lookupErr := s.lookupDedup(ctx, req); lookupErr == nil && dup {
			return existingID, true, nil
		}
		return "", false, err
	}
	return id, false, nil
}

func (s *Store) lookupDedup(ctx context.Context, req jobstore.SubmitRequest) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
SELECT id FROM kg_jobs
WHERE content_hash=$1 AND ontology=$2 AND job_type=$3
ORDER BY created_at DESC LIMIT 1
`, req.ContentHash, req.Ontology, string(req.JobType)).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *Store) Get(ctx context.Context, jobID string) (jobstore.Job, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, job_type, content_hash, ontology, submitter_id, processing_mode,
       request_payload, analysis, status, progress, result, error,
       created_at, started_at, completed_at, approved_at, expires_at
FROM kg_jobs WHERE id=$1
`, jobID)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return jobstore.Job{}, jobstore.ErrNotFound
	}
	return j, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (jobstore.Job, error) {
	var j jobstore.Job
	var jobType, status, processingMode string
	var payload, analysis []byte
	var result, jobErr []byte

	err := row.Scan(&j.ID, &jobType, &j.ContentHash, &j.Ontology, &j.SubmitterID, &processingMode,
		&payload, &analysis, &status, mustJSONB(&j.Progress), &result, &jobErr,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.ApprovedAt, &j.ExpiresAt)
	if err != nil {
		return jobstore.Job{}, err
	}
	j.JobType = jobstore.JobType(jobType)
	j.Status = jobstore.Status(status)
	j.ProcessingMode = jobstore.ProcessingMode(processingMode)
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &j.RequestPayload)
	}
	if len(analysis) > 0 {
		_ = json.Unmarshal(analysis, &j.Analysis)
	}
	if len(result) > 0 {
		j.Result = &jobstore.Result{}
		_ = json.Unmarshal(result, j.Result)
	}
	if len(jobErr) > 0 {
		j.Error = &jobstore.JobError{}
		_ = json.Unmarshal(jobErr, j.Error)
	}
	return j, nil
}

// mustJSONB adapts a struct field to pgx's Scan via the json.Unmarshaler-ish
// pattern pgx uses for jsonb columns scanned into []byte; kept as a plain
// helper rather than a scanner type since pgx's default jsonb decoding into
// Go structs already works when the destination implements sql.Scanner,
// which Progress does not. Scan the raw bytes instead and unmarshal here.
func mustJSONB(dst *jobstore.Progress) any {
	return &jsonbProgress{dst: dst}
}

type jsonbProgress struct {
	dst *jobstore.Progress
}

func (p *jsonbProgress) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case nil:
		return nil
	default:
		return nil
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, p.dst)
}

func (s *Store) List(ctx context.Context, filter jobstore.Filter, paging jobstore.Paging) ([]jobstore.Job, error) {
	q := `
SELECT id, job_type, content_hash, ontology, submitter_id, processing_mode,
       request_payload, analysis, status, progress, result, error,
       created_at, started_at, completed_at, approved_at, expires_at
FROM kg_jobs WHERE 1=1`
	var args []any
	i := 1
	if filter.Status != "" {
		q += fieldFilter("status", i)
		args = append(args, string(filter.Status))
		i++
	}
	if filter.SubmitterID != "" {
		q += fieldFilter("submitter_id", i)
		args = append(args, filter.SubmitterID)
		i++
	}
	if filter.JobType != "" {
		q += fieldFilter("job_type", i)
		args = append(args, string(filter.JobType))
		i++
	}
	if filter.Ontology != "" {
		q += fieldFilter("ontology", i)
		args = append(args, filter.Ontology)
		i++
	}
	q += ` ORDER BY created_at ASC`
	if paging.Limit > 0 {
		q += limitClause(i)
		args = append(args, paging.Limit)
		i++
	}
	if paging.Offset > 0 {
		q += offsetClause(i)
		args = append(args, paging.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []jobstore.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func fieldFilter(col string, i int) string {
	return " AND " + col + " = $" + itoa(i)
}
func limitClause(i int) string  { return " LIMIT $" + itoa(i) }
func offsetClause(i int) string { return " OFFSET $" + itoa(i) }

func itoa(i int) string {
	// small helper to avoid importing strconv twice across the file; kept
	// local and trivial.
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func (s *Store) Transition(ctx context.Context, jobID string, from, to jobstore.Status, patch func(*jobstore.Job)) error {
	if !jobstore.CanTransition(from, to) {
		return jobstore.ErrIllegalTransition
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
SELECT id, job_type, content_hash, ontology, submitter_id, processing_mode,
       request_payload, analysis, status, progress, result, error,
       created_at, started_at, completed_at, approved_at, expires_at
FROM kg_jobs WHERE id=$1 FOR UPDATE
`, jobID)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return jobstore.ErrNotFound
	}
	if err != nil {
		return err
	}
	if j.Status != from {
		return jobstore.ErrStateMismatch
	}

	now := time.Now()
	var startedAt, approvedAt, completedAt *time.Time
	startedAt, approvedAt, completedAt = j.StartedAt, j.ApprovedAt, j.CompletedAt
	switch to {
	case jobstore.StatusApproved:
		approvedAt = &now
	case jobstore.StatusProcessing:
		startedAt = &now
	case jobstore.StatusCompleted, jobstore.StatusFailed, jobstore.StatusCancelled:
		completedAt = &now
	}

	j.Status = to
	if patch != nil {
		patch(&j)
	}

	progress, _ := json.Marshal(j.Progress)
	result, _ := json.Marshal(j.Result)
	jobErr, _ := json.Marshal(j.Error)

	_, err = tx.Exec(ctx, `
UPDATE kg_jobs SET status=$2, progress=$3, result=$4, error=$5,
  started_at=$6, approved_at=$7, completed_at=$8
WHERE id=$1
`, jobID, string(to), progress, result, jobErr, startedAt, approvedAt, completedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress jobstore.Progress) error {
	b, _ := json.Marshal(progress)
	tag, err := s.pool.Exec(ctx, `UPDATE kg_jobs SET progress=$2 WHERE id=$1`, jobID, b)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return jobstore.ErrNotFound
	}
	return nil
}

func (s *Store) SetResult(ctx context.Context, jobID string, result *jobstore.Result, jobErr *jobstore.JobError, terminal jobstore.Status) error {
	now := time.Now()
	r, _ := json.Marshal(result)
	e, _ := json.Marshal(jobErr)
	tag, err := s.pool.Exec(ctx, `
UPDATE kg_jobs SET status=$2, result=$3, error=$4, completed_at=$5 WHERE id=$1
`, jobID, string(terminal), r, e, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return jobstore.ErrNotFound
	}
	return nil
}

func (s *Store) ClaimNext(ctx context.Context, workerID string, jobTypes []jobstore.JobType, now time.Time) (*jobstore.Job, error) {
	types := make([]string, len(jobTypes))
	for i, t := range jobTypes {
		types[i] = string(t)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
SELECT id, job_type, content_hash, ontology, submitter_id, processing_mode,
       request_payload, analysis, status, progress, result, error,
       created_at, started_at, completed_at, approved_at, expires_at
FROM kg_jobs
WHERE status IN ('APPROVED','QUEUED') AND (cardinality($1::text[]) = 0 OR job_type = ANY($1))
ORDER BY created_at ASC
LIMIT 1
FOR UPDATE SKIP LOCKED
`, types)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	j.Status = jobstore.StatusProcessing
	j.StartedAt = &now
	_, err = tx.Exec(ctx, `UPDATE kg_jobs SET status='PROCESSING', started_at=$2 WHERE id=$1`, j.ID, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE kg_jobs SET status='CANCELLED', error=$2, completed_at=$3
WHERE status NOT IN ('COMPLETED','FAILED','CANCELLED') AND expires_at IS NOT NULL AND expires_at < $1
`, now, mustMarshal(&jobstore.JobError{Kind: "STUCK", Message: "EXPIRED"}), now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) CleanupCompleted(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM kg_jobs WHERE status IN ('COMPLETED','FAILED','CANCELLED') AND completed_at < $1
`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
