// Package pgcheckpoint implements checkpoint.Store against Postgres,
// following the table-per-concern convention used throughout internal/kg's
// Postgres adapters (graphstore/pggraph, jobstore/pgjobstore).
package pgcheckpoint

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"manifold/internal/kg/checkpoint"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS kg_checkpoints (
	job_id TEXT PRIMARY KEY,
	input_fingerprint TEXT NOT NULL,
	last_completed_idx INT NOT NULL DEFAULT -1,
	last_byte_offset INT NOT NULL DEFAULT 0,
	recent_concept_ids TEXT[] NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Load(ctx context.Context, jobID, fingerprint string) (checkpoint.State, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT job_id, input_fingerprint, last_completed_idx, last_byte_offset, recent_concept_ids
FROM kg_checkpoints WHERE job_id = $1`, jobID)

	var st checkpoint.State
	var ids []string
	err := row.Scan(&st.JobID, &st.InputFingerprint, &st.LastCompletedIdx, &st.LastByteOffset, &ids)
	if err == pgx.ErrNoRows {
		return checkpoint.State{}, false, nil
	}
	if err != nil {
		return checkpoint.State{}, false, err
	}
	st.RecentConceptIDs = ids
	if st.InputFingerprint != fingerprint {
		return checkpoint.State{}, false, checkpoint.ErrFingerprintMismatch
	}
	return st, true, nil
}

func (s *Store) Save(ctx context.Context, state checkpoint.State) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO kg_checkpoints (job_id, input_fingerprint, last_completed_idx, last_byte_offset, recent_concept_ids, updated_at)
VALUES ($1,$2,$3,$4,$5, now())
ON CONFLICT (job_id) DO UPDATE SET
	input_fingerprint = $2, last_completed_idx = $3, last_byte_offset = $4, recent_concept_ids = $5, updated_at = now()`,
		state.JobID, state.InputFingerprint, state.LastCompletedIdx, state.LastByteOffset, state.RecentConceptIDs)
	return err
}

func (s *Store) Clear(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kg_checkpoints WHERE job_id = $1`, jobID)
	return err
}
