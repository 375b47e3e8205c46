// Package pgvocab implements vocabulary.Store against the kg_vocabulary
// table (created by graphstore/pggraph.New) plus the auxiliary tables this
// package owns for skipped-name tracking and the merge audit trail.
package pgvocab

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"manifold/internal/kg/vocabulary"
)

type Store struct {
	pool *pgxpool.Pool
}

// New assumes graphstore/pggraph.New has already created kg_vocabulary; it
// only adds the tables specific to the manager's own bookkeeping.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS kg_vocabulary_skipped (
	name TEXT PRIMARY KEY,
	occurrences BIGINT NOT NULL DEFAULT 0,
	last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS kg_vocabulary_history (
	id BIGSERIAL PRIMARY KEY,
	action TEXT NOT NULL,
	rel_type TEXT NOT NULL,
	target TEXT,
	reason TEXT,
	performed_by TEXT,
	size_before INT,
	size_after INT,
	aggressiveness DOUBLE PRECISION,
	zone TEXT,
	at TIMESTAMPTZ NOT NULL DEFAULT now()
);`)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func toVec(v []float32) pgvector.Vector { return pgvector.NewVector(v) }

func (s *Store) ListActive(ctx context.Context) ([]vocabulary.Entry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT rel_type, category, description, is_builtin, usage_count, embedding, embedding_model,
       synonyms, COALESCE(deprecation_reason, ''), last_used_at
FROM kg_vocabulary WHERE is_active = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vocabulary.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		e.IsActive = true
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, relType string) (vocabulary.Entry, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT rel_type, category, description, is_builtin, usage_count, embedding, embedding_model,
       synonyms, COALESCE(deprecation_reason, ''), last_used_at, is_active
FROM kg_vocabulary WHERE rel_type = $1`, relType)

	var e vocabulary.Entry
	var emb pgvector.Vector
	var active bool
	err := row.Scan(&e.RelType, &e.Category, &e.Description, &e.IsBuiltin, &e.UsageCount,
		&emb, &e.EmbeddingModel, &e.Synonyms, &e.DeprecationReason, &e.LastUsedAt, &active)
	if err == pgx.ErrNoRows {
		return vocabulary.Entry{}, false, nil
	}
	if err != nil {
		return vocabulary.Entry{}, false, err
	}
	e.Embedding = emb.Slice()
	e.IsActive = active
	return e, true, nil
}

func scanEntry(rows pgx.Rows) (vocabulary.Entry, error) {
	var e vocabulary.Entry
	var emb pgvector.Vector
	if err := rows.Scan(&e.RelType, &e.Category, &e.Description, &e.IsBuiltin, &e.UsageCount,
		&emb, &e.EmbeddingModel, &e.Synonyms, &e.DeprecationReason, &e.LastUsedAt); err != nil {
		return vocabulary.Entry{}, err
	}
	e.Embedding = emb.Slice()
	return e, nil
}

func (s *Store) Add(ctx context.Context, e vocabulary.Entry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO kg_vocabulary (rel_type, category, description, is_builtin, is_active, embedding, synonyms)
VALUES ($1,$2,$3,$4,true,$5,'{}')
ON CONFLICT (rel_type) DO UPDATE SET category = $2, description = $3`,
		strings.ToUpper(e.RelType), e.Category, e.Description, e.IsBuiltin, toVec(e.Embedding))
	return err
}

func (s *Store) Deactivate(ctx context.Context, relType, target, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
UPDATE kg_vocabulary SET is_active = false, deprecation_reason = $2 WHERE rel_type = $1`,
		relType, reason); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO kg_vocabulary (rel_type, is_active, synonyms)
VALUES ($1, true, ARRAY[$2]::text[] || COALESCE((SELECT synonyms FROM kg_vocabulary WHERE rel_type = $2), '{}'::text[]))
ON CONFLICT (rel_type) DO UPDATE
SET synonyms = (SELECT ARRAY(SELECT DISTINCT unnest(kg_vocabulary.synonyms || EXCLUDED.synonyms)))`,
		target, relType); err != nil {
		return err
	}

	// transitively flatten: anything whose synonyms array contained relType
	// now points straight at target.
	if _, err := tx.Exec(ctx, `
UPDATE kg_vocabulary
SET synonyms = (SELECT ARRAY(SELECT DISTINCT unnest(array_replace(synonyms, $1, $2))))
WHERE $1 = ANY(synonyms) AND rel_type <> $2`, relType, target); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Prune deactivates relType and deletes its edges outright, with no
// surviving target -- distinct from Deactivate, which always redirects
// edges onto a merge target.
func (s *Store) Prune(ctx context.Context, relType, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM kg_relationships WHERE rel_type = $1`, relType); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
UPDATE kg_vocabulary SET is_active = false, deprecation_reason = $2 WHERE rel_type = $1`,
		relType, reason); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) RewriteEdgeType(ctx context.Context, fromType, toType string) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE kg_relationships SET rel_type = $2 WHERE rel_type = $1`, fromType, toType)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) RecordSkipped(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO kg_vocabulary_skipped (name, occurrences, last_seen_at)
VALUES ($1, 1, now())
ON CONFLICT (name) DO UPDATE SET occurrences = kg_vocabulary_skipped.occurrences + 1, last_seen_at = now()`, name)
	return err
}

func (s *Store) AppendAudit(ctx context.Context, row vocabulary.AuditRow) error {
	if row.At.IsZero() {
		row.At = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO kg_vocabulary_history (action, rel_type, target, reason, performed_by, size_before, size_after, aggressiveness, zone, at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		row.Action, row.RelType, row.Target, row.Reason, row.By, row.SizeBefore, row.SizeAfter, row.Aggressiveness, string(row.Zone), row.At)
	return err
}
