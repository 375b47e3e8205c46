// Package pggraph is the Postgres + pgvector GraphStore implementation,
// generalized from internal/persistence/databases/postgres_graph.go's
// generic node/edge schema and postgres_vector.go's vector column/cosine-
// operator pattern into the spec's typed concept/source/instance/
// relationship/vocabulary model.
package pggraph

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"manifold/internal/kg/graphstore"
)

// Store is a Postgres+pgvector GraphStore.
type Store struct {
	pool       *pgxpool.Pool
	dimensions int
}

// New opens (idempotently) the schema and returns a Store bound to pool.
// dimensions is the active embedding model's dimensionality (spec §3
// Concept invariant: embedding dim equals the active model's dim).
func New(ctx context.Context, pool *pgxpool.Pool, dimensions int) (*Store, error) {
	_, _ = pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`)

	vecType := "vector"
	if dimensions > 0 {
		vecType = fmt.Sprintf("vector(%d)", dimensions)
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kg_concepts (
  id TEXT PRIMARY KEY,
  ontology TEXT NOT NULL,
  label TEXT NOT NULL,
  description TEXT,
  search_terms TEXT[] NOT NULL DEFAULT '{}',
  embedding %s,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, vecType),
		`CREATE INDEX IF NOT EXISTS kg_concepts_ontology ON kg_concepts(ontology);`,
		`CREATE TABLE IF NOT EXISTS kg_sources (
  id TEXT PRIMARY KEY,
  ontology TEXT NOT NULL,
  document TEXT NOT NULL,
  chunk_index INT NOT NULL DEFAULT 0,
  full_text TEXT NOT NULL,
  content_hash TEXT,
  start_offset INT,
  end_offset INT,
  type TEXT NOT NULL DEFAULT 'DOCUMENT',
  content_type TEXT,
  object_key TEXT,
  has_image BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS kg_sources_hash ON kg_sources(content_hash, ontology);`,
		`CREATE TABLE IF NOT EXISTS kg_instances (
  id TEXT PRIMARY KEY,
  quote TEXT NOT NULL,
  paragraph INT,
  "offset" INT,
  source_id TEXT NOT NULL REFERENCES kg_sources(id),
  concept_id TEXT NOT NULL REFERENCES kg_concepts(id),
  confidence DOUBLE PRECISION
);`,
		`CREATE TABLE IF NOT EXISTS kg_relationships (
  id BIGSERIAL PRIMARY KEY,
  from_id TEXT NOT NULL REFERENCES kg_concepts(id),
  to_id TEXT NOT NULL REFERENCES kg_concepts(id),
  rel_type TEXT NOT NULL,
  confidence DOUBLE PRECISION,
  category TEXT,
  direction_semantics TEXT,
  polarity TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS kg_relationships_from_type ON kg_relationships(from_id, rel_type);`,
		`CREATE INDEX IF NOT EXISTS kg_relationships_to_type ON kg_relationships(to_id, rel_type);`,
		`CREATE TABLE IF NOT EXISTS kg_vocabulary (
  rel_type TEXT PRIMARY KEY,
  category TEXT,
  description TEXT,
  is_builtin BOOLEAN NOT NULL DEFAULT false,
  is_active BOOLEAN NOT NULL DEFAULT true,
  usage_count BIGINT NOT NULL DEFAULT 0,
  embedding ` + vecType + `,
  embedding_model TEXT,
  synonyms TEXT[] NOT NULL DEFAULT '{}',
  deprecation_reason TEXT
);`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return nil, err
		}
	}
	return &Store{pool: pool, dimensions: dimensions}, nil
}

func toVec(v []float32) pgvector.Vector { return pgvector.NewVector(v) }

func (s *Store) BeginTx(ctx context.Context) (graphstore.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) UpsertConcept(ctx context.Context, ontology string, proto graphstore.Proto, embedding []float32) (string, error) {
	id := uuid.NewString()
	_, err := t.tx.Exec(ctx, `
INSERT INTO kg_concepts(id, ontology, label, description, search_terms, embedding)
VALUES ($1,$2,$3,$4,$5,$6)
`, id, ontology, proto.Label, proto.Description, proto.SearchTerms, toVec(embedding))
	if err != nil {
		return "", err
	}
	return id, nil
}

func (t *pgTx) MergeSearchTerms(ctx context.Context, conceptID string, terms []string) error {
	_, err := t.tx.Exec(ctx, `
UPDATE kg_concepts
SET search_terms = (SELECT array_agg(DISTINCT x) FROM unnest(search_terms || $2::text[]) AS x)
WHERE id=$1
`, conceptID, terms)
	return err
}

func (t *pgTx) InsertSource(ctx context.Context, src graphstore.Source) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO kg_sources(id, ontology, document, chunk_index, full_text, content_hash,
  start_offset, end_offset, type, content_type, object_key, has_image)
VALUES ($1,'',$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO NOTHING
`, src.ID, src.Document, src.ChunkIndex, src.FullText, src.ContentHash,
		src.StartOffset, src.EndOffset, src.Type, src.ContentType, src.ObjectKey, src.HasImage)
	return err
}

func (t *pgTx) InsertInstance(ctx context.Context, inst graphstore.Instance) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO kg_instances(id, quote, paragraph, "offset", source_id, concept_id, confidence)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, inst.ID, inst.Quote, inst.Paragraph, inst.Offset, inst.SourceID, inst.ConceptID, inst.Confidence)
	return err
}

func (t *pgTx) InsertRelationship(ctx context.Context, rel graphstore.Relationship) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO kg_relationships(from_id, to_id, rel_type, confidence, category, direction_semantics, polarity)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, rel.FromID, rel.ToID, rel.RelType, rel.Confidence, rel.Category, string(rel.DirectionSemantics), rel.Polarity)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `UPDATE kg_vocabulary SET usage_count = usage_count + 1 WHERE rel_type=$1`, rel.RelType)
	return err
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (s *Store) VectorSearch(ctx context.Context, ontology string, queryVec []float32, k int) ([]graphstore.VectorHit, error) {
	if k <= 0 {
		k = 10
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, 1 - (embedding <=> $1::vector) AS score
FROM kg_concepts
WHERE ontology=$2
ORDER BY embedding <=> $1::vector ASC, id ASC
LIMIT $3
`, toVec(queryVec), ontology, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []graphstore.VectorHit
	for rows.Next() {
		var h graphstore.VectorHit
		if err := rows.Scan(&h.ConceptID, &h.Similarity); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) NeighborsOf(ctx context.Context, conceptID string, depth int, relTypeFilter string) ([]graphstore.Neighbor, error) {
	if depth <= 0 {
		depth = 1
	}
	// Single-hop query; deeper traversal is out of the core's scope (the
	// rich analytics surfaces built on top of the graph are out of scope
	// per spec §1), but depth>1 is supported by repeated single-hop calls
	// from a caller, not by this port.
	q := `SELECT to_id, rel_type, direction_semantics FROM kg_relationships WHERE from_id=$1`
	args := []any{conceptID}
	if relTypeFilter != "" {
		q += ` AND rel_type=$2`
		args = append(args, relTypeFilter)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []graphstore.Neighbor
	for rows.Next() {
		var n graphstore.Neighbor
		var dir string
		if err := rows.Scan(&n.ConceptID, &n.RelType, &dir); err != nil {
			return nil, err
		}
		n.Direction = graphstore.DirectionSemantics(dir)
		n.Depth = 1
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) RecentConceptsInDocument(ctx context.Context, document string, n int) ([]string, error) {
	if n <= 0 {
		n = 3
	}
	rows, err := s.pool.Query(ctx, `
SELECT c.id FROM kg_concepts c
JOIN kg_instances i ON i.concept_id = c.id
JOIN kg_sources s ON s.id = i.source_id
WHERE s.document = $1
GROUP BY c.id
ORDER BY MAX(s.created_at) DESC, c.id DESC
LIMIT $2
`, document, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) RewriteEdgeType(ctx context.Context, fromType, toType string) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE kg_relationships SET rel_type=$2 WHERE rel_type=$1`, fromType, toType)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) LookupSourceByHash(ctx context.Context, contentHash, ontology string) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM kg_sources WHERE content_hash=$1 AND ontology=$2 LIMIT 1`,
		contentHash, ontology).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *Store) VocabularyLookup(ctx context.Context, relType string) (string, bool, error) {
	relType = strings.ToUpper(strings.TrimSpace(relType))
	var active bool
	err := s.pool.QueryRow(ctx, `SELECT is_active FROM kg_vocabulary WHERE rel_type=$1`, relType).Scan(&active)
	if err == nil {
		return relType, active, nil
	}
	if err != pgx.ErrNoRows {
		return "", false, err
	}

	// Not canonical; check synonyms.
	var canonical string
	err = s.pool.QueryRow(ctx, `SELECT rel_type FROM kg_vocabulary WHERE $1 = ANY(synonyms) AND is_active`, relType).Scan(&canonical)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return canonical, true, nil
}
