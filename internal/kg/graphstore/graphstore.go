// Package graphstore defines the GraphStore port (spec §4.8): concept,
// source, instance, and relationship persistence plus vector similarity
// and edge-traversal queries.
package graphstore

import "context"

// Proto is an extracted proto-concept awaiting match/insert.
type Proto struct {
	Label       string
	Description string
	SearchTerms []string
}

// Source is a document, chunk, or learned-synthesis node (spec §3).
type Source struct {
	ID          string
	Document    string
	ChunkIndex  int
	FullText    string
	ContentHash string
	StartOffset int
	EndOffset   int
	Type        string // DOCUMENT | LEARNED
	ContentType string // image metadata
	ObjectKey   string
	HasImage    bool
}

// Instance is evidence linking a concept to a source (spec §3).
type Instance struct {
	ID         string
	Quote      string
	Paragraph  int
	Offset     int
	SourceID   string
	ConceptID  string
	Confidence float64
}

// DirectionSemantics narrows a Relationship's directionality.
type DirectionSemantics string

const (
	DirectionOutward      DirectionSemantics = "outward"
	DirectionInward       DirectionSemantics = "inward"
	DirectionBidirectional DirectionSemantics = "bidirectional"
)

// Relationship is a typed directed edge between two concepts (spec §3).
type Relationship struct {
	FromID             string
	ToID               string
	RelType            string
	Confidence         float64
	Category           string
	DirectionSemantics DirectionSemantics
	Polarity           string
}

// VectorHit is one result of a vector similarity query.
type VectorHit struct {
	ConceptID  string
	Similarity float64
}

// Neighbor is one edge in a traversal result.
type Neighbor struct {
	ConceptID string
	RelType   string
	Direction DirectionSemantics
	Depth     int
}

// Tx scopes a sequence of writes to one transaction, per §4.6 step 8's
// "one GraphStore transaction per chunk" and §5's short-transaction rule.
type Tx interface {
	UpsertConcept(ctx context.Context, ontology string, proto Proto, embedding []float32) (conceptID string, err error)
	MergeSearchTerms(ctx context.Context, conceptID string, terms []string) error
	InsertSource(ctx context.Context, source Source) error
	InsertInstance(ctx context.Context, instance Instance) error
	InsertRelationship(ctx context.Context, rel Relationship) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the GraphStore port (spec §4.8).
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)

	// VectorSearch returns the top-k nearest concepts in ontology by cosine
	// similarity, deterministically tie-broken by concept id.
	VectorSearch(ctx context.Context, ontology string, queryVec []float32, k int) ([]VectorHit, error)

	// NeighborsOf returns the direct outgoing neighbors of conceptID (each
	// with Depth 1), optionally filtered to one relationship type. Both
	// implementations traverse one hop only; depth values above 1 return
	// the same single-hop result.
	NeighborsOf(ctx context.Context, conceptID string, depth int, relTypeFilter string) ([]Neighbor, error)

	// RecentConceptsInDocument returns up to n most-recently-touched
	// concept ids scoped to document, for context priming (spec §4.6 step 3).
	RecentConceptsInDocument(ctx context.Context, document string, n int) ([]string, error)

	// RewriteEdgeType atomically rewrites all edges of fromType to toType,
	// used by VocabularyManager.Merge.
	RewriteEdgeType(ctx context.Context, fromType, toType string) (nRewritten int, err error)

	// LookupSourceByHash supports idempotency resolution (spec-adjacent,
	// generalized from internal/rag/ingest/idempotency.go's DocumentLookup).
	LookupSourceByHash(ctx context.Context, contentHash, ontology string) (sourceID string, ok bool, err error)

	// VocabularyLookup reports whether relType is a currently-active
	// vocabulary entry, and its canonical form if it is a known synonym.
	VocabularyLookup(ctx context.Context, relType string) (canonical string, active bool, err error)
}
