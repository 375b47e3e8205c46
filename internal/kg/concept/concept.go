// Package concept implements the ConceptMatcher (spec §4.5): given an
// extracted proto-concept, decide whether it is a new concept or a reuse of
// an existing one within the target ontology, via vector similarity.
package concept

import (
	"context"
	"sort"
	"strings"

	"manifold/internal/kg/capability"
	"manifold/internal/kg/graphstore"
)

// DecisionKind is either NewConcept or Link.
type DecisionKind string

const (
	DecisionNewConcept DecisionKind = "new_concept"
	DecisionLink       DecisionKind = "link"
)

// Decision is ConceptMatcher.Match's return value.
type Decision struct {
	Kind       DecisionKind
	ConceptID  string // set when Kind == DecisionLink
	Similarity float64
}

// Default thresholds per spec §4.5.
const (
	DefaultIngestThreshold  = 0.85
	DefaultUpsertThreshold  = 0.75
)

// Matcher is the ConceptMatcher.
type Matcher struct {
	graph    graphstore.Store
	embedder capability.Embedder
	k        int
}

// New constructs a Matcher over graph using embedder to compute proto-
// concept embeddings. k is the number of nearest neighbors queried (the
// spec's top-k).
func New(graph graphstore.Store, embedder capability.Embedder, k int) *Matcher {
	if k <= 0 {
		k = 5
	}
	return &Matcher{graph: graph, embedder: embedder, k: k}
}

// EmbedText joins label and search_terms with the contract delimiter, per
// spec §4.5: the same delimiter is used at extraction time and at
// regeneration time so embeddings stay comparable.
func EmbedText(label string, searchTerms []string) string {
	parts := append([]string{label}, searchTerms...)
	return strings.Join(parts, capability.ConceptDelimiter)
}

// EmbedProto computes proto's embedding. It makes the capability call (spec
// §5 suspension point) and must be called before any per-ontology lock is
// acquired, never while holding one.
func (m *Matcher) EmbedProto(ctx context.Context, proto graphstore.Proto) ([]float32, error) {
	text := EmbedText(proto.Label, proto.SearchTerms)
	return m.embedder.Embed(ctx, text)
}

// Decide runs the vector search and new-concept/link decision for an
// already-computed embedding. It only reads the graph store, so it is safe
// to call while holding the per-ontology concept lock.
func (m *Matcher) Decide(ctx context.Context, embedding []float32, ontology string, threshold float64) (Decision, error) {
	hits, err := m.graph.VectorSearch(ctx, ontology, embedding, m.k)
	if err != nil {
		return Decision{}, err
	}
	if len(hits) == 0 {
		return Decision{Kind: DecisionNewConcept}, nil
	}

	best := topHit(hits)
	if best.Similarity >= threshold {
		return Decision{Kind: DecisionLink, ConceptID: best.ConceptID, Similarity: best.Similarity}, nil
	}
	return Decision{Kind: DecisionNewConcept}, nil
}

// Match decides whether proto is a new concept or a link to an existing
// one, embedding and deciding in one call. Side effects: none, it only
// reads (spec §4.5). Callers that need the lock held only across Decide
// (not the embedding call) should call EmbedProto and Decide separately.
func (m *Matcher) Match(ctx context.Context, proto graphstore.Proto, ontology string, threshold float64) (Decision, []float32, error) {
	embedding, err := m.EmbedProto(ctx, proto)
	if err != nil {
		return Decision{}, nil, err
	}
	dec, err := m.Decide(ctx, embedding, ontology, threshold)
	return dec, embedding, err
}

// topHit picks the highest-similarity hit, tie-breaking toward the
// earlier-created (here: lexicographically smaller, since VectorSearch
// already orders ties by id ascending) concept id per spec §4.5.
func topHit(hits []graphstore.VectorHit) graphstore.VectorHit {
	sorted := make([]graphstore.VectorHit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Similarity != sorted[j].Similarity {
			return sorted[i].Similarity > sorted[j].Similarity
		}
		return sorted[i].ConceptID < sorted[j].ConceptID
	})
	return sorted[0]
}
