// Package memgraph is an in-memory graphstore.Store, grounded on the
// teacher's internal/persistence/databases/memory_graph.go and
// memory_vector.go in-memory fakes. It backs unit tests for ConceptMatcher
// and IngestionExecutor without a live Postgres.
package memgraph

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"manifold/internal/kg/graphstore"
)

type concept struct {
	graphstore.Proto
	ID        string
	Ontology  string
	Embedding []float32
}

type vocabEntry struct {
	RelType  string
	IsActive bool
	Synonyms map[string]bool
}

// Store is a mutex-guarded in-memory GraphStore.
type Store struct {
	mu            sync.Mutex
	concepts      map[string]*concept
	sources       map[string]graphstore.Source
	instances     map[string]graphstore.Instance
	relationships []graphstore.Relationship
	vocabulary    map[string]*vocabEntry
	// recentByDoc tracks insertion order of concept ids touched per document.
	recentByDoc map[string][]string
}

// New returns an empty in-memory graph store. vocab pre-seeds active
// vocabulary entries (builtins), matching how a real deployment would
// bootstrap its vocabulary table.
func New(vocab []string) *Store {
	s := &Store{
		concepts:    make(map[string]*concept),
		sources:     make(map[string]graphstore.Source),
		instances:   make(map[string]graphstore.Instance),
		vocabulary:  make(map[string]*vocabEntry),
		recentByDoc: make(map[string][]string),
	}
	for _, v := range vocab {
		s.vocabulary[v] = &vocabEntry{RelType: v, IsActive: true, Synonyms: map[string]bool{}}
	}
	return s
}

func (s *Store) BeginTx(ctx context.Context) (graphstore.Tx, error) {
	return &memTx{store: s}, nil
}

type memTx struct {
	store *Store
}

func (t *memTx) UpsertConcept(ctx context.Context, ontology string, proto graphstore.Proto, embedding []float32) (string, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	id := uuid.NewString()
	t.store.concepts[id] = &concept{Proto: proto, ID: id, Ontology: ontology, Embedding: embedding}
	return id, nil
}

func (t *memTx) MergeSearchTerms(ctx context.Context, conceptID string, terms []string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	c, ok := t.store.concepts[conceptID]
	if !ok {
		return nil
	}
	seen := map[string]bool{}
	for _, x := range c.SearchTerms {
		seen[x] = true
	}
	for _, x := range terms {
		if !seen[x] {
			c.SearchTerms = append(c.SearchTerms, x)
			seen[x] = true
		}
	}
	return nil
}

func (t *memTx) InsertSource(ctx context.Context, src graphstore.Source) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, exists := t.store.sources[src.ID]; exists {
		return nil
	}
	t.store.sources[src.ID] = src
	return nil
}

func (t *memTx) InsertInstance(ctx context.Context, inst graphstore.Instance) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.instances[inst.ID] = inst
	if src, ok := t.store.sources[inst.SourceID]; ok {
		t.store.recentByDoc[src.Document] = append(t.store.recentByDoc[src.Document], inst.ConceptID)
	}
	return nil
}

func (t *memTx) InsertRelationship(ctx context.Context, rel graphstore.Relationship) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.relationships = append(t.store.relationships, rel)
	if v, ok := t.store.vocabulary[rel.RelType]; ok {
		_ = v
	}
	return nil
}

func (t *memTx) Commit(ctx context.Context) error   { return nil }
func (t *memTx) Rollback(ctx context.Context) error { return nil }

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (s *Store) VectorSearch(ctx context.Context, ontology string, queryVec []float32, k int) ([]graphstore.VectorHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k <= 0 {
		k = 10
	}
	var hits []graphstore.VectorHit
	for _, c := range s.concepts {
		if c.Ontology != ontology {
			continue
		}
		hits = append(hits, graphstore.VectorHit{ConceptID: c.ID, Similarity: cosine(queryVec, c.Embedding)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ConceptID < hits[j].ConceptID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) NeighborsOf(ctx context.Context, conceptID string, depth int, relTypeFilter string) ([]graphstore.Neighbor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []graphstore.Neighbor
	for _, r := range s.relationships {
		if r.FromID != conceptID {
			continue
		}
		if relTypeFilter != "" && r.RelType != relTypeFilter {
			continue
		}
		out = append(out, graphstore.Neighbor{ConceptID: r.ToID, RelType: r.RelType, Direction: r.DirectionSemantics, Depth: 1})
	}
	return out, nil
}

func (s *Store) RecentConceptsInDocument(ctx context.Context, document string, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		n = 3
	}
	all := s.recentByDoc[document]
	if len(all) <= n {
		out := make([]string, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]string, n)
	copy(out, all[len(all)-n:])
	return out, nil
}

func (s *Store) RewriteEdgeType(ctx context.Context, fromType, toType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.relationships {
		if s.relationships[i].RelType == fromType {
			s.relationships[i].RelType = toType
			n++
		}
	}
	return n, nil
}

func (s *Store) LookupSourceByHash(ctx context.Context, contentHash, ontology string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.sources {
		if src.ContentHash == contentHash {
			return src.ID, true, nil
		}
	}
	return "", false, nil
}

func (s *Store) VocabularyLookup(ctx context.Context, relType string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.vocabulary[relType]; ok && v.IsActive {
		return relType, true, nil
	}
	for _, v := range s.vocabulary {
		if v.IsActive && v.Synonyms[relType] {
			return v.RelType, true, nil
		}
	}
	return "", false, nil
}

// AddVocabulary lets tests/VocabularyManager register a new canonical type.
func (s *Store) AddVocabulary(relType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vocabulary[relType]; !ok {
		s.vocabulary[relType] = &vocabEntry{RelType: relType, IsActive: true, Synonyms: map[string]bool{}}
	}
}

// Merge marks deprecated inactive, redirects its name to target's synonyms,
// and transitively flattens any synonyms deprecated already pointed at.
func (s *Store) Merge(deprecated, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dep, ok := s.vocabulary[deprecated]
	if !ok {
		return
	}
	tgt, ok := s.vocabulary[target]
	if !ok {
		tgt = &vocabEntry{RelType: target, IsActive: true, Synonyms: map[string]bool{}}
		s.vocabulary[target] = tgt
	}
	dep.IsActive = false
	tgt.Synonyms[deprecated] = true
	for syn := range dep.Synonyms {
		tgt.Synonyms[syn] = true
	}
}

// RelationshipCount reports the number of live edges of relType, for tests.
func (s *Store) RelationshipCount(relType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.relationships {
		if r.RelType == relType {
			n++
		}
	}
	return n
}

// ConceptsByLabel returns all concept ids with the given label, for tests
// asserting dedup collapsed concurrent duplicate concepts into one.
func (s *Store) ConceptsByLabel(ontology, label string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.concepts {
		if c.Ontology == ontology && c.Label == label {
			out = append(out, c.ID)
		}
	}
	return out
}
