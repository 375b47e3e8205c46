// Package capability defines the pluggable AI-capability ports (spec §6)
// the core consumes: Embedder, Extractor, VisionExtractor. Concrete
// provider-backed adapters live in capability/llmadapter; deterministic
// fakes here back unit tests without a live model.
package capability

import (
	"context"
	"hash/fnv"
	"math"
)

// ExtractedConcept is one proto-concept returned by Extractor.Extract.
type ExtractedConcept struct {
	Label          string
	Description    string
	SearchTerms    []string
	EvidenceQuotes []string
}

// ExtractedRelationship references concepts by their in-chunk label, to be
// resolved to ids by the executor (spec §4.6 step 6).
type ExtractedRelationship struct {
	FromLabel  string
	ToLabel    string
	RelType    string
	Confidence float64
	Category   string
}

// ExtractionResult is Extractor.Extract's return value.
type ExtractionResult struct {
	Concepts      []ExtractedConcept
	Relationships []ExtractedRelationship
}

// GraphContext primes the extractor with recent concepts/relationships from
// the same document (spec §4.6 step 3).
type GraphContext struct {
	RecentConceptLabels []string
	RecentRelationships []ExtractedRelationship
}

// Extractor is the LLM-driven concept/relationship extraction port.
// Extractor must never invent concept ids; it only ever returns labels,
// which the executor resolves against ConceptMatcher.
type Extractor interface {
	Extract(ctx context.Context, text string, graphCtx GraphContext) (ExtractionResult, error)
}

// VisionExtractor turns image bytes into a prose description, which is then
// fed through the normal chunk→extract→upsert loop (spec §4.6 image
// ingestion note).
type VisionExtractor interface {
	Describe(ctx context.Context, imageBytes []byte, contentType string) (string, error)
}

// Embedder is the embedding port (spec §6). Dim equals the configured
// model's dim; deterministic for identical inputs within a model version.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// ConceptDelimiter joins a proto-concept's label and search terms before
// embedding, per spec §4.5: "the same delimiter is used at extraction time
// and at regeneration time to keep embeddings comparable".
const ConceptDelimiter = " :: "

// DeterministicEmbedder hashes 3-grams into a fixed-size vector, matching
// internal/rag/embedder/embedder.go's deterministicEmbedder test fake.
type DeterministicEmbedder struct {
	dim       int
	normalize bool
	seed      uint64
}

// NewDeterministicEmbedder builds a hash-based embedder for tests.
func NewDeterministicEmbedder(dim int, normalize bool, seed uint64) *DeterministicEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &DeterministicEmbedder{dim: dim, normalize: normalize, seed: seed}
}

func (d *DeterministicEmbedder) Dimension() int { return d.dim }

func (d *DeterministicEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, d.dim)
	b := []byte(text)
	if len(b) == 0 {
		return v, nil
	}
	if len(b) < 3 {
		addGram(d.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addGram(d.seed, b[i:i+3], v)
		}
	}
	if d.normalize {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		if sum > 0 {
			inv := float32(1.0 / math.Sqrt(sum))
			for i := range v {
				v[i] *= inv
			}
		}
	}
	return v, nil
}

func addGram(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}

// FakeExtractor is a scriptable Extractor for tests: it returns Result for
// any input, or Err if set.
type FakeExtractor struct {
	Result ExtractionResult
	Err    error
}

func (f *FakeExtractor) Extract(ctx context.Context, text string, graphCtx GraphContext) (ExtractionResult, error) {
	return f.Result, f.Err
}

// FakeVisionExtractor is a scriptable VisionExtractor for tests.
type FakeVisionExtractor struct {
	Description string
	Err         error
}

func (f *FakeVisionExtractor) Describe(ctx context.Context, imageBytes []byte, contentType string) (string, error) {
	return f.Description, f.Err
}
