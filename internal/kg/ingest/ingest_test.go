package ingest_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"manifold/internal/kg/capability"
	"manifold/internal/kg/checkpoint"
	"manifold/internal/kg/checkpoint/memcheckpoint"
	"manifold/internal/kg/chunker"
	"manifold/internal/kg/concept"
	"manifold/internal/kg/graphstore"
	"manifold/internal/kg/graphstore/memgraph"
	"manifold/internal/kg/ingest"
	"manifold/internal/kg/jobstore"
)

type fakeProgress struct {
	updates []jobstore.Progress
}

func (f *fakeProgress) UpdateProgress(ctx context.Context, jobID string, p jobstore.Progress) error {
	f.updates = append(f.updates, p)
	return nil
}

type fakeVocab struct{}

func (fakeVocab) Resolve(ctx context.Context, name string) (string, bool, error) {
	return strings.ToUpper(name), true, nil
}

func newExecutor(t *testing.T, extractor capability.Extractor) (*ingest.Executor, *memgraph.Store, *fakeProgress, *memcheckpoint.Store) {
	t.Helper()
	graph := memgraph.New(nil)
	emb := capability.NewDeterministicEmbedder(16, true, 7)
	matcher := concept.New(graph, emb, 5)
	cp := memcheckpoint.New()
	prog := &fakeProgress{}
	exec := ingest.New(graph, cp, matcher, extractor, &capability.FakeVisionExtractor{}, fakeVocab{}, prog, nil, nil, ingest.DefaultConfig())
	return exec, graph, prog, cp
}

func TestRunEmptyInputSucceedsWithZeroCounters(t *testing.T) {
	exec, _, _, _ := newExecutor(t, &capability.FakeExtractor{})
	res, err := exec.Run(context.Background(), "job-empty", ingest.Request{Ontology: "X", Document: "doc", Text: ""})
	require.NoError(t, err)
	require.Equal(t, jobstore.ResultSucceeded, res.Status)
	require.Equal(t, 0, res.Stats.ConceptsCreated)
}

func TestRunSingleChunkCreatesOneConceptAndClearsCheckpoint(t *testing.T) {
	extractor := &capability.FakeExtractor{Result: capability.ExtractionResult{
		Concepts: []capability.ExtractedConcept{
			{Label: "Zhuangzi", SearchTerms: []string{"philosopher"}, EvidenceQuotes: []string{"Zhuangzi dreamed"}},
		},
	}}
	exec, graph, prog, _ := newExecutor(t, extractor)

	res, err := exec.Run(context.Background(), "job-1", ingest.Request{
		Ontology: "X", Document: "doc", Text: "Zhuangzi dreamed he was a butterfly.",
	})
	require.NoError(t, err)
	require.Equal(t, jobstore.ResultSucceeded, res.Status)
	require.Equal(t, 1, res.Stats.ConceptsCreated)
	require.Equal(t, 1, res.Stats.InstancesCreated)
	require.NotEmpty(t, prog.updates)

	ids := graph.ConceptsByLabel("X", "Zhuangzi")
	require.Len(t, ids, 1)
}

func TestRunResumesFromExistingCheckpoint(t *testing.T) {
	extractor := &capability.FakeExtractor{Result: capability.ExtractionResult{
		Concepts: []capability.ExtractedConcept{{Label: "Alpha"}},
	}}
	exec, _, prog, cp := newExecutor(t, extractor)

	text := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta iota kappa ", 200)
	opts := chunker.Options{TargetWords: 100, MinWords: 10, MaxWords: 150, OverlapWords: 20}

	// Pre-seed a checkpoint as if chunk 0 had already committed, matching
	// the fingerprint Run will compute for this exact text.
	require.NoError(t, cp.Save(context.Background(), checkpoint.State{
		JobID: "job-resume", InputFingerprint: checkpoint.Fingerprint([]byte(text)),
		LastCompletedIdx: 0, LastByteOffset: 700,
	}))

	res, err := exec.Run(context.Background(), "job-resume", ingest.Request{
		Ontology: "X", Document: "doc", Text: text, ChunkOpts: opts, Force: true,
	})
	require.NoError(t, err)
	require.Equal(t, jobstore.ResultSucceeded, res.Status)
	require.NotEmpty(t, prog.updates)
	// the final progress update after resume counts the checkpointed chunk 0 as done
	require.GreaterOrEqual(t, prog.updates[len(prog.updates)-1].ChunksProcessed, 1)
}

func TestRunRestartsFromZeroOnFingerprintMismatch(t *testing.T) {
	exec, _, _, cp := newExecutor(t, &capability.FakeExtractor{})
	require.NoError(t, cp.Save(context.Background(), checkpoint.State{
		JobID: "job-fp", InputFingerprint: checkpoint.Fingerprint([]byte("old text")), LastCompletedIdx: 0,
	}))

	res, err := exec.Run(context.Background(), "job-fp", ingest.Request{
		Ontology: "X", Document: "doc", Text: "new text entirely",
	})
	require.NoError(t, err)
	require.Equal(t, jobstore.ResultSucceeded, res.Status)
	require.Equal(t, 1, res.ChunksProcessed)
}

func TestRunImageIngestionRequiresContentType(t *testing.T) {
	exec, _, _, _ := newExecutor(t, &capability.FakeExtractor{})
	_, err := exec.Run(context.Background(), "job-img", ingest.Request{
		Ontology: "X", Document: "doc", IsImage: true, ImageBytes: []byte{0xFF, 0xD8},
	})
	require.Error(t, err)
}

func TestRunImageIngestionDescribesThenExtracts(t *testing.T) {
	extractor := &capability.FakeExtractor{Result: capability.ExtractionResult{
		Concepts: []capability.ExtractedConcept{{Label: "Cat", EvidenceQuotes: []string{"a cat"}}},
	}}
	graph := memgraph.New(nil)
	emb := capability.NewDeterministicEmbedder(16, true, 1)
	matcher := concept.New(graph, emb, 5)
	cp := memcheckpoint.New()
	vision := &capability.FakeVisionExtractor{Description: "a photo of a cat sitting on a mat"}
	exec := ingest.New(graph, cp, matcher, extractor, vision, fakeVocab{}, &fakeProgress{}, nil, nil, ingest.DefaultConfig())

	res, err := exec.Run(context.Background(), "job-img-2", ingest.Request{
		Ontology: "X", Document: "doc", IsImage: true, ImageBytes: []byte{0xFF, 0xD8}, ContentType: "image/jpeg",
	})
	require.NoError(t, err)
	require.Equal(t, jobstore.ResultSucceeded, res.Status)
	require.Equal(t, 1, res.Stats.ConceptsCreated)
}

// barrierEmbedder blocks every Embed call until n calls are in flight at
// once, then releases them all. If a caller held the per-ontology concept
// lock across Embed, two chunk workers could never have embeds in flight
// simultaneously and this would deadlock until the test's context timeout.
type barrierEmbedder struct {
	inner    capability.Embedder
	n        int32
	inFlight int32
	reached  chan struct{}
	closeOne sync.Once
}

func (b *barrierEmbedder) Dimension() int { return b.inner.Dimension() }

func (b *barrierEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if atomic.AddInt32(&b.inFlight, 1) >= b.n {
		b.closeOne.Do(func() { close(b.reached) })
	}
	select {
	case <-b.reached:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.inner.Embed(ctx, text)
}

func TestProcessChunkNeverHoldsConceptLockAcrossEmbed(t *testing.T) {
	graph := memgraph.New(nil)
	base := capability.NewDeterministicEmbedder(16, true, 3)
	emb := &barrierEmbedder{inner: base, n: 2, reached: make(chan struct{})}
	matcher := concept.New(graph, emb, 5)
	cp := memcheckpoint.New()
	extractor := &capability.FakeExtractor{Result: capability.ExtractionResult{
		Concepts: []capability.ExtractedConcept{{Label: "Alpha"}},
	}}
	cfg := ingest.DefaultConfig()
	cfg.ParallelWorkers = 2
	exec := ingest.New(graph, cp, matcher, extractor, &capability.FakeVisionExtractor{}, fakeVocab{}, &fakeProgress{}, nil, nil, cfg)

	text := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta iota kappa ", 10)
	opts := chunker.Options{TargetWords: 20, MinWords: 5, MaxWords: 30, OverlapWords: 0}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := exec.Run(ctx, "job-concurrent-embed", ingest.Request{
		Ontology: "X", Document: "doc", Text: text, ChunkOpts: opts, Mode: jobstore.ProcessingParallel,
	})
	require.NoError(t, err)
	require.Equal(t, jobstore.ResultSucceeded, res.Status)
	require.GreaterOrEqual(t, res.ChunksProcessed, 2)
}

var _ graphstore.Store = (*memgraph.Store)(nil)
