// Package ingest implements the IngestionExecutor (spec §4.6): the
// per-chunk pipeline that turns raw text (or a vision description) into
// concepts, instances, and relationships committed to the GraphStore, with
// resumable checkpointing and cooperative cancellation.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"manifold/internal/kg/capability"
	"manifold/internal/kg/checkpoint"
	"manifold/internal/kg/chunker"
	"manifold/internal/kg/concept"
	"manifold/internal/kg/graphstore"
	"manifold/internal/kg/jobstore"
	"manifold/internal/kg/kgerr"
	"manifold/internal/kg/kgretry"
	"manifold/internal/kg/obs"
)

// Request is the decoded request_payload for an ingest_text/ingest_file/
// ingest_image job, per spec §6's job submission API.
type Request struct {
	Ontology    string
	Document    string
	Text        string // ingest_text / ingest_file (already decoded to text)
	ImageBytes  []byte // ingest_image
	ContentType string
	Force       bool
	Mode        jobstore.ProcessingMode
	ChunkOpts   chunker.Options
	IsImage     bool
}

// processingMode defaults to serial when unset.
func (r Request) processingMode() jobstore.ProcessingMode {
	if r.Mode == jobstore.ProcessingParallel {
		return jobstore.ProcessingParallel
	}
	return jobstore.ProcessingSerial
}

// ContentHash computes the stable "sha256:<hex>" identity for req's bytes,
// per spec §6's content-hash encoding.
func (r Request) ContentHash() string {
	var h [32]byte
	if r.IsImage {
		h = sha256.Sum256(r.ImageBytes)
	} else {
		h = sha256.Sum256([]byte(r.Text))
	}
	return "sha256:" + hex.EncodeToString(h[:])
}

// ProgressReporter is the narrow slice of jobstore.Store the executor needs,
// kept separate from the full port so this package can be tested without a
// complete JobStore fake.
type ProgressReporter interface {
	UpdateProgress(ctx context.Context, jobID string, progress jobstore.Progress) error
}

// Resolver is the slice of VocabularyManager the executor needs for step 7.
type Resolver interface {
	Resolve(ctx context.Context, name string) (canonical string, known bool, err error)
}

// Config bounds chunk-level retries and parallel dispatch width.
type Config struct {
	ExtractRetry    kgretry.Policy
	ParallelWorkers int // dispatch width when a job opts into parallel mode
	RecentConceptsN int // graph-context priming window, default 3
	MatchK          int
	IngestThreshold float64
}

func DefaultConfig() Config {
	return Config{
		ExtractRetry:    kgretry.DefaultPolicy(kgerr.IsRetryable),
		ParallelWorkers: 4,
		RecentConceptsN: 3,
		MatchK:          5,
		IngestThreshold: concept.DefaultIngestThreshold,
	}
}

// Executor is the IngestionExecutor.
type Executor struct {
	graph      graphstore.Store
	checkpoint checkpoint.Store
	matcher    *concept.Matcher
	extractor  capability.Extractor
	vision     capability.VisionExtractor
	vocab      Resolver
	progress   ProgressReporter
	logger     obs.Logger
	metrics    obs.Metrics
	cfg        Config

	conceptLocksMu sync.Mutex
	conceptLocks   map[string]*sync.Mutex
}

func New(
	graph graphstore.Store,
	cp checkpoint.Store,
	matcher *concept.Matcher,
	extractor capability.Extractor,
	vision capability.VisionExtractor,
	vocab Resolver,
	progress ProgressReporter,
	logger obs.Logger,
	metrics obs.Metrics,
	cfg Config,
) *Executor {
	if logger == nil {
		logger = obs.NopLogger{}
	}
	if metrics == nil {
		metrics = obs.NewMockMetrics()
	}
	return &Executor{
		graph: graph, checkpoint: cp, matcher: matcher, extractor: extractor,
		vision: vision, vocab: vocab, progress: progress, logger: logger, metrics: metrics,
		cfg: cfg, conceptLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Executor) conceptLock(ontology string) *sync.Mutex {
	e.conceptLocksMu.Lock()
	defer e.conceptLocksMu.Unlock()
	l, ok := e.conceptLocks[ontology]
	if !ok {
		l = &sync.Mutex{}
		e.conceptLocks[ontology] = l
	}
	return l
}

func (e *Executor) recentN() int {
	if e.cfg.RecentConceptsN <= 0 {
		return 3
	}
	return e.cfg.RecentConceptsN
}

// outcome accumulates per-run counters, reported as jobstore.Stats at the
// end and as incremental jobstore.Progress along the way.
type outcome struct {
	mu                   sync.Mutex
	conceptsCreated      int
	conceptsLinked       int
	sourcesCreated       int
	instancesCreated     int
	relationshipsCreated int
	chunksProcessed      int
	lastCompletedIdx     int
}

func (o *outcome) stats() jobstore.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return jobstore.Stats{
		ConceptsCreated: o.conceptsCreated, ConceptsLinked: o.conceptsLinked,
		SourcesCreated: o.sourcesCreated, InstancesCreated: o.instancesCreated,
		RelationshipsCreated: o.relationshipsCreated, ChunksProcessed: o.chunksProcessed,
	}
}

func (o *outcome) record(created, linked, sources, instances, relationships int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conceptsCreated += created
	o.conceptsLinked += linked
	o.sourcesCreated += sources
	o.instancesCreated += instances
	o.relationshipsCreated += relationships
}

func (o *outcome) lastCompletedIdxSnapshot() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastCompletedIdx
}

// Run executes req to terminal outcome. The caller (Scheduler) is
// responsible for the job's state-machine transition; Run reports Result
// for the caller to persist via SetResult, and returns a non-nil error only
// for kinds the caller must classify (kgerr.Kind-wrapped).
func (e *Executor) Run(ctx context.Context, jobID string, req Request) (jobstore.Result, error) {
	text := req.Text
	if req.IsImage {
		if req.ContentType == "" {
			return jobstore.Result{}, kgerr.New(kgerr.Validation, "ingest_image requires content_type", nil)
		}
		desc, err := e.vision.Describe(ctx, req.ImageBytes, req.ContentType)
		if err != nil {
			return jobstore.Result{}, kgerr.New(kgerr.KindOf(err), "vision description failed", err)
		}
		text = desc
	}

	fingerprint := checkpoint.Fingerprint([]byte(text))

	startOffset := 0
	startIdx := 0
	out := &outcome{lastCompletedIdx: -1}

	cp, found, err := e.checkpoint.Load(ctx, jobID, fingerprint)
	switch {
	case err == checkpoint.ErrFingerprintMismatch:
		e.logger.Info("checkpoint fingerprint mismatch, restarting from zero", map[string]any{"job_id": jobID})
		_ = e.checkpoint.Clear(ctx, jobID)
	case err != nil:
		return jobstore.Result{}, kgerr.New(kgerr.StorageTransient, "checkpoint load failed", err)
	case found:
		startOffset = cp.LastByteOffset
		startIdx = cp.LastCompletedIdx + 1
		out.lastCompletedIdx = cp.LastCompletedIdx
		out.chunksProcessed = cp.LastCompletedIdx + 1
	}

	_ = e.reportProgress(ctx, jobID, jobstore.Progress{Stage: "chunking"})

	chunks := chunker.Chunk(text[startOffset:], req.ChunkOpts)
	for i := range chunks {
		chunks[i].Index += startIdx
		chunks[i].StartOffset += startOffset
		chunks[i].EndOffset += startOffset
	}
	chunksTotal := startIdx + len(chunks)

	if req.processingMode() == jobstore.ProcessingParallel && len(chunks) > 1 {
		err = e.runParallel(ctx, jobID, req, fingerprint, chunks, chunksTotal, out)
	} else {
		err = e.runSerial(ctx, jobID, req, fingerprint, chunks, chunksTotal, out)
	}

	if err != nil {
		if kgerr.IsCancelled(err) {
			_ = e.reportProgress(ctx, jobID, jobstore.Progress{Stage: "cancelled", ChunksProcessed: out.stats().ChunksProcessed, ChunksTotal: chunksTotal})
			return jobstore.Result{Status: jobstore.ResultCancelled, Stats: out.stats(), Ontology: req.Ontology}, err
		}
		return jobstore.Result{Status: jobstore.ResultFailed, Stats: out.stats(), Ontology: req.Ontology, Message: err.Error()}, err
	}

	_ = e.checkpoint.Clear(ctx, jobID)
	_ = e.reportProgress(ctx, jobID, jobstore.Progress{
		Stage: "finalizing", ChunksProcessed: chunksTotal, ChunksTotal: chunksTotal, Percent: 100,
	})

	return jobstore.Result{
		Status: jobstore.ResultSucceeded, Stats: out.stats(), Ontology: req.Ontology,
		ChunksProcessed: chunksTotal,
	}, nil
}

func (e *Executor) runSerial(ctx context.Context, jobID string, req Request, fingerprint string, chunks []chunker.Chunk, chunksTotal int, out *outcome) error {
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return kgerr.New(kgerr.Cancelled, "cancelled before chunk "+fmt.Sprint(c.Index), err)
		}
		if err := e.processChunk(ctx, jobID, req, c, out); err != nil {
			return err
		}

		out.mu.Lock()
		out.chunksProcessed++
		out.lastCompletedIdx = c.Index
		idx := out.lastCompletedIdx
		out.mu.Unlock()

		if err := e.checkpoint.Save(ctx, checkpoint.State{
			JobID: jobID, InputFingerprint: fingerprint, LastCompletedIdx: idx, LastByteOffset: c.EndOffset,
		}); err != nil {
			return kgerr.New(kgerr.StorageTransient, "checkpoint save failed", err)
		}

		st := out.stats()
		if err := e.reportProgress(ctx, jobID, jobstore.Progress{
			Stage: "extraction", ChunksProcessed: st.ChunksProcessed, ChunksTotal: chunksTotal,
			CurrentChunk: c.Index, Percent: percent(st.ChunksProcessed, chunksTotal),
			ConceptsCreated: st.ConceptsCreated, ConceptsLinked: st.ConceptsLinked,
			SourcesCreated: st.SourcesCreated, InstancesCreated: st.InstancesCreated,
			RelationshipsCreated: st.RelationshipsCreated,
		}); err != nil {
			return err
		}
	}
	return nil
}

// runParallel dispatches chunks to a bounded worker pool. Checkpointing
// stores the lowest contiguous completed index, not the max, per spec
// §4.6's parallel-mode rule.
func (e *Executor) runParallel(ctx context.Context, jobID string, req Request, fingerprint string, chunks []chunker.Chunk, chunksTotal int, out *outcome) error {
	workers := e.cfg.ParallelWorkers
	if workers < 1 {
		workers = 1
	}

	type result struct {
		idx int
		end int
		err error
	}

	jobsCh := make(chan chunker.Chunk)
	resultsCh := make(chan result, len(chunks))
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobsCh {
				if err := ctx.Err(); err != nil {
					resultsCh <- result{idx: c.Index, err: kgerr.New(kgerr.Cancelled, "cancelled", err)}
					continue
				}
				err := e.processChunk(ctx, jobID, req, c, out)
				resultsCh <- result{idx: c.Index, end: c.EndOffset, err: err}
			}
		}()
	}

	go func() {
		defer close(jobsCh)
		for _, c := range chunks {
			select {
			case jobsCh <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	completed := make(map[int]int) // idx -> end_offset
	var firstErr error
	for r := range resultsCh {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		completed[r.idx] = r.end
		out.mu.Lock()
		out.chunksProcessed++
		out.mu.Unlock()

		lowest := lowestContiguous(completed, out.lastCompletedIdxSnapshot())
		if lowest >= 0 {
			out.mu.Lock()
			if lowest > out.lastCompletedIdx {
				out.lastCompletedIdx = lowest
			}
			idx := out.lastCompletedIdx
			end := completed[idx]
			out.mu.Unlock()
			_ = e.checkpoint.Save(ctx, checkpoint.State{
				JobID: jobID, InputFingerprint: fingerprint, LastCompletedIdx: idx, LastByteOffset: end,
			})
		}

		stNow := out.stats()
		_ = e.reportProgress(ctx, jobID, jobstore.Progress{
			Stage: "extraction", ChunksProcessed: stNow.ChunksProcessed, ChunksTotal: chunksTotal,
			Percent: percent(stNow.ChunksProcessed, chunksTotal),
			ConceptsCreated: stNow.ConceptsCreated, ConceptsLinked: stNow.ConceptsLinked,
			SourcesCreated: stNow.SourcesCreated, InstancesCreated: stNow.InstancesCreated,
			RelationshipsCreated: stNow.RelationshipsCreated,
		})
	}
	return firstErr
}

func lowestContiguous(completed map[int]int, from int) int {
	next := from + 1
	highest := from
	for {
		if _, ok := completed[next]; !ok {
			break
		}
		highest = next
		next++
	}
	if highest == from {
		return -1
	}
	return highest
}

func percent(processed, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(processed) / float64(total) * 100
}

func (e *Executor) reportProgress(ctx context.Context, jobID string, p jobstore.Progress) error {
	if e.progress == nil {
		return nil
	}
	if err := e.progress.UpdateProgress(ctx, jobID, p); err != nil {
		return kgerr.New(kgerr.StorageTransient, "progress update failed", err)
	}
	return nil
}

// processChunk runs steps 3-8 of the per-chunk algorithm (priming through
// transactional upsert) for a single chunk, recording its counters into out.
func (e *Executor) processChunk(ctx context.Context, jobID string, req Request, c chunker.Chunk, out *outcome) error {
	recent, err := e.graph.RecentConceptsInDocument(ctx, req.Document, e.recentN())
	if err != nil {
		return kgerr.New(kgerr.StorageTransient, "recent concepts lookup failed", err)
	}

	var extraction capability.ExtractionResult
	extractErr := kgretry.Do(ctx, e.cfg.ExtractRetry, func(ctx context.Context) error {
		res, err := e.extractor.Extract(ctx, c.Text, capability.GraphContext{RecentConceptLabels: recent})
		if err != nil {
			return err
		}
		extraction = res
		return nil
	})
	if extractErr != nil {
		if kgerr.IsCancelled(extractErr) {
			return kgerr.New(kgerr.Cancelled, "extraction cancelled", extractErr)
		}
		return kgerr.New(kgerr.KindOf(extractErr), "extraction failed after retries", extractErr)
	}

	relationships := make([]graphstore.Relationship, 0, len(extraction.Relationships))
	for _, er := range extraction.Relationships {
		canonical, known, err := e.vocab.Resolve(ctx, er.RelType)
		if err != nil {
			return kgerr.New(kgerr.StorageTransient, "vocabulary resolve failed", err)
		}
		if !known {
			continue // unknown type, dropped to the skipped log by Resolve itself
		}
		relationships = append(relationships, graphstore.Relationship{
			FromID: er.FromLabel, ToID: er.ToLabel, // labels for now, resolved to ids below
			RelType: canonical, Confidence: er.Confidence, Category: er.Category,
		})
	}

	// Proto embeddings are computed before the per-ontology lock is taken:
	// Embed is an AI capability call (spec §5 suspension point) and the
	// mutex must never be held across one. Only the decide+upsert critical
	// section below runs under lock.
	protos := make([]graphstore.Proto, len(extraction.Concepts))
	embeddings := make([][]float32, len(extraction.Concepts))
	for i, ec := range extraction.Concepts {
		proto := graphstore.Proto{Label: ec.Label, Description: ec.Description, SearchTerms: ec.SearchTerms}
		embedding, err := e.matcher.EmbedProto(ctx, proto)
		if err != nil {
			return kgerr.New(kgerr.CapabilityTransient, "concept embed failed", err)
		}
		protos[i] = proto
		embeddings[i] = embedding
	}

	// The per-ontology lock spans decision through transaction commit: two
	// concurrent chunk workers must never both decide "new concept" for the
	// same label and insert it twice (spec §5 concept-upsert ordering). It
	// is acquired only after every embedding call above has returned, so it
	// is never held across an LLM call.
	lock := e.conceptLock(req.Ontology)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.graph.BeginTx(ctx)
	if err != nil {
		return kgerr.New(kgerr.StorageTransient, "begin tx failed", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	localIDs := make(map[string]string, len(extraction.Concepts))
	var createdCount, linkedCount int
	for i, ec := range extraction.Concepts {
		proto, embedding := protos[i], embeddings[i]
		dec, err := e.matcher.Decide(ctx, embedding, req.Ontology, e.cfg.IngestThreshold)
		if err != nil {
			return kgerr.New(kgerr.CapabilityTransient, "concept match failed", err)
		}

		var conceptID string
		if dec.Kind == concept.DecisionLink {
			conceptID = dec.ConceptID
			if err := tx.MergeSearchTerms(ctx, conceptID, ec.SearchTerms); err != nil {
				return kgerr.New(kgerr.StoragePermanent, "merge search terms failed", err)
			}
			linkedCount++
		} else {
			conceptID, err = tx.UpsertConcept(ctx, req.Ontology, proto, embedding)
			if err != nil {
				return kgerr.New(kgerr.StoragePermanent, "upsert concept failed", err)
			}
			createdCount++
		}
		localIDs[ec.Label] = conceptID
	}

	sourceID := sourceIDFor(req, c)
	if err := tx.InsertSource(ctx, graphstore.Source{
		ID: sourceID, Document: req.Document, ChunkIndex: c.Index, FullText: c.Text,
		ContentHash: req.ContentHash(), StartOffset: c.StartOffset, EndOffset: c.EndOffset,
		Type: "DOCUMENT", ContentType: req.ContentType, HasImage: req.IsImage,
	}); err != nil {
		return kgerr.New(kgerr.StoragePermanent, "insert source failed", err)
	}

	var instancesCreated int
	for _, ec := range extraction.Concepts {
		conceptID := localIDs[ec.Label]
		for _, quote := range ec.EvidenceQuotes {
			if !strings.Contains(c.Text, quote) {
				continue // non-verbatim quote, per spec §6 Extractor port contract
			}
			if err := tx.InsertInstance(ctx, graphstore.Instance{
				Quote: quote, SourceID: sourceID, ConceptID: conceptID, Confidence: 1.0,
			}); err != nil {
				return kgerr.New(kgerr.StoragePermanent, "insert instance failed", err)
			}
			instancesCreated++
		}
	}

	var relationshipsCreated int
	for _, rel := range relationships {
		fromID, fromOK := localIDs[rel.FromID]
		toID, toOK := localIDs[rel.ToID]
		if !fromOK || !toOK {
			// unresolved endpoint, dropped with a warning per spec §4.6 step 6
			e.logger.Info("warning: dropping relationship with unresolved endpoint", map[string]any{
				"job_id": jobID, "from": rel.FromID, "to": rel.ToID, "rel_type": rel.RelType,
			})
			continue
		}
		rel.FromID, rel.ToID = fromID, toID
		if err := tx.InsertRelationship(ctx, rel); err != nil {
			return kgerr.New(kgerr.StoragePermanent, "insert relationship failed", err)
		}
		relationshipsCreated++
	}

	if err := tx.Commit(ctx); err != nil {
		return kgerr.New(kgerr.StorageTransient, "commit failed", err)
	}
	committed = true

	e.metrics.IncCounter("kg_ingest_chunks_processed_total", nil)
	e.logger.Info("chunk processed", map[string]any{
		"job_id": jobID, "chunk_index": c.Index, "concepts_created": createdCount,
		"concepts_linked": linkedCount, "instances_created": instancesCreated,
		"relationships_created": relationshipsCreated,
	})

	out.record(createdCount, linkedCount, 1, instancesCreated, relationshipsCreated)
	return nil
}

func sourceIDFor(req Request, c chunker.Chunk) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", req.ContentHash(), c.Index)))
	return hex.EncodeToString(h[:16])
}
