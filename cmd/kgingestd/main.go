// Command kgingestd is the knowledge-graph ingestion daemon: it wires
// JobStore, GraphStore, Scheduler, and the AI capability adapters together
// and blocks until signaled, following cmd/orchestrator's top-level
// construction style and main.go's godotenv.Load() startup.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"manifold/internal/kg/capability"
	"manifold/internal/kg/capability/llmadapter"
	"manifold/internal/kg/checkpoint"
	"manifold/internal/kg/checkpoint/memcheckpoint"
	"manifold/internal/kg/checkpoint/pgcheckpoint"
	"manifold/internal/kg/chunker"
	"manifold/internal/kg/concept"
	"manifold/internal/kg/graphstore"
	"manifold/internal/kg/graphstore/memgraph"
	"manifold/internal/kg/graphstore/pggraph"
	"manifold/internal/kg/ingest"
	"manifold/internal/kg/jobstore"
	"manifold/internal/kg/jobstore/memjobstore"
	"manifold/internal/kg/jobstore/pgjobstore"
	"manifold/internal/kg/jobstore/redisdedupe"
	"manifold/internal/kg/kgconfig"
	"manifold/internal/kg/obs"
	"manifold/internal/kg/scheduler"
	"manifold/internal/kg/vocabulary"
	"manifold/internal/kg/vocabulary/memvocab"
	"manifold/internal/kg/vocabulary/pgvocab"
	"manifold/internal/llm"
	"manifold/internal/llm/providers"
	"manifold/internal/objectstore"

	appconfig "manifold/internal/config"
)

func main() {
	_ = godotenv.Load()
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("kgingestd")
	}
}

func run() error {
	cfgPath := getenv("KG_CONFIG", "kg.yaml")
	cfg, err := kgconfig.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load kg config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	jobs, graph, vocabStore, cp, err := buildStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build stores: %w", err)
	}

	provider, err := buildProvider()
	if err != nil {
		log.Warn().Err(err).Msg("llm provider unavailable, extraction will fail until configured")
	}

	var embedder capability.Embedder
	if embedHost := getenv("KG_EMBED_HOST", ""); embedHost != "" {
		embedder = llmadapter.NewEmbedder(embedHost, getenv("KG_EMBED_API_KEY", ""), cfg.Capability.EmbedderModel, cfg.GraphStore.EmbeddingDims)
	} else {
		log.Warn().Msg("KG_EMBED_HOST unset, using deterministic fake embedder")
		embedder = capability.NewDeterministicEmbedder(cfg.GraphStore.EmbeddingDims, true, 0)
	}
	matcher := concept.New(graph, embedder, cfg.Ingest.MatchK)
	vocab := vocabulary.New(vocabStore, embedder)

	var extractor capability.Extractor = &capability.FakeExtractor{}
	var vision capability.VisionExtractor = &capability.FakeVisionExtractor{}
	if provider != nil {
		extractor = llmadapter.NewExtractor(provider, cfg.Capability.ExtractorModel)
		vision = llmadapter.NewVisionExtractor(provider, cfg.Capability.VisionModel)
	}

	logger := obs.NewZerologLogger("kgingestd")
	metrics := obs.NewOtelMetrics("kgingestd")

	execCfg := ingest.DefaultConfig()
	execCfg.ParallelWorkers = cfg.Ingest.ParallelWorkers
	execCfg.RecentConceptsN = cfg.Ingest.RecentConceptsN
	execCfg.MatchK = cfg.Ingest.MatchK
	execCfg.IngestThreshold = cfg.Ingest.IngestThreshold

	executor := ingest.New(graph, cp, matcher, extractor, vision, vocab, jobProgressAdapter{jobs}, logger, metrics, execCfg)

	var dedupe *redisdedupe.Cache
	if cfg.Dedupe.Enabled {
		dedupe, err = redisdedupe.New(ctx, cfg.Dedupe.Addr, time.Duration(cfg.Dedupe.TTLSecs)*time.Second)
		if err != nil {
			log.Warn().Err(err).Msg("dedupe cache unavailable, submissions will rely on JobStore.Submit alone")
		} else {
			defer dedupe.Close()
		}
	}
	_ = dedupe // wired for future intake-handler use; ingestion loop itself never needs it directly

	rawStore := objectstore.NewMemoryStore()

	sched := buildScheduler(jobs, cfg, logger, metrics)
	sched.RegisterExecutor(jobstore.JobTypeIngestText, ingestExecutorFunc(executor, rawStore))
	sched.RegisterExecutor(jobstore.JobTypeIngestFile, ingestExecutorFunc(executor, rawStore))
	sched.RegisterExecutor(jobstore.JobTypeIngestImage, ingestExecutorFunc(executor, rawStore))
	sched.RegisterExecutor(jobstore.JobTypeVocabConsolidate, vocabConsolidateExecutorFunc(vocab, cfg.Vocabulary.MaxThreshold))

	log.Info().Int("max_workers", cfg.Scheduler.MaxWorkers).Strs("accepted_types", cfg.Scheduler.AcceptedTypes).Msg("starting kgingestd scheduler")
	return sched.Run(ctx)
}

func buildScheduler(jobs jobstore.Store, cfg *kgconfig.Config, logger obs.Logger, metrics obs.Metrics) *scheduler.Scheduler {
	autoTypes := make(map[jobstore.JobType]bool, len(cfg.Scheduler.Approval.AutoApproveJobTypes))
	for _, t := range cfg.Scheduler.Approval.AutoApproveJobTypes {
		autoTypes[jobstore.JobType(t)] = true
	}
	accepted := make([]jobstore.JobType, 0, len(cfg.Scheduler.AcceptedTypes))
	for _, t := range cfg.Scheduler.AcceptedTypes {
		accepted = append(accepted, jobstore.JobType(t))
	}

	return scheduler.New(jobs, scheduler.Config{
		MaxWorkers:         cfg.Scheduler.MaxWorkers,
		AcceptedTypes:      accepted,
		CleanupInterval:    cfg.Scheduler.CleanupInterval(),
		DefaultJobTimeout:  cfg.Scheduler.DefaultJobTimeout(),
		StuckJobTimeout:    cfg.Scheduler.StuckJobTimeout(),
		RetentionCompleted: time.Duration(cfg.Scheduler.RetentionDaysComplete) * 24 * time.Hour,
		RetentionFailed:    time.Duration(cfg.Scheduler.RetentionDaysFailed) * 24 * time.Hour,
		Approval: scheduler.ApprovalPolicy{
			AutoApproveThresholdCost: cfg.Scheduler.Approval.AutoApproveThresholdCost,
			AutoApproveJobTypes:      autoTypes,
		},
	}, logger, metrics)
}

func buildStores(ctx context.Context, cfg *kgconfig.Config) (jobstore.Store, graphstore.Store, vocabulary.Store, checkpoint.Store, error) {
	if cfg.JobStore.Backend != "postgres" && cfg.GraphStore.Backend != "postgres" {
		return memjobstore.New(), memgraph.New(nil), memvocab.New(), memcheckpoint.New(), nil
	}

	pool, err := pgxpool.New(ctx, cfg.GraphStore.ConnectionString)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	graph, err := pggraph.New(ctx, pool, cfg.GraphStore.EmbeddingDims)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init graphstore: %w", err)
	}
	jobs, err := pgjobstore.New(ctx, pool)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init jobstore: %w", err)
	}
	vocab, err := pgvocab.New(ctx, pool)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init vocabulary store: %w", err)
	}
	cp, err := pgcheckpoint.New(ctx, pool)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init checkpoint store: %w", err)
	}
	return jobs, graph, vocab, cp, nil
}

func buildProvider() (llm.Provider, error) {
	appCfg, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	return providers.Build(appCfg, http.DefaultClient)
}

// jobProgressAdapter narrows jobstore.Store to ingest.ProgressReporter.
type jobProgressAdapter struct{ store jobstore.Store }

func (a jobProgressAdapter) UpdateProgress(ctx context.Context, jobID string, p jobstore.Progress) error {
	return a.store.UpdateProgress(ctx, jobID, p)
}

// ingestExecutorFunc adapts ingest.Executor.Run to scheduler.ExecutorFunc,
// decoding the job's opaque request_payload into an ingest.Request. raw
// holds source bytes too large for the job payload itself (uploaded files
// and images), keyed by the "object_key" the submit handler wrote them
// under; decodeIngestRequest falls back to it when no inline payload field
// is present.
func ingestExecutorFunc(executor *ingest.Executor, raw objectstore.ObjectStore) scheduler.ExecutorFunc {
	return func(ctx context.Context, job jobstore.Job) (jobstore.Result, error) {
		req, err := decodeIngestRequest(ctx, job, raw)
		if err != nil {
			return jobstore.Result{}, err
		}
		return executor.Run(ctx, job.ID, req)
	}
}

func decodeIngestRequest(ctx context.Context, job jobstore.Job, raw objectstore.ObjectStore) (ingest.Request, error) {
	payload := job.RequestPayload
	req := ingest.Request{
		Ontology: job.Ontology,
		Mode:     job.ProcessingMode,
	}
	if v, ok := payload["document"].(string); ok {
		req.Document = v
	}
	if v, ok := payload["text"].(string); ok {
		req.Text = v
	}
	if v, ok := payload["content_type"].(string); ok {
		req.ContentType = v
	}
	if v, ok := payload["force"].(bool); ok {
		req.Force = v
	}

	objectKey, _ := payload["object_key"].(string)

	if job.JobType == jobstore.JobTypeIngestImage {
		req.IsImage = true
		if v, ok := payload["image_base64"].(string); ok {
			decoded, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return ingest.Request{}, fmt.Errorf("decode image_base64: %w", err)
			}
			req.ImageBytes = decoded
		} else if objectKey != "" {
			decoded, err := fetchRawObject(ctx, raw, objectKey)
			if err != nil {
				return ingest.Request{}, fmt.Errorf("fetch %s: %w", objectKey, err)
			}
			req.ImageBytes = decoded
		}
	} else if job.JobType == jobstore.JobTypeIngestFile && req.Document == "" && objectKey != "" {
		decoded, err := fetchRawObject(ctx, raw, objectKey)
		if err != nil {
			return ingest.Request{}, fmt.Errorf("fetch %s: %w", objectKey, err)
		}
		req.Document = string(decoded)
	}

	req.ChunkOpts = chunkOptsFromPayload(payload)
	return req, nil
}

// vocabConsolidateExecutorFunc drives VocabularyManager.Consolidate as the
// vocab_consolidate maintenance job_type. request_payload may carry
// target_size/dry_run to override the scheduler's configured default for a
// single run; defaultTargetSize is the config's vocabulary max_threshold.
func vocabConsolidateExecutorFunc(vocab *vocabulary.Manager, defaultTargetSize int) scheduler.ExecutorFunc {
	return func(ctx context.Context, job jobstore.Job) (jobstore.Result, error) {
		targetSize := intField(job.RequestPayload, "target_size")
		if targetSize <= 0 {
			targetSize = defaultTargetSize
		}
		dryRun, _ := job.RequestPayload["dry_run"].(bool)

		recs, err := vocab.Consolidate(ctx, targetSize, dryRun)
		if err != nil {
			return jobstore.Result{}, err
		}
		verb := "executed"
		if dryRun {
			verb = "proposed"
		}
		return jobstore.Result{
			Status:  jobstore.ResultSucceeded,
			Message: fmt.Sprintf("%d recommendation(s) %s", len(recs), verb),
		}, nil
	}
}

func fetchRawObject(ctx context.Context, raw objectstore.ObjectStore, key string) ([]byte, error) {
	r, _, err := raw.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func chunkOptsFromPayload(payload map[string]any) chunker.Options {
	return chunker.Options{
		TargetWords:  intField(payload, "target_words"),
		MinWords:     intField(payload, "min_words"),
		MaxWords:     intField(payload, "max_words"),
		OverlapWords: intField(payload, "overlap_words"),
	}
}

func intField(payload map[string]any, key string) int {
	v, ok := payload[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
