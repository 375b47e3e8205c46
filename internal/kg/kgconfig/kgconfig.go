// Package kgconfig loads the ingestion core's YAML configuration, following
// internal/config's LoadConfig pattern (os.ReadFile + yaml.Unmarshal into a
// typed struct, pterm-reported defaults) extended with the Scheduler/
// JobStore/GraphStore/Vocabulary/Capability sections this system adds.
package kgconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"
)

// SchedulerConfig mirrors scheduler.Config's YAML-facing shape (spec §4.2).
type SchedulerConfig struct {
	MaxWorkers            int      `yaml:"max_workers"`
	AcceptedTypes         []string `yaml:"accepted_types"`
	CleanupIntervalSecs   int      `yaml:"cleanup_interval_secs"`
	DefaultJobTimeoutSecs int      `yaml:"default_job_timeout_secs"`
	StuckJobTimeoutSecs   int      `yaml:"stuck_job_timeout_secs"`
	RetentionDaysComplete int      `yaml:"retention_days_completed"`
	RetentionDaysFailed   int      `yaml:"retention_days_failed"`
	Approval              struct {
		AutoApproveThresholdCost float64  `yaml:"auto_approve_threshold_cost"`
		AutoApproveJobTypes      []string `yaml:"auto_approve_job_types"`
	} `yaml:"approval_policy"`
}

// JobStoreConfig selects and configures the JobStore backend.
type JobStoreConfig struct {
	Backend          string `yaml:"backend"` // "postgres" | "memory"
	ConnectionString string `yaml:"connection_string,omitempty"`
}

// GraphStoreConfig selects and configures the GraphStore backend.
type GraphStoreConfig struct {
	Backend          string `yaml:"backend"` // "postgres" | "memory"
	ConnectionString string `yaml:"connection_string,omitempty"`
	EmbeddingDims    int    `yaml:"embedding_dims"`
}

// DedupeConfig configures the Redis submission-dedup accelerator, an
// optional fast path in front of JobStore.Submit's own dedup lookup.
type DedupeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr,omitempty"`
	TTLSecs int    `yaml:"ttl_secs"`
}

// CapabilityConfig names the LLM provider(s) bound to Extractor/
// VisionExtractor/Embedder, reusing internal/llm's provider registry.
type CapabilityConfig struct {
	ExtractorProvider string `yaml:"extractor_provider"`
	ExtractorModel    string `yaml:"extractor_model"`
	VisionProvider    string `yaml:"vision_provider,omitempty"`
	VisionModel       string `yaml:"vision_model,omitempty"`
	EmbedderProvider  string `yaml:"embedder_provider"`
	EmbedderModel     string `yaml:"embedder_model"`
}

// ChunkerConfig carries the word-target boundary scanner's tunables.
type ChunkerConfig struct {
	TargetWords  int `yaml:"target_words"`
	MinWords     int `yaml:"min_words"`
	MaxWords     int `yaml:"max_words"`
	OverlapWords int `yaml:"overlap_words"`
}

// VocabularyConfig carries VocabularyManager's thresholds and curve
// selection (spec §4.7).
type VocabularyConfig struct {
	Profile              string  `yaml:"profile"` // "conservative" | "balanced" | "aggressive"
	MinThreshold         int     `yaml:"min_threshold"`
	MaxThreshold         int     `yaml:"max_threshold"`
	EmergencyThreshold   int     `yaml:"emergency_threshold"`
	StrongMatchThreshold float64 `yaml:"strong_match_threshold"`
	ModerateThreshold    float64 `yaml:"moderate_match_threshold"`
	LowValueThreshold    float64 `yaml:"low_value_threshold"`
}

// IngestConfig carries IngestionExecutor's tunables (spec §4.6).
type IngestConfig struct {
	ExtractMaxAttempts int     `yaml:"extract_max_attempts"`
	ParallelWorkers    int     `yaml:"parallel_workers"`
	RecentConceptsN    int     `yaml:"recent_concepts_n"`
	MatchK             int     `yaml:"match_k"`
	IngestThreshold    float64 `yaml:"ingest_threshold"`
}

// Config is the top-level ingestion-core configuration file shape.
type Config struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	JobStore   JobStoreConfig   `yaml:"job_store"`
	GraphStore GraphStoreConfig `yaml:"graph_store"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	Capability CapabilityConfig `yaml:"capability"`
	Chunker    ChunkerConfig    `yaml:"chunker"`
	Vocabulary VocabularyConfig `yaml:"vocabulary"`
	Ingest     IngestConfig     `yaml:"ingest"`
}

// Load reads path, unmarshals it into Config, and fills in the same kind of
// conservative defaults internal/config.LoadConfig applies when a field is
// left zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		pterm.Error.Printf("error reading kg config file: %v\n", err)
		return nil, fmt.Errorf("reading kg config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		pterm.Error.Printf("error unmarshaling kg config: %v\n", err)
		return nil, fmt.Errorf("unmarshaling kg config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Scheduler.MaxWorkers <= 0 {
		cfg.Scheduler.MaxWorkers = 4
		pterm.Info.Println("no scheduler.max_workers specified, using default (4)")
	}
	if cfg.Scheduler.CleanupIntervalSecs <= 0 {
		cfg.Scheduler.CleanupIntervalSecs = 60
	}
	if cfg.Scheduler.DefaultJobTimeoutSecs <= 0 {
		cfg.Scheduler.DefaultJobTimeoutSecs = 1800
	}
	if cfg.Scheduler.StuckJobTimeoutSecs <= 0 {
		cfg.Scheduler.StuckJobTimeoutSecs = cfg.Scheduler.DefaultJobTimeoutSecs
	}
	if cfg.Scheduler.RetentionDaysComplete <= 0 {
		cfg.Scheduler.RetentionDaysComplete = 30
	}
	if cfg.Scheduler.RetentionDaysFailed <= 0 {
		cfg.Scheduler.RetentionDaysFailed = 7
	}

	if cfg.JobStore.Backend == "" {
		cfg.JobStore.Backend = "memory"
		pterm.Warning.Println("no job_store.backend specified, falling back to the non-durable in-memory store")
	}
	if cfg.GraphStore.Backend == "" {
		cfg.GraphStore.Backend = "memory"
	}
	if cfg.GraphStore.EmbeddingDims <= 0 {
		cfg.GraphStore.EmbeddingDims = 1536
	}

	if cfg.Dedupe.TTLSecs <= 0 {
		cfg.Dedupe.TTLSecs = 300
	}

	if cfg.Chunker.TargetWords <= 0 {
		cfg.Chunker.TargetWords = 500
	}
	if cfg.Chunker.MinWords <= 0 {
		cfg.Chunker.MinWords = 100
	}
	if cfg.Chunker.MaxWords <= 0 {
		cfg.Chunker.MaxWords = 800
	}
	if cfg.Chunker.OverlapWords <= 0 {
		cfg.Chunker.OverlapWords = 50
	}

	if cfg.Vocabulary.Profile == "" {
		cfg.Vocabulary.Profile = "balanced"
	}
	if cfg.Vocabulary.MinThreshold <= 0 {
		cfg.Vocabulary.MinThreshold = 30
	}
	if cfg.Vocabulary.MaxThreshold <= 0 {
		cfg.Vocabulary.MaxThreshold = 90
	}
	if cfg.Vocabulary.EmergencyThreshold <= 0 {
		cfg.Vocabulary.EmergencyThreshold = 200
	}
	if cfg.Vocabulary.StrongMatchThreshold <= 0 {
		cfg.Vocabulary.StrongMatchThreshold = 0.90
	}
	if cfg.Vocabulary.ModerateThreshold <= 0 {
		cfg.Vocabulary.ModerateThreshold = 0.70
	}
	if cfg.Vocabulary.LowValueThreshold <= 0 {
		cfg.Vocabulary.LowValueThreshold = 0.2
	}

	if cfg.Ingest.ExtractMaxAttempts <= 0 {
		cfg.Ingest.ExtractMaxAttempts = 3
	}
	if cfg.Ingest.ParallelWorkers <= 0 {
		cfg.Ingest.ParallelWorkers = 4
	}
	if cfg.Ingest.RecentConceptsN <= 0 {
		cfg.Ingest.RecentConceptsN = 3
	}
	if cfg.Ingest.MatchK <= 0 {
		cfg.Ingest.MatchK = 5
	}
	if cfg.Ingest.IngestThreshold <= 0 {
		cfg.Ingest.IngestThreshold = 0.85
	}
}

// CleanupInterval returns the configured maintenance loop period as a
// time.Duration.
func (c SchedulerConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSecs) * time.Second
}

// DefaultJobTimeout returns the configured per-job deadline as a
// time.Duration.
func (c SchedulerConfig) DefaultJobTimeout() time.Duration {
	return time.Duration(c.DefaultJobTimeoutSecs) * time.Second
}

// StuckJobTimeout returns the configured restart-recovery age threshold.
func (c SchedulerConfig) StuckJobTimeout() time.Duration {
	return time.Duration(c.StuckJobTimeoutSecs) * time.Second
}
