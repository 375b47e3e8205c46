package kgconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/kg/kgconfig"
)

func TestLoadFillsDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  accepted_types: [ingest_text, ingest_image]
job_store:
  backend: postgres
  connection_string: postgres://localhost/kg
`), 0o644))

	cfg, err := kgconfig.Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Scheduler.MaxWorkers)
	require.Equal(t, []string{"ingest_text", "ingest_image"}, cfg.Scheduler.AcceptedTypes)
	require.Equal(t, "postgres", cfg.JobStore.Backend)
	require.Equal(t, 0.85, cfg.Ingest.IngestThreshold)
	require.Equal(t, "balanced", cfg.Vocabulary.Profile)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := kgconfig.Load("/nonexistent/path.yaml")
	require.Error(t, err)
}
