package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestDefaultHasSaneValues(t *testing.T) {
	cfg := Default()
	require.Equal(t, "info", cfg.Logging.Level)
	require.Greater(t, cfg.Optimizer.MaxMemoEntries, 0)
	require.Greater(t, cfg.TxnCoord.PrepareTimeout.Seconds(), 0.0)
	require.Greater(t, cfg.Saga.MaxRetryAttempts, 0)
	require.Greater(t, cfg.Deadlock.DetectionInterval.Seconds(), 0.0)
	require.Greater(t, cfg.Spatial.RTreeMaxEntries, 0)
}

func TestLoadOverridesSagaAndSpatialKnobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coredb.yaml")
	yamlContent := []byte(`
saga:
  max_retry_attempts: 7
spatial:
  rtree_max_entries: 16
  grid_cols: 8
  grid_rows: 8
`)
	require.NoError(t, os.WriteFile(path, yamlContent, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Saga.MaxRetryAttempts)
	require.Equal(t, 16, cfg.Spatial.RTreeMaxEntries)
	require.Equal(t, 8, cfg.Spatial.GridCols)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coredb.yaml")
	yamlContent := []byte(`
logging:
  level: debug
  json: true
optimizer:
  max_memo_entries: 0
  enable_cse: false
txn_coordinator:
  presumed_abort: false
`)
	require.NoError(t, os.WriteFile(path, yamlContent, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Logging.JSON)
	require.False(t, cfg.TxnCoord.PresumedAbort)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestBuildLoggerFallsBackOnBadLevel(t *testing.T) {
	logger := LoggingConfig{Level: "not-a-level"}.BuildLogger()
	require.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
