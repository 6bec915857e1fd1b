package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaexchange/qax-core/pkg/olap"
)

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadAppliesOverridesOnTopOfDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  base_path: /data/qax
worker:
  worker_count: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/qax", cfg.Storage.BasePath)
	assert.Equal(t, 8, cfg.Worker.WorkerCount)
	// Untouched defaults survive the override.
	assert.Equal(t, uint32(5), cfg.Scheduler.MaxRetries)
	assert.Equal(t, 1000, cfg.Subscriber.BatchSize)
}

func TestSchedulerConfigToConversionConfigConvertsSecondsToDuration(t *testing.T) {
	sc := SchedulerConfig{
		ScanIntervalSecs:    120,
		MinSSTablesPerBatch: 3,
		MaxSSTablesPerBatch: 10,
		MinSSTableAgeSecs:   30,
		MaxRetries:          5,
		ZombieTimeoutSecs:   600,
	}
	cc := sc.ToConversionConfig("/data/base", "/data/base/conversion.json")
	assert.Equal(t, 120*time.Second, cc.ScanInterval)
	assert.Equal(t, 30*time.Second, cc.MinAge)
	assert.Equal(t, 600*time.Second, cc.ZombieTimeout)
	assert.Equal(t, "/data/base", cc.StorageBaseDir)
	assert.Equal(t, "/data/base/conversion.json", cc.MetadataPath)
}

func TestWorkerConfigToWorkerConfigParsesAlgorithm(t *testing.T) {
	wc := WorkerConfig{WorkerCount: 4, CompressionAlgorithm: "zstd-3"}
	got, err := wc.ToWorkerConfig()
	require.NoError(t, err)
	assert.Equal(t, olap.Zstd3, got.Algorithm)
	assert.Equal(t, olap.DefaultChunkRows, got.ChunkRows)
}

func TestWorkerConfigToWorkerConfigRejectsUnknownAlgorithm(t *testing.T) {
	wc := WorkerConfig{CompressionAlgorithm: "bogus"}
	_, err := wc.ToWorkerConfig()
	assert.Error(t, err)
}

func TestResolveCompressionFallsBackToZstd1(t *testing.T) {
	cfg := Default()
	algo, err := cfg.ResolveCompression("nonexistent_category")
	require.NoError(t, err)
	assert.Equal(t, olap.Zstd1, algo)
}

func TestResolveCompressionUsesConfiguredCategory(t *testing.T) {
	cfg := Default()
	algo, err := cfg.ResolveCompression("trade")
	require.NoError(t, err)
	assert.Equal(t, olap.LZ4, algo)
}

func TestResolveCompressionRejectsUnknownAlgorithmName(t *testing.T) {
	cfg := Default()
	cfg.Compression["tick"] = "bogus"
	_, err := cfg.ResolveCompression("tick")
	assert.Error(t, err)
}
