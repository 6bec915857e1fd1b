// Package config loads the typed configuration this core consumes from
// the external config layer spec §1 excludes from its own scope: YAML
// in, typed structs out, converted into the Config value each
// component's constructor already expects. It is the boundary the
// external layer hands values across, not a general configuration
// system.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/qaexchange/qax-core/pkg/conversion"
	"github.com/qaexchange/qax-core/pkg/hybrid"
	"github.com/qaexchange/qax-core/pkg/instrument"
	"github.com/qaexchange/qax-core/pkg/olap"
	"github.com/qaexchange/qax-core/pkg/subscriber"
)

// StorageConfig is the per-instrument storage policy from spec §6.
type StorageConfig struct {
	BasePath                string `yaml:"base_path"`
	MemTableSizeBytes       int64  `yaml:"memtable_size_bytes"`
	EstimatedEntrySizeBytes int    `yaml:"estimated_entry_size"`
	EnableOLAPConversion    bool   `yaml:"enable_olap_conversion"`
	WALSegmentMaxBytes      int64  `yaml:"wal_segment_max_bytes"`
	SSTableSparseInterval   int    `yaml:"sstable_sparse_interval"`
}

// ToInstrumentConfig builds an instrument.Config for a Manager over
// this storage policy.
func (s StorageConfig) ToInstrumentConfig(logger zerolog.Logger) instrument.Config {
	return instrument.Config{
		RootDir:            s.BasePath,
		MemTableMaxBytes:   s.MemTableSizeBytes,
		WALSegmentMaxBytes: s.WALSegmentMaxBytes,
		Logger:             logger,
	}
}

// ToHybridConfig builds a hybrid.Config for opening a single shard
// directly, for tooling that bypasses instrument.Manager.
func (s StorageConfig) ToHybridConfig(dir string, logger zerolog.Logger) hybrid.Config {
	return hybrid.Config{
		Dir:                   dir,
		MemTableMaxBytes:      s.MemTableSizeBytes,
		WALSegmentMaxBytes:    s.WALSegmentMaxBytes,
		SSTableSparseInterval: s.SSTableSparseInterval,
		Logger:                logger,
	}
}

// SchedulerConfig is the conversion scheduler's scan and batching
// policy from spec §6.
type SchedulerConfig struct {
	ScanIntervalSecs    int    `yaml:"scan_interval_secs"`
	MinSSTablesPerBatch int    `yaml:"min_sstables_per_batch"`
	MaxSSTablesPerBatch int    `yaml:"max_sstables_per_batch"`
	MinSSTableAgeSecs   int    `yaml:"min_sstable_age_secs"`
	MaxRetries          uint32 `yaml:"max_retries"`
	ZombieTimeoutSecs   int    `yaml:"zombie_timeout_secs"`
}

// ToConversionConfig builds a conversion.Config, filling in the two
// fields (StorageBaseDir, MetadataPath) that come from deployment
// layout rather than from the scheduler policy itself.
func (s SchedulerConfig) ToConversionConfig(storageBaseDir, metadataPath string) conversion.Config {
	return conversion.Config{
		ScanInterval:   time.Duration(s.ScanIntervalSecs) * time.Second,
		MinBatch:       s.MinSSTablesPerBatch,
		MaxBatch:       s.MaxSSTablesPerBatch,
		MinAge:         time.Duration(s.MinSSTableAgeSecs) * time.Second,
		MaxRetries:     s.MaxRetries,
		ZombieTimeout:  time.Duration(s.ZombieTimeoutSecs) * time.Second,
		StorageBaseDir: storageBaseDir,
		MetadataPath:   metadataPath,
	}
}

// WorkerConfig is the conversion worker pool's policy from spec §6.
type WorkerConfig struct {
	WorkerCount              int    `yaml:"worker_count"`
	BatchReadSize            int    `yaml:"batch_read_size"`
	DeleteSourceAfterSuccess bool   `yaml:"delete_source_after_success"`
	SourceRetentionSecs      int    `yaml:"source_retention_secs"`
	CompressionAlgorithm     string `yaml:"compression_algorithm"`
}

// ToWorkerConfig builds a conversion.WorkerConfig, parsing the
// configured compression algorithm name.
func (w WorkerConfig) ToWorkerConfig() (conversion.WorkerConfig, error) {
	algo := olap.Zstd1
	if w.CompressionAlgorithm != "" {
		parsed, err := olap.ParseAlgorithm(w.CompressionAlgorithm)
		if err != nil {
			return conversion.WorkerConfig{}, fmt.Errorf("config: worker.compression_algorithm: %w", err)
		}
		algo = parsed
	}
	chunkRows := w.BatchReadSize
	if chunkRows <= 0 {
		chunkRows = olap.DefaultChunkRows
	}
	return conversion.WorkerConfig{
		WorkerCount:              w.WorkerCount,
		ChunkRows:                chunkRows,
		Algorithm:                algo,
		DeleteSourceAfterSuccess: w.DeleteSourceAfterSuccess,
		SourceRetention:          time.Duration(w.SourceRetentionSecs) * time.Second,
	}, nil
}

// SubscriberConfig is the storage subscriber's batching policy from
// spec §6.
type SubscriberConfig struct {
	BatchSize      int `yaml:"batch_size"`
	BatchTimeoutMs int `yaml:"batch_timeout_ms"`
	BufferSize     int `yaml:"buffer_size"`
}

// ToSubscriberConfig builds a subscriber.Config.
func (s SubscriberConfig) ToSubscriberConfig() subscriber.Config {
	return subscriber.Config{
		BatchSize:    s.BatchSize,
		BatchTimeout: time.Duration(s.BatchTimeoutMs) * time.Millisecond,
		BufferSize:   s.BufferSize,
	}
}

// Config is the complete set of values this core consumes from the
// external configuration layer, per spec §6.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Worker      WorkerConfig      `yaml:"worker"`
	Subscriber  SubscriberConfig  `yaml:"subscriber"`
	Compression map[string]string `yaml:"compression"`
}

// ResolveCompression looks up the configured compression algorithm for
// a record category (e.g. "order", "trade", "tick"), falling back to
// Zstd1 when the category has no explicit entry.
func (c Config) ResolveCompression(category string) (olap.Algorithm, error) {
	name, ok := c.Compression[category]
	if !ok || name == "" {
		return olap.Zstd1, nil
	}
	algo, err := olap.ParseAlgorithm(name)
	if err != nil {
		return 0, fmt.Errorf("config: compression.%s: %w", category, err)
	}
	return algo, nil
}

// Default returns the configuration this core ships with absent an
// operator-supplied file, mirroring the package defaults each
// component's own DefaultConfig already picks.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			BasePath:                "./data",
			MemTableSizeBytes:       64 << 20,
			EstimatedEntrySizeBytes: 256,
			EnableOLAPConversion:    true,
			WALSegmentMaxBytes:      64 << 20,
			SSTableSparseInterval:   16,
		},
		Scheduler: SchedulerConfig{
			ScanIntervalSecs:    300,
			MinSSTablesPerBatch: 3,
			MaxSSTablesPerBatch: 20,
			MinSSTableAgeSecs:   60,
			MaxRetries:          5,
			ZombieTimeoutSecs:   3600,
		},
		Worker: WorkerConfig{
			WorkerCount:              4,
			BatchReadSize:            olap.DefaultChunkRows,
			DeleteSourceAfterSuccess: true,
			SourceRetentionSecs:      3600,
			CompressionAlgorithm:     "zstd-1",
		},
		Subscriber: SubscriberConfig{
			BatchSize:      1000,
			BatchTimeoutMs: 10,
			BufferSize:     10000,
		},
		Compression: map[string]string{
			"order": "uncompressed",
			"trade": "lz4",
			"tick":  "zstd-3",
		},
	}
}

// Load reads and parses a YAML configuration file at path, starting
// from Default() so an operator only needs to specify overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
