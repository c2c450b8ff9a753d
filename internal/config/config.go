// Package config loads the engine configuration from quill.yaml with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Version int           `yaml:"version" json:"version"`
	DataDir string        `yaml:"data_dir" json:"data_dir"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Indexer IndexerConfig `yaml:"indexer" json:"indexer"`
	Search  SearchConfig  `yaml:"search" json:"search"`
	Tasks   TasksConfig   `yaml:"tasks" json:"tasks"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// IndexerConfig tunes the indexing pipeline.
type IndexerConfig struct {
	// Workers bounds the extraction pool; zero means all cores.
	Workers int `yaml:"workers" json:"workers"`
	// MaxInMemoryDeltas bounds the sorter buffer before spilling.
	MaxInMemoryDeltas int `yaml:"max_in_memory_deltas" json:"max_in_memory_deltas"`
	// FacetGroupSize and FacetMinLevelSize shape the facet trees. Global
	// for every field; a per-field override is intentionally not exposed.
	FacetGroupSize    int `yaml:"facet_group_size" json:"facet_group_size"`
	FacetMinLevelSize int `yaml:"facet_min_level_size" json:"facet_min_level_size"`
	// EmbedChunkSize bounds one embedder call.
	EmbedChunkSize int `yaml:"embed_chunk_size" json:"embed_chunk_size"`
}

// SearchConfig tunes query execution.
type SearchConfig struct {
	// DefaultLimit applies when a search omits its limit.
	DefaultLimit int `yaml:"default_limit" json:"default_limit"`
	// CutoffMs is loaded and validated, but searches do not read it: a
	// search's time budget comes from the request or, failing that, from
	// the index's searchCutoffMs setting.
	CutoffMs int64 `yaml:"cutoff_ms" json:"cutoff_ms"`
}

// TasksConfig tunes the scheduler.
type TasksConfig struct {
	// SnapshotIntervalS triggers periodic snapshots; zero disables.
	SnapshotIntervalS int `yaml:"snapshot_interval_s" json:"snapshot_interval_s"`
	// AutoCreateIndexes lets document tasks create their target index.
	AutoCreateIndexes bool `yaml:"auto_create_indexes" json:"auto_create_indexes"`
}

// Default returns the configuration defaults rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		Version: 1,
		DataDir: dataDir,
		Logging: LoggingConfig{Level: "info", MaxSizeMB: 10, MaxFiles: 5},
		Indexer: IndexerConfig{
			Workers:           runtime.GOMAXPROCS(0),
			MaxInMemoryDeltas: 1 << 20,
			FacetGroupSize:    4,
			FacetMinLevelSize: 5,
			EmbedChunkSize:    64,
		},
		Search: SearchConfig{DefaultLimit: 20},
		Tasks:  TasksConfig{AutoCreateIndexes: true},
	}
}

// Load reads <dataDir>/quill.yaml when present, applies env overrides, and
// validates the result.
func Load(dataDir string) (Config, error) {
	cfg := Default(dataDir)

	path := filepath.Join(dataDir, "quill.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		if cfg.DataDir == "" {
			cfg.DataDir = dataDir
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays QUILL_* environment variables; they take precedence
// over the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("QUILL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QUILL_INDEXER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.Workers = n
		}
	}
	if v := os.Getenv("QUILL_SEARCH_CUTOFF_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Search.CutoffMs = n
		}
	}
	if v := os.Getenv("QUILL_SNAPSHOT_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tasks.SnapshotIntervalS = n
		}
	}
}

// Validate rejects inconsistent values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Indexer.Workers < 0 {
		return fmt.Errorf("indexer.workers must not be negative")
	}
	if c.Indexer.FacetGroupSize < 0 || c.Indexer.FacetGroupSize == 1 {
		return fmt.Errorf("indexer.facet_group_size must be 0 (default) or at least 2")
	}
	if c.Search.CutoffMs < 0 {
		return fmt.Errorf("search.cutoff_ms must not be negative")
	}
	return nil
}

// SnapshotInterval returns the snapshot period as a duration.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Tasks.SnapshotIntervalS) * time.Second
}

// Save writes the configuration back to <dataDir>/quill.yaml.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.DataDir, "quill.yaml"), data, 0o644)
}
