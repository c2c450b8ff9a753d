// Package cmd implements the quill command line interface.
package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/quillsearch/quill/internal/config"
	"github.com/quillsearch/quill/internal/facet"
	"github.com/quillsearch/quill/internal/indexer"
	"github.com/quillsearch/quill/internal/logging"
	"github.com/quillsearch/quill/internal/scheduler"
)

var (
	dataDir string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "quill is an embeddable full-text search engine",
	Long: `quill indexes JSON, NDJSON and CSV documents into per-index inverted
indexes and answers ranked, typo-tolerant, filterable searches over them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./quill-data", "deployment data directory")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// loadConfig reads the configuration and installs logging.
func loadConfig() (config.Config, func(), error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return cfg, nil, err
	}
	logCfg := logging.DefaultConfig(cfg.DataDir)
	logCfg.Level = cfg.Logging.Level
	if debug {
		logCfg.Level = "debug"
	}
	cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, cleanup, nil
}

// openScheduler builds a scheduler from the configuration and starts it.
func openScheduler(cfg config.Config) (*scheduler.Scheduler, error) {
	s, err := scheduler.New(scheduler.Options{
		DataDir:           cfg.DataDir,
		SnapshotInterval:  cfg.SnapshotInterval(),
		AutoCreateIndexes: cfg.Tasks.AutoCreateIndexes,
		IndexerConfig: indexer.Config{
			Workers:           cfg.Indexer.Workers,
			MaxInMemoryDeltas: cfg.Indexer.MaxInMemoryDeltas,
			EmbedChunkSize:    cfg.Indexer.EmbedChunkSize,
			FacetConfig: facet.Config{
				GroupSize:    cfg.Indexer.FacetGroupSize,
				MinLevelSize: cfg.Indexer.FacetMinLevelSize,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	s.Start()
	return s, nil
}

// waitTimeout bounds CLI waits on task completion.
const waitTimeout = 10 * time.Minute
