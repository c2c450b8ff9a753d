package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quillsearch/quill/internal/documents"
	"github.com/quillsearch/quill/internal/scheduler"
)

var (
	indexFormat string
	indexMethod string
)

var indexCmd = &cobra.Command{
	Use:   "index <index-uid> <file>",
	Short: "Add documents from a JSON, NDJSON or CSV file",
	Args:  cobra.ExactArgs(2),
	RunE:  runIndex,
}

func init() {
	indexCmd.Flags().StringVar(&indexFormat, "format", "", "payload format: json, ndjson or csv (default: by extension)")
	indexCmd.Flags().StringVar(&indexMethod, "method", "replace", "document method: replace or update")
	rootCmd.AddCommand(indexCmd)
}

func detectFormat(path string) documents.Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ndjson", ".jsonl":
		return documents.FormatNDJSON
	case ".csv":
		return documents.FormatCSV
	default:
		return documents.FormatJSON
	}
}

func runIndex(cmd *cobra.Command, args []string) error {
	uid, path := args[0], args[1]

	cfg, cleanup, err := loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	format := documents.Format(indexFormat)
	if format == "" {
		format = detectFormat(path)
	}

	// Stage the payload under update_files/<uuid> so the task record stays
	// small and the raw bytes survive a crash before processing.
	staged := uuid.NewString()
	stagedPath := filepath.Join(cfg.DataDir, "update_files", staged)
	if err := os.MkdirAll(filepath.Dir(stagedPath), 0o755); err != nil {
		return err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(stagedPath, payload, 0o644); err != nil {
		return err
	}

	s, err := openScheduler(cfg)
	if err != nil {
		return err
	}
	defer s.Stop()

	task, err := s.Submit(scheduler.KindDocumentAdditionOrUpdate, uid, scheduler.Payload{
		Method:     indexMethod,
		UpdateFile: staged,
		Format:     string(format),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), waitTimeout)
	defer cancel()
	finished, err := s.WaitForTask(ctx, task.UID)
	if err != nil {
		return err
	}
	if finished.Error != nil {
		return fmt.Errorf("task %d failed: [%s] %s", finished.UID, finished.Error.Code, finished.Error.Message)
	}
	fmt.Printf("task %d %s\n", finished.UID, finished.Status)
	return nil
}
