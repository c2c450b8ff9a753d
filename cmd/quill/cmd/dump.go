package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quillsearch/quill/internal/scheduler"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Create a logical dump of every index and the task queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQueueTask(cmd, scheduler.KindDumpCreation)
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create a raw snapshot of every environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQueueTask(cmd, scheduler.KindSnapshotCreation)
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func runQueueTask(cmd *cobra.Command, kind scheduler.Kind) error {
	cfg, cleanup, err := loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	s, err := openScheduler(cfg)
	if err != nil {
		return err
	}
	defer s.Stop()

	task, err := s.Submit(kind, "", scheduler.Payload{})
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
