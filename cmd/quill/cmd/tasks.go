package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillsearch/quill/internal/scheduler"
)

var (
	tasksStatus string
	tasksIndex  string
	tasksLimit  int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks and their statuses",
	RunE:  runTasks,
}

func init() {
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by status")
	tasksCmd.Flags().StringVar(&tasksIndex, "index", "", "filter by index uid")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 0, "maximum tasks to list")
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
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

	filter := scheduler.Filter{IndexUID: tasksIndex, Limit: tasksLimit}
	if tasksStatus != "" {
		filter.Statuses = []scheduler.Status{scheduler.Status(tasksStatus)}
	}
	tasks, err := s.ListTasks(filter)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tasks)
}
