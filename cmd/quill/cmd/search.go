package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/search"
)

var (
	searchFilter string
	searchSort   []string
	searchLimit  int
	searchOffset int
	searchBudget int64
	searchScores bool
)

var searchCmd = &cobra.Command{
	Use:   "search <index-uid> <query>",
	Short: "Search an index",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchFilter, "filter", "", "filter expression")
	searchCmd.Flags().StringArrayVar(&searchSort, "sort", nil, "sort criterion, e.g. price:asc (repeatable)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum hits")
	searchCmd.Flags().IntVar(&searchOffset, "offset", 0, "hits to skip")
	searchCmd.Flags().Int64Var(&searchBudget, "time-budget-ms", -1, "ranking time budget in ms (-1: index default)")
	searchCmd.Flags().BoolVar(&searchScores, "show-ranking-score", false, "include per-rule score details")
	rootCmd.AddCommand(searchCmd)
}

func parseSortFlag(values []string) ([]search.SortOrder, error) {
	var out []search.SortOrder
	for _, v := range values {
		order := search.SortOrder{Field: v}
		if n := len(v); n > 4 && v[n-4:] == ":asc" {
			order.Field = v[:n-4]
		} else if n > 5 && v[n-5:] == ":desc" {
			order.Field = v[:n-5]
			order.Descending = true
		}
		out = append(out, order)
	}
	return out, nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	uid := args[0]
	query := ""
	if len(args) > 1 {
		query = args[1]
	}

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

	idx, err := s.Registry().Get(uid)
	if err != nil {
		return err
	}

	sort, err := parseSortFlag(searchSort)
	if err != nil {
		return err
	}
	opts := search.Options{
		Query:            query,
		Filter:           searchFilter,
		Sort:             sort,
		Limit:            searchLimit,
		Offset:           searchOffset,
		ShowRankingScore: searchScores,
	}
	if !cmd.Flags().Changed("limit") && cfg.Search.DefaultLimit > 0 {
		opts.Limit = cfg.Search.DefaultLimit
	}
	switch {
	case searchBudget > 0:
		opts.TimeBudget = time.Duration(searchBudget) * time.Millisecond
	case searchBudget == 0:
		opts.TimeBudget = time.Nanosecond // forced degraded mode
	}

	engine := search.NewEngine(idx)
	var result *search.Result
	err = idx.Env().View(func(rtxn *kvenv.ReadTxn) error {
		var err error
		result, err = engine.Search(rtxn, opts)
		return err
	})
	if err != nil {
		return err
	}

	out := map[string]any{
		"hits":             result.Hits,
		"estimatedTotal":   result.EstimatedTotal,
		"processingTimeMs": result.ProcessingTime.Milliseconds(),
		"degraded":         result.Degraded,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d hits in %s\n", len(result.Hits), result.ProcessingTime)
	return nil
}
