package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/claudelens/claudelens/internal/storage"
)

var statsDays int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the archive: projects, sessions, and per-model cost",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		projects, err := store.ListAllProjects(ctx)
		if err != nil {
			return err
		}
		var sessions, messages, bytes int64
		for _, p := range projects {
			sessions += p.SessionCount
			messages += p.MessageCount
			bytes += p.TotalBytes
		}

		end := time.Now().UTC()
		start := end.AddDate(0, 0, -statsDays)
		aggs, err := store.AggregateCosts(ctx, storage.MessageFilter{Start: &start, End: &end})
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"projects":    len(projects),
				"sessions":    sessions,
				"messages":    messages,
				"total_bytes": bytes,
				"models":      aggs,
				"window_days": statsDays,
			})
			return nil
		}

		bold := color.New(color.Bold)
		_, _ = bold.Println("Archive")
		fmt.Printf("  projects: %d   sessions: %d   messages: %d   bytes: %d\n",
			len(projects), sessions, messages, bytes)

		_, _ = bold.Printf("\nCost by model (last %d days)\n", statsDays)
		if len(aggs) == 0 {
			fmt.Println("  no attributed messages in window")
			return nil
		}
		var totalMicros int64
		for _, a := range aggs {
			model := a.Model
			if model == "" {
				model = "(unattributed)"
			}
			fmt.Printf("  %-32s %8d msgs  %10d in  %10d out  %s\n",
				model, a.Messages, a.InputTokens, a.OutputTokens,
				color.CyanString("$%.4f", float64(a.CostMicros)/1e6))
			totalMicros += a.CostMicros
		}
		fmt.Printf("  %-32s %s\n", "total", color.GreenString("$%.4f", float64(totalMicros)/1e6))
		return nil
	},
}

func init() {
	statsCmd.Flags().IntVar(&statsDays, "days", 30, "cost window in days")
}
