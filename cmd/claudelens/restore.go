package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/claudelens/claudelens/internal/progress"
	"github.com/claudelens/claudelens/internal/restore"
	"github.com/claudelens/claudelens/internal/types"
)

var (
	restoreMode     string
	restorePolicy   string
	restoreProjects []string
	restoreSessions []string
	restorePreview  bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Apply a .claudelens archive back into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		engine := restore.NewEngine(store, progress.NewBroadcaster(), log)
		admin := types.Principal{UserID: cfg.AdminID, Role: types.RoleAdmin}

		if restorePreview {
			p, err := engine.Preview(cmd.Context(), admin, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(p)
				return nil
			}
			fmt.Printf("archive %q (format v%d)\n", p.Header.Name, p.Header.Version)
			for section, n := range p.Counts {
				fmt.Printf("  %-10s %d\n", section, n)
			}
			for _, w := range p.Warnings {
				color.Yellow("! %s", w)
			}
			return nil
		}

		req := &restore.Request{
			BackupID: args[0],
			Mode:     types.RestoreMode(restoreMode),
			Policy:   types.ConflictPolicy(restorePolicy),
		}
		if len(restoreProjects) > 0 || len(restoreSessions) > 0 {
			req.Mode = types.RestoreSelective
			req.Selective = &types.SelectiveRestore{
				ProjectIDs: restoreProjects,
				SessionIDs: restoreSessions,
			}
		}

		job, err := engine.Run(cmd.Context(), admin, req)
		if err != nil {
			if job != nil && len(job.Errors) > 0 {
				for _, e := range job.Errors {
					color.Red("✗ %s", e)
				}
			}
			return err
		}
		if jsonOutput {
			outputJSON(job)
			return nil
		}
		color.Green("✓ restore %s complete", job.ID)
		fmt.Printf("  inserted: %d  replaced: %d  merged: %d  skipped: %d\n",
			job.Stats.Inserted, job.Stats.Replaced, job.Stats.Merged, job.Stats.Skipped)
		for collection, n := range job.Stats.Conflicts {
			fmt.Printf("  conflicts in %s: %d\n", collection, n)
		}
		return nil
	},
}

func init() {
	restoreCmd.Flags().StringVar(&restoreMode, "mode", "full", "restore mode: full, selective, merge")
	restoreCmd.Flags().StringVar(&restorePolicy, "policy", "skip", "conflict policy: skip, overwrite, rename, merge")
	restoreCmd.Flags().StringSliceVar(&restoreProjects, "project", nil, "restore only these project ids (repeatable)")
	restoreCmd.Flags().StringSliceVar(&restoreSessions, "session", nil, "restore only these session ids (repeatable)")
	restoreCmd.Flags().BoolVar(&restorePreview, "preview", false, "summarize the archive without applying it")
}
