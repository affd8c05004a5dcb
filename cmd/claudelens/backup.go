package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/claudelens/claudelens/internal/backup"
	"github.com/claudelens/claudelens/internal/ownership"
	"github.com/claudelens/claudelens/internal/progress"
	"github.com/claudelens/claudelens/internal/types"
)

var (
	backupName        string
	backupProjects    []string
	backupSessions    []string
	backupMinMessages int64
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list, and delete archive backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Write a .claudelens archive of the admin-visible data set",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		engine := backup.NewEngine(store, ownership.NewResolver(store),
			progress.NewBroadcaster(), cfg.BackupDir, log)
		req := &backup.Request{
			Name:  backupName,
			Type:  types.BackupFull,
			Level: cfg.CompressionLevel,
			Filter: types.BackupFilter{
				ProjectIDs:  backupProjects,
				SessionIDs:  backupSessions,
				MinMessages: backupMinMessages,
			},
		}
		if len(backupProjects) > 0 || len(backupSessions) > 0 || backupMinMessages > 0 {
			req.Type = types.BackupSelective
		}

		admin := types.Principal{UserID: cfg.AdminID, Role: types.RoleAdmin}
		meta, err := engine.Run(cmd.Context(), admin, req)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(meta)
			return nil
		}
		color.Green("✓ backup %s complete", meta.ID)
		fmt.Printf("  file:       %s\n", meta.FilePath)
		fmt.Printf("  documents:  %d projects, %d sessions, %d messages\n",
			meta.ContentCounts["projects"], meta.ContentCounts["sessions"], meta.ContentCounts["messages"])
		fmt.Printf("  size:       %d bytes (%d compressed)\n", meta.SizeBytes, meta.CompressedSize)
		fmt.Printf("  checksum:   %s\n", meta.Checksum)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		backups, err := store.ListBackups(cmd.Context(), "")
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(backups)
			return nil
		}
		if len(backups) == 0 {
			fmt.Println("no backups")
			return nil
		}
		for _, b := range backups {
			status := color.GreenString(string(b.Status))
			if b.Status != types.BackupCompleted {
				status = color.YellowString(string(b.Status))
			}
			fmt.Printf("%s  %-12s %-20s %d msgs  %s\n",
				b.ID, status, b.Name, b.ContentCounts["messages"],
				b.CreatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete a backup and its archive file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		engine := backup.NewEngine(store, ownership.NewResolver(store),
			progress.NewBroadcaster(), cfg.BackupDir, log)
		admin := types.Principal{UserID: cfg.AdminID, Role: types.RoleAdmin}
		if err := engine.Delete(cmd.Context(), admin, args[0]); err != nil {
			return err
		}
		color.Green("✓ deleted %s", args[0])
		return nil
	},
}

func init() {
	backupCreateCmd.Flags().StringVar(&backupName, "name", "", "backup name")
	backupCreateCmd.Flags().StringSliceVar(&backupProjects, "project", nil, "limit to project ids (repeatable)")
	backupCreateCmd.Flags().StringSliceVar(&backupSessions, "session", nil, "limit to session ids (repeatable)")
	backupCreateCmd.Flags().Int64Var(&backupMinMessages, "min-messages", 0, "skip sessions with fewer messages")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupDeleteCmd)
}
