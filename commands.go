package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fanbase/database"
	"fanbase/services"
	"fanbase/utils"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			if err := database.Migrate(a.db); err != nil {
				return err
			}
			a.log.Info("migration complete", zap.Int("tables", len(database.Models())))
			return nil
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired link attempts and old audit logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			auditor := utils.NewAuditor(a.db, a.log)
			links := services.NewLinkService(a.db, nil, nil, auditor, nil, a.log, a.cfg.Kick.LinkAttemptTTL)
			janitor := services.NewJanitor(links, auditor, a.cfg.Security.AuditRetentionDays, services.DefaultJanitorInterval, a.log)

			res, err := janitor.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d link attempts, %d audit logs\n", res.LinkAttempts, res.AuditLogs)
			return nil
		},
	}
}

func newBackupCmd() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a copy of the sqlite database to the backups directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			info, pruned, err := database.Backup(a.db, a.cfg.Database.Type, a.cfg.Database.Path, keep, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s (%d bytes), %d old backups removed\n", info.Path, info.Size, pruned)
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 5, "number of backups to retain")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var (
		eventType string
		limit     int
		offset    int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print recent audit log entries as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			logs, total, err := utils.NewAuditor(a.db, a.log).List(eventType, limit, offset)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, l := range logs {
				if err := enc.Encode(l); err != nil {
					return err
				}
			}
			fmt.Fprintf(os.Stderr, "%d of %d entries\n", len(logs), total)
			return nil
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type (oauth, payment, bot, security)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to print")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}
